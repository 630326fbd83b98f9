package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-detection-pipeline/internal/config"
	"github.com/tendant/simple-detection-pipeline/pkg/runner"
)

// Standalone pipeline server for quick testing
// Uses an in-memory Redis and the passthrough detector unless DETECTOR_URL
// is set. No external services needed.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger, closeLog := config.SetupLogger(cfg, "pipeline-standalone")
	defer closeLog()

	log.Printf("Pipeline Standalone Server")
	log.Printf("  Mode: Embedded (in-memory Redis + local uploads)")
	log.Printf("  Upload directory: %s", cfg.UploadDir)
	log.Printf("  HTTP address: %s", cfg.HTTPAddr)

	// Embedded Redis; everything is lost on exit
	mr, err := miniredis.Run()
	if err != nil {
		log.Fatalf("Failed to start embedded redis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	log.Printf("✓ Embedded redis listening on %s", mr.Addr())

	// miniredis only expires keys when told time has passed
	stopClock := make(chan struct{})
	defer close(stopClock)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mr.FastForward(time.Second)
			case <-stopClock:
				return
			}
		}
	}()

	r, err := runner.New(context.Background(), cfg, runner.Deps{
		Redis:  rdb,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r.Handler(),
	}

	// Start server in goroutine
	go func() {
		log.Printf("✓ Pipeline server ready on %s", cfg.HTTPAddr)
		log.Printf("")
		log.Printf("Quick test:")
		log.Printf("  curl -F file=@clip.mp4 -F model=%s http://localhost%s/upload", cfg.DefaultModel, cfg.HTTPAddr)
		log.Printf("")
		log.Printf("Available endpoints:")
		log.Printf("  GET  /health                 - Health check")
		log.Printf("  POST /upload                 - Upload a video and start a job")
		log.Printf("  GET  /ws/jobs/{id}           - Live frames and progress (WebSocket)")
		log.Printf("  GET  /jobs/{id}              - Job status")
		log.Printf("  GET  /download/{id}          - Annotated video (once)")
		log.Printf("  GET  /models/{model}/colors  - Color overrides")
		log.Printf("  PUT  /models/{model}/colors  - Replace color overrides")
		log.Printf("  GET  /metrics                - Prometheus metrics")
		log.Printf("")
		log.Printf("Or drive it from the CLI:")
		log.Printf("  go run ./cmd/detectctl upload --watch clip.mp4")
		log.Printf("")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := r.Shutdown(ctx); err != nil {
		log.Printf("Jobs did not stop in time: %v", err)
	}

	log.Println("Server stopped")
}
