// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values.
type Config struct {
	HTTPAddr string

	// Cache service
	RedisURL string
	CacheTTL time.Duration

	// Filesystem locations
	UploadDir string
	ModelDir  string
	TmpDir    string

	MaxUploadSize int64

	// External tools
	FFmpegBin  string
	FFprobeBin string

	// Detection backend. Empty DetectorURL selects the passthrough backend.
	DetectorURL   string
	DefaultModel  string
	BuiltinModels map[string]string

	DefaultFPS    float64
	JPEGQuality   int
	FrameMaxWidth int

	ColorPresetsFile  string
	LedgerDatabaseURL string

	// Logging
	LogFile  string
	LogLevel slog.Level

	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables.
// Defaults match the values the service has always shipped with.
func Load() Config {
	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CacheTTL: getDuration("CACHE_TTL", 30*time.Minute),

		UploadDir: getEnv("UPLOAD_DIR", "./uploads"),
		ModelDir:  getEnv("MODEL_DIR", "./custom_models"),
		TmpDir:    getEnv("TMP_DIR", "./tmp"),

		MaxUploadSize: getInt64("MAX_UPLOAD_SIZE", 200*1024*1024),

		FFmpegBin:  getEnv("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin: getEnv("FFPROBE_BIN", "ffprobe"),

		DetectorURL:   getEnv("DETECTOR_URL", ""),
		DefaultModel:  getEnv("DEFAULT_MODEL", "yolov8n"),
		BuiltinModels: parseModelMap(getEnv("BUILTIN_MODELS", "yolov8n=yolov8n.pt,yolo11n=yolo11n.pt")),

		DefaultFPS:    getFloat("DEFAULT_FPS", 25),
		JPEGQuality:   int(getInt64("JPEG_QUALITY", 80)),
		FrameMaxWidth: int(getInt64("FRAME_MAX_WIDTH", 0)),

		ColorPresetsFile:  getEnv("COLOR_PRESETS_FILE", ""),
		LedgerDatabaseURL: getEnv("LEDGER_DATABASE_URL", ""),

		LogFile:  getEnv("LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "INFO")),

		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", c.MaxUploadSize))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("JPEG_QUALITY must be in 1..100, got %d", c.JPEGQuality))
	}
	if c.DefaultFPS <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_FPS must be positive, got %v", c.DefaultFPS))
	}
	if c.FrameMaxWidth < 0 {
		errs = append(errs, fmt.Errorf("FRAME_MAX_WIDTH must not be negative, got %d", c.FrameMaxWidth))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// bare integers are seconds
		if n, err := strconv.Atoi(val); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return defaultVal
}

// parseModelMap parses "name=weights,name2=weights2".
func parseModelMap(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		name, weights, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || weights == "" {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(weights)
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
