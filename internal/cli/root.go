// Package cli provides the command-line interface for the detection pipeline.
package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-detection-pipeline/pkg/client"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	verbose   bool

	// Global client, set in PersistentPreRunE
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "detectctl",
	Short: "Run object detection jobs on videos",
	Long: `detectctl talks to a detection pipeline server.

Upload a video to start a job, watch frames and progress as they are
produced, check a job's status and download the annotated video once the
job has finished.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Ctrl-C cancels the running command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	defaultURL := os.Getenv("DETECT_SERVER_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultURL, "pipeline server URL (env DETECT_SERVER_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(colorsCmd)
}
