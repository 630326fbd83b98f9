package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tendant/simple-detection-pipeline/pkg/client"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var downloadOutput string

var downloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Download a finished job's annotated video",
	Long: `Download the annotated video of a finished job.

The server forgets the job once its video has been built, so a job can be
downloaded only once.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := downloadOutput
		if path == "" {
			path = args[0] + ".mp4"
		}
		return downloadJob(cmd, args[0], path)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw JSON")
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "output file (default <job-id>.mp4)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()

	info, err := apiClient.Status(cmd.Context(), args[0])
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("job %s not found or expired", args[0])
		}
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintf(w, "Job: %s\n", args[0])
	fmt.Fprintf(w, "  Status: %s\n", info.Status)
	fmt.Fprintf(w, "  Model: %s\n", info.Model)
	fmt.Fprintf(w, "  Frames: %d/%d\n", info.ProcessedFrames, info.TotalFrames)
	if info.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", info.Error)
	}
	if info.Metrics != nil {
		printMetrics(cmd, info.Metrics)
	}
	return nil
}

func downloadJob(cmd *cobra.Command, jobID, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	n, err := apiClient.Download(cmd.Context(), jobID, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		switch {
		case errors.Is(err, client.ErrNotFound):
			return fmt.Errorf("job %s not found, expired or already downloaded", jobID)
		case errors.Is(err, client.ErrJobRunning):
			return fmt.Errorf("job %s is still running, wait for it to finish", jobID)
		case errors.Is(err, client.ErrNoFrames):
			return fmt.Errorf("job %s has no frames to encode", jobID)
		}
		return fmt.Errorf("download: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", path, n)
	return nil
}
