package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tendant/simple-detection-pipeline/pkg/client"
)

var (
	uploadModel       string
	uploadCustomModel string
	uploadWatch       bool
	uploadOutput      string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <video>",
	Short: "Upload a video and start a detection job",
	Long: `Upload a video (.mp4, .mov, .avi, .mkv) and start a detection job.

Use --model for a built-in model or --custom-model to upload your own
.pt weights. With --watch the command follows the job until it finishes,
and with --output it then downloads the annotated video.

Examples:
  detectctl upload clip.mp4
  detectctl upload clip.mp4 --model yolo11n --watch
  detectctl upload clip.mp4 --custom-model helmets.pt --watch -o out.mp4`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVarP(&uploadModel, "model", "m", "", "built-in model name (server default if empty)")
	uploadCmd.Flags().StringVar(&uploadCustomModel, "custom-model", "", "path to custom .pt weights")
	uploadCmd.Flags().BoolVarP(&uploadWatch, "watch", "w", false, "follow the job until it finishes")
	uploadCmd.Flags().StringVarP(&uploadOutput, "output", "o", "", "download the annotated video to this file (implies --watch)")
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	resp, err := apiClient.Upload(ctx, client.UploadRequest{
		VideoPath:       args[0],
		Model:           uploadModel,
		CustomModelPath: uploadCustomModel,
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	fmt.Fprintf(w, "Job started: %s\n", resp.JobID)
	fmt.Fprintf(w, "  Model: %s\n", resp.ModelUsed)
	fmt.Fprintf(w, "  Events: %s\n", resp.WS)

	if !uploadWatch && uploadOutput == "" {
		return nil
	}

	// frames produced before the socket opens are not replayed; the
	// summary still comes from the done event
	if err := watchJob(cmd, resp.JobID); err != nil {
		return err
	}

	if uploadOutput != "" {
		return downloadJob(cmd, resp.JobID, uploadOutput)
	}
	return nil
}
