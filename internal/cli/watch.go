package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a running job",
	Long: `Follow a running job and print its progress until it finishes.

Only events published after the connection is made are shown.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchJob(cmd, args[0])
	},
}

func watchJob(cmd *cobra.Command, jobID string) error {
	w := cmd.OutOrStdout()
	frames := 0

	err := apiClient.Watch(cmd.Context(), jobID, func(ev pipeline.Event) error {
		switch ev.Type {
		case pipeline.EventInfo:
			if verbose {
				fmt.Fprintf(w, "info: %s\n", ev.Message)
			}
		case pipeline.EventFrame:
			frames++
		case pipeline.EventProgress:
			if ev.Pct != nil && ev.TotalFrames != nil && *ev.TotalFrames > 0 {
				fmt.Fprintf(w, "\rframe %d/%d (%.1f%%)", *ev.Frame, *ev.TotalFrames, *ev.Pct)
			} else if ev.Frame != nil {
				fmt.Fprintf(w, "\rframe %d", *ev.Frame)
			}
		case pipeline.EventDone:
			fmt.Fprintln(w)
			printMetrics(cmd, ev.Metrics)
		case pipeline.EventError:
			fmt.Fprintln(w)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", jobID, err)
	}

	if verbose {
		fmt.Fprintf(w, "%d frames received\n", frames)
	}
	return nil
}

func printMetrics(cmd *cobra.Command, m *pipeline.Metrics) {
	if m == nil {
		return
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Done: %d frames in %.2fs (%.2f fps)\n", m.TotalFrames, m.TotalTimeS, m.AvgFPS)
	fmt.Fprintf(w, "  Model: %s\n", m.Model)
	fmt.Fprintf(w, "  Avg preprocess: %.3f ms\n", m.AvgPreprocessMs)
	fmt.Fprintf(w, "  Avg inference: %.3f ms\n", m.AvgInferMs)
	fmt.Fprintf(w, "  Avg postprocess: %.3f ms\n", m.AvgPostprocessMs)
	if m.FailedInferences > 0 || m.SkippedFrames > 0 {
		fmt.Fprintf(w, "  Failed inferences: %d, skipped frames: %d\n", m.FailedInferences, m.SkippedFrames)
	}
}
