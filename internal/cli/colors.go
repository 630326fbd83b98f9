package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

var colorsCmd = &cobra.Command{
	Use:   "colors <model> [label=#rrggbb ...]",
	Short: "Show or replace a model's class colors",
	Long: `Show a model's class colors, or replace them when label=#rrggbb pairs
are given. The new set applies to jobs started afterwards.

Examples:
  detectctl colors yolov8n
  detectctl colors helmets.pt helmet=#00ff00 head=#ff0000`,
	Args: cobra.MinimumNArgs(1),
	RunE: runColors,
}

func runColors(cmd *cobra.Command, args []string) error {
	model := args[0]

	var (
		mc  *pipeline.ModelColors
		err error
	)
	if len(args) == 1 {
		mc, err = apiClient.GetColors(cmd.Context(), model)
	} else {
		set, perr := parseColorPairs(args[1:])
		if perr != nil {
			return perr
		}
		mc, err = apiClient.SetColors(cmd.Context(), model, set)
	}
	if err != nil {
		return fmt.Errorf("colors: %w", err)
	}

	w := cmd.OutOrStdout()
	if len(mc.Colors) == 0 {
		fmt.Fprintf(w, "%s: default palette\n", mc.ModelKey)
		return nil
	}

	fmt.Fprintf(w, "%s:\n", mc.ModelKey)
	labels := make([]string, 0, len(mc.Colors))
	for label := range mc.Colors {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	for _, label := range labels {
		fmt.Fprintf(w, "  %s %s\n", label, mc.Colors[label])
	}
	return nil
}

func parseColorPairs(pairs []string) (pipeline.ColorMap, error) {
	set := pipeline.ColorMap{}
	for _, p := range pairs {
		label, c, ok := strings.Cut(p, "=")
		if !ok || label == "" || c == "" {
			return nil, fmt.Errorf("invalid color %q, expected label=#rrggbb", p)
		}
		set[label] = c
	}
	return set, nil
}
