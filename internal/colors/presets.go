package colors

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
	"gopkg.in/yaml.v3"
)

// Presets is the on-disk preset file:
//
//	models:
//	  yolov8n.pt:
//	    person: "#ff0000"
//	    car: "#00ff00"
type Presets struct {
	Models map[string]pipeline.ColorMap `yaml:"models"`
}

// LoadPresets parses a preset file
func LoadPresets(path string) (*Presets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	return ParsePresets(data)
}

// ParsePresets parses preset YAML and validates every color
func ParsePresets(data []byte) (*Presets, error) {
	var p Presets
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	for model, set := range p.Models {
		if err := Validate(set); err != nil {
			return nil, fmt.Errorf("preset %s: %w", model, err)
		}
	}
	return &p, nil
}

// Seed writes each preset under its normalized key unless an override set
// already exists there. Returns the number of sets written.
func (s *Store) Seed(ctx context.Context, p *Presets, logger *slog.Logger) (int, error) {
	written := 0
	for model, set := range p.Models {
		key := NormalizeModelKey(model)
		ok, err := s.SetIfAbsent(ctx, key, set)
		if err != nil {
			return written, err
		}
		if ok {
			written++
			logger.Info("seeded color preset", "model", key, "labels", len(set))
		} else {
			logger.Debug("color preset skipped, override exists", "model", key)
		}
	}
	return written, nil
}
