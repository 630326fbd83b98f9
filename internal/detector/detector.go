// Package detector adapts object-detection backends to the job pipeline.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// ErrUnknownModel is returned when a model name is neither built in nor a
// weights path
var ErrUnknownModel = errors.New("unknown model")

// Detector runs inference on one frame and returns the annotated frame.
// A Detector is used by a single job and need not be safe for concurrent use.
type Detector interface {
	Predict(ctx context.Context, frame image.Image) (image.Image, error)
}

// Detection is one object found in a frame
type Detection struct {
	Box        image.Rectangle
	Label      string
	ClassID    int
	Confidence float64
}

// ModelKind tells built-in model names apart from uploaded weights
type ModelKind int

const (
	KindBuiltIn ModelKind = iota
	KindCustom
)

// ModelSpec identifies the weights a job runs with
type ModelSpec struct {
	Kind ModelKind
	// Name is the requested model (built-in name or the path as given)
	Name string
	// Weights is the built-in weights file or the custom weights path
	Weights string
}

// BuiltIn returns a spec for a named model shipped with the backend
func BuiltIn(name, weights string) ModelSpec {
	return ModelSpec{Kind: KindBuiltIn, Name: name, Weights: weights}
}

// Custom returns a spec for uploaded weights at path
func Custom(path string) ModelSpec {
	return ModelSpec{Kind: KindCustom, Name: path, Weights: path}
}

func (s ModelSpec) String() string {
	if s.Kind == KindCustom {
		return "custom:" + s.Weights
	}
	return "builtin:" + s.Name
}

// ResolveModel maps a requested model string to a spec. Names in builtins
// resolve to BuiltIn; anything that looks like a weights file (a path
// separator or a .pt suffix) resolves to Custom.
func ResolveModel(model string, builtins map[string]string) (ModelSpec, error) {
	model = strings.TrimSpace(model)
	if weights, ok := builtins[model]; ok {
		return BuiltIn(model, weights), nil
	}
	if strings.ContainsRune(model, filepath.Separator) || strings.ContainsRune(model, '/') ||
		strings.HasSuffix(strings.ToLower(model), ".pt") {
		return Custom(model), nil
	}
	return ModelSpec{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// Factory builds a Detector for one job. Construction failures are fatal to
// the job and are not retried.
type Factory func(ctx context.Context, spec ModelSpec, colors pipeline.ColorMap) (Detector, error)
