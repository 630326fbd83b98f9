// Package colors stores per-model class color overrides.
package colors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// ErrInvalidColor is returned when a color value is not "#rrggbb"
var ErrInvalidColor = errors.New("invalid color, expected #rrggbb")

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Key is the cache key holding the override set for a normalized model key.
// Override sets carry no TTL.
func Key(modelKey string) string {
	return fmt.Sprintf("model:%s:colors", modelKey)
}

// NormalizeModelKey reduces a model name or weights path to a stable key so
// overrides survive the per-job prefix custom uploads get. The rule is
// lexical: take the file name and drop everything up to the first "_". A
// built-in name without "_" is returned unchanged; a file name whose own
// name contains "_" loses its first segment too.
func NormalizeModelKey(model string) string {
	name := filepath.Base(model)
	if _, rest, ok := strings.Cut(name, "_"); ok {
		return rest
	}
	return name
}

// Validate checks that every value in the set is "#rrggbb"
func Validate(set pipeline.ColorMap) error {
	for label, c := range set {
		if !hexColor.MatchString(c) {
			return fmt.Errorf("%w: %s=%q", ErrInvalidColor, label, c)
		}
	}
	return nil
}

// Store reads and writes override sets
type Store struct {
	rdb redis.Cmdable
}

// NewStore creates a store on the given Redis client
func NewStore(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

// Get returns the override set for a normalized model key. A missing set is
// returned as an empty map with a nil error.
func (s *Store) Get(ctx context.Context, modelKey string) (pipeline.ColorMap, error) {
	raw, err := s.rdb.Get(ctx, Key(modelKey)).Result()
	if errors.Is(err, redis.Nil) {
		return pipeline.ColorMap{}, nil
	}
	if err != nil {
		return pipeline.ColorMap{}, fmt.Errorf("read colors for %s: %w", modelKey, err)
	}
	set := pipeline.ColorMap{}
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return pipeline.ColorMap{}, fmt.Errorf("decode colors for %s: %w", modelKey, err)
	}
	return set, nil
}

// Set replaces the override set for a normalized model key
func (s *Store) Set(ctx context.Context, modelKey string, set pipeline.ColorMap) error {
	if err := Validate(set); err != nil {
		return err
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode colors: %w", err)
	}
	if err := s.rdb.Set(ctx, Key(modelKey), raw, 0).Err(); err != nil {
		return fmt.Errorf("write colors for %s: %w", modelKey, err)
	}
	return nil
}

// SetIfAbsent writes the set only when no override set exists yet.
// Reports whether it wrote.
func (s *Store) SetIfAbsent(ctx context.Context, modelKey string, set pipeline.ColorMap) (bool, error) {
	if err := Validate(set); err != nil {
		return false, err
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return false, fmt.Errorf("encode colors: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, Key(modelKey), raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("seed colors for %s: %w", modelKey, err)
	}
	return ok, nil
}
