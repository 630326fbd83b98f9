// Package storage keeps uploaded videos and custom model weights on disk.
package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"strings"
)

var (
	// ErrUnsupportedType is returned for a file extension that is not accepted
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrTooLarge is returned when an upload exceeds the size limit
	ErrTooLarge = errors.New("file too large")

	// ErrExists is returned when a stored file already has that name
	ErrExists = errors.New("file already exists")

	// ErrInvalidKey is returned when a name would escape its directory
	ErrInvalidKey = errors.New("invalid key: path traversal detected")
)

// VideoExtensions are the accepted video file extensions
var VideoExtensions = []string{".mp4", ".mov", ".avi", ".mkv"}

// ModelExtension is the accepted custom weights extension
const ModelExtension = ".pt"

// Uploads stores the inputs of a job
type Uploads interface {
	// SaveVideo stores the video for jobID and returns its path
	SaveVideo(ctx context.Context, jobID, filename string, r io.Reader) (string, error)

	// SaveModel stores custom weights for jobID and returns their path
	SaveModel(ctx context.Context, jobID, filename string, r io.Reader) (string, error)

	// Remove deletes a stored upload
	Remove(path string) error
}

// VideoExt returns the lower-cased extension of filename if it is an
// accepted video type
func VideoExt(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !slices.Contains(VideoExtensions, ext) {
		return "", ErrUnsupportedType
	}
	return ext, nil
}
