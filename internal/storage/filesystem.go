package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStorage implements Uploads on the local filesystem
type FilesystemStorage struct {
	videoDir string
	modelDir string
	maxSize  int64
}

// NewFilesystemStorage creates the storage, ensuring both directories exist.
// maxSize limits each stored file; 0 means no limit.
func NewFilesystemStorage(videoDir, modelDir string, maxSize int64) (*FilesystemStorage, error) {
	for _, dir := range []string{videoDir, modelDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &FilesystemStorage{
		videoDir: videoDir,
		modelDir: modelDir,
		maxSize:  maxSize,
	}, nil
}

// SaveVideo stores the video as {jobID}{ext}
func (fs *FilesystemStorage) SaveVideo(ctx context.Context, jobID, filename string, r io.Reader) (string, error) {
	ext, err := VideoExt(filename)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, filepath.Ext(filename))
	}
	return fs.write(ctx, fs.videoDir, jobID+ext, r)
}

// SaveModel stores custom weights as {jobID}_{filename}
func (fs *FilesystemStorage) SaveModel(ctx context.Context, jobID, filename string, r io.Reader) (string, error) {
	name := filepath.Base(filename)
	if !strings.HasSuffix(strings.ToLower(name), ModelExtension) {
		return "", fmt.Errorf("%w: only %s model files are allowed", ErrUnsupportedType, ModelExtension)
	}
	return fs.write(ctx, fs.modelDir, jobID+"_"+name, r)
}

// Remove deletes a stored file. A missing file is not an error.
func (fs *FilesystemStorage) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func (fs *FilesystemStorage) write(ctx context.Context, dir, key string, r io.Reader) (string, error) {
	path, err := resolve(dir, key)
	if err != nil {
		return "", err
	}

	// an existing upload is never replaced
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, key)
		}
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if fs.maxSize > 0 {
		// one extra byte tells an exact fit from an overflow
		src = io.LimitReader(src, fs.maxSize+1)
	}

	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && fs.maxSize > 0 && n > fs.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return "", err
		}
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}

	return path, nil
}

// resolve joins key onto dir, refusing anything outside dir
func resolve(dir, key string) (string, error) {
	path := filepath.Join(dir, key)

	// Security: prevent directory traversal
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}

	return path, nil
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
