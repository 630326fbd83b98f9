package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
)

// ErrOpen is returned when the decoder exits before producing a frame
var ErrOpen = errors.New("cannot open video")

// Reader yields decoded frames in capture order. Next returns io.EOF once
// the stream is exhausted.
type Reader interface {
	Next() (image.Image, error)
	Close() error
}

// frameReader decodes raw RGB24 frames from an ffmpeg pipe
type frameReader struct {
	stdout io.ReadCloser
	wait   func() (commandResult, error)
	cancel context.CancelFunc
	log    CommandLog

	width, height int
	buf           []byte
	read          int

	closeOnce sync.Once
	done      bool
}

// Open starts decoding path. info supplies the frame dimensions from Probe.
func (f *FFmpeg) Open(ctx context.Context, path string, info Info) (Reader, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("%w: unknown frame size %dx%d", ErrOpen, info.Width, info.Height)
	}

	// frames must come out at the probed coded size, one per decoded frame
	args := []string{
		"-v", "error",
		"-noautorotate",
		"-i", path,
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	}

	ctx, cancel := context.WithCancel(ctx)
	stdout, wait, err := f.starter.Start(ctx, f.ffmpegPath, args...)
	if err != nil {
		cancel()
		return nil, &CommandError{
			Stage:      "decode",
			Message:    "cannot start ffmpeg",
			CommandLog: CommandLog{Command: f.ffmpegPath, Args: args, ExitCode: -1},
			Err:        errors.Join(ErrOpen, err),
		}
	}

	return &frameReader{
		stdout: stdout,
		wait:   wait,
		cancel: cancel,
		log:    CommandLog{Command: f.ffmpegPath, Args: args},
		width:  info.Width,
		height: info.Height,
		buf:    make([]byte, info.Width*info.Height*3),
	}, nil
}

func (r *frameReader) Next() (image.Image, error) {
	if r.done {
		return nil, io.EOF
	}

	_, err := io.ReadFull(r.stdout, r.buf)
	if err != nil {
		r.done = true
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read frame %d: %w", r.read, err)
		}
		// a trailing partial frame is dropped
		res, werr := r.finish()
		if werr != nil {
			log := r.log
			log.ExitCode = res.ExitCode
			log.Stderr = res.Stderr
			cause := werr
			if r.read == 0 {
				cause = errors.Join(ErrOpen, werr)
			}
			return nil, &CommandError{Stage: "decode", Message: "ffmpeg exited with error", CommandLog: log, Err: cause}
		}
		return nil, io.EOF
	}

	r.read++
	return rgbToNRGBA(r.buf, r.width, r.height), nil
}

// Close stops the decoder. Safe to call more than once and after EOF.
func (r *frameReader) Close() error {
	r.cancel()
	r.closeOnce.Do(func() {
		r.stdout.Close()
		_, _ = r.wait()
	})
	return nil
}

// finish waits for a decoder that reached end of stream on its own
func (r *frameReader) finish() (commandResult, error) {
	var res commandResult
	var err error
	r.closeOnce.Do(func() {
		res, err = r.wait()
		r.stdout.Close()
	})
	return res, err
}

func rgbToNRGBA(buf []byte, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < len(buf); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
