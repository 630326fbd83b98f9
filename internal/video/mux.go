package video

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
)

// FramePattern is the file name pattern frames are written under before muxing
const FramePattern = "frame_%06d.jpg"

// FrameName returns the file name for frame i
func FrameName(i int) string {
	return fmt.Sprintf(FramePattern, i)
}

// Mux encodes dir/frame_%06d.jpg into an H.264 MP4 at fps. Odd frame sizes
// are padded to even dimensions, which yuv420p requires.
func (f *FFmpeg) Mux(ctx context.Context, dir string, fps float64, outPath string) error {
	args := []string{
		"-y",
		"-v", "error",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", filepath.Join(dir, FramePattern),
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		outPath,
	}
	res, err := f.runner.Run(ctx, f.ffmpegPath, args...)
	if err != nil {
		return &CommandError{
			Stage:   "encode",
			Message: "ffmpeg failed to encode frames",
			CommandLog: CommandLog{
				Command:  f.ffmpegPath,
				Args:     args,
				ExitCode: res.ExitCode,
				Stdout:   res.Stdout,
				Stderr:   res.Stderr,
			},
			Err: err,
		}
	}
	return nil
}
