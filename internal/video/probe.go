package video

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrNoVideoStream is returned when the container has no video stream
var ErrNoVideoStream = errors.New("no video stream")

// DefaultFPS is assumed when the container does not report a frame rate
const DefaultFPS = 30.0

// Info describes the first video stream of a container.
// TotalFrames is 0 when the container does not say.
type Info struct {
	TotalFrames int
	FPS         float64
	Width       int
	Height      int
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		NbFrames     string `json:"nb_frames"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// Probe reads frame count, rate and dimensions with ffprobe
func (f *FFmpeg) Probe(ctx context.Context, path string) (Info, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,nb_frames,r_frame_rate,avg_frame_rate",
		"-of", "json",
		path,
	}
	res, err := f.runner.Run(ctx, f.ffprobePath, args...)
	log := CommandLog{Command: f.ffprobePath, Args: args, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if err != nil {
		return Info{}, &CommandError{Stage: "probe", Message: "ffprobe failed", CommandLog: log, Err: err}
	}

	var out probeOutput
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return Info{}, &CommandError{Stage: "probe", Message: "unreadable ffprobe output", CommandLog: log, Err: err}
	}
	if len(out.Streams) == 0 {
		return Info{}, &CommandError{Stage: "probe", Message: "container has no video stream", CommandLog: log, Err: ErrNoVideoStream}
	}

	s := out.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Info{}, &CommandError{Stage: "probe", Message: "video stream has no dimensions", CommandLog: log, Err: ErrNoVideoStream}
	}

	info := Info{Width: s.Width, Height: s.Height}
	info.TotalFrames, _ = strconv.Atoi(s.NbFrames)

	info.FPS = parseRate(s.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseRate(s.RFrameRate)
	}
	if info.FPS <= 0 {
		info.FPS = DefaultFPS
	}
	return info, nil
}

// parseRate parses "30000/1001" or "25". Returns 0 when unparseable.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
