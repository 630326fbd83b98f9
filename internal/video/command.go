// Package video wraps ffprobe and ffmpeg: probing containers, decoding frames
// and muxing frame sequences back into H.264 video.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// CommandError is a stage-aware error carrying the failed command's output.
type CommandError struct {
	Stage      string     `json:"stage"`
	Message    string     `json:"message"`
	CommandLog CommandLog `json:"commandLog"`
	Err        error      `json:"-"`
}

func (e *CommandError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Stage, e.Message, e.CommandLog.Command, e.CommandLog.ExitCode)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *CommandError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner runs a command to completion.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// processStarter starts a long-running command and streams its stdout. The
// returned wait func must be called once stdout is drained or abandoned.
type processStarter interface {
	Start(ctx context.Context, name string, args ...string) (io.ReadCloser, func() (commandResult, error), error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = exitCode(err)
		return result, err
	}
	return result, nil
}

func (r *execRunner) Start(ctx context.Context, name string, args ...string) (io.ReadCloser, func() (commandResult, error), error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	wait := func() (commandResult, error) {
		err := cmd.Wait()
		result := commandResult{Stderr: stderr.String()}
		if err != nil {
			result.ExitCode = exitCode(err)
		}
		return result, err
	}
	return stdout, wait, nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// FFmpeg runs the ffprobe and ffmpeg binaries
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
	starter     processStarter
}

// New constructs an FFmpeg toolkit using the given binaries
func New(ffmpegPath, ffprobePath string) *FFmpeg {
	r := &execRunner{}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		runner:      r,
		starter:     r,
	}
}

// NewForTests constructs a toolkit with injected process execution
func NewForTests(ffmpegPath, ffprobePath string, runner commandRunner, starter processStarter) *FFmpeg {
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		runner:      runner,
		starter:     starter,
	}
}
