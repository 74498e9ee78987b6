// Package execx runs the external processing tools the pipeline stages
// wrap, capturing enough failure detail to classify the error.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError reports a tool invocation that ran but exited non-zero.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Cmd, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Cmd, e.ExitCode)
}

// ErrNotStarted reports a tool that could not be launched at all
// (missing binary, permission problem).
var ErrNotStarted = errors.New("command could not be started")

// Run executes name with args under ctx and returns the combined error
// state. Stderr is captured and trimmed to a single reportable line set;
// stdout is discarded since the tools communicate through files.
func Run(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &CommandError{
			Cmd:      name,
			ExitCode: exitErr.ExitCode(),
			Stderr:   tail(stderr.String(), 2000),
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrNotStarted, name, err)
}

// RunOutput is Run but returns the tool's stdout.
func RunOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &CommandError{
			Cmd:      name,
			ExitCode: exitErr.ExitCode(),
			Stderr:   tail(stderr.String(), 2000),
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrNotStarted, name, err)
}

// tail keeps the last n bytes of s; tool stderr ends with the message
// that matters.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
