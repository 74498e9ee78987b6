package execx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunSuccess(t *testing.T) {
	if err := Run(context.Background(), "true"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestRunExitCode(t *testing.T) {
	err := Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", cmdErr.ExitCode)
	}
	if !strings.Contains(cmdErr.Stderr, "boom") {
		t.Errorf("stderr not captured: %q", cmdErr.Stderr)
	}
	if !strings.Contains(cmdErr.Error(), "boom") {
		t.Errorf("error message missing stderr: %q", cmdErr.Error())
	}
}

func TestRunMissingBinary(t *testing.T) {
	err := Run(context.Background(), "definitely-not-a-real-binary-xyz")
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := Run(ctx, "sleep", "5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestRunOutput(t *testing.T) {
	out, err := RunOutput(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("RunOutput failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestTailKeepsEnd(t *testing.T) {
	long := strings.Repeat("x", 3000) + "the actual error"
	got := tail(long, 100)
	if !strings.HasSuffix(got, "the actual error") {
		t.Errorf("tail dropped the end: %q", got)
	}
	if len(got) > 103 {
		t.Errorf("tail too long: %d", len(got))
	}
}
