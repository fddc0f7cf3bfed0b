package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunPassesStdinAndEnv(t *testing.T) {
	res, err := Run(context.Background(), `cat; printf " %s" "$GREETING"`, "hello", time.Second, "GREETING=world")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "hello world" {
		t.Fatalf("unexpected stdout %q", res.Stdout)
	}
}

func TestRunReportsExitCode(t *testing.T) {
	res, err := Run(context.Background(), "echo broken >&2; exit 3", "", time.Second)
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.ExitCode != 3 || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
}

func TestRunTimeout(t *testing.T) {
	_, err := Run(context.Background(), "sleep 5", "", 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	if _, err := Run(context.Background(), "  ", "", 0); err == nil {
		t.Fatalf("expected error")
	}
}
