// Package runner executes external collaborator commands through the shell.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result is the captured output of one command run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes command with sh -c, writing input to stdin. Extra env entries
// are appended to the current environment. A non-zero exit is returned as an
// error carrying the trimmed stderr.
func Run(ctx context.Context, command, input string, timeout time.Duration, env ...string) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, errors.New("command is empty")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdin = strings.NewReader(input)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("command %q: %w", command, ctx.Err())
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = runErr.Error()
	}
	return res, fmt.Errorf("command exited %d: %s", res.ExitCode, msg)
}
