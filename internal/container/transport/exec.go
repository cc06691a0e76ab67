package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandRunner runs a host-side program. It is the seam through which the
// CLI-driven backends (podman, lxc, rsync) are exercised in tests.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, out io.Writer) (string, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

// Run executes name with args, capturing combined output. A non-zero exit
// status is returned as *ExitError.
func (r ExecRunner) Run(ctx context.Context, name string, args []string, out io.Writer) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	w := &lockedWriter{w: io.Writer(&buf)}
	if out != nil {
		w.w = io.MultiWriter(&buf, out)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	logger.Debug("running host command", "name", name, "args", args)
	err := cmd.Run()
	output := buf.String()
	if err == nil {
		return output, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, &ExitError{
			Command: name + " " + strings.Join(args, " "),
			Status:  exitErr.ExitCode(),
			Output:  output,
		}
	}
	return output, fmt.Errorf("running %s: %w", name, err)
}
