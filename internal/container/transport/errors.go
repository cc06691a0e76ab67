// Package transport provides the remote command and tree mirroring
// primitives shared by every container backend.
package transport

import "fmt"

// TransientError wraps a failure to reach the remote side at all: refused or
// timed out connections, failed handshakes, dropped sessions. Only readiness
// probing retries it.
type TransientError struct {
	Addr string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transport to %s unavailable: %v", e.Addr, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Status  int
	Output  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", truncate(e.Command, 120), e.Status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
