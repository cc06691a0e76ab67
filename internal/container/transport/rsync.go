package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Mirror synchronizes directory trees with rsync over SSH. The destination
// is made identical to the source: stale entries are removed.
type Mirror struct {
	Runner  CommandRunner
	Host    string
	Port    int
	User    string
	KeyPath string
	Output  io.Writer
}

// Push mirrors the local directory into remote.
func (m *Mirror) Push(ctx context.Context, local, remote string) error {
	if _, err := m.Runner.Run(ctx, "ssh", append(m.sshArgs(), m.target(), "mkdir -p "+ShellQuote(remote)), m.Output); err != nil {
		return fmt.Errorf("creating remote directory %s: %w", remote, err)
	}
	args := m.rsyncArgs(dirSource(local), m.target()+":"+dirSource(remote))
	if _, err := m.Runner.Run(ctx, "rsync", args, m.Output); err != nil {
		return fmt.Errorf("mirroring %s to %s: %w", local, remote, err)
	}
	return nil
}

// Pull mirrors the remote directory into local.
func (m *Mirror) Pull(ctx context.Context, remote, local string) error {
	if err := os.MkdirAll(local, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", local, err)
	}
	args := m.rsyncArgs(m.target()+":"+dirSource(remote), dirSource(local))
	if _, err := m.Runner.Run(ctx, "rsync", args, m.Output); err != nil {
		return fmt.Errorf("mirroring %s to %s: %w", remote, local, err)
	}
	return nil
}

func (m *Mirror) target() string {
	if m.User == "" {
		return m.Host
	}
	return m.User + "@" + m.Host
}

func (m *Mirror) sshArgs() []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "BatchMode=yes",
	}
	if m.Port > 0 {
		args = append(args, "-p", fmt.Sprint(m.Port))
	}
	if m.KeyPath != "" {
		args = append(args, "-i", m.KeyPath)
	}
	return args
}

func (m *Mirror) rsyncArgs(src, dst string) []string {
	return []string{"-a", "--delete", "-e", "ssh " + strings.Join(m.sshArgs(), " "), src, dst}
}

// LocalMirror mirrors src into dst on the host.
func LocalMirror(ctx context.Context, runner CommandRunner, src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := runner.Run(ctx, "rsync", []string{"-a", "--delete", dirSource(src), dirSource(dst)}, nil); err != nil {
		return fmt.Errorf("mirroring %s to %s: %w", src, dst, err)
	}
	return nil
}

// dirSource appends the trailing slash that makes rsync copy a directory's
// contents rather than the directory itself.
func dirSource(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
