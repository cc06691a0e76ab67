package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Executor runs a shell command on the remote side, streams its combined
// output to out and returns the captured output.
type Executor interface {
	Run(ctx context.Context, cmd string, out io.Writer) (string, error)
}

// SSH executes commands over an SSH connection. A fresh connection is
// dialled per command.
type SSH struct {
	addr   string
	config *ssh.ClientConfig
	logger *slog.Logger
}

// NewSSH creates an SSH executor for user@host:port authenticated by signer.
func NewSSH(host string, port int, user string, signer ssh.Signer, logger *slog.Logger) *SSH {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSH{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // build containers regenerate host keys on every start
			Timeout:         10 * time.Second,
		},
		logger: logger,
	}
}

// Addr returns the host:port the executor connects to.
func (s *SSH) Addr() string {
	return s.addr
}

// LoadSigner reads a PEM private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	return ParseSigner(data)
}

// ParseSigner parses PEM private key material.
func ParseSigner(pem []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key: %w", err)
	}
	return signer, nil
}

// Run executes cmd on the remote side. Connection failures are returned as
// *TransientError; a non-zero exit status as *ExitError.
func (s *SSH) Run(ctx context.Context, cmd string, out io.Writer) (string, error) {
	client, err := s.dial(ctx)
	if err != nil {
		return "", &TransientError{Addr: s.addr, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", &TransientError{Addr: s.addr, Err: err}
	}
	defer session.Close()

	var buf bytes.Buffer
	w := &lockedWriter{w: io.Writer(&buf)}
	if out != nil {
		w.w = io.MultiWriter(&buf, out)
	}
	session.Stdout = w
	session.Stderr = w

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	s.logger.Debug("running remote command", "addr", s.addr, "command", truncate(cmd, 200))
	err = session.Run(cmd)
	output := buf.String()
	if err == nil {
		return output, nil
	}
	if ctx.Err() != nil {
		return output, ctx.Err()
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return output, &ExitError{Command: cmd, Status: exitErr.ExitStatus(), Output: output}
	}
	return output, &TransientError{Addr: s.addr, Err: err}
}

func (s *SSH) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: s.config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// lockedWriter serializes writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
