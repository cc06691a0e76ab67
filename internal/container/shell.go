package container

import (
	"context"
	"errors"

	"github.com/narvanalabs/buildfarm/internal/container/transport"
)

// remoteShell is the SSH command and rsync mirroring half shared by the
// docker, lxd and static backends.
type remoteShell struct {
	machine string
	exec    transport.Executor
	mirror  *transport.Mirror
	opts    *Options
}

func newRemoteShell(machine, host string, port int, opts *Options) (*remoteShell, error) {
	exec, err := opts.executor(host, port)
	if err != nil {
		return nil, err
	}
	return &remoteShell{
		machine: machine,
		exec:    exec,
		mirror: &transport.Mirror{
			Runner:  opts.Runner,
			Host:    host,
			Port:    port,
			User:    opts.SSHUser,
			KeyPath: opts.SSHKeyPath,
			Output:  opts.Output,
		},
		opts: opts,
	}, nil
}

// executor returns the command transport for host:port. Tests substitute
// Options.Dial.
func (o *Options) executor(host string, port int) (transport.Executor, error) {
	if o.Dial != nil {
		return o.Dial(host, port), nil
	}
	if o.Signer == nil {
		if o.SSHKeyPath == "" {
			return nil, errors.New("no ssh key configured")
		}
		signer, err := transport.LoadSigner(o.SSHKeyPath)
		if err != nil {
			return nil, err
		}
		o.Signer = signer
	}
	return transport.NewSSH(host, port, o.SSHUser, o.Signer, o.Logger), nil
}

func (s *remoteShell) Execute(ctx context.Context, cmd string) (string, error) {
	return s.exec.Run(ctx, cmd, s.opts.Output)
}

func (s *remoteShell) PutTree(ctx context.Context, local, remote string) error {
	return s.mirror.Push(ctx, local, remote)
}

func (s *remoteShell) GetTree(ctx context.Context, remote, local string) error {
	return s.mirror.Pull(ctx, remote, local)
}

func (s *remoteShell) waitReady(ctx context.Context) error {
	return Probe(ctx, s.opts.Probe, s.machine, func(ctx context.Context) error {
		_, err := s.exec.Run(ctx, "true", nil)
		return err
	}, s.opts.Logger)
}

func lifecycle(op, machine string, err error) error {
	if err == nil {
		return nil
	}
	var le *LifecycleError
	if errors.As(err, &le) {
		return err
	}
	return &LifecycleError{Op: op, Machine: machine, Err: err}
}

func requireCreated(identity string) error {
	if identity == "" {
		return ErrNotCreated
	}
	return nil
}
