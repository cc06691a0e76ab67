package container

import (
	"context"
	"fmt"
	"path"

	"github.com/narvanalabs/buildfarm/internal/container/transport"
	"github.com/narvanalabs/buildfarm/internal/models"
)

const restoreNetwork = "iptables -F OUTPUT && iptables -P OUTPUT ACCEPT"

// Static builds on a persistent machine reached over SSH. Create and
// Destroy reset a work directory; host mounts are emulated by pushing the
// host directory when the machine is started.
type Static struct {
	*remoteShell
	machine *models.Machine
	opts    *Options

	identity string
	mounts   []Mount
	started  bool
}

func newStatic(m *models.Machine, opts *Options) (*Static, error) {
	shell, err := newRemoteShell(m.ID, m.Host, 22, opts)
	if err != nil {
		return nil, err
	}
	return &Static{remoteShell: shell, machine: m, opts: opts}, nil
}

// WorkDir returns the per-job directory build paths are rooted at.
func (s *Static) WorkDir() string {
	return path.Join(s.opts.StaticWorkDir, s.identity)
}

func (s *Static) EmulatesMounts() bool { return true }

// Create also reopens outbound networking in case an earlier job on this
// machine was abandoned before its Stop ran.
func (s *Static) Create(ctx context.Context, target models.Target, identity string) error {
	s.identity = identity
	dir := transport.ShellQuote(s.WorkDir())
	if _, err := s.exec.Run(ctx, restoreNetwork+" && rm -rf "+dir+" && mkdir -p "+dir, s.opts.Output); err != nil {
		return lifecycle("create", s.machine.ID, err)
	}
	return nil
}

func (s *Static) MountHostPath(hostPath, containerPath string) error {
	if s.started {
		return ErrMountAfterStart
	}
	s.mounts = append(s.mounts, Mount{HostPath: hostPath, ContainerPath: containerPath})
	return nil
}

func (s *Static) Start(ctx context.Context) error {
	if err := requireCreated(s.identity); err != nil {
		return lifecycle("start", s.machine.ID, err)
	}
	if err := s.waitReady(ctx); err != nil {
		return lifecycle("start", s.machine.ID, err)
	}
	for _, m := range s.mounts {
		if err := s.mirror.Push(ctx, m.HostPath, m.ContainerPath); err != nil {
			return lifecycle("start", s.machine.ID, fmt.Errorf("emulating mount %s: %w", m.ContainerPath, err))
		}
	}
	s.started = true
	return nil
}

// Stop restores outbound networking, which the pipeline disables for the
// build, so the next job on this machine starts from a clean state.
func (s *Static) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	s.started = false
	if _, err := s.exec.Run(ctx, restoreNetwork, nil); err != nil {
		return fmt.Errorf("restoring network on %s: %w", s.machine.ID, err)
	}
	return nil
}

func (s *Static) Destroy(ctx context.Context) error {
	if s.identity == "" {
		return nil
	}
	if _, err := s.exec.Run(ctx, "rm -rf "+transport.ShellQuote(s.WorkDir()), nil); err != nil {
		return fmt.Errorf("resetting work directory on %s: %w", s.machine.ID, err)
	}
	return nil
}
