package container

import (
	"context"
	"fmt"
	"os"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/podman"
)

// Podman runs builds in process containers driven through the podman CLI.
// Commands run with podman exec, so no SSH daemon is needed in the image.
type Podman struct {
	machine *models.Machine
	opts    *Options
	client  *podman.Client

	identity string
	image    string
	mounts   []podman.Mount
	started  bool
}

func newPodman(m *models.Machine, opts *Options) *Podman {
	var url string
	if m.Host != "" && m.Host != "localhost" && m.Host != "127.0.0.1" {
		url = fmt.Sprintf("ssh://%s@%s/run/podman/podman.sock", opts.SSHUser, m.Host)
	}
	return &Podman{
		machine: m,
		opts:    opts,
		client:  podman.NewClient(opts.PodmanPath, url, opts.Runner, opts.Logger),
	}
}

func (p *Podman) Create(ctx context.Context, target models.Target, identity string) error {
	p.identity = identity
	p.image = imageName(p.opts.ImagePrefix, target)

	exists, err := p.client.ImageExists(ctx, p.image)
	if err != nil {
		return lifecycle("create", p.machine.ID, err)
	}
	if !exists {
		if err := p.client.Pull(ctx, p.image); err != nil {
			return lifecycle("create", p.machine.ID, err)
		}
	}
	return lifecycle("create", p.machine.ID, p.client.RemoveContainer(ctx, identity))
}

func (p *Podman) MountHostPath(hostPath, containerPath string) error {
	if p.started {
		return ErrMountAfterStart
	}
	p.mounts = append(p.mounts, podman.Mount{Source: hostPath, Target: containerPath})
	return nil
}

func (p *Podman) Start(ctx context.Context) error {
	if err := requireCreated(p.identity); err != nil {
		return lifecycle("start", p.machine.ID, err)
	}

	err := p.client.Create(ctx, &podman.ContainerConfig{
		Name:     p.identity,
		Image:    p.image,
		Hostname: p.identity,
		Command:  []string{"sleep", "infinity"},
		Mounts:   p.mounts,
		CapAdd:   []string{"NET_ADMIN"},
	})
	if err != nil {
		return lifecycle("start", p.machine.ID, err)
	}
	if err := p.client.Start(ctx, p.identity); err != nil {
		return lifecycle("start", p.machine.ID, err)
	}
	p.started = true

	return lifecycle("start", p.machine.ID, Probe(ctx, p.opts.Probe, p.machine.ID, func(ctx context.Context) error {
		_, err := p.client.Exec(ctx, p.identity, "true", nil)
		return err
	}, p.opts.Logger))
}

func (p *Podman) Execute(ctx context.Context, cmd string) (string, error) {
	if err := requireCreated(p.identity); err != nil {
		return "", err
	}
	return p.client.Exec(ctx, p.identity, cmd, p.opts.Output)
}

func (p *Podman) PutTree(ctx context.Context, local, remote string) error {
	return p.client.CopyTo(ctx, p.identity, local, remote)
}

func (p *Podman) GetTree(ctx context.Context, remote, local string) error {
	if err := os.RemoveAll(local); err != nil {
		return fmt.Errorf("clearing %s: %w", local, err)
	}
	if err := os.MkdirAll(local, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", local, err)
	}
	return p.client.CopyFrom(ctx, p.identity, remote, local)
}

func (p *Podman) Stop(ctx context.Context) error {
	if !p.started {
		return nil
	}
	return p.client.Stop(ctx, p.identity)
}

func (p *Podman) Destroy(ctx context.Context) error {
	if p.identity == "" {
		return nil
	}
	p.started = false
	return p.client.RemoveContainer(ctx, p.identity)
}
