package container

import (
	"context"
	"fmt"
	"strings"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// LXD runs builds in OS containers managed with the lxc CLI. Each slot gets
// a fixed address in the configured subnet and is reached over SSH.
type LXD struct {
	*remoteShell
	machine *models.Machine
	opts    *Options
	ip      string

	identity string
	mounts   []Mount
	started  bool
}

func newLXD(m *models.Machine, opts *Options) (*LXD, error) {
	ip, err := SlotIP(opts.LXDSubnet, m.Slot)
	if err != nil {
		return nil, err
	}
	shell, err := newRemoteShell(m.ID, ip, 22, opts)
	if err != nil {
		return nil, err
	}
	return &LXD{remoteShell: shell, machine: m, opts: opts, ip: ip}, nil
}

// name returns the instance reference, prefixed with the remote for
// non-local hosts.
func (l *LXD) name() string {
	if l.machine.Host == "" || l.machine.Host == "localhost" {
		return l.identity
	}
	return l.machine.Host + ":" + l.identity
}

func (l *LXD) lxc(ctx context.Context, args ...string) error {
	output, err := l.opts.Runner.Run(ctx, l.opts.LXCPath, args, nil)
	if err != nil {
		return fmt.Errorf("lxc %s: %w\nOutput: %s", strings.Join(args, " "), err, output)
	}
	return nil
}

func (l *LXD) Create(ctx context.Context, target models.Target, identity string) error {
	l.identity = identity
	// An instance left behind by a crashed run would hold the name and address.
	if err := l.lxc(ctx, "delete", "--force", l.name()); err != nil {
		l.opts.Logger.Debug("no stale instance removed", "machine", l.machine.ID, "instance", l.name(), "error", err)
	}

	image := fmt.Sprintf("%s-%s-%s-%s", l.opts.ImagePrefix, target.Distro, target.Release, target.Arch)
	if l.machine.Host != "" && l.machine.Host != "localhost" {
		image = l.machine.Host + ":" + image
	}
	if err := l.lxc(ctx, "init", image, l.name()); err != nil {
		return lifecycle("create", l.machine.ID, err)
	}
	if err := l.lxc(ctx, "config", "device", "override", l.name(), "eth0", "ipv4.address="+l.ip); err != nil {
		return lifecycle("create", l.machine.ID, err)
	}
	return nil
}

func (l *LXD) MountHostPath(hostPath, containerPath string) error {
	if l.started {
		return ErrMountAfterStart
	}
	l.mounts = append(l.mounts, Mount{HostPath: hostPath, ContainerPath: containerPath})
	return nil
}

func (l *LXD) Start(ctx context.Context) error {
	if err := requireCreated(l.identity); err != nil {
		return lifecycle("start", l.machine.ID, err)
	}
	for i, m := range l.mounts {
		dev := fmt.Sprintf("mount%d", i)
		if err := l.lxc(ctx, "config", "device", "add", l.name(), dev, "disk",
			"source="+m.HostPath, "path="+m.ContainerPath); err != nil {
			return lifecycle("start", l.machine.ID, err)
		}
	}
	if err := l.lxc(ctx, "start", l.name()); err != nil {
		return lifecycle("start", l.machine.ID, err)
	}
	l.started = true
	return lifecycle("start", l.machine.ID, l.waitReady(ctx))
}

func (l *LXD) Stop(ctx context.Context) error {
	if !l.started {
		return nil
	}
	l.started = false
	return l.lxc(ctx, "stop", "--force", l.name())
}

func (l *LXD) Destroy(ctx context.Context) error {
	if l.identity == "" {
		return nil
	}
	return l.lxc(ctx, "delete", "--force", l.name())
}
