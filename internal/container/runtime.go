// Package container abstracts the build environments a job runs in behind
// one lifecycle: process containers, OS containers, persistent static
// machines and hosted build services.
package container

import (
	"context"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/narvanalabs/buildfarm/internal/container/transport"
	"github.com/narvanalabs/buildfarm/internal/models"
)

// Runtime is the lifecycle contract shared by every backend. Every
// operation fails fast; only Start retries, through the readiness probe.
type Runtime interface {
	// Create prepares an environment for the target under a unique identity.
	Create(ctx context.Context, target models.Target, identity string) error
	// Start brings the environment to a remotely executable state.
	Start(ctx context.Context) error
	// Execute runs a shell command and returns its combined output.
	Execute(ctx context.Context, cmd string) (string, error)
	// PutTree mirrors a host directory into the environment.
	PutTree(ctx context.Context, local, remote string) error
	// GetTree mirrors an environment directory onto the host.
	GetTree(ctx context.Context, remote, local string) error
	// MountHostPath exposes a host directory inside the environment. It must
	// be called before Start.
	MountHostPath(hostPath, containerPath string) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// RemoteBuildRequest describes a build submitted to a hosted service.
type RemoteBuildRequest struct {
	Identity string        `json:"identity"`
	Package  string        `json:"package"`
	Version  string        `json:"version"`
	Target   models.Target `json:"target"`
	// SourceDir is the environment path sources were copied to.
	SourceDir string `json:"source_dir"`
}

// RemoteBuildResult is the terminal state of a hosted build.
type RemoteBuildResult struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	LogURL string `json:"log_url,omitempty"`
}

// RemoteBuilder is implemented by backends whose build step is replaced by
// a remote build request.
type RemoteBuilder interface {
	RemoteBuild(ctx context.Context, req RemoteBuildRequest) (*RemoteBuildResult, error)
}

// Mount is a host directory exposed inside an environment.
type Mount struct {
	HostPath      string
	ContainerPath string
}

// Options carries backend settings and collaborators.
type Options struct {
	DockerEndpoint string
	PodmanPath     string
	LXCPath        string
	BaseSSHPort    int
	LXDSubnet      string
	SSHUser        string
	SSHKeyPath     string
	Signer         ssh.Signer
	ImagePrefix    string
	// StaticWorkDir is the directory reset on static machines.
	StaticWorkDir  string

	HostedURL    string
	HostedToken  string
	PollInterval time.Duration

	Probe  ProbeConfig
	// Output receives the streamed output of every command.
	Output io.Writer
	// Runner executes host-side programs (rsync, ssh, podman, lxc).
	Runner transport.CommandRunner
	// Dial overrides the SSH command transport.
	Dial   func(host string, port int) transport.Executor
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Runner == nil {
		o.Runner = transport.ExecRunner{Logger: o.Logger}
	}
	if o.SSHUser == "" {
		o.SSHUser = "root"
	}
	if o.ImagePrefix == "" {
		o.ImagePrefix = "buildfarm"
	}
	if o.StaticWorkDir == "" {
		o.StaticWorkDir = "/var/lib/buildfarm/work"
	}
	if o.PodmanPath == "" {
		o.PodmanPath = "podman"
	}
	if o.LXCPath == "" {
		o.LXCPath = "lxc"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.Probe == (ProbeConfig{}) {
		o.Probe = DefaultProbeConfig()
	}
}

// imageName returns the base image of a target, e.g. buildfarm/debian:bookworm-amd64.
func imageName(prefix string, t models.Target) string {
	return prefix + "/" + t.Distro + ":" + t.Release + "-" + t.Arch
}

// WorkDirProvider is implemented by backends whose build paths live below a
// per-job directory instead of the default home directory.
type WorkDirProvider interface {
	WorkDir() string
}

// DefaultWorkDir is the root of build paths inside an environment.
const DefaultWorkDir = "/root"

// WorkDir returns the build path root of rt.
func WorkDir(rt Runtime) string {
	if p, ok := rt.(WorkDirProvider); ok {
		return p.WorkDir()
	}
	return DefaultWorkDir
}

// MountEmulator is implemented by backends whose host mounts are copies
// pushed at start. Writes below such a mount stay inside the environment
// until they are pulled back.
type MountEmulator interface {
	EmulatesMounts() bool
}

// EmulatesMounts reports whether rt copies host mounts instead of binding them.
func EmulatesMounts(rt Runtime) bool {
	if m, ok := rt.(MountEmulator); ok {
		return m.EmulatesMounts()
	}
	return false
}
