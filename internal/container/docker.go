package container

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	docker "github.com/fsouza/go-dockerclient"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// dockerAPI is the subset of the Docker Engine client used by the backend.
type dockerAPI interface {
	InspectImage(name string) (*docker.Image, error)
	PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error
	CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error)
	StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error
	StopContainerWithContext(id string, timeout uint, ctx context.Context) error
	RemoveContainer(opts docker.RemoveContainerOptions) error
}

const sshContainerPort = docker.Port("22/tcp")

// Docker runs builds in process containers managed through the Docker
// Engine API. Commands reach the container over SSH on a per-slot port.
type Docker struct {
	*remoteShell
	machine *models.Machine
	opts    *Options
	client  dockerAPI

	identity    string
	image       string
	containerID string
	mounts      []Mount
	started     bool
}

func newDocker(m *models.Machine, opts *Options) (*Docker, error) {
	endpoint := strings.ReplaceAll(opts.DockerEndpoint, "{host}", m.Host)
	if endpoint == "" {
		endpoint = "unix:///var/run/docker.sock"
	}
	client, err := docker.NewClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating docker client for %s: %w", endpoint, err)
	}
	return newDockerWithClient(m, opts, client)
}

func newDockerWithClient(m *models.Machine, opts *Options, client dockerAPI) (*Docker, error) {
	host := m.Host
	if host == "" || host == "localhost" {
		host = "127.0.0.1"
	}
	shell, err := newRemoteShell(m.ID, host, SSHPort(opts.BaseSSHPort, m.Slot), opts)
	if err != nil {
		return nil, err
	}
	return &Docker{
		remoteShell: shell,
		machine:     m,
		opts:        opts,
		client:      client,
	}, nil
}

// Create makes sure the target image is present. The container itself is
// created on Start so that mounts can still be added.
func (d *Docker) Create(ctx context.Context, target models.Target, identity string) error {
	d.identity = identity
	d.image = imageName(d.opts.ImagePrefix, target)

	if _, err := d.client.InspectImage(d.image); err != nil {
		if !errors.Is(err, docker.ErrNoSuchImage) {
			return lifecycle("create", d.machine.ID, err)
		}
		repo, tag, _ := strings.Cut(d.image, ":")
		err := d.client.PullImage(docker.PullImageOptions{
			Repository: repo,
			Tag:        tag,
			Context:    ctx,
		}, docker.AuthConfiguration{})
		if err != nil {
			return lifecycle("create", d.machine.ID, fmt.Errorf("pulling %s: %w", d.image, err))
		}
	}

	// A container left behind by a crashed run would hold the name and port.
	if err := d.removeContainer(ctx, identity); err != nil {
		d.opts.Logger.Debug("failed to remove stale container", "machine", d.machine.ID, "container", identity, "error", err)
	}
	return nil
}

func (d *Docker) MountHostPath(hostPath, containerPath string) error {
	if d.started {
		return ErrMountAfterStart
	}
	d.mounts = append(d.mounts, Mount{HostPath: hostPath, ContainerPath: containerPath})
	return nil
}

func (d *Docker) Start(ctx context.Context) error {
	if err := requireCreated(d.identity); err != nil {
		return lifecycle("start", d.machine.ID, err)
	}

	binds := make([]string, 0, len(d.mounts))
	for _, m := range d.mounts {
		binds = append(binds, m.HostPath+":"+m.ContainerPath)
	}
	hostConfig := &docker.HostConfig{
		Binds:  binds,
		CapAdd: []string{"NET_ADMIN"},
		PortBindings: map[docker.Port][]docker.PortBinding{
			sshContainerPort: {{HostIP: "0.0.0.0", HostPort: strconv.Itoa(SSHPort(d.opts.BaseSSHPort, d.machine.Slot))}},
		},
	}

	c, err := d.client.CreateContainer(docker.CreateContainerOptions{
		Name: d.identity,
		Config: &docker.Config{
			Image:        d.image,
			Hostname:     d.identity,
			ExposedPorts: map[docker.Port]struct{}{sshContainerPort: {}},
		},
		HostConfig: hostConfig,
		Context:    ctx,
	})
	if err != nil {
		return lifecycle("start", d.machine.ID, fmt.Errorf("creating container: %w", err))
	}
	d.containerID = c.ID

	if err := d.client.StartContainerWithContext(c.ID, nil, ctx); err != nil {
		return lifecycle("start", d.machine.ID, fmt.Errorf("starting container: %w", err))
	}
	d.started = true

	return lifecycle("start", d.machine.ID, d.waitReady(ctx))
}

func (d *Docker) Stop(ctx context.Context) error {
	if d.containerID == "" {
		return nil
	}
	err := d.client.StopContainerWithContext(d.containerID, 30, ctx)
	var notRunning *docker.ContainerNotRunning
	var noSuch *docker.NoSuchContainer
	if err != nil && !errors.As(err, &notRunning) && !errors.As(err, &noSuch) {
		return fmt.Errorf("stopping container %s: %w", d.identity, err)
	}
	return nil
}

func (d *Docker) Destroy(ctx context.Context) error {
	if d.identity == "" {
		return nil
	}
	if err := d.removeContainer(ctx, d.identity); err != nil {
		return fmt.Errorf("removing container %s: %w", d.identity, err)
	}
	d.containerID = ""
	d.started = false
	return nil
}

func (d *Docker) removeContainer(ctx context.Context, id string) error {
	err := d.client.RemoveContainer(docker.RemoveContainerOptions{
		ID:            id,
		Force:         true,
		RemoveVolumes: true,
		Context:       ctx,
	})
	var noSuch *docker.NoSuchContainer
	if err != nil && !errors.As(err, &noSuch) {
		return err
	}
	return nil
}
