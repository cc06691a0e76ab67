// Package podman provides a client wrapper for driving build containers
// through the Podman CLI.
package podman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/narvanalabs/buildfarm/internal/container/transport"
)

// ContainerConfig holds configuration for creating a container.
type ContainerConfig struct {
	Name     string
	Image    string
	Hostname string
	Command  []string
	Mounts   []Mount
	CapAdd   []string
	Env      map[string]string
}

// Mount defines a bind mount for a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Client provides methods for interacting with Podman.
type Client struct {
	binary string
	// url selects a remote podman service, e.g. ssh://root@host/run/podman/podman.sock.
	url    string
	runner transport.CommandRunner
	logger *slog.Logger
}

// NewClient creates a new Podman client. An empty url targets the local
// podman service.
func NewClient(binary, url string, runner transport.CommandRunner, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if binary == "" {
		binary = "podman"
	}
	if runner == nil {
		runner = transport.ExecRunner{Logger: logger}
	}
	return &Client{
		binary: binary,
		url:    url,
		runner: runner,
		logger: logger,
	}
}

func (c *Client) run(ctx context.Context, out io.Writer, args ...string) (string, error) {
	if c.url != "" {
		args = append([]string{"--url", c.url}, args...)
	}
	return c.runner.Run(ctx, c.binary, args, out)
}

// Create creates a container without starting it.
func (c *Client) Create(ctx context.Context, cfg *ContainerConfig) error {
	c.logger.Debug("creating podman container", "name", cfg.Name, "image", cfg.Image)

	if output, err := c.run(ctx, nil, c.buildCreateArgs(cfg)...); err != nil {
		return fmt.Errorf("creating container %s: %w\nOutput: %s", cfg.Name, err, output)
	}
	return nil
}

// buildCreateArgs constructs the podman create command arguments.
func (c *Client) buildCreateArgs(cfg *ContainerConfig) []string {
	args := []string{"create", "--name", cfg.Name}

	if cfg.Hostname != "" {
		args = append(args, "--hostname", cfg.Hostname)
	}

	for _, capability := range cfg.CapAdd {
		args = append(args, "--cap-add", capability)
	}

	for k, v := range cfg.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	for _, m := range cfg.Mounts {
		mountOpt := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			mountOpt += ":ro"
		}
		args = append(args, "-v", mountOpt)
	}

	args = append(args, cfg.Image)
	args = append(args, cfg.Command...)
	return args
}

// Start starts a created container.
func (c *Client) Start(ctx context.Context, name string) error {
	if output, err := c.run(ctx, nil, "start", name); err != nil {
		return fmt.Errorf("starting container %s: %w\nOutput: %s", name, err, output)
	}
	return nil
}

// Stop stops a running container.
func (c *Client) Stop(ctx context.Context, name string) error {
	if output, err := c.run(ctx, nil, "stop", "-t", "30", name); err != nil {
		return fmt.Errorf("stopping container %s: %w\nOutput: %s", name, err, output)
	}
	return nil
}

// RemoveContainer force-removes a container, ignoring missing ones.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	c.logger.Debug("removing container", "name", name)

	if output, err := c.run(ctx, nil, "rm", "-f", "--ignore", name); err != nil {
		return fmt.Errorf("removing container %s: %w\nOutput: %s", name, err, output)
	}
	return nil
}

// Exec runs a shell command inside the container, streaming output to out.
func (c *Client) Exec(ctx context.Context, name, command string, out io.Writer) (string, error) {
	return c.run(ctx, out, "exec", name, "sh", "-c", command)
}

// CopyTo replaces dst inside the container with the contents of the local
// directory src.
func (c *Client) CopyTo(ctx context.Context, name, src, dst string) error {
	reset := "rm -rf " + transport.ShellQuote(dst) + " && mkdir -p " + transport.ShellQuote(dst)
	if output, err := c.Exec(ctx, name, reset, nil); err != nil {
		return fmt.Errorf("clearing %s: %w\nOutput: %s", dst, err, output)
	}
	if output, err := c.run(ctx, nil, "cp", strings.TrimSuffix(src, "/")+"/.", name+":"+dst); err != nil {
		return fmt.Errorf("copying %s into %s: %w\nOutput: %s", src, name, err, output)
	}
	return nil
}

// CopyFrom copies the contents of the container directory src into dst.
// The caller is responsible for clearing dst.
func (c *Client) CopyFrom(ctx context.Context, name, src, dst string) error {
	if output, err := c.run(ctx, nil, "cp", name+":"+strings.TrimSuffix(src, "/")+"/.", dst); err != nil {
		return fmt.Errorf("copying %s out of %s: %w\nOutput: %s", src, name, err, output)
	}
	return nil
}

// Pull pulls an image from a registry.
func (c *Client) Pull(ctx context.Context, image string) error {
	c.logger.Debug("pulling image", "image", image)

	if output, err := c.run(ctx, nil, "pull", image); err != nil {
		return fmt.Errorf("pulling image %s: %w\nOutput: %s", image, err, output)
	}
	return nil
}

// ImageExists checks if an image exists locally.
func (c *Client) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := c.run(ctx, nil, "image", "exists", image)
	if err != nil {
		var exitErr *transport.ExitError
		if errors.As(err, &exitErr) && exitErr.Status == 1 {
			return false, nil
		}
		return false, fmt.Errorf("checking image existence: %w", err)
	}
	return true, nil
}
