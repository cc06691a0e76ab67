package container

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	docker "github.com/fsouza/go-dockerclient"

	"github.com/narvanalabs/buildfarm/internal/container/transport"
	"github.com/narvanalabs/buildfarm/internal/models"
)

// fakeExecutor records commands and fails the first failures calls with a
// transient error.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	failures int
}

func (f *fakeExecutor) Run(ctx context.Context, cmd string, out io.Writer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.failures > 0 {
		f.failures--
		return "", &transport.TransientError{Addr: "test", Err: errors.New("connection refused")}
	}
	return "ok", nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fail  func(name string, args []string) error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, out io.Writer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.fail != nil {
		return "", f.fail(name, args)
	}
	return "", nil
}

func (f *fakeRunner) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func fastProbe() ProbeConfig {
	return ProbeConfig{FastAttempts: 2, FastInterval: time.Millisecond, SlowInterval: 2 * time.Millisecond, MaxAttempts: 4}
}

func TestProbeConfigInterval(t *testing.T) {
	cfg := DefaultProbeConfig()
	for attempt := 1; attempt <= 4; attempt++ {
		if got := cfg.Interval(attempt); got != time.Second {
			t.Errorf("Interval(%d) = %v, want 1s", attempt, got)
		}
	}
	if got := cfg.Interval(5); got != 5*time.Second {
		t.Errorf("Interval(5) = %v, want 5s", got)
	}
	if cfg.MaxAttempts != 30 {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}
}

func TestProbeRetriesUntilReady(t *testing.T) {
	calls := 0
	err := Probe(context.Background(), fastProbe(), "m1", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransientTransportError{Addr: "x", Err: errors.New("refused")}
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestProbeExhaustionIsLifecycleError(t *testing.T) {
	calls := 0
	err := Probe(context.Background(), fastProbe(), "m1", func(ctx context.Context) error {
		calls++
		return &TransientTransportError{Addr: "x", Err: errors.New("refused")}
	}, nil)

	var le *LifecycleError
	if !errors.As(err, &le) || le.Op != "readiness" {
		t.Fatalf("expected readiness LifecycleError, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("cause should remain a transient transport error")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestAddressing(t *testing.T) {
	if got := SSHPort(2000, 3); got != 2003 {
		t.Errorf("SSHPort = %d", got)
	}

	tests := []struct {
		subnet string
		slot   int
		want   string
		err    bool
	}{
		{"10.0.3.0/24", 0, "10.0.3.2", false},
		{"10.0.3.0/24", 7, "10.0.3.9", false},
		{"10.0.3.0/30", 1, "", true},
		{"10.0.3.0/24", -1, "", true},
		{"not-a-subnet", 0, "", true},
	}
	for _, tt := range tests {
		got, err := SlotIP(tt.subnet, tt.slot)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("SlotIP(%q, %d) = %q, %v", tt.subnet, tt.slot, got, err)
		}
	}
}

func TestFactoryUnsupportedBackend(t *testing.T) {
	_, err := New(&models.Machine{ID: "m", Type: "vmware"}, Options{})
	if !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("expected ErrUnsupportedBackend, got %v", err)
	}
}

func TestStaticLifecycle(t *testing.T) {
	exec := &fakeExecutor{failures: 2}
	runner := &fakeRunner{}
	rt, err := New(&models.Machine{ID: "static-1", Host: "builder.example.com", Type: models.BackendStatic}, Options{
		Probe:         fastProbe(),
		Runner:        runner,
		Dial:          func(host string, port int) transport.Executor { return exec },
		StaticWorkDir: "/srv/work",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	exec.failures = 0
	if err := rt.Create(ctx, models.Target{Distro: "debian", Release: "bookworm", Arch: "amd64"}, "job-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if want := "iptables -F OUTPUT && iptables -P OUTPUT ACCEPT && rm -rf '/srv/work/job-1' && mkdir -p '/srv/work/job-1'"; exec.commands[0] != want {
		t.Errorf("Create ran %q, want %q", exec.commands[0], want)
	}
	if WorkDir(rt) != "/srv/work/job-1" {
		t.Errorf("WorkDir = %q", WorkDir(rt))
	}
	if err := rt.MountHostPath("/srv/repos/alice", "/srv/work/job-1/repo"); err != nil {
		t.Fatal(err)
	}

	exec.failures = 2
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := rt.MountHostPath("/a", "/b"); !errors.Is(err, ErrMountAfterStart) {
		t.Errorf("expected ErrMountAfterStart, got %v", err)
	}

	var pushed bool
	for _, call := range runner.joined() {
		if strings.HasPrefix(call, "rsync -a --delete") && strings.Contains(call, "/srv/repos/alice/ root@builder.example.com:/srv/work/job-1/repo/") {
			pushed = true
		}
	}
	if !pushed {
		t.Errorf("mount was not emulated by a push, calls: %v", runner.joined())
	}

	if err := rt.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
	last := exec.commands[len(exec.commands)-1]
	if last != "rm -rf '/srv/work/job-1'" {
		t.Errorf("Destroy ran %q", last)
	}
}

func TestPodmanLifecycle(t *testing.T) {
	runner := &fakeRunner{}
	rt, err := New(&models.Machine{ID: "pod-0", Type: models.BackendPodman}, Options{
		Probe:  fastProbe(),
		Runner: runner,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	target := models.Target{Distro: "fedora", Release: "40", Arch: "x86_64"}
	if err := rt.Create(ctx, target, "job-2"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_ = rt.MountHostPath("/srv/cache", "/root/cache")
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := rt.Execute(ctx, "dnf --version"); err != nil {
		t.Fatal(err)
	}
	if err := rt.PutTree(ctx, "/tmp/src", "/root/src"); err != nil {
		t.Fatal(err)
	}

	calls := strings.Join(runner.joined(), "\n")
	for _, want := range []string{
		"podman image exists buildfarm/fedora:40-x86_64",
		"podman create --name job-2 --hostname job-2 --cap-add NET_ADMIN -v /srv/cache:/root/cache buildfarm/fedora:40-x86_64 sleep infinity",
		"podman start job-2",
		"podman exec job-2 sh -c true",
		"podman exec job-2 sh -c dnf --version",
		"podman cp /tmp/src/. job-2:/root/src",
	} {
		if !strings.Contains(calls, want) {
			t.Errorf("missing call %q in:\n%s", want, calls)
		}
	}
}

func TestLXDLifecycle(t *testing.T) {
	var logs strings.Builder
	exec := &fakeExecutor{}
	runner := &fakeRunner{fail: func(name string, args []string) error {
		if args[0] == "delete" {
			return errors.New("instance not found")
		}
		return nil
	}}
	rt, err := New(&models.Machine{ID: "lxd-2", Host: "lxd1", Slot: 2, Type: models.BackendLXD}, Options{
		Probe:     fastProbe(),
		Runner:    runner,
		Dial:      func(host string, port int) transport.Executor { return exec },
		LXDSubnet: "10.0.3.0/24",
		Logger:    slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := rt.Create(ctx, models.Target{Distro: "debian", Release: "bookworm", Arch: "amd64"}, "job-3"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !strings.Contains(logs.String(), "no stale instance removed") || !strings.Contains(logs.String(), "instance not found") {
		t.Errorf("stale delete failure not logged: %s", logs.String())
	}
	if err := rt.MountHostPath("/srv/cache/apt", "/var/cache/apt/archives"); err != nil {
		t.Fatal(err)
	}
	if err := rt.MountHostPath("/srv/repos/alice", "/root/repo"); err != nil {
		t.Fatal(err)
	}

	runner.mu.Lock()
	runner.fail = nil
	runner.mu.Unlock()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := rt.MountHostPath("/a", "/b"); !errors.Is(err, ErrMountAfterStart) {
		t.Errorf("expected ErrMountAfterStart, got %v", err)
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rt.Destroy(ctx); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"lxc delete --force lxd1:job-3",
		"lxc init lxd1:buildfarm-debian-bookworm-amd64 lxd1:job-3",
		"lxc config device override lxd1:job-3 eth0 ipv4.address=10.0.3.4",
		"lxc config device add lxd1:job-3 mount0 disk source=/srv/cache/apt path=/var/cache/apt/archives",
		"lxc config device add lxd1:job-3 mount1 disk source=/srv/repos/alice path=/root/repo",
		"lxc start lxd1:job-3",
		"lxc stop --force lxd1:job-3",
		"lxc delete --force lxd1:job-3",
	}
	got := runner.joined()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("lxc calls:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
	if len(exec.commands) == 0 || exec.commands[0] != "true" {
		t.Errorf("readiness was not probed over ssh: %q", exec.commands)
	}
}

func TestLXDLocalInstanceName(t *testing.T) {
	runner := &fakeRunner{}
	rt, err := New(&models.Machine{ID: "lxd-0", Type: models.BackendLXD}, Options{
		Probe:     fastProbe(),
		Runner:    runner,
		Dial:      func(host string, port int) transport.Executor { return &fakeExecutor{} },
		LXDSubnet: "10.0.3.0/24",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Create(context.Background(), models.Target{Distro: "fedora", Release: "40", Arch: "x86_64"}, "job-4"); err != nil {
		t.Fatal(err)
	}
	calls := strings.Join(runner.joined(), "\n")
	for _, want := range []string{
		"lxc init buildfarm-fedora-40-x86_64 job-4",
		"lxc config device override job-4 eth0 ipv4.address=10.0.3.2",
	} {
		if !strings.Contains(calls, want) {
			t.Errorf("missing call %q in:\n%s", want, calls)
		}
	}
}

type fakeDocker struct {
	created *docker.CreateContainerOptions
	started string
	removed []string
	pulled  string
}

func (f *fakeDocker) InspectImage(name string) (*docker.Image, error) {
	return nil, docker.ErrNoSuchImage
}

func (f *fakeDocker) PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error {
	f.pulled = opts.Repository + ":" + opts.Tag
	return nil
}

func (f *fakeDocker) CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error) {
	f.created = &opts
	return &docker.Container{ID: "c-123"}, nil
}

func (f *fakeDocker) StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error {
	f.started = id
	return nil
}

func (f *fakeDocker) StopContainerWithContext(id string, timeout uint, ctx context.Context) error {
	return &docker.ContainerNotRunning{ID: id}
}

func (f *fakeDocker) RemoveContainer(opts docker.RemoveContainerOptions) error {
	f.removed = append(f.removed, opts.ID)
	return &docker.NoSuchContainer{ID: opts.ID}
}

func TestDockerLifecycle(t *testing.T) {
	api := &fakeDocker{}
	exec := &fakeExecutor{}
	opts := &Options{Probe: fastProbe(), BaseSSHPort: 2200, Dial: func(host string, port int) transport.Executor {
		if host != "build1" || port != 2202 {
			t.Errorf("dialled %s:%d", host, port)
		}
		return exec
	}}
	opts.defaults()

	d, err := newDockerWithClient(&models.Machine{ID: "dock-2", Host: "build1", Slot: 2, Type: models.BackendDocker}, opts, api)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := d.Create(ctx, models.Target{Distro: "debian", Release: "bookworm", Arch: "arm64"}, "job-3"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if api.pulled != "buildfarm/debian:bookworm-arm64" {
		t.Errorf("pulled %q", api.pulled)
	}
	_ = d.MountHostPath("/srv/repos", "/root/repo")
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	hc := api.created.HostConfig
	if len(hc.Binds) != 1 || hc.Binds[0] != "/srv/repos:/root/repo" {
		t.Errorf("Binds = %v", hc.Binds)
	}
	if hc.PortBindings[sshContainerPort][0].HostPort != "2202" {
		t.Errorf("PortBindings = %v", hc.PortBindings)
	}
	if api.started != "c-123" {
		t.Errorf("started %q", api.started)
	}
	if err := d.Stop(ctx); err != nil {
		t.Errorf("Stop() on stopped container error = %v", err)
	}
	if err := d.Destroy(ctx); err != nil {
		t.Errorf("Destroy() on missing container error = %v", err)
	}
}
