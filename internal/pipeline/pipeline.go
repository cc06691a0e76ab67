package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/narvanalabs/buildfarm/internal/container"
	"github.com/narvanalabs/buildfarm/internal/container/transport"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/pkg/config"
	pkglogger "github.com/narvanalabs/buildfarm/pkg/logger"
)

// Request describes one package build.
type Request struct {
	JobID       string
	Fingerprint models.Fingerprint
	Package     models.PackageManifest
	// PackageDir is the host directory holding the package's packaging tree.
	PackageDir string
	// LockSources, when set, is held while PackageDir is staged so that a
	// concurrent fetch cannot rewrite the tree mid-copy. It returns the
	// matching unlock function.
	LockSources func() func()
	// Commit is the source snapshot the package tree was taken from.
	Commit string
	// Secret is an optional path segment hiding the project's repository.
	Secret       string
	Repositories []config.Repository
	// SigningKey is the decrypted private signing key. Signing is skipped
	// when it is empty.
	SigningKey []byte
	// SSHKey is decrypted key material made available to the build.
	SSHKey []byte
	// Output receives the pipeline's progress lines.
	Output io.Writer
}

// Result summarizes a successful build.
type Result struct {
	Release   int
	Artifacts []string
	Pruned    []string
	// RemoteBuild is set when the build ran on a hosted service.
	RemoteBuild *container.RemoteBuildResult
}

// Runner executes build pipelines. Publishing into a repository directory is
// serialized per directory; everything else runs concurrently.
type Runner struct {
	cfg      config.PipelineConfig
	packages store.PackageStore
	host     transport.CommandRunner
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	repos map[string]*sync.Mutex
}

// NewRunner creates a Runner. packages may be nil, in which case dirty
// flags are not cleared.
func NewRunner(cfg config.PipelineConfig, packages store.PackageStore, host transport.CommandRunner, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if host == nil {
		host = transport.ExecRunner{Logger: logger}
	}
	return &Runner{
		cfg:      cfg,
		packages: packages,
		host:     host,
		logger:   logger.With("component", "pipeline"),
		now:      time.Now,
		repos:    make(map[string]*sync.Mutex),
	}
}

// RepoDir returns the host repository directory a request publishes into:
// <root>/<user>/<project>[/<secret>]/<distro layout>.
func (r *Runner) RepoDir(d Distro, req *Request) string {
	parts := []string{r.cfg.RepoRoot, req.Fingerprint.User, req.Fingerprint.Project}
	if req.Secret != "" {
		parts = append(parts, req.Secret)
	}
	parts = append(parts, filepath.FromSlash(d.RepoDir(req.Fingerprint.Target())))
	return filepath.Join(parts...)
}

func (r *Runner) repoLock(dir string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.repos[dir]
	if !ok {
		l = &sync.Mutex{}
		r.repos[dir] = l
	}
	return l
}

// execution is the state of one pipeline run.
type execution struct {
	*Runner
	req     *Request
	rt      container.Runtime
	distro  Distro
	build   *Build
	hostDir string
	staging string
	result  *Result
	log     *slog.Logger
}

// Run executes the pipeline for req against rt. The runtime must be fresh;
// stopping and destroying it is the caller's job whatever the outcome. The
// first failing step aborts the pipeline with a *StepError.
func (r *Runner) Run(ctx context.Context, rt container.Runtime, req *Request) (*Result, error) {
	distro, err := ForDistro(req.Fingerprint.Distro)
	if err != nil {
		return nil, &StepError{Step: StepCreate, Err: err}
	}
	if req.Output == nil {
		req.Output = io.Discard
	}
	if req.JobID != "" {
		ctx = pkglogger.ContextWithJobID(ctx, req.JobID)
	}

	root := container.WorkDir(rt)
	target := req.Fingerprint.Target()
	p := &execution{
		Runner: r,
		req:    req,
		rt:     rt,
		distro: distro,
		build: &Build{
			Target:       target,
			Package:      req.Package,
			Repositories: req.Repositories,
			Root:         root,
			BuildDir:     path.Join(root, "build"),
			SourceDir:    path.Join(root, "build", "src"),
			KeysDir:      path.Join(root, "build", "keys"),
			OutputDir:    path.Join(root, "out"),
			RepoDir:      path.Join(root, "repo"),
			CacheDir:     path.Join(root, "cache"),
			HostCacheDir: r.cfg.CacheDir,
		},
		hostDir: r.RepoDir(distro, req),
		staging: filepath.Join(r.cfg.StagingDir, req.JobID),
		result:  &Result{},
		log:     pkglogger.FromContext(ctx, r.logger).With("package", req.Package.Name, "target", target.String()),
	}
	defer os.RemoveAll(p.staging)

	if _, ok := rt.(container.RemoteBuilder); ok {
		err = p.runRemote(ctx)
	} else {
		err = p.runLocal(ctx)
	}
	if err != nil {
		p.progress("build failed: %v", err)
		return nil, err
	}

	if r.packages != nil {
		if err := r.packages.SetDirty(ctx, req.Fingerprint, false, req.Commit); err != nil {
			return nil, &StepError{Step: StepFinalize, Err: err}
		}
	}
	p.progress("build succeeded")
	return p.result, nil
}

type step struct {
	name string
	fn   func(ctx context.Context) error
	// skip reports whether the step does not apply to this build.
	skip func() bool
}

func (p *execution) steps(ctx context.Context, steps []step) error {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: s.name, Err: err}
		}
		if s.skip != nil && s.skip() {
			p.progress("==> %s (skipped)", s.name)
			continue
		}
		p.progress("==> %s", s.name)
		start := time.Now()
		if err := s.fn(ctx); err != nil {
			p.log.Warn("pipeline step failed", "step", s.name, "error", err)
			return &StepError{Step: s.name, Err: err}
		}
		p.log.Debug("pipeline step done", "step", s.name, "duration", time.Since(start))
	}
	return nil
}

func (p *execution) runLocal(ctx context.Context) error {
	d, b, rt := p.distro, p.build, p.rt
	return p.steps(ctx, []step{
		{name: StepCreate, fn: p.create},
		{name: StepMountHostPaths, fn: p.mountHostPaths},
		{name: StepPrepareBeforeStart, fn: func(ctx context.Context) error { return d.PrepareBeforeStart(ctx, rt, b) }},
		{name: StepStart, fn: rt.Start},
		{name: StepPrepareAfterStart, fn: func(ctx context.Context) error { return d.PrepareAfterStart(ctx, rt, b) }},
		{name: StepPrepareForBuilding, fn: func(ctx context.Context) error { return d.PrepareForBuilding(ctx, rt, b) }},
		{name: StepCopySources, fn: func(ctx context.Context) error { return p.copySources(ctx, true) }},
		{name: StepDownloadSources, fn: func(ctx context.Context) error { return d.DownloadSources(ctx, rt, b) }},
		{name: StepInstallRepositories, fn: func(ctx context.Context) error { return d.InstallRepositories(ctx, rt, b) }},
		{name: StepSetupScript, fn: p.setupScript, skip: p.noSetupScript},
		{name: StepInstallRequirements, fn: func(ctx context.Context) error { return d.InstallRequiredPackages(ctx, rt, b) }},
		{name: StepDisableNetwork, fn: p.disableNetwork},
		{name: StepBuild, fn: p.runBuild},
		{name: StepSign, fn: func(ctx context.Context) error { return d.Sign(ctx, rt, b) }, skip: func() bool { return b.SigningKey == "" }},
		{name: StepSyncArtifacts, fn: p.syncArtifacts},
		{name: StepRetention, fn: p.retention},
		{name: StepCreateRepoIndex, fn: p.createRepoIndex},
	})
}

// runRemote drives hosted build services, which publish their own artifacts.
func (p *execution) runRemote(ctx context.Context) error {
	return p.steps(ctx, []step{
		{name: StepCreate, fn: p.create},
		{name: StepStart, fn: p.rt.Start},
		{name: StepCopySources, fn: func(ctx context.Context) error { return p.copySources(ctx, false) }},
		{name: StepRemoteBuild, fn: p.remoteBuild},
	})
}

func (p *execution) progress(format string, args ...any) {
	fmt.Fprintf(p.req.Output, format+"\n", args...)
}

func (p *execution) create(ctx context.Context) error {
	return p.rt.Create(ctx, p.build.Target, p.req.JobID)
}

func (p *execution) mountHostPaths(ctx context.Context) error {
	sources := filepath.Join(p.cfg.CacheDir, "sources")
	for _, dir := range []string{p.hostDir, sources} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := p.rt.MountHostPath(p.hostDir, p.build.RepoDir); err != nil {
		return err
	}
	return p.rt.MountHostPath(sources, p.build.CacheDir)
}

// copySources stages the package tree and the decrypted credentials and
// mirrors them into the environment's build directory.
func (p *execution) copySources(ctx context.Context, withKeys bool) error {
	in := filepath.Join(p.staging, "in")
	if err := p.stageSources(ctx, filepath.Join(in, "src")); err != nil {
		return err
	}
	if withKeys {
		keys := filepath.Join(in, "keys")
		if err := os.MkdirAll(keys, 0o700); err != nil {
			return err
		}
		if len(p.req.SigningKey) > 0 {
			if err := os.WriteFile(filepath.Join(keys, "signing.asc"), p.req.SigningKey, 0o600); err != nil {
				return err
			}
			p.build.SigningKey = path.Join(p.build.KeysDir, "signing.asc")
		}
		if len(p.req.SSHKey) > 0 {
			if err := os.WriteFile(filepath.Join(keys, "id_ssh"), p.req.SSHKey, 0o600); err != nil {
				return err
			}
		}
	}
	return p.rt.PutTree(ctx, in, p.build.BuildDir)
}

func (p *execution) stageSources(ctx context.Context, dst string) error {
	if p.req.LockSources != nil {
		defer p.req.LockSources()()
	}
	return transport.LocalMirror(ctx, p.host, p.req.PackageDir, dst)
}

func (p *execution) noSetupScript() bool {
	script := p.req.Package.SetupScript
	if script == "" {
		return true
	}
	_, err := os.Stat(filepath.Join(p.req.PackageDir, filepath.FromSlash(script)))
	return errors.Is(err, fs.ErrNotExist)
}

func (p *execution) setupScript(ctx context.Context) error {
	cmd := "cd " + q(p.build.SourceDir) + " && sh " + q("./"+path.Clean(p.req.Package.SetupScript))
	return run(ctx, p.rt, "running setup script", cmd)
}

// disableNetwork drops outbound traffic except loopback and replies on
// established connections, which keeps the command transport working.
func (p *execution) disableNetwork(ctx context.Context) error {
	return run(ctx, p.rt, "disabling network", "iptables -A OUTPUT -o lo -j ACCEPT && "+
		"iptables -A OUTPUT -m conntrack --ctstate ESTABLISHED,RELATED -j ACCEPT && "+
		"iptables -P OUTPUT DROP")
}

func (p *execution) runBuild(ctx context.Context) error {
	release, err := NextRelease(p.hostDir, p.distro, p.build.ArtifactNames(), p.req.Package.Version, p.build.Target)
	if err != nil {
		return err
	}
	p.build.Release = release
	p.result.Release = release
	p.progress("release %d", release)
	return p.distro.Build(ctx, p.rt, p.build)
}

// syncArtifacts pulls the build output and the source cache to the host.
// Artifacts are copied into the repository without removing anything.
func (p *execution) syncArtifacts(ctx context.Context) error {
	out := filepath.Join(p.staging, "out")
	if err := p.rt.GetTree(ctx, p.build.OutputDir, out); err != nil {
		return err
	}

	lock := p.repoLock(p.hostDir)
	lock.Lock()
	copied, err := copyFiles(out, p.hostDir, true)
	lock.Unlock()
	if err != nil {
		return err
	}
	if len(copied) == 0 {
		return ErrNoArtifacts
	}
	p.result.Artifacts = copied

	if container.EmulatesMounts(p.rt) {
		cache := filepath.Join(p.staging, "cache")
		if err := p.rt.GetTree(ctx, p.build.CacheDir, cache); err != nil {
			return err
		}
		if _, err := copyFiles(cache, filepath.Join(p.cfg.CacheDir, "sources"), false); err != nil {
			return err
		}
	}
	return nil
}

func (p *execution) retention(ctx context.Context) error {
	if p.cfg.RetentionKeep <= 0 && p.cfg.RetentionMaxAge <= 0 {
		return nil
	}
	lock := p.repoLock(p.hostDir)
	lock.Lock()
	defer lock.Unlock()
	pruned, err := Prune(p.hostDir, p.distro, p.build.ArtifactNames(), p.build.Target,
		p.cfg.RetentionKeep, p.cfg.RetentionMaxAge, p.now())
	p.result.Pruned = pruned
	if len(pruned) > 0 {
		p.progress("pruned %d old artifacts", len(pruned))
	}
	return err
}

// createRepoIndex regenerates the repository metadata. On backends that copy
// mounts, the repository is pushed first and pulled back afterwards.
func (p *execution) createRepoIndex(ctx context.Context) error {
	lock := p.repoLock(p.hostDir)
	lock.Lock()
	defer lock.Unlock()

	emulated := container.EmulatesMounts(p.rt)
	if emulated {
		if err := p.rt.PutTree(ctx, p.hostDir, p.build.RepoDir); err != nil {
			return err
		}
	}
	if err := p.distro.CreateRepoIndex(ctx, p.rt, p.build); err != nil {
		return err
	}
	if emulated {
		return p.rt.GetTree(ctx, p.build.RepoDir, p.hostDir)
	}
	return nil
}

func (p *execution) remoteBuild(ctx context.Context) error {
	rb := p.rt.(container.RemoteBuilder)
	res, err := rb.RemoteBuild(ctx, container.RemoteBuildRequest{
		Identity:  p.req.JobID,
		Package:   p.req.Package.Name,
		Version:   p.req.Package.Version,
		Target:    p.build.Target,
		SourceDir: p.build.BuildDir,
	})
	p.result.RemoteBuild = res
	if res != nil {
		p.progress("remote build %s: %s %s", res.ID, res.State, res.LogURL)
	}
	return err
}

// copyFiles copies the regular files directly inside src into dst and
// returns their names. Existing files are kept unless overwrite is set.
func copyFiles(src, dst string, overwrite bool) ([]string, error) {
	entries, err := os.ReadDir(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, err
	}

	var copied []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		target := filepath.Join(dst, e.Name())
		if !overwrite {
			if _, err := os.Stat(target); err == nil {
				continue
			}
		}
		if err := copyFile(filepath.Join(src, e.Name()), target); err != nil {
			return copied, err
		}
		copied = append(copied, e.Name())
	}
	return copied, nil
}

// copyFile writes through a temporary file so readers of the repository
// never observe a partial artifact.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".incoming-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
