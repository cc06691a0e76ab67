// Package pipeline runs the ordered, fail-fast sequence of steps that turns
// a package tree into published artifacts inside a started build
// environment.
package pipeline

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/narvanalabs/buildfarm/internal/container"
	"github.com/narvanalabs/buildfarm/internal/container/transport"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

// Build carries everything a distro implementation needs for one job.
// Paths are inside the build environment.
type Build struct {
	Target       models.Target
	Package      models.PackageManifest
	Repositories []config.Repository
	// Release is the release counter substituted for @RELEASE@.
	Release int

	Root      string
	SourceDir string
	BuildDir  string
	KeysDir   string
	OutputDir string
	RepoDir   string
	CacheDir  string

	// HostCacheDir is the host directory package manager caches live in.
	HostCacheDir string

	// SigningKey is the key file inside the environment, empty when the
	// project does not sign.
	SigningKey string
}

// ArtifactNames returns the names artifacts of the build are published
// under: one per deliverable, or the package name when none is declared.
func (b *Build) ArtifactNames() []string {
	if len(b.Package.Deliverables) == 0 {
		return []string{b.Package.Name}
	}
	names := make([]string, 0, len(b.Package.Deliverables))
	for _, d := range b.Package.Deliverables {
		names = append(names, d.Name)
	}
	return names
}

// Distro is the set of distribution specific build steps.
type Distro interface {
	Name() string
	// PrepareBeforeStart registers extra mounts before the environment starts.
	PrepareBeforeStart(ctx context.Context, rt container.Runtime, b *Build) error
	// PrepareAfterStart bootstraps package repositories, including the
	// project's own repository.
	PrepareAfterStart(ctx context.Context, rt container.Runtime, b *Build) error
	// PrepareForBuilding installs the base build tooling.
	PrepareForBuilding(ctx context.Context, rt container.Runtime, b *Build) error
	DownloadSources(ctx context.Context, rt container.Runtime, b *Build) error
	InstallRepositories(ctx context.Context, rt container.Runtime, b *Build) error
	InstallRequiredPackages(ctx context.Context, rt container.Runtime, b *Build) error
	// Build runs the native build tool and leaves artifacts in OutputDir.
	Build(ctx context.Context, rt container.Runtime, b *Build) error
	Sign(ctx context.Context, rt container.Runtime, b *Build) error
	// CreateRepoIndex regenerates the repository metadata in RepoDir.
	CreateRepoIndex(ctx context.Context, rt container.Runtime, b *Build) error

	// ArtifactPattern matches the artifact file names of one deliverable.
	// The first group captures the version and the second the release.
	// An empty version matches every version.
	ArtifactPattern(name, version string, t models.Target) *regexp.Regexp
	// RepoDir returns the repository directory of a target relative to
	// the project's repository root.
	RepoDir(t models.Target) string
}

// Factory creates a Distro for a distribution name.
type Factory func(name string) Distro

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a distro implementation available under name. Registering
// a name twice replaces the previous factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// ForDistro returns the implementation registered for name.
func ForDistro(name string) (Distro, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDistro, name)
	}
	return f(name), nil
}

// Distros returns the registered distribution names in sorted order.
func Distros() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// run executes cmd and wraps a failure with what was being attempted.
func run(ctx context.Context, rt container.Runtime, what, cmd string) error {
	if _, err := rt.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// fetchSources downloads every declared source into the shared cache, unless
// already cached, and copies it into dest.
func fetchSources(ctx context.Context, rt container.Runtime, b *Build, dest string) error {
	if len(b.Package.Sources) == 0 {
		return nil
	}
	script := []string{"set -e", "mkdir -p " + q(b.CacheDir) + " " + q(dest)}
	for _, src := range b.Package.Sources {
		name := path.Base(strings.SplitN(src, "?", 2)[0])
		if name == "" || name == "." || name == "/" {
			return fmt.Errorf("cannot derive a file name from source %q", src)
		}
		cached := path.Join(b.CacheDir, name)
		script = append(script,
			fmt.Sprintf("[ -s %s ] || { curl -fsSL --retry 3 -o %s.part %s && mv %s.part %s; }",
				q(cached), q(cached), q(src), q(cached), q(cached)),
			fmt.Sprintf("cp -f %s %s", q(cached), q(path.Join(dest, name))),
		)
	}
	return run(ctx, rt, "downloading sources", strings.Join(script, "\n"))
}

func q(s string) string {
	return transport.ShellQuote(s)
}

// releasePlaceholder is replaced by the computed release counter.
const releasePlaceholder = "@RELEASE@"

func substituteRelease(file string, release int) string {
	return fmt.Sprintf("sed -i 's/%s/%d/g' %s", releasePlaceholder, release, file)
}
