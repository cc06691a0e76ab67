package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/narvanalabs/buildfarm/internal/container"
	"github.com/narvanalabs/buildfarm/internal/models"
)

func init() {
	for _, name := range []string{"debian", "ubuntu"} {
		Register(name, func(name string) Distro { return &Debian{name: name} })
	}
}

const aptGet = "DEBIAN_FRONTEND=noninteractive apt-get -y -o Dpkg::Use-Pty=0"

// Debian builds with apt, dpkg-buildpackage and dpkg-scanpackages. It
// serves Debian and its derivatives.
type Debian struct {
	name string
}

func (d *Debian) Name() string { return d.name }

// PrepareBeforeStart keeps downloaded .deb files across builds of the same
// release and architecture.
func (d *Debian) PrepareBeforeStart(ctx context.Context, rt container.Runtime, b *Build) error {
	host := filepath.Join(b.HostCacheDir, "apt", d.name+"-"+b.Target.Release+"-"+b.Target.Arch)
	if err := os.MkdirAll(host, 0o755); err != nil {
		return err
	}
	return rt.MountHostPath(host, "/var/cache/apt/archives")
}

// PrepareAfterStart points apt at the project's own repository so packages
// built earlier in the order satisfy later build requirements.
func (d *Debian) PrepareAfterStart(ctx context.Context, rt container.Runtime, b *Build) error {
	script := strings.Join([]string{
		"set -e",
		"mkdir -p " + q(b.RepoDir),
		"[ -f " + q(path.Join(b.RepoDir, "Packages")) + " ] || : > " + q(path.Join(b.RepoDir, "Packages")),
		fmt.Sprintf("echo 'deb [trusted=yes] file:%s ./' > /etc/apt/sources.list.d/buildfarm-local.list", b.RepoDir),
		aptGet + " update",
	}, "\n")
	return run(ctx, rt, "configuring local repository", script)
}

func (d *Debian) PrepareForBuilding(ctx context.Context, rt container.Runtime, b *Build) error {
	return run(ctx, rt, "installing build tooling",
		aptGet+" install --no-install-recommends build-essential devscripts dpkg-dev fakeroot curl gnupg dpkg-sig iptables rsync")
}

// DownloadSources places upstream tarballs next to the source tree, where
// dpkg-source looks for them.
func (d *Debian) DownloadSources(ctx context.Context, rt container.Runtime, b *Build) error {
	return fetchSources(ctx, rt, b, b.BuildDir)
}

func (d *Debian) InstallRepositories(ctx context.Context, rt container.Runtime, b *Build) error {
	if len(b.Repositories) == 0 {
		return nil
	}
	script := []string{"set -e", "mkdir -p /etc/apt/keyrings"}
	for _, repo := range b.Repositories {
		list := fmt.Sprintf("/etc/apt/sources.list.d/%s.list", repo.Name)
		entry := repo.URL
		if !strings.HasPrefix(entry, "deb ") {
			entry = fmt.Sprintf("deb %s %s main", repo.URL, b.Target.Release)
		}
		if repo.KeyURL != "" {
			keyring := fmt.Sprintf("/etc/apt/keyrings/%s.gpg", repo.Name)
			script = append(script, fmt.Sprintf("curl -fsSL %s | gpg --dearmor --yes -o %s", q(repo.KeyURL), keyring))
			entry = strings.Replace(entry, "deb ", "deb [signed-by="+keyring+"] ", 1)
		}
		script = append(script, fmt.Sprintf("echo %s > %s", q(entry), list))
	}
	script = append(script, aptGet+" update")
	return run(ctx, rt, "installing repositories", strings.Join(script, "\n"))
}

func (d *Debian) InstallRequiredPackages(ctx context.Context, rt container.Runtime, b *Build) error {
	script := []string{"set -e", "cd " + q(b.SourceDir)}
	if len(b.Package.BuildRequires) > 0 {
		script = append(script, aptGet+" install --no-install-recommends "+strings.Join(quoteAll(b.Package.BuildRequires), " "))
	}
	script = append(script,
		"if [ -f debian/control ]; then mk-build-deps --install --remove --tool '"+aptGet+" --no-install-recommends' debian/control; fi")
	return run(ctx, rt, "installing build requirements", strings.Join(script, "\n"))
}

func (d *Debian) Build(ctx context.Context, rt container.Runtime, b *Build) error {
	script := strings.Join([]string{
		"set -e",
		"cd " + q(b.SourceDir),
		substituteRelease("debian/changelog", b.Release),
		"dpkg-buildpackage -us -uc -b",
		"mkdir -p " + q(b.OutputDir),
		"find " + q(b.BuildDir) + " -maxdepth 1 -name '*.deb' -exec cp -f {} " + q(b.OutputDir) + " \\;",
	}, "\n")
	return run(ctx, rt, "dpkg-buildpackage", script)
}

func (d *Debian) Sign(ctx context.Context, rt container.Runtime, b *Build) error {
	script := strings.Join([]string{
		"set -e",
		"gpg --batch --import " + q(b.SigningKey),
		"dpkg-sig --sign builder " + q(b.OutputDir) + "/*.deb",
	}, "\n")
	return run(ctx, rt, "signing packages", script)
}

func (d *Debian) CreateRepoIndex(ctx context.Context, rt container.Runtime, b *Build) error {
	script := strings.Join([]string{
		"set -e",
		"cd " + q(b.RepoDir),
		"dpkg-scanpackages --multiversion . > Packages",
		"gzip -9kf Packages",
	}, "\n")
	return run(ctx, rt, "dpkg-scanpackages", script)
}

// ArtifactPattern matches name_version-release_arch.deb, including
// architecture independent packages.
func (d *Debian) ArtifactPattern(name, version string, t models.Target) *regexp.Regexp {
	v := `\d[^_]*`
	if version != "" {
		v = regexp.QuoteMeta(version)
	}
	return regexp.MustCompile(fmt.Sprintf(`^%s_(%s)-(\d+)_(?:%s|all)\.deb$`,
		regexp.QuoteMeta(name), v, regexp.QuoteMeta(t.Arch)))
}

// RepoDir omits the architecture: one flat repository per release carries
// every architecture.
func (d *Debian) RepoDir(t models.Target) string {
	return path.Join(t.Distro, t.Release)
}

func quoteAll(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = q(s)
	}
	return out
}
