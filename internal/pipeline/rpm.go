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
	for _, name := range []string{"fedora", "centos", "rocky"} {
		Register(name, func(name string) Distro { return &RPM{name: name} })
	}
}

const dnf = "dnf -y --setopt=install_weak_deps=False"

// RPM builds with dnf, rpmbuild and createrepo_c for the Red Hat family.
type RPM struct {
	name string
}

func (r *RPM) Name() string { return r.name }

func (r *RPM) PrepareBeforeStart(ctx context.Context, rt container.Runtime, b *Build) error {
	host := filepath.Join(b.HostCacheDir, "dnf", r.name+"-"+b.Target.Release+"-"+b.Target.Arch)
	if err := os.MkdirAll(host, 0o755); err != nil {
		return err
	}
	return rt.MountHostPath(host, "/var/cache/dnf")
}

func (r *RPM) PrepareAfterStart(ctx context.Context, rt container.Runtime, b *Build) error {
	repo := strings.Join([]string{
		"[buildfarm-local]",
		"name=buildfarm-local",
		"baseurl=file://" + b.RepoDir,
		"enabled=1",
		"gpgcheck=0",
		"skip_if_unavailable=1",
		"metadata_expire=0",
	}, "\n")
	script := strings.Join([]string{
		"set -e",
		"mkdir -p " + q(b.RepoDir),
		"echo 'keepcache=1' >> /etc/dnf/dnf.conf",
		"printf '%s\\n' " + q(repo) + " > /etc/yum.repos.d/buildfarm-local.repo",
	}, "\n")
	return run(ctx, rt, "configuring local repository", script)
}

func (r *RPM) PrepareForBuilding(ctx context.Context, rt container.Runtime, b *Build) error {
	return run(ctx, rt, "installing build tooling",
		dnf+" install rpm-build rpmdevtools rpm-sign dnf-plugins-core createrepo_c curl gnupg2 iptables rsync")
}

func (r *RPM) DownloadSources(ctx context.Context, rt container.Runtime, b *Build) error {
	return fetchSources(ctx, rt, b, r.topDir(b)+"/SOURCES")
}

func (r *RPM) InstallRepositories(ctx context.Context, rt container.Runtime, b *Build) error {
	if len(b.Repositories) == 0 {
		return nil
	}
	script := []string{"set -e"}
	for _, repo := range b.Repositories {
		lines := []string{
			"[" + repo.Name + "]",
			"name=" + repo.Name,
			"baseurl=" + repo.URL,
			"enabled=1",
		}
		if repo.KeyURL != "" {
			lines = append(lines, "gpgcheck=1", "gpgkey="+repo.KeyURL)
		} else {
			lines = append(lines, "gpgcheck=0")
		}
		script = append(script, fmt.Sprintf("printf '%%s\\n' %s > /etc/yum.repos.d/%s.repo",
			q(strings.Join(lines, "\n")), repo.Name))
	}
	script = append(script, "dnf -y makecache")
	return run(ctx, rt, "installing repositories", strings.Join(script, "\n"))
}

func (r *RPM) InstallRequiredPackages(ctx context.Context, rt container.Runtime, b *Build) error {
	script := []string{"set -e", "cd " + q(b.SourceDir)}
	if len(b.Package.BuildRequires) > 0 {
		script = append(script, dnf+" install "+strings.Join(quoteAll(b.Package.BuildRequires), " "))
	}
	script = append(script, "for spec in *.spec; do [ -f \"$spec\" ] && "+dnf+" builddep \"$spec\"; done; true")
	return run(ctx, rt, "installing build requirements", strings.Join(script, "\n"))
}

func (r *RPM) Build(ctx context.Context, rt container.Runtime, b *Build) error {
	top := r.topDir(b)
	script := strings.Join([]string{
		"set -e",
		"cd " + q(b.SourceDir),
		"mkdir -p " + q(top) + "/SOURCES " + q(b.OutputDir),
		"find . -maxdepth 1 -type f ! -name '*.spec' -exec cp -f {} " + q(top+"/SOURCES") + " \\;",
		substituteRelease("*.spec", b.Release),
		fmt.Sprintf("rpmbuild --define %s -bb *.spec", q("_topdir "+top)),
		"find " + q(top+"/RPMS") + " -name '*.rpm' -exec cp -f {} " + q(b.OutputDir) + " \\;",
	}, "\n")
	return run(ctx, rt, "rpmbuild", script)
}

func (r *RPM) Sign(ctx context.Context, rt container.Runtime, b *Build) error {
	script := strings.Join([]string{
		"set -e",
		"gpg --batch --import " + q(b.SigningKey),
		"KEYID=$(gpg --batch --list-secret-keys --with-colons | awk -F: '/^sec/ {print $5; exit}')",
		"rpmsign --addsign --define \"_gpg_name $KEYID\" " + q(b.OutputDir) + "/*.rpm",
	}, "\n")
	return run(ctx, rt, "signing packages", script)
}

func (r *RPM) CreateRepoIndex(ctx context.Context, rt container.Runtime, b *Build) error {
	return run(ctx, rt, "createrepo_c", "createrepo_c --update "+q(b.RepoDir))
}

// ArtifactPattern matches name-version-release[.dist].arch.rpm, including
// noarch packages.
func (r *RPM) ArtifactPattern(name, version string, t models.Target) *regexp.Regexp {
	v := `\d[^-]*`
	if version != "" {
		v = regexp.QuoteMeta(version)
	}
	return regexp.MustCompile(fmt.Sprintf(`^%s-(%s)-(\d+)(?:\.[^.]+)?\.(?:%s|noarch)\.rpm$`,
		regexp.QuoteMeta(name), v, regexp.QuoteMeta(t.Arch)))
}

func (r *RPM) RepoDir(t models.Target) string {
	return path.Join(t.Distro, t.Release, t.Arch)
}

func (r *RPM) topDir(b *Build) string {
	return path.Join(b.BuildDir, "rpmbuild")
}
