package source

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/narvanalabs/buildfarm/internal/container/transport"
	"github.com/narvanalabs/buildfarm/internal/manifest"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/resolver"
	"github.com/narvanalabs/buildfarm/internal/store/memory"
)

// scriptedGit answers git invocations by subcommand.
type scriptedGit struct {
	calls   []string
	heads   []string
	diff    string
	failOn  string
	cloneFn func(dest string)
}

func (g *scriptedGit) Run(ctx context.Context, name string, args []string, out io.Writer) (string, error) {
	g.calls = append(g.calls, strings.Join(args, " "))
	sub := args[0]
	if sub == "-C" {
		sub = args[2]
	}
	if sub == g.failOn {
		return "fatal: couldn't find remote ref", &transport.ExitError{Command: "git " + sub, Status: 128}
	}
	switch sub {
	case "clone":
		if g.cloneFn != nil {
			g.cloneFn(args[len(args)-1])
		}
	case "rev-parse":
		head := g.heads[0]
		if len(g.heads) > 1 {
			g.heads = g.heads[1:]
		}
		return head + "\n", nil
	case "diff":
		return g.diff, nil
	}
	return "", nil
}

func TestFetchClonesOnFirstUse(t *testing.T) {
	git := &scriptedGit{heads: []string{"c1"}, cloneFn: func(dest string) {
		os.MkdirAll(filepath.Join(dest, ".git"), 0o755)
	}}
	f := NewFetcher(t.TempDir(), git, nil)

	snap, err := f.Fetch(context.Background(), "alice", "tools", "release/1.x", "https://git.example.com/tools.git")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if snap.Commit != "c1" || snap.Previous != "" || !snap.Changed || snap.Files != nil {
		t.Errorf("snapshot = %+v", snap)
	}
	if want := filepath.Join(f.Root, "alice", "tools", "release_1.x"); snap.Path != want {
		t.Errorf("Path = %q, want %q", snap.Path, want)
	}
	if !strings.HasPrefix(git.calls[0], "clone --branch release/1.x --single-branch") {
		t.Errorf("first call = %q", git.calls[0])
	}
}

func TestFetchUpdatesAndDiffs(t *testing.T) {
	git := &scriptedGit{heads: []string{"c1", "c2"}, diff: "libfoo/package.yml\napp/src/main.c\n\n"}
	f := NewFetcher(t.TempDir(), git, nil)
	os.MkdirAll(filepath.Join(f.Path("alice", "tools", "main"), ".git"), 0o755)

	snap, err := f.Fetch(context.Background(), "alice", "tools", "main", "u")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if snap.Previous != "c1" || snap.Commit != "c2" || !snap.Changed {
		t.Errorf("snapshot = %+v", snap)
	}
	if want := []string{"libfoo/package.yml", "app/src/main.c"}; !reflect.DeepEqual(snap.Files, want) {
		t.Errorf("Files = %v, want %v", snap.Files, want)
	}
	if last := git.calls[len(git.calls)-1]; !strings.Contains(last, "diff --name-only c1 c2") {
		t.Errorf("last call = %q", last)
	}
}

func TestFetchUnchanged(t *testing.T) {
	git := &scriptedGit{heads: []string{"c1"}}
	f := NewFetcher(t.TempDir(), git, nil)
	os.MkdirAll(filepath.Join(f.Path("alice", "tools", "main"), ".git"), 0o755)

	snap, err := f.Fetch(context.Background(), "alice", "tools", "main", "u")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Changed || len(snap.Files) != 0 {
		t.Errorf("snapshot = %+v, want unchanged", snap)
	}
	for _, c := range git.calls {
		if strings.Contains(c, "diff") {
			t.Errorf("unexpected diff call %q", c)
		}
	}
}

func TestFetchFailure(t *testing.T) {
	git := &scriptedGit{heads: []string{"c1"}, failOn: "fetch"}
	f := NewFetcher(t.TempDir(), git, nil)
	os.MkdirAll(filepath.Join(f.Path("alice", "tools", "main"), ".git"), 0o755)

	_, err := f.Fetch(context.Background(), "alice", "tools", "main", "u")
	var gerr *GitError
	if !errors.As(err, &gerr) || gerr.Op != "fetch" || !strings.Contains(err.Error(), "couldn't find remote ref") {
		t.Fatalf("Fetch() error = %v, want fetch GitError", err)
	}
	var exit *transport.ExitError
	if !errors.As(err, &exit) || exit.Status != 128 {
		t.Errorf("exit error not wrapped: %v", err)
	}
}

func loadSet(t *testing.T) *manifest.Set {
	t.Helper()
	root := t.TempDir()
	for dir, content := range map[string]string{
		"libfoo": "version: '1'\ndeliverables:\n  - name: libfoo1\n",
		"app":    "version: '1'\nbuild_requires: [libfoo1]\ntargets:\n  exclude: ['*/*/arm64']\n",
		"docs":   "version: '1'\n",
	} {
		os.MkdirAll(filepath.Join(root, dir), 0o755)
		if err := os.WriteFile(filepath.Join(root, dir, manifest.FileName), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	set, err := manifest.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	return set
}

func TestChangedPackages(t *testing.T) {
	set := loadSet(t)

	first := &Snapshot{Commit: "c1", Changed: true}
	if got := first.ChangedPackages(set); !reflect.DeepEqual(got, []string{"app", "docs", "libfoo"}) {
		t.Errorf("first clone ChangedPackages() = %v", got)
	}

	update := &Snapshot{Commit: "c2", Previous: "c1", Changed: true, Files: []string{"libfoo/rules", "README", "libfoo/package.yml"}}
	if got := update.ChangedPackages(set); !reflect.DeepEqual(got, []string{"libfoo"}) {
		t.Errorf("ChangedPackages() = %v, want [libfoo]", got)
	}
}

func TestPropagateAndMarkDirty(t *testing.T) {
	ctx := context.Background()
	set := loadSet(t)
	providedBy, err := resolver.ProvidedBy(set.Packages)
	if err != nil {
		t.Fatal(err)
	}
	edges := resolver.Edges(set.Packages, providedBy)

	dirty := Propagate(edges, []string{"libfoo"})
	if want := []string{"app", "libfoo"}; !reflect.DeepEqual(dirty, want) {
		t.Fatalf("Propagate() = %v, want %v", dirty, want)
	}

	st := memory.New()
	targets := []models.Target{
		{Distro: "debian", Release: "bookworm", Arch: "amd64"},
		{Distro: "debian", Release: "bookworm", Arch: "arm64"},
	}
	scope := resolver.ProjectScope{User: "alice", Project: "tools", Branch: "main"}
	if err := MarkDirty(ctx, st.Packages(), scope, set, targets, dirty, "c2"); err != nil {
		t.Fatal(err)
	}

	fp := func(pkg, arch string) models.Fingerprint {
		return models.Fingerprint{User: "alice", Project: "tools", Package: pkg, Branch: "main", Distro: "debian", Release: "bookworm", Arch: arch}
	}
	for _, want := range []models.Fingerprint{fp("libfoo", "amd64"), fp("libfoo", "arm64"), fp("app", "amd64")} {
		state, err := st.Packages().Get(ctx, want)
		if err != nil || !state.Dirty || state.LastCommit != "c2" {
			t.Errorf("state of %s = %+v, %v", want.String(), state, err)
		}
	}
	if _, err := st.Packages().Get(ctx, fp("app", "arm64")); err == nil {
		t.Error("excluded target was marked dirty")
	}
	if _, err := st.Packages().Get(ctx, fp("docs", "amd64")); err == nil {
		t.Error("unrelated package was marked dirty")
	}
}

func TestFetchWithGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	origin := t.TempDir()
	gitIn := func(dir string, args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir, "-c", "user.name=farm", "-c", "user.email=farm@example.com"}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	write := func(rel, content string) {
		t.Helper()
		os.MkdirAll(filepath.Dir(filepath.Join(origin, rel)), 0o755)
		if err := os.WriteFile(filepath.Join(origin, rel), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	gitIn(origin, "init", "-q", "-b", "main")
	write("libfoo/package.yml", "version: '1'\n")
	write("app/package.yml", "version: '1'\n")
	gitIn(origin, "add", ".")
	gitIn(origin, "commit", "-q", "-m", "initial")

	f := NewFetcher(t.TempDir(), nil, nil)
	first, err := f.Fetch(ctx, "alice", "tools", "main", origin)
	if err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	if len(first.Commit) != 40 || first.Previous != "" {
		t.Errorf("first snapshot = %+v", first)
	}

	write("app/package.yml", "version: '2'\n")
	gitIn(origin, "commit", "-q", "-am", "bump app")

	second, err := f.Fetch(ctx, "alice", "tools", "main", origin)
	if err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if !second.Changed || second.Previous != first.Commit || !reflect.DeepEqual(second.Files, []string{"app/package.yml"}) {
		t.Errorf("second snapshot = %+v", second)
	}
}
