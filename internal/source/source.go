// Package source keeps local git checkouts of project packaging
// repositories and works out which packages a new commit touched.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/narvanalabs/buildfarm/internal/container/transport"
	"github.com/narvanalabs/buildfarm/internal/manifest"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/resolver"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// GitError represents a failed git operation on a checkout.
type GitError struct {
	URL    string
	Branch string
	Op     string
	Output string
	Err    error
}

// Error implements the error interface.
func (e *GitError) Error() string {
	if out := strings.TrimSpace(e.Output); out != "" {
		return fmt.Sprintf("git %s of %s (%s) failed: %s", e.Op, e.URL, e.Branch, out)
	}
	return fmt.Sprintf("git %s of %s (%s) failed: %v", e.Op, e.URL, e.Branch, e.Err)
}

// Unwrap returns the underlying error.
func (e *GitError) Unwrap() error {
	return e.Err
}

// Snapshot is the state of a checkout after a fetch.
type Snapshot struct {
	Path   string
	Commit string
	// Previous is the commit checked out before the fetch, empty on the
	// first clone.
	Previous string
	// Changed is false when the fetch brought no new commit.
	Changed bool
	// Files lists the paths changed since Previous. It is nil after a
	// first clone, when everything counts as changed.
	Files []string
}

// ChangedPackages maps the changed files onto the packages of set. After a
// first clone every package is changed.
func (s *Snapshot) ChangedPackages(set *manifest.Set) []string {
	if s.Previous == "" {
		names := make([]string, 0, len(set.Packages))
		for _, p := range set.Packages {
			names = append(names, p.Name)
		}
		return names
	}
	seen := make(map[string]bool)
	var names []string
	for _, f := range s.Files {
		if owner := set.Owner(f); owner != "" && !seen[owner] {
			seen[owner] = true
			names = append(names, owner)
		}
	}
	sort.Strings(names)
	return names
}

// Fetcher maintains one checkout per (user, project, branch) under Root.
type Fetcher struct {
	Root   string
	git    transport.CommandRunner
	logger *slog.Logger
}

// NewFetcher creates a Fetcher. A nil runner runs git on the local host.
func NewFetcher(root string, git transport.CommandRunner, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if git == nil {
		git = transport.ExecRunner{Logger: logger}
	}
	return &Fetcher{Root: root, git: git, logger: logger.With("component", "source")}
}

// Path returns the checkout directory of a project branch.
func (f *Fetcher) Path(user, project, branch string) string {
	return filepath.Join(f.Root, user, project, strings.ReplaceAll(branch, "/", "_"))
}

// Fetch brings the checkout of a project branch up to date, cloning it on
// first use.
func (f *Fetcher) Fetch(ctx context.Context, user, project, branch, gitURL string) (*Snapshot, error) {
	dest := f.Path(user, project, branch)
	logger := f.logger.With("user", user, "project", project, "branch", branch)

	if _, err := os.Stat(filepath.Join(dest, ".git")); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("creating checkout directory: %w", err)
		}
		os.RemoveAll(dest)
		if out, err := f.git.Run(ctx, "git", []string{"clone", "--branch", branch, "--single-branch", gitURL, dest}, nil); err != nil {
			return nil, &GitError{URL: gitURL, Branch: branch, Op: "clone", Output: out, Err: err}
		}
		commit, err := f.head(ctx, dest)
		if err != nil {
			return nil, &GitError{URL: gitURL, Branch: branch, Op: "rev-parse", Err: err}
		}
		logger.Info("cloned packaging repository", "commit", commit)
		return &Snapshot{Path: dest, Commit: commit, Changed: true}, nil
	}

	previous, err := f.head(ctx, dest)
	if err != nil {
		return nil, &GitError{URL: gitURL, Branch: branch, Op: "rev-parse", Err: err}
	}
	if out, err := f.git.Run(ctx, "git", []string{"-C", dest, "fetch", "origin", branch}, nil); err != nil {
		return nil, &GitError{URL: gitURL, Branch: branch, Op: "fetch", Output: out, Err: err}
	}
	if out, err := f.git.Run(ctx, "git", []string{"-C", dest, "reset", "--hard", "FETCH_HEAD"}, nil); err != nil {
		return nil, &GitError{URL: gitURL, Branch: branch, Op: "reset", Output: out, Err: err}
	}
	commit, err := f.head(ctx, dest)
	if err != nil {
		return nil, &GitError{URL: gitURL, Branch: branch, Op: "rev-parse", Err: err}
	}

	snap := &Snapshot{Path: dest, Commit: commit, Previous: previous, Changed: commit != previous}
	if !snap.Changed {
		logger.Debug("packaging repository unchanged", "commit", commit)
		return snap, nil
	}

	out, err := f.git.Run(ctx, "git", []string{"-C", dest, "diff", "--name-only", previous, commit}, nil)
	if err != nil {
		return nil, &GitError{URL: gitURL, Branch: branch, Op: "diff", Output: out, Err: err}
	}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			snap.Files = append(snap.Files, line)
		}
	}
	logger.Info("fetched packaging repository", "previous", previous, "commit", commit, "files", len(snap.Files))
	return snap, nil
}

// Current returns the commit checked out for a project branch.
func (f *Fetcher) Current(ctx context.Context, user, project, branch string) (string, error) {
	return f.head(ctx, f.Path(user, project, branch))
}

func (f *Fetcher) head(ctx context.Context, dir string) (string, error) {
	out, err := f.git.Run(ctx, "git", []string{"-C", dir, "rev-parse", "HEAD"}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Propagate returns the changed packages plus every package that
// transitively depends on one of them, in name order.
func Propagate(edges []models.DependencyEdge, changed []string) []string {
	return resolver.Dependants(edges, changed)
}

// MarkDirty records every dirty package as dirty for each target the
// package admits.
func MarkDirty(ctx context.Context, packages store.PackageStore, scope resolver.ProjectScope, set *manifest.Set, targets []models.Target, dirty []string, commit string) error {
	for _, name := range dirty {
		pkg, ok := set.Get(name)
		if !ok {
			continue
		}
		for _, t := range targets {
			if !pkg.Targets.Allows(t) {
				continue
			}
			fp := models.Fingerprint{
				User:    scope.User,
				Project: scope.Project,
				Package: name,
				Branch:  scope.Branch,
				Distro:  t.Distro,
				Release: t.Release,
				Arch:    t.Arch,
			}
			if err := packages.SetDirty(ctx, fp, true, commit); err != nil {
				return fmt.Errorf("marking %s dirty: %w", fp.String(), err)
			}
		}
	}
	return nil
}
