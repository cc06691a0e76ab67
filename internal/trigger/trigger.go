package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/buildfarm/internal/manifest"
	"github.com/narvanalabs/buildfarm/internal/resolver"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
	"github.com/narvanalabs/buildfarm/internal/source"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// Enqueuer creates the jobs of a project batch.
type Enqueuer interface {
	EnqueueProject(ctx context.Context, req scheduler.ProjectRequest) (*scheduler.ProjectResult, error)
}

// Request asks for a project branch to be brought up to date.
type Request struct {
	User    string `json:"user"`
	Project string `json:"project"`
	// Branch defaults to the project's first branch.
	Branch string `json:"branch,omitempty"`
	// Force rebuilds every package, dirty or not.
	Force bool `json:"force,omitempty"`
}

// Result reports what a trigger did.
type Result struct {
	Commit  string                   `json:"commit"`
	Changed []string                 `json:"changed"`
	Dirty   []string                 `json:"dirty"`
	Batch   *scheduler.ProjectResult `json:"batch"`
}

// Service runs triggers.
type Service struct {
	ws       *Workspace
	packages store.PackageStore
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(ws *Workspace, packages store.PackageStore, enqueuer Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ws: ws, packages: packages, enqueuer: enqueuer, logger: logger.With("component", "trigger")}
}

// Trigger fetches the project branch, marks the changed packages and their
// dependants dirty and enqueues the dirty packages in build order.
func (s *Service) Trigger(ctx context.Context, req Request) (*Result, error) {
	project, err := s.ws.Project(req.User, req.Project)
	if err != nil {
		return nil, err
	}
	branch := req.Branch
	if branch == "" && len(project.Branches) > 0 {
		branch = project.Branches[0]
	}
	if !project.HasBranch(branch) {
		return nil, fmt.Errorf("%w: %s@%s", ErrUnknownBranch, project.Ref(), branch)
	}
	targets, err := project.ParsedTargets()
	if err != nil {
		return nil, err
	}

	key := checkoutKey{project.User, project.Name, branch}
	unlock := s.ws.lock(key)
	snap, err := s.ws.fetcher.Fetch(ctx, project.User, project.Name, branch, project.GitURL)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("fetching %s: %w", project.Ref(), err)
	}
	set, err := manifest.Load(snap.Path)
	if err != nil {
		unlock()
		return nil, err
	}
	s.ws.store(key, &checkout{set: set, commit: snap.Commit})
	unlock()

	res := &Result{Commit: snap.Commit}
	if snap.Changed {
		edges, err := resolver.TargetEdges(set.Packages, targets)
		if err != nil {
			return nil, err
		}
		res.Changed = snap.ChangedPackages(set)
		res.Dirty = source.Propagate(edges, res.Changed)
		scope := resolver.ProjectScope{User: project.User, Project: project.Name, Branch: branch}
		if err := source.MarkDirty(ctx, s.packages, scope, set, targets, res.Dirty, snap.Commit); err != nil {
			return nil, err
		}
	}

	batch, err := s.enqueuer.EnqueueProject(ctx, scheduler.ProjectRequest{
		User:              project.User,
		Project:           project.Name,
		Branch:            branch,
		Targets:           targets,
		Packages:          set.Packages,
		Force:             req.Force,
		Backend:           project.Backend,
		PinnedMachine:     project.PinnedMachine,
		DependsOnProjects: project.DependsOn,
	})
	if err != nil {
		return nil, err
	}
	res.Batch = batch

	s.logger.Info("project triggered",
		"project", project.Ref(),
		"branch", branch,
		"commit", snap.Commit,
		"changed", len(res.Changed),
		"dirty", len(res.Dirty),
		"enqueued", len(batch.Enqueued),
	)
	return res, nil
}
