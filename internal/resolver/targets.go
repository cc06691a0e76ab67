package resolver

import (
	"context"
	"fmt"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// TargetOrder is the build order of the packages in scope for one target.
type TargetOrder struct {
	Target models.Target
	Order  []string
}

// Plan is the outcome of resolving a project for several targets.
type Plan struct {
	Targets []TargetOrder
	// Edges is the union of the edges of every target.
	Edges []models.DependencyEdge
}

// Order returns the build order of t, or nil when t was not planned.
func (p *Plan) Order(t models.Target) []string {
	for _, to := range p.Targets {
		if to.Target == t {
			return to.Order
		}
	}
	return nil
}

// InScope returns the packages whose target filter admits t.
func InScope(pkgs []models.PackageManifest, t models.Target) []models.PackageManifest {
	var out []models.PackageManifest
	for _, p := range pkgs {
		if p.Targets.Allows(t) {
			out = append(out, p)
		}
	}
	return out
}

// TargetEdges returns the union over targets of the edges between the
// packages in scope for each target. Provided names only need to be unique
// within one target.
func TargetEdges(pkgs []models.PackageManifest, targets []models.Target) ([]models.DependencyEdge, error) {
	if err := uniqueNames(pkgs); err != nil {
		return nil, err
	}
	var all []models.DependencyEdge
	for _, t := range targets {
		scoped := InScope(pkgs, t)
		providedBy, err := ProvidedBy(scoped)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", t, err)
		}
		all = append(all, Edges(scoped, providedBy)...)
	}
	return dedupEdges(all), nil
}

// ResolveTargets orders, for every target, the packages in scope for it and
// replaces the stored edge set of the scope with the union of the
// per-target edges. Any failure aborts the run before anything is stored.
func (r *Resolver) ResolveTargets(ctx context.Context, scope ProjectScope, pkgs []models.PackageManifest, targets []models.Target) (*Plan, error) {
	if err := uniqueNames(pkgs); err != nil {
		return nil, err
	}

	plan := &Plan{}
	var all []models.DependencyEdge
	for _, t := range targets {
		scoped := InScope(pkgs, t)
		providedBy, err := ProvidedBy(scoped)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", t, err)
		}
		order, err := Order(scoped, providedBy)
		if err != nil {
			r.logger.Warn("dependency resolution failed",
				"user", scope.User, "project", scope.Project, "branch", scope.Branch,
				"target", t.String(), "error", err)
			return nil, fmt.Errorf("target %s: %w", t, err)
		}
		plan.Targets = append(plan.Targets, TargetOrder{Target: t, Order: order})
		all = append(all, Edges(scoped, providedBy)...)
	}

	plan.Edges = dedupEdges(all)
	for i := range plan.Edges {
		plan.Edges[i].User = scope.User
		plan.Edges[i].Project = scope.Project
		plan.Edges[i].Branch = scope.Branch
	}
	if r.edges != nil {
		if err := r.edges.Replace(ctx, scope.User, scope.Project, scope.Branch, plan.Edges); err != nil {
			return nil, fmt.Errorf("persisting dependency edges: %w", err)
		}
	}

	r.logger.Debug("dependency resolution complete",
		"user", scope.User, "project", scope.Project, "branch", scope.Branch,
		"targets", len(plan.Targets), "edges", len(plan.Edges))
	return plan, nil
}

func uniqueNames(pkgs []models.PackageManifest) error {
	seen := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		if seen[p.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicatePackage, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func dedupEdges(edges []models.DependencyEdge) []models.DependencyEdge {
	type pair struct{ dependant, required string }
	seen := make(map[pair]bool, len(edges))
	out := make([]models.DependencyEdge, 0, len(edges))
	for _, e := range edges {
		p := pair{e.Dependant, e.Required}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, e)
	}
	sortEdges(out)
	return out
}
