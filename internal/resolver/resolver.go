// Package resolver computes package build order from manifest metadata and
// maintains the persisted dependency edges used for admission gating.
package resolver

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// ProjectScope identifies the project branch a resolver run belongs to.
type ProjectScope struct {
	User    string
	Project string
	Branch  string
}

// Resolver orders packages and persists the resulting edges.
type Resolver struct {
	edges  store.EdgeStore
	logger *slog.Logger
}

// New creates a Resolver persisting edges through the given store.
func New(edges store.EdgeStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		edges:  edges,
		logger: logger.With("component", "resolver"),
	}
}

// ProvidedBy maps every deliverable name and provided name to its package.
// A name claimed by two different packages is a DuplicateProvideError.
func ProvidedBy(pkgs []models.PackageManifest) (map[string]string, error) {
	seen := make(map[string]bool, len(pkgs))
	providedBy := make(map[string]string)

	for _, pkg := range sortedByName(pkgs) {
		if seen[pkg.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePackage, pkg.Name)
		}
		seen[pkg.Name] = true

		for _, d := range pkg.Deliverables {
			for _, name := range d.ProvidedNames() {
				if owner, ok := providedBy[name]; ok && owner != pkg.Name {
					return nil, &DuplicateProvideError{Name: name, Packages: []string{owner, pkg.Name}}
				}
				providedBy[name] = pkg.Name
			}
		}
	}
	return providedBy, nil
}

// Order returns a build order for pkgs. Each scan over the unscheduled
// packages in lexicographic order picks the first one whose requirements are
// external, self-provided, or provided by an already scheduled package.
// A scan that picks nothing yields a CycleError and no order.
func Order(pkgs []models.PackageManifest, providedBy map[string]string) ([]string, error) {
	pending := sortedByName(pkgs)
	scheduled := make(map[string]bool, len(pkgs))
	order := make([]string, 0, len(pkgs))

	for len(pending) > 0 {
		picked := -1
		for i, pkg := range pending {
			if len(unmet(pkg, providedBy, scheduled)) == 0 {
				picked = i
				break
			}
		}

		if picked < 0 {
			remaining := make(map[string][]string, len(pending))
			for _, pkg := range pending {
				remaining[pkg.Name] = unmet(pkg, providedBy, scheduled)
			}
			return nil, &CycleError{Remaining: remaining}
		}

		name := pending[picked].Name
		order = append(order, name)
		scheduled[name] = true
		pending = append(pending[:picked], pending[picked+1:]...)
	}
	return order, nil
}

// unmet returns the requirements of pkg that are provided by another package
// which is not yet scheduled, without duplicates.
func unmet(pkg models.PackageManifest, providedBy map[string]string, scheduled map[string]bool) []string {
	var out []string
	seen := make(map[string]bool)
	for _, req := range pkg.Requirements() {
		provider, ok := providedBy[req]
		if !ok || provider == pkg.Name || scheduled[provider] || seen[req] {
			continue
		}
		seen[req] = true
		out = append(out, req)
	}
	return out
}

func sortedByName(pkgs []models.PackageManifest) []models.PackageManifest {
	out := append([]models.PackageManifest(nil), pkgs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
