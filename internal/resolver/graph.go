package resolver

import (
	"sort"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// Edges derives the package-level edges dependant -> required from the
// requirements of pkgs. Self edges and external names are dropped.
func Edges(pkgs []models.PackageManifest, providedBy map[string]string) []models.DependencyEdge {
	type pair struct{ dependant, required string }
	seen := make(map[pair]bool)
	var edges []models.DependencyEdge

	for _, pkg := range sortedByName(pkgs) {
		for _, req := range pkg.Requirements() {
			provider, ok := providedBy[req]
			if !ok || provider == pkg.Name {
				continue
			}
			p := pair{pkg.Name, provider}
			if seen[p] {
				continue
			}
			seen[p] = true
			edges = append(edges, models.DependencyEdge{Dependant: pkg.Name, Required: provider})
		}
	}

	sortEdges(edges)
	return edges
}

func sortEdges(edges []models.DependencyEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Dependant != edges[j].Dependant {
			return edges[i].Dependant < edges[j].Dependant
		}
		return edges[i].Required < edges[j].Required
	})
}

// DependsOn reports whether dependant transitively requires required over
// the given edges. The walk is iterative and tolerates cycles.
func DependsOn(edges []models.DependencyEdge, dependant, required string) bool {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.Dependant] = append(adj[e.Dependant], e.Required)
	}

	visited := map[string]bool{dependant: true}
	stack := append([]string(nil), adj[dependant]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == required {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, adj[n]...)
	}
	return false
}

// Dependants returns every package that transitively requires one of the
// given packages, including the packages themselves, sorted.
func Dependants(edges []models.DependencyEdge, pkgs []string) []string {
	rev := make(map[string][]string)
	for _, e := range edges {
		rev[e.Required] = append(rev[e.Required], e.Dependant)
	}

	visited := make(map[string]bool)
	stack := append([]string(nil), pkgs...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, rev[n]...)
	}

	out := make([]string, 0, len(visited))
	for n := range visited {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
