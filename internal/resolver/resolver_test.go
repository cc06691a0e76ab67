package resolver

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store/memory"
)

func pkg(name string, buildReqs []string, deliverables ...models.Deliverable) models.PackageManifest {
	return models.PackageManifest{Name: name, Version: "1.0", BuildRequires: buildReqs, Deliverables: deliverables}
}

var bookworm = models.Target{Distro: "debian", Release: "bookworm", Arch: "amd64"}

func TestResolveProviderBeforeConsumer(t *testing.T) {
	pkgs := []models.PackageManifest{
		pkg("P2", []string{"libX"}, models.Deliverable{Name: "p2"}),
		pkg("P1", nil, models.Deliverable{Name: "p1", Provides: []string{"libX"}}),
	}

	res, err := New(nil, nil).ResolveTargets(context.Background(), ProjectScope{User: "u", Project: "p", Branch: "main"}, pkgs, []models.Target{bookworm})
	if err != nil {
		t.Fatalf("ResolveTargets() error = %v", err)
	}
	if want := []string{"P1", "P2"}; !reflect.DeepEqual(res.Order(bookworm), want) {
		t.Errorf("Order = %v, want %v", res.Order(bookworm), want)
	}
	if len(res.Edges) != 1 || res.Edges[0].Dependant != "P2" || res.Edges[0].Required != "P1" {
		t.Errorf("Edges = %+v", res.Edges)
	}
}

func TestResolveCycle(t *testing.T) {
	pkgs := []models.PackageManifest{
		pkg("A", nil, models.Deliverable{Name: "a", Requires: []string{"b"}}),
		pkg("B", nil, models.Deliverable{Name: "b", Requires: []string{"a"}}),
	}

	res, err := New(nil, nil).ResolveTargets(context.Background(), ProjectScope{}, pkgs, []models.Target{bookworm})
	if res != nil {
		t.Fatalf("expected no result on cycle, got %+v", res)
	}
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if got := cycle.Packages(); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("cycle packages = %v", got)
	}
	if !reflect.DeepEqual(cycle.Remaining["A"], []string{"b"}) {
		t.Errorf("unmet for A = %v", cycle.Remaining["A"])
	}
}

func TestResolveExternalAndSelfRequirements(t *testing.T) {
	pkgs := []models.PackageManifest{
		pkg("tool", []string{"gcc", "make"},
			models.Deliverable{Name: "tool", Requires: []string{"libc6", "tool-data"}},
			models.Deliverable{Name: "tool-data"},
		),
	}
	order, err := Order(pkgs, mustProvidedBy(t, pkgs))
	if err != nil {
		t.Fatalf("Order() error = %v", err)
	}
	if !reflect.DeepEqual(order, []string{"tool"}) {
		t.Errorf("Order = %v", order)
	}
}

func TestResolveDuplicateProvide(t *testing.T) {
	pkgs := []models.PackageManifest{
		pkg("A", nil, models.Deliverable{Name: "a", Provides: []string{"virtual"}}),
		pkg("B", nil, models.Deliverable{Name: "b", Provides: []string{"virtual"}}),
	}
	_, err := New(nil, nil).ResolveTargets(context.Background(), ProjectScope{}, pkgs, []models.Target{bookworm})
	var dup *DuplicateProvideError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateProvideError, got %v", err)
	}
	if dup.Name != "virtual" {
		t.Errorf("Name = %q", dup.Name)
	}
}

func TestResolvePersistsEdgesOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	r := New(st.Edges(), nil)
	scope := ProjectScope{User: "alice", Project: "tools", Branch: "main"}

	good := []models.PackageManifest{
		pkg("app", []string{"libcore"}, models.Deliverable{Name: "app"}),
		pkg("core", nil, models.Deliverable{Name: "libcore"}),
	}
	if _, err := r.ResolveTargets(ctx, scope, good, []models.Target{bookworm}); err != nil {
		t.Fatal(err)
	}

	cyclic := []models.PackageManifest{
		pkg("x", []string{"y"}, models.Deliverable{Name: "x"}),
		pkg("y", []string{"x"}, models.Deliverable{Name: "y"}),
	}
	if _, err := r.ResolveTargets(ctx, scope, cyclic, []models.Target{bookworm}); err == nil {
		t.Fatal("expected cycle error")
	}

	edges, _ := st.Edges().List(ctx, "alice", "tools", "main")
	if len(edges) != 1 || edges[0].Dependant != "app" || edges[0].Required != "core" || edges[0].User != "alice" {
		t.Fatalf("persisted edges = %+v", edges)
	}
}

func TestDependsOnTransitiveAndCycleSafe(t *testing.T) {
	edges := []models.DependencyEdge{
		{Dependant: "a", Required: "b"},
		{Dependant: "b", Required: "c"},
		{Dependant: "c", Required: "a"},
		{Dependant: "d", Required: "e"},
	}
	if !DependsOn(edges, "a", "c") {
		t.Error("a should depend on c")
	}
	if DependsOn(edges, "a", "e") {
		t.Error("a should not depend on e")
	}
	if DependsOn(edges, "e", "d") {
		t.Error("edges are directed")
	}
}

func TestDependants(t *testing.T) {
	edges := []models.DependencyEdge{
		{Dependant: "app", Required: "lib"},
		{Dependant: "lib", Required: "core"},
		{Dependant: "other", Required: "misc"},
	}
	got := Dependants(edges, []string{"core"})
	if want := []string{"app", "core", "lib"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Dependants = %v, want %v", got, want)
	}
}

func mustProvidedBy(t *testing.T, pkgs []models.PackageManifest) map[string]string {
	t.Helper()
	m, err := ProvidedBy(pkgs)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// genDAG builds n packages where package i may only require deliverables of
// packages j < i. Names are assigned in reverse so the lexicographic scan
// order differs from the topological one.
func genDAG() gopter.Gen {
	return gen.IntRange(2, 8).FlatMap(func(v interface{}) gopter.Gen {
		n := v.(int)
		return gen.SliceOfN(n, gen.UInt32()).Map(func(masks []uint32) []models.PackageManifest {
			pkgs := make([]models.PackageManifest, n)
			for i := 0; i < n; i++ {
				var reqs []string
				for j := 0; j < i; j++ {
					if masks[i]&(1<<uint(j)) != 0 {
						reqs = append(reqs, fmt.Sprintf("lib%d", j))
					}
				}
				pkgs[i] = pkg(fmt.Sprintf("pkg%02d", n-1-i), reqs,
					models.Deliverable{Name: fmt.Sprintf("lib%d", i)})
			}
			return pkgs
		})
	}, reflect.TypeOf([]models.PackageManifest{}))
}

// **Property 1: Providers are ordered before consumers**
// *For any* acyclic package graph, every package appears after each package
// providing one of its requirements.
func TestPropertyOrderRespectsRequirements(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("order respects every requirement", prop.ForAll(
		func(pkgs []models.PackageManifest) bool {
			providedBy, err := ProvidedBy(pkgs)
			if err != nil {
				return false
			}
			order, err := Order(pkgs, providedBy)
			if err != nil || len(order) != len(pkgs) {
				return false
			}
			pos := make(map[string]int, len(order))
			for i, name := range order {
				pos[name] = i
			}
			for _, p := range pkgs {
				for _, req := range p.Requirements() {
					if pos[providedBy[req]] >= pos[p.Name] {
						return false
					}
				}
			}
			return true
		},
		genDAG(),
	))

	properties.TestingRun(t)
}

// **Property 2: Cycles never yield an order**
// *For any* package graph containing a cycle, the resolver returns a
// CycleError and no partial order.
func TestPropertyCycleNeverOrders(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("cyclic graphs fail", prop.ForAll(
		func(pkgs []models.PackageManifest) bool {
			n := len(pkgs)
			pkgs[0].BuildRequires = append(pkgs[0].BuildRequires, fmt.Sprintf("lib%d", n-1))
			pkgs[n-1].BuildRequires = append(pkgs[n-1].BuildRequires, "lib0")

			providedBy, err := ProvidedBy(pkgs)
			if err != nil {
				return false
			}
			order, err := Order(pkgs, providedBy)
			var cycle *CycleError
			return order == nil && errors.As(err, &cycle) && len(cycle.Remaining) >= 2
		},
		genDAG(),
	))

	properties.TestingRun(t)
}

func TestResolveTargetsScopesPackagesPerTarget(t *testing.T) {
	fedora := models.Target{Distro: "fedora", Release: "40", Arch: "x86_64"}
	debOnly := models.TargetFilter{Include: []string{"debian/*/*"}}
	fedoraOnly := models.TargetFilter{Include: []string{"fedora/*/*"}}

	pkgs := []models.PackageManifest{
		{Name: "app", Version: "1.0", BuildRequires: []string{"libcompat"}},
		{Name: "deb-compat", Version: "1.0", Targets: debOnly,
			Deliverables: []models.Deliverable{{Name: "deb-compat", Provides: []string{"libcompat"}}}},
		{Name: "rpm-compat", Version: "1.0", Targets: fedoraOnly,
			Deliverables: []models.Deliverable{{Name: "rpm-compat", Provides: []string{"libcompat"}}}},
		// A cycle that only exists where neither package is built.
		{Name: "x", Version: "1.0", BuildRequires: []string{"y"}, Targets: fedoraOnly},
		{Name: "y", Version: "1.0", BuildRequires: []string{"x"}, Targets: fedoraOnly},
	}

	st := memory.New()
	scope := ProjectScope{User: "alice", Project: "tools", Branch: "main"}
	plan, err := New(st.Edges(), nil).ResolveTargets(context.Background(), scope, pkgs, []models.Target{bookworm})
	if err != nil {
		t.Fatalf("ResolveTargets() error = %v", err)
	}
	if want := []string{"deb-compat", "app"}; !reflect.DeepEqual(plan.Order(bookworm), want) {
		t.Errorf("bookworm order = %v, want %v", plan.Order(bookworm), want)
	}
	if plan.Order(fedora) != nil {
		t.Errorf("unrequested target planned: %v", plan.Order(fedora))
	}

	edges, _ := st.Edges().List(context.Background(), "alice", "tools", "main")
	if len(edges) != 1 || edges[0].Dependant != "app" || edges[0].Required != "deb-compat" {
		t.Errorf("persisted edges = %+v", edges)
	}

	// Requesting fedora as well brings the cycle into scope.
	_, err = New(nil, nil).ResolveTargets(context.Background(), scope, pkgs, []models.Target{bookworm, fedora})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %v, want CycleError", err)
	}
	if got := cycle.Packages(); !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Errorf("cycle packages = %v", got)
	}
}

func TestTargetEdgesUnion(t *testing.T) {
	fedora := models.Target{Distro: "fedora", Release: "40", Arch: "x86_64"}
	pkgs := []models.PackageManifest{
		{Name: "app", Version: "1.0", BuildRequires: []string{"libcompat"}},
		{Name: "deb-compat", Version: "1.0", Targets: models.TargetFilter{Include: []string{"debian/*/*"}},
			Deliverables: []models.Deliverable{{Name: "deb-compat", Provides: []string{"libcompat"}}}},
		{Name: "rpm-compat", Version: "1.0", Targets: models.TargetFilter{Include: []string{"fedora/*/*"}},
			Deliverables: []models.Deliverable{{Name: "rpm-compat", Provides: []string{"libcompat"}}}},
	}

	edges, err := TargetEdges(pkgs, []models.Target{bookworm, fedora})
	if err != nil {
		t.Fatalf("TargetEdges() error = %v", err)
	}
	if !DependsOn(edges, "app", "deb-compat") || !DependsOn(edges, "app", "rpm-compat") || len(edges) != 2 {
		t.Errorf("edges = %+v", edges)
	}

	// Both providers in scope of one target is still a configuration error.
	pkgs[2].Targets = models.TargetFilter{}
	var dup *DuplicateProvideError
	if _, err := TargetEdges(pkgs, []models.Target{bookworm}); !errors.As(err, &dup) {
		t.Errorf("error = %v, want DuplicateProvideError", err)
	}
}
