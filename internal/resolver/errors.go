package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDuplicatePackage is returned when two manifests share a package name.
var ErrDuplicatePackage = errors.New("duplicate package name")

// CycleError is returned when no remaining package can be scheduled.
// Remaining maps each unscheduled package to the requirements that are
// provided by other unscheduled packages.
type CycleError struct {
	Remaining map[string][]string
}

// Packages returns the unscheduled package names in lexicographic order.
func (e *CycleError) Packages() []string {
	names := make([]string, 0, len(e.Remaining))
	for name := range e.Remaining {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Remaining))
	for _, name := range e.Packages() {
		parts = append(parts, fmt.Sprintf("%s (needs %s)", name, strings.Join(e.Remaining[name], ", ")))
	}
	return "dependency cycle between packages: " + strings.Join(parts, "; ")
}

// DuplicateProvideError is returned when two packages of one project declare
// the same provided name.
type DuplicateProvideError struct {
	Name     string
	Packages []string
}

func (e *DuplicateProvideError) Error() string {
	return fmt.Sprintf("name %q is provided by more than one package: %s",
		e.Name, strings.Join(e.Packages, ", "))
}
