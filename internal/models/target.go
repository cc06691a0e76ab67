package models

import (
	"fmt"
	"path"
	"strings"
)

// Target identifies a build target: distribution, release and architecture.
type Target struct {
	Distro  string `json:"distro" yaml:"distro"`
	Release string `json:"release" yaml:"release"`
	Arch    string `json:"arch" yaml:"arch"`
}

// ParseTarget parses a "distro/release/arch" string.
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Target{}, fmt.Errorf("invalid target %q: want distro/release/arch", s)
	}
	return Target{Distro: parts[0], Release: parts[1], Arch: parts[2]}, nil
}

// String returns the target in "distro/release/arch" form.
func (t Target) String() string {
	return t.Distro + "/" + t.Release + "/" + t.Arch
}

// Matches reports whether the target matches a "distro/release/arch" glob
// pattern. Each segment is matched independently with path.Match semantics.
func (t Target) Matches(pattern string) bool {
	parts := strings.Split(strings.TrimSpace(pattern), "/")
	if len(parts) != 3 {
		return false
	}
	values := []string{t.Distro, t.Release, t.Arch}
	for i, p := range parts {
		ok, err := path.Match(p, values[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// MatchesAny reports whether the target matches at least one pattern.
// An empty pattern list matches every target.
func (t Target) MatchesAny(patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if t.Matches(p) {
			return true
		}
	}
	return false
}

// TargetFilter restricts the targets a package is built for.
type TargetFilter struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// Allows reports whether the filter admits the target. Exclusions win over
// inclusions; an empty include list admits everything not excluded.
func (f TargetFilter) Allows(t Target) bool {
	for _, p := range f.Exclude {
		if t.Matches(p) {
			return false
		}
	}
	return t.MatchesAny(f.Include)
}
