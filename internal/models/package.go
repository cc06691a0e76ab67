package models

import "time"

// Deliverable is an installable artifact produced by building a package.
type Deliverable struct {
	Name     string   `json:"name" yaml:"name"`
	Provides []string `json:"provides,omitempty" yaml:"provides,omitempty"`
	Requires []string `json:"requires,omitempty" yaml:"requires,omitempty"`
}

// ProvidedNames returns every name the deliverable satisfies, including its own.
func (d Deliverable) ProvidedNames() []string {
	names := make([]string, 0, len(d.Provides)+1)
	names = append(names, d.Name)
	for _, p := range d.Provides {
		if p != d.Name {
			names = append(names, p)
		}
	}
	return names
}

// PackageManifest is the plain-data description of one package in a project,
// as produced from its packaging descriptor.
type PackageManifest struct {
	Name          string        `json:"name" yaml:"name"`
	Version       string        `json:"version" yaml:"version"`
	BuildRequires []string      `json:"build_requires,omitempty" yaml:"build_requires,omitempty"`
	Deliverables  []Deliverable `json:"deliverables,omitempty" yaml:"deliverables,omitempty"`
	Targets       TargetFilter  `json:"targets,omitempty" yaml:"targets,omitempty"`
	Sources       []string      `json:"sources,omitempty" yaml:"sources,omitempty"`
	SetupScript   string        `json:"setup_script,omitempty" yaml:"setup_script,omitempty"`
}

// Requirements returns the build-time requirements followed by the
// install-time requirements of every deliverable.
func (p PackageManifest) Requirements() []string {
	reqs := make([]string, 0, len(p.BuildRequires))
	reqs = append(reqs, p.BuildRequires...)
	for _, d := range p.Deliverables {
		reqs = append(reqs, d.Requires...)
	}
	return reqs
}

// PackageState tracks whether a package must be rebuilt for a fingerprint.
type PackageState struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Dirty       bool        `json:"dirty"`
	LastCommit  string      `json:"last_commit,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
