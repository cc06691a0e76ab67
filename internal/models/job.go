package models

import (
	"fmt"
	"time"
)

// JobStatus represents the current state of a build job.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "WAITING"
	JobStatusBuilding  JobStatus = "BUILDING"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusFinished  JobStatus = "FINISHED"
)

// IsActive reports whether the status still occupies its fingerprint.
func (s JobStatus) IsActive() bool {
	return s == JobStatusWaiting || s == JobStatusBuilding
}

// Fingerprint uniquely identifies a build target of one package.
type Fingerprint struct {
	User    string `json:"user"`
	Project string `json:"project"`
	Package string `json:"package"`
	Branch  string `json:"branch"`
	Distro  string `json:"distro"`
	Release string `json:"release"`
	Arch    string `json:"arch"`
}

// Scope identifies the (user, project, branch, distro, release, arch) a
// fingerprint belongs to, i.e. the fingerprint without its package.
type Scope struct {
	User    string `json:"user"`
	Project string `json:"project"`
	Branch  string `json:"branch"`
	Distro  string `json:"distro"`
	Release string `json:"release"`
	Arch    string `json:"arch"`
}

// Scope returns the fingerprint's scope.
func (f Fingerprint) Scope() Scope {
	return Scope{
		User:    f.User,
		Project: f.Project,
		Branch:  f.Branch,
		Distro:  f.Distro,
		Release: f.Release,
		Arch:    f.Arch,
	}
}

// Target returns the build target of the fingerprint.
func (f Fingerprint) Target() Target {
	return Target{Distro: f.Distro, Release: f.Release, Arch: f.Arch}
}

// ProjectRef returns "user/project".
func (f Fingerprint) ProjectRef() string {
	return f.User + "/" + f.Project
}

// String renders the fingerprint for logs and messages.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s/%s/%s@%s %s/%s/%s",
		f.User, f.Project, f.Package, f.Branch, f.Distro, f.Release, f.Arch)
}

// BuildJob represents one package build for one target.
type BuildJob struct {
	ID                string      `json:"id"`
	Fingerprint       Fingerprint `json:"fingerprint"`
	Status            JobStatus   `json:"status"`
	Succeeded         bool        `json:"succeeded"`
	Hanging           bool        `json:"hanging"`
	MachineID         string      `json:"machine_id,omitempty"`
	Backend           BackendType `json:"backend,omitempty"`
	PinnedMachine     string      `json:"pinned_machine,omitempty"`
	DependsOnProjects []string    `json:"depends_on_projects,omitempty"`
	Error             string      `json:"error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	FinishedAt        *time.Time  `json:"finished_at,omitempty"`
	LastOutputAt      *time.Time  `json:"last_output_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *BuildJob) Clone() *BuildJob {
	c := *j
	if j.DependsOnProjects != nil {
		c.DependsOnProjects = append([]string(nil), j.DependsOnProjects...)
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.LastOutputAt = cloneTime(j.LastOutputAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LastActivity returns the most recent of the start time and the last
// observed output time. It is the zero time for jobs that never started.
func (j *BuildJob) LastActivity() time.Time {
	var t time.Time
	if j.StartedAt != nil {
		t = *j.StartedAt
	}
	if j.LastOutputAt != nil && j.LastOutputAt.After(t) {
		t = *j.LastOutputAt
	}
	return t
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status  JobStatus
	User    string
	Project string
}
