package models

import "time"

// BackendType tags the container backend a machine runs builds with.
type BackendType string

const (
	BackendDocker BackendType = "docker"
	BackendPodman BackendType = "podman"
	BackendLXD    BackendType = "lxd"
	BackendStatic BackendType = "static"
	BackendHosted BackendType = "hosted"
)

// Valid reports whether the backend type is known.
func (b BackendType) Valid() bool {
	switch b {
	case BackendDocker, BackendPodman, BackendLXD, BackendStatic, BackendHosted:
		return true
	default:
		return false
	}
}

// MachineStatus represents the allocation state of a build machine.
type MachineStatus string

const (
	MachineStatusAvailable MachineStatus = "AVAILABLE"
	MachineStatusBuilding  MachineStatus = "BUILDING"
	MachineStatusStopping  MachineStatus = "STOPPING"
)

// Machine is one build slot on a build host.
type Machine struct {
	ID       string        `json:"id" yaml:"id"`
	Host     string        `json:"host" yaml:"host"`
	Type     BackendType   `json:"type" yaml:"type"`
	Static   bool          `json:"static" yaml:"static"`
	Priority int           `json:"priority" yaml:"priority"`
	Slot     int           `json:"slot" yaml:"slot"`
	Targets  []string      `json:"targets,omitempty" yaml:"targets,omitempty"`
	Status   MachineStatus `json:"status" yaml:"-"`
	JobID    string        `json:"job_id,omitempty" yaml:"-"`
	// UpdatedAt is the time of the last status transition.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Supports reports whether the machine can build the given target.
func (m *Machine) Supports(t Target) bool {
	return t.MatchesAny(m.Targets)
}

// Clone returns a copy that does not share the Targets slice.
func (m *Machine) Clone() *Machine {
	c := *m
	if m.Targets != nil {
		c.Targets = append([]string(nil), m.Targets...)
	}
	return &c
}
