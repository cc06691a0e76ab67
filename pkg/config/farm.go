package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// Farm is the declarative description of the build machines and projects.
type Farm struct {
	Machines []MachineSpec `yaml:"machines"`
	Projects []Project     `yaml:"projects"`
}

// MachineSpec declares one build host. A host with Slots > 1 expands into
// one machine per slot.
type MachineSpec struct {
	ID       string             `yaml:"id"`
	Host     string             `yaml:"host"`
	Type     models.BackendType `yaml:"type"`
	Priority int                `yaml:"priority"`
	Slots    int                `yaml:"slots"`
	Targets  []string           `yaml:"targets"`
}

// Repository is an extra package repository made available inside the
// build environment.
type Repository struct {
	Name   string `yaml:"name" json:"name"`
	URL    string `yaml:"url" json:"url"`
	KeyURL string `yaml:"key_url,omitempty" json:"key_url,omitempty"`
}

// Project declares a packaging repository and how it is built.
type Project struct {
	User          string             `yaml:"user"`
	Name          string             `yaml:"name"`
	GitURL        string             `yaml:"git_url"`
	Branches      []string           `yaml:"branches"`
	Targets       []string           `yaml:"targets"`
	SigningKey    string             `yaml:"signing_key,omitempty"`
	SSHKey        string             `yaml:"ssh_key,omitempty"`
	Repositories  []Repository       `yaml:"repositories,omitempty"`
	Secret        string             `yaml:"secret,omitempty"`
	Backend       models.BackendType `yaml:"backend,omitempty"`
	PinnedMachine string             `yaml:"pinned_machine,omitempty"`
	DependsOn     []string           `yaml:"depends_on,omitempty"`
	NotifySuccess bool               `yaml:"notify_success,omitempty"`
}

// Ref returns "user/name".
func (p *Project) Ref() string {
	return p.User + "/" + p.Name
}

// ParsedTargets parses the project's target list.
func (p *Project) ParsedTargets() ([]models.Target, error) {
	targets := make([]models.Target, 0, len(p.Targets))
	for _, s := range p.Targets {
		t, err := models.ParseTarget(s)
		if err != nil {
			return nil, &ConfigurationError{Field: "projects." + p.Ref() + ".targets", Reason: "is invalid", Err: err}
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// HasBranch reports whether the project builds the given branch.
func (p *Project) HasBranch(branch string) bool {
	for _, b := range p.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// LoadFarmFile reads and validates a farm file.
func LoadFarmFile(path string) (*Farm, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Field: "farm file", Reason: "cannot be read", Err: err}
	}
	return ParseFarm(data)
}

// ParseFarm decodes and validates farm file contents.
func ParseFarm(data []byte) (*Farm, error) {
	var farm Farm
	if err := yaml.Unmarshal(data, &farm); err != nil {
		return nil, &ConfigurationError{Field: "farm file", Reason: "is not valid YAML", Err: err}
	}
	if err := farm.Validate(); err != nil {
		return nil, err
	}
	return &farm, nil
}

// Validate checks machine and project declarations.
func (f *Farm) Validate() error {
	ids := make(map[string]bool)
	for _, m := range f.Machines {
		if m.ID == "" {
			return &ConfigurationError{Field: "machines.id", Reason: "is required"}
		}
		if ids[m.ID] {
			return &ConfigurationError{Field: "machines." + m.ID, Reason: "is declared twice"}
		}
		ids[m.ID] = true
		if !m.Type.Valid() {
			return &ConfigurationError{Field: "machines." + m.ID + ".type", Reason: fmt.Sprintf("unknown backend %q", m.Type)}
		}
		if m.Host == "" && m.Type != models.BackendHosted {
			return &ConfigurationError{Field: "machines." + m.ID + ".host", Reason: "is required"}
		}
		if m.Slots < 0 {
			return &ConfigurationError{Field: "machines." + m.ID + ".slots", Reason: "must not be negative"}
		}
	}

	refs := make(map[string]bool)
	for i := range f.Projects {
		p := &f.Projects[i]
		if p.User == "" || p.Name == "" {
			return &ConfigurationError{Field: "projects", Reason: "user and name are required"}
		}
		if refs[p.Ref()] {
			return &ConfigurationError{Field: "projects." + p.Ref(), Reason: "is declared twice"}
		}
		refs[p.Ref()] = true
		if p.GitURL == "" {
			return &ConfigurationError{Field: "projects." + p.Ref() + ".git_url", Reason: "is required"}
		}
		if len(p.Branches) == 0 {
			p.Branches = []string{"main"}
		}
		if _, err := p.ParsedTargets(); err != nil {
			return err
		}
		if p.Backend != "" && !p.Backend.Valid() {
			return &ConfigurationError{Field: "projects." + p.Ref() + ".backend", Reason: fmt.Sprintf("unknown backend %q", p.Backend)}
		}
		for _, dep := range p.DependsOn {
			if strings.Count(dep, "/") != 1 {
				return &ConfigurationError{Field: "projects." + p.Ref() + ".depends_on", Reason: fmt.Sprintf("%q is not user/project", dep)}
			}
		}
	}
	return nil
}

// Project returns the project declared as user/name, or nil.
func (f *Farm) Project(user, name string) *Project {
	for i := range f.Projects {
		if f.Projects[i].User == user && f.Projects[i].Name == name {
			return &f.Projects[i]
		}
	}
	return nil
}

// BuildMachines expands machine declarations into pool machines, one per slot.
func (f *Farm) BuildMachines() []*models.Machine {
	var machines []*models.Machine
	for _, spec := range f.Machines {
		slots := spec.Slots
		if slots == 0 {
			slots = 1
		}
		for slot := 0; slot < slots; slot++ {
			id := spec.ID
			if slots > 1 {
				id = fmt.Sprintf("%s-%d", spec.ID, slot)
			}
			machines = append(machines, &models.Machine{
				ID:       id,
				Host:     spec.Host,
				Type:     spec.Type,
				Static:   spec.Type == models.BackendStatic,
				Priority: spec.Priority,
				Slot:     slot,
				Targets:  append([]string(nil), spec.Targets...),
				Status:   models.MachineStatusAvailable,
			})
		}
	}
	return machines
}
