// Package manifest loads the package descriptors of a project checkout.
//
// Every package lives in its own top-level directory holding a package.yml
// file. Directories without one are ignored, so a project may carry shared
// scripts or documentation next to its packages.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// FileName is the descriptor file looked up in every package directory.
const FileName = "package.yml"

// ErrNoPackages is returned when a checkout holds no package descriptor.
var ErrNoPackages = errors.New("no package descriptors found")

// Error reports an invalid package descriptor.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("package descriptor %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Set is the collection of packages found in one checkout.
type Set struct {
	Root     string
	Packages []models.PackageManifest
	dirs     map[string]string
}

// Load reads every <root>/<dir>/package.yml. Packages are returned sorted by
// name. A descriptor without a name takes the name of its directory.
func Load(root string) (*Set, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading checkout: %w", err)
	}

	set := &Set{Root: root, dirs: make(map[string]string)}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		path := filepath.Join(dir, FileName)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &Error{Path: path, Err: err}
		}

		pkg, err := Parse(data)
		if err != nil {
			return nil, &Error{Path: path, Err: err}
		}
		if pkg.Name == "" {
			pkg.Name = e.Name()
		}
		if prev, ok := set.dirs[pkg.Name]; ok {
			return nil, &Error{Path: path, Err: fmt.Errorf("package %q is also declared in %s", pkg.Name, prev)}
		}
		set.dirs[pkg.Name] = dir
		set.Packages = append(set.Packages, *pkg)
	}

	if len(set.Packages) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoPackages, root)
	}
	sort.Slice(set.Packages, func(i, j int) bool {
		return set.Packages[i].Name < set.Packages[j].Name
	})
	return set, nil
}

// Parse decodes and validates a single descriptor.
func Parse(data []byte) (*models.PackageManifest, error) {
	var pkg models.PackageManifest
	if err := yaml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if pkg.Version == "" {
		return nil, errors.New("version is required")
	}
	for _, d := range pkg.Deliverables {
		if d.Name == "" {
			return nil, errors.New("deliverable without a name")
		}
	}
	for _, p := range append(append([]string(nil), pkg.Targets.Include...), pkg.Targets.Exclude...) {
		if strings.Count(p, "/") != 2 {
			return nil, fmt.Errorf("target pattern %q is not distro/release/arch", p)
		}
	}
	return &pkg, nil
}

// Dir returns the directory of a package, or "" when it is not in the set.
func (s *Set) Dir(name string) string {
	return s.dirs[name]
}

// Get returns a package by name.
func (s *Set) Get(name string) (models.PackageManifest, bool) {
	for _, p := range s.Packages {
		if p.Name == name {
			return p, true
		}
	}
	return models.PackageManifest{}, false
}

// ForTarget returns the packages whose target filter admits t.
func (s *Set) ForTarget(t models.Target) []models.PackageManifest {
	var out []models.PackageManifest
	for _, p := range s.Packages {
		if p.Targets.Allows(t) {
			out = append(out, p)
		}
	}
	return out
}

// Owner returns the package owning a path relative to the checkout root,
// or "" for files outside every package directory.
func (s *Set) Owner(rel string) string {
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	for name, dir := range s.dirs {
		if filepath.Base(dir) == first {
			return name
		}
	}
	return ""
}
