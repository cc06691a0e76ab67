package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// Artifact is a published package file.
type Artifact struct {
	Name    string
	Path    string
	Version string
	Release int
	ModTime time.Time
}

// ScanArtifacts returns the files of dir whose names match pattern. A
// missing directory yields no artifacts.
func ScanArtifacts(dir string, pattern *regexp.Regexp) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var out []Artifact
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		release, _ := strconv.Atoi(m[2])
		out = append(out, Artifact{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Version: m[1],
			Release: release,
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

// NextRelease returns the release counter for a new build of version: one
// more than the highest release of any existing artifact of the given
// names, or 1 when none exists.
func NextRelease(dir string, d Distro, names []string, version string, t models.Target) (int, error) {
	highest := 0
	for _, name := range names {
		artifacts, err := ScanArtifacts(dir, d.ArtifactPattern(name, version, t))
		if err != nil {
			return 0, err
		}
		for _, a := range artifacts {
			if a.Release > highest {
				highest = a.Release
			}
		}
	}
	return highest + 1, nil
}

// SelectExpired applies the dual retention policy: the newest keep
// artifacts are kept regardless of age and artifacts younger than maxAge
// are kept regardless of count. Everything else is returned, newest first.
func SelectExpired(artifacts []Artifact, keep int, maxAge time.Duration, now time.Time) []Artifact {
	sorted := make([]Artifact, len(artifacts))
	copy(sorted, artifacts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ModTime.Equal(sorted[j].ModTime) {
			return sorted[i].ModTime.After(sorted[j].ModTime)
		}
		return sorted[i].Release > sorted[j].Release
	})

	var expired []Artifact
	for i, a := range sorted {
		if i < keep {
			continue
		}
		if now.Sub(a.ModTime) > maxAge {
			expired = append(expired, a)
		}
	}
	return expired
}

// Prune removes the expired artifacts of each name from dir and returns the
// removed file names.
func Prune(dir string, d Distro, names []string, t models.Target, keep int, maxAge time.Duration, now time.Time) ([]string, error) {
	var removed []string
	for _, name := range names {
		artifacts, err := ScanArtifacts(dir, d.ArtifactPattern(name, "", t))
		if err != nil {
			return removed, err
		}
		for _, a := range SelectExpired(artifacts, keep, maxAge, now) {
			if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("removing %s: %w", a.Name, err)
			}
			removed = append(removed, a.Name)
		}
	}
	return removed, nil
}
