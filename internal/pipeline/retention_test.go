package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildfarm/internal/models"
)

var (
	bookworm = models.Target{Distro: "debian", Release: "bookworm", Arch: "amd64"}
	fedora40 = models.Target{Distro: "fedora", Release: "40", Arch: "x86_64"}
)

func daysAgo(now time.Time, days ...int) []Artifact {
	out := make([]Artifact, len(days))
	for i, d := range days {
		out[i] = Artifact{Name: fmt.Sprintf("a%d", d), Release: i + 1, ModTime: now.Add(-time.Duration(d) * 24 * time.Hour)}
	}
	return out
}

func TestSelectExpiredDualPolicy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	artifacts := daysAgo(now, 40, 10, 5, 1)

	expired := SelectExpired(artifacts, 2, 30*24*time.Hour, now)
	if len(expired) != 1 || !expired[0].ModTime.Equal(artifacts[0].ModTime) {
		t.Fatalf("expired = %+v, want only the 40 day old artifact", expired)
	}

	tests := []struct {
		name string
		keep int
		age  time.Duration
		want int
	}{
		{"young artifacts survive a small keep", 0, 30 * 24 * time.Hour, 1},
		{"keep covers everything", 4, time.Hour, 0},
		{"old surplus goes", 1, 2 * 24 * time.Hour, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectExpired(artifacts, tt.keep, tt.age, now); len(got) != tt.want {
				t.Errorf("SelectExpired() = %d artifacts, want %d", len(got), tt.want)
			}
		})
	}
}

func TestArtifactPatterns(t *testing.T) {
	deb, _ := ForDistro("debian")
	rpm, _ := ForDistro("fedora")

	tests := []struct {
		distro  Distro
		target  models.Target
		name    string
		version string
		file    string
		match   bool
		release string
	}{
		{deb, bookworm, "libfoo", "1.2", "libfoo_1.2-3_amd64.deb", true, "3"},
		{deb, bookworm, "libfoo", "1.2", "libfoo_1.2-3_all.deb", true, "3"},
		{deb, bookworm, "libfoo", "1.2", "libfoo_1.2-3_arm64.deb", false, ""},
		{deb, bookworm, "libfoo", "1.2", "libfoo-dev_1.2-3_amd64.deb", false, ""},
		{deb, bookworm, "libfoo", "", "libfoo_2.0~rc1-12_amd64.deb", true, "12"},
		{rpm, fedora40, "libfoo", "1.2", "libfoo-1.2-4.fc40.x86_64.rpm", true, "4"},
		{rpm, fedora40, "libfoo", "1.2", "libfoo-1.2-4.noarch.rpm", true, "4"},
		{rpm, fedora40, "libfoo", "", "libfoo-devel-1.2-4.fc40.x86_64.rpm", false, ""},
		{rpm, fedora40, "libfoo", "", "libfoo-1.3-1.fc40.x86_64.rpm", true, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			m := tt.distro.ArtifactPattern(tt.name, tt.version, tt.target).FindStringSubmatch(tt.file)
			if (m != nil) != tt.match {
				t.Fatalf("match = %v, want %v", m != nil, tt.match)
			}
			if m != nil && m[2] != tt.release {
				t.Errorf("release = %q, want %q", m[2], tt.release)
			}
		})
	}
}

func touch(t *testing.T, dir, name string, mod time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestNextRelease(t *testing.T) {
	deb, _ := ForDistro("debian")
	dir := t.TempDir()
	names := []string{"libfoo", "libfoo-dev"}

	got, err := NextRelease(filepath.Join(dir, "missing"), deb, names, "1.2", bookworm)
	if err != nil || got != 1 {
		t.Fatalf("NextRelease(empty) = %d, %v", got, err)
	}

	now := time.Now()
	touch(t, dir, "libfoo_1.2-1_amd64.deb", now)
	touch(t, dir, "libfoo-dev_1.2-4_amd64.deb", now)
	touch(t, dir, "libfoo_1.1-9_amd64.deb", now)
	touch(t, dir, "other_1.2-20_amd64.deb", now)

	got, err = NextRelease(dir, deb, names, "1.2", bookworm)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("NextRelease() = %d, want 5", got)
	}
}

func TestPruneRemovesExpiredPerName(t *testing.T) {
	deb, _ := ForDistro("debian")
	dir := t.TempDir()
	now := time.Now()
	day := 24 * time.Hour

	touch(t, dir, "libfoo_1.0-1_amd64.deb", now.Add(-40*day))
	touch(t, dir, "libfoo_1.0-2_amd64.deb", now.Add(-10*day))
	touch(t, dir, "libfoo_1.0-3_amd64.deb", now.Add(-5*day))
	touch(t, dir, "libfoo_1.0-4_amd64.deb", now.Add(-1*day))
	touch(t, dir, "libbar_1.0-1_amd64.deb", now.Add(-90*day))

	removed, err := Prune(dir, deb, []string{"libfoo"}, bookworm, 2, 30*day, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "libfoo_1.0-1_amd64.deb" {
		t.Fatalf("removed = %v", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "libbar_1.0-1_amd64.deb")); err != nil {
		t.Error("artifacts of other names must be untouched")
	}
}

// **Property 1: Retention keeps the newest and the young**
// *For any* set of artifact ages, keep count and age threshold, no artifact
// among the newest keep and no artifact younger than the threshold is
// selected, and every other artifact is.
func TestPropertyRetentionDualPolicy(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("expired artifacts are old surplus only", prop.ForAll(
		func(ages []int, keep int, threshold int) bool {
			artifacts := make([]Artifact, len(ages))
			for i, a := range ages {
				artifacts[i] = Artifact{Release: i + 1, ModTime: now.Add(-time.Duration(a) * time.Hour)}
			}
			maxAge := time.Duration(threshold) * time.Hour
			expired := SelectExpired(artifacts, keep, maxAge, now)

			// rank is the number of artifacts ordered before a: newer, or
			// equally old with a higher release.
			rank := func(a Artifact) int {
				n := 0
				for _, b := range artifacts {
					if b.ModTime.After(a.ModTime) || (b.ModTime.Equal(a.ModTime) && b.Release > a.Release) {
						n++
					}
				}
				return n
			}
			selected := make(map[int]bool, len(expired))
			for _, a := range expired {
				selected[a.Release] = true
			}
			for _, a := range artifacts {
				old := rank(a) >= keep && now.Sub(a.ModTime) > maxAge
				if old != selected[a.Release] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2000)),
		gen.IntRange(0, 10),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
