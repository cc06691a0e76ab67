// Package cleanup removes build leftovers from the farm host: staging
// directories of interrupted builds and aged package manager caches.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

// cacheDirs are the package manager caches below the host cache directory.
var cacheDirs = []string{"apt", "dnf"}

// Settings holds the retention periods of the sweep.
type Settings struct {
	Interval          time.Duration `json:"interval"`
	StagingStaleAfter time.Duration `json:"staging_stale_after"`
	CacheMaxAge       time.Duration `json:"cache_max_age"`
}

// SettingsFromConfig extracts the cleanup settings of a pipeline config.
func SettingsFromConfig(cfg config.PipelineConfig) Settings {
	return Settings{
		Interval:          cfg.CleanupInterval,
		StagingStaleAfter: cfg.StagingStaleAfter,
		CacheMaxAge:       cfg.CacheMaxAge,
	}
}

// Validate validates that all periods are positive.
func (s *Settings) Validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", s.Interval)
	}
	if s.StagingStaleAfter <= 0 {
		return fmt.Errorf("staging_stale_after must be positive, got %v", s.StagingStaleAfter)
	}
	if s.CacheMaxAge <= 0 {
		return fmt.Errorf("cache_max_age must be positive, got %v", s.CacheMaxAge)
	}
	return nil
}

// Result holds the result of a cleanup operation.
type Result struct {
	ItemsRemoved int           `json:"items_removed"`
	SpaceFreed   int64         `json:"space_freed_bytes"`
	Errors       []string      `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Service sweeps the host directories of the pipeline.
type Service struct {
	jobs       store.JobStore
	stagingDir string
	cacheDir   string
	settings   Settings
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new cleanup service.
func NewService(jobs store.JobStore, cfg config.PipelineConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	settings := SettingsFromConfig(cfg)
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		jobs:       jobs,
		stagingDir: cfg.StagingDir,
		cacheDir:   cfg.CacheDir,
		settings:   settings,
		logger:     logger.With("component", "cleanup"),
		now:        time.Now,
	}, nil
}

// Settings returns the active settings.
func (s *Service) Settings() Settings {
	return s.settings
}

// SweepStaging removes staging directories older than StagingStaleAfter
// whose job is not building. Directories of building jobs are kept at any
// age.
func (s *Service) SweepStaging(ctx context.Context) (*Result, error) {
	start := s.now()
	result := &Result{}
	cutoff := start.Add(-s.settings.StagingStaleAfter)

	entries, err := os.ReadDir(s.stagingDir)
	if errors.Is(err, fs.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading staging directory: %w", err)
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		building, err := s.isBuilding(ctx, e.Name())
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("looking up job %s: %v", e.Name(), err))
			continue
		}
		if building {
			continue
		}

		path := filepath.Join(s.stagingDir, e.Name())
		size := dirSize(path)
		if err := os.RemoveAll(path); err != nil {
			s.logger.Error("failed to remove staging directory", "path", path, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("removing %s: %v", e.Name(), err))
			continue
		}
		s.logger.Info("removed orphaned staging directory",
			"job_id", e.Name(),
			"age", start.Sub(info.ModTime()),
		)
		result.ItemsRemoved++
		result.SpaceFreed += size
	}

	result.Duration = s.now().Sub(start)
	return result, nil
}

func (s *Service) isBuilding(ctx context.Context, jobID string) (bool, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return job.Status == models.JobStatusBuilding, nil
}

// PruneCaches removes package manager cache files older than maxAge. A
// non-positive maxAge uses the configured CacheMaxAge.
func (s *Service) PruneCaches(ctx context.Context, maxAge time.Duration) (*Result, error) {
	if maxAge <= 0 {
		maxAge = s.settings.CacheMaxAge
	}
	start := s.now()
	result := &Result{}
	cutoff := start.Add(-maxAge)

	for _, name := range cacheDirs {
		root := filepath.Join(s.cacheDir, name)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				return nil
			}
			if err := os.Remove(path); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("removing %s: %v", path, err))
				return nil
			}
			result.ItemsRemoved++
			result.SpaceFreed += info.Size()
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("pruning %s cache: %w", name, err)
		}
	}

	result.Duration = s.now().Sub(start)
	s.logger.Info("cache prune completed",
		"removed", result.ItemsRemoved,
		"space_freed", result.SpaceFreed,
		"errors", len(result.Errors),
	)
	return result, nil
}

// Run sweeps on every interval until ctx is done. The monitor, when not
// nil, checks disk usage after each sweep.
func (s *Service) Run(ctx context.Context, monitor *DiskMonitor) {
	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		if res, err := s.SweepStaging(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("staging sweep failed", "error", err)
		} else if res != nil && res.ItemsRemoved > 0 {
			s.logger.Info("staging sweep completed", "removed", res.ItemsRemoved, "space_freed", res.SpaceFreed)
		}
		if monitor != nil {
			monitor.Check(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
