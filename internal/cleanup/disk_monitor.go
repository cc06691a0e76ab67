package cleanup

import (
	"context"
	"log/slog"
)

// DiskUsageThresholds defines the thresholds for disk usage warnings and actions.
const (
	// DiskWarningThreshold is the percentage at which a warning is logged.
	DiskWarningThreshold = 80.0

	// DiskCriticalThreshold is the percentage at which caches are pruned
	// regardless of age.
	DiskCriticalThreshold = 90.0
)

// DiskStats describes the filesystem holding a path.
type DiskStats struct {
	Path         string  `json:"path"`
	Total        uint64  `json:"total_bytes"`
	Used         uint64  `json:"used_bytes"`
	Available    uint64  `json:"available_bytes"`
	UsagePercent float64 `json:"usage_percent"`
}

// UsageFunc reports the disk usage of the filesystem holding path.
type UsageFunc func(path string) (*DiskStats, error)

// DiskMonitor watches the filesystems of the farm directories.
type DiskMonitor struct {
	paths   map[string]string
	usage   UsageFunc
	cleanup *Service
	logger  *slog.Logger
}

// NewDiskMonitor creates a monitor for the named paths, e.g. "repos" to the
// repository root. A nil usage function uses the host filesystem.
func NewDiskMonitor(paths map[string]string, usage UsageFunc, cleanupSvc *Service, logger *slog.Logger) *DiskMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if usage == nil {
		usage = Usage
	}
	return &DiskMonitor{
		paths:   paths,
		usage:   usage,
		cleanup: cleanupSvc,
		logger:  logger.With("component", "disk_monitor"),
	}
}

// Check inspects every path and returns true if a cleanup was triggered.
func (m *DiskMonitor) Check(ctx context.Context) bool {
	triggered := false
	for name, path := range m.paths {
		stats, err := m.usage(path)
		if err != nil {
			m.logger.Debug("disk usage unavailable", "path_type", name, "path", path, "error", err)
			continue
		}
		if m.checkPathUsage(ctx, name, stats) {
			triggered = true
		}
	}
	return triggered
}

// checkPathUsage logs and acts on one path's usage. Returns true if cleanup
// was triggered.
func (m *DiskMonitor) checkPathUsage(ctx context.Context, pathType string, stats *DiskStats) bool {
	attrs := []any{
		"path_type", pathType,
		"path", stats.Path,
		"usage_percent", stats.UsagePercent,
		"total_bytes", stats.Total,
		"used_bytes", stats.Used,
		"available_bytes", stats.Available,
	}

	if stats.UsagePercent >= DiskWarningThreshold && stats.UsagePercent < DiskCriticalThreshold {
		m.logger.Warn("disk usage warning", append(attrs, "threshold", DiskWarningThreshold)...)
		return false
	}
	if stats.UsagePercent < DiskCriticalThreshold {
		return false
	}

	m.logger.Error("disk usage critical - pruning caches", append(attrs, "threshold", DiskCriticalThreshold)...)
	if m.cleanup == nil {
		m.logger.Warn("cleanup service not available, skipping automatic cleanup", "path_type", pathType)
		return false
	}

	// Caches are rebuilt on demand, so everything older than the sweep
	// interval may go.
	if _, err := m.cleanup.PruneCaches(ctx, m.cleanup.Settings().Interval); err != nil {
		m.logger.Error("automatic cache prune failed", "path_type", pathType, "error", err)
	}
	return true
}
