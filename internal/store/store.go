// Package store provides persistence interfaces for the build farm records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// Common store errors shared by every implementation.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateActive is returned when a WAITING or BUILDING job already
	// exists for the fingerprint being inserted.
	ErrDuplicateActive = errors.New("active job already exists for fingerprint")
)

// JobStore defines operations for build job records.
type JobStore interface {
	// Create inserts a new job. It returns ErrDuplicateActive when an
	// active job with the same fingerprint exists.
	Create(ctx context.Context, job *models.BuildJob) error
	// Get retrieves a job by ID.
	Get(ctx context.Context, id string) (*models.BuildJob, error)
	// Update persists every mutable field of the job.
	Update(ctx context.Context, job *models.BuildJob) error
	// List returns jobs matching the filter in (created_at, id) order.
	List(ctx context.Context, filter models.JobFilter) ([]*models.BuildJob, error)
	// ListByStatus returns jobs in the given status in (created_at, id) order.
	ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.BuildJob, error)
	// FindActive returns the WAITING or BUILDING job for a fingerprint.
	FindActive(ctx context.Context, fp models.Fingerprint) (*models.BuildJob, error)
	// TouchOutput records the time of the latest build output.
	TouchOutput(ctx context.Context, id string, at time.Time) error
}

// MachineStore mirrors the machine pool.
type MachineStore interface {
	// Upsert creates or replaces a machine record.
	Upsert(ctx context.Context, m *models.Machine) error
	// Get retrieves a machine by ID.
	Get(ctx context.Context, id string) (*models.Machine, error)
	// List returns all machines ordered by (priority, id).
	List(ctx context.Context) ([]*models.Machine, error)
}

// EdgeStore holds the dependency edges of each (user, project, branch).
type EdgeStore interface {
	// Replace atomically swaps the edge set of a project branch.
	Replace(ctx context.Context, user, project, branch string, edges []models.DependencyEdge) error
	// List returns the edge set of a project branch.
	List(ctx context.Context, user, project, branch string) ([]models.DependencyEdge, error)
}

// PackageStore holds the per-fingerprint dirty state of packages.
type PackageStore interface {
	// Get returns the state for a fingerprint or ErrNotFound.
	Get(ctx context.Context, fp models.Fingerprint) (*models.PackageState, error)
	// SetDirty marks the fingerprint dirty or clean.
	SetDirty(ctx context.Context, fp models.Fingerprint, dirty bool, commit string) error
}

// LogStore holds per-job build output.
type LogStore interface {
	// Append stores log lines for a job.
	Append(ctx context.Context, entries []*models.LogEntry) error
	// List returns the log lines of a job in timestamp order, at most limit
	// entries when limit is positive.
	List(ctx context.Context, jobID string, limit int) ([]*models.LogEntry, error)
	// Tail returns the last n lines of a job in timestamp order.
	Tail(ctx context.Context, jobID string, n int) ([]*models.LogEntry, error)
}

// Store is the main interface for persistence operations.
type Store interface {
	// Jobs returns the JobStore for build job operations.
	Jobs() JobStore
	// Machines returns the MachineStore for machine pool mirroring.
	Machines() MachineStore
	// Edges returns the EdgeStore for dependency edge operations.
	Edges() EdgeStore
	// Packages returns the PackageStore for dirty state operations.
	Packages() PackageStore
	// Logs returns the LogStore for build output.
	Logs() LogStore

	// WithTx executes the given function within a transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close releases the underlying resources.
	Close() error
}
