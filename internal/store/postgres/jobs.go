package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// JobStore implements store.JobStore using PostgreSQL.
type JobStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *JobStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const jobColumns = `id, fp_user, fp_project, fp_package, fp_branch, fp_distro, fp_release, fp_arch,
	status, succeeded, hanging, machine_id, backend, pinned_machine, depends_on_projects, error,
	created_at, started_at, finished_at, last_output_at`

// Create inserts a new build job. The partial unique index on active
// fingerprints turns a concurrent duplicate into store.ErrDuplicateActive.
func (s *JobStore) Create(ctx context.Context, job *models.BuildJob) error {
	query := `INSERT INTO build_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	fp := job.Fingerprint
	_, err := s.conn().ExecContext(ctx, query,
		job.ID,
		fp.User, fp.Project, fp.Package, fp.Branch, fp.Distro, fp.Release, fp.Arch,
		job.Status,
		job.Succeeded,
		job.Hanging,
		nullString(job.MachineID),
		nullString(string(job.Backend)),
		nullString(job.PinnedMachine),
		pq.Array(nonNil(job.DependsOnProjects)),
		nullString(job.Error),
		job.CreatedAt,
		job.StartedAt,
		job.FinishedAt,
		job.LastOutputAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateActive
		}
		return fmt.Errorf("inserting build job: %w", err)
	}
	return nil
}

// Get retrieves a build job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (*models.BuildJob, error) {
	query := `SELECT ` + jobColumns + ` FROM build_jobs WHERE id = $1`

	job, err := scanJob(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying build job: %w", err)
	}
	return job, nil
}

// Update persists the mutable fields of a build job.
func (s *JobStore) Update(ctx context.Context, job *models.BuildJob) error {
	query := `
		UPDATE build_jobs
		SET status = $2, succeeded = $3, hanging = $4, machine_id = $5, backend = $6,
			pinned_machine = $7, depends_on_projects = $8, error = $9,
			started_at = $10, finished_at = $11, last_output_at = $12
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		job.ID,
		job.Status,
		job.Succeeded,
		job.Hanging,
		nullString(job.MachineID),
		nullString(string(job.Backend)),
		nullString(job.PinnedMachine),
		pq.Array(nonNil(job.DependsOnProjects)),
		nullString(job.Error),
		job.StartedAt,
		job.FinishedAt,
		job.LastOutputAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateActive
		}
		return fmt.Errorf("updating build job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns jobs matching the filter in (created_at, id) order.
func (s *JobStore) List(ctx context.Context, filter models.JobFilter) ([]*models.BuildJob, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.User != "" {
		args = append(args, filter.User)
		conds = append(conds, fmt.Sprintf("fp_user = $%d", len(args)))
	}
	if filter.Project != "" {
		args = append(args, filter.Project)
		conds = append(conds, fmt.Sprintf("fp_project = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM build_jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying build jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BuildJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating build jobs: %w", err)
	}
	return jobs, nil
}

// ListByStatus returns jobs in the given status in (created_at, id) order.
func (s *JobStore) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.BuildJob, error) {
	return s.List(ctx, models.JobFilter{Status: status})
}

// FindActive returns the WAITING or BUILDING job for a fingerprint.
func (s *JobStore) FindActive(ctx context.Context, fp models.Fingerprint) (*models.BuildJob, error) {
	query := `SELECT ` + jobColumns + ` FROM build_jobs
		WHERE fp_user = $1 AND fp_project = $2 AND fp_package = $3 AND fp_branch = $4
			AND fp_distro = $5 AND fp_release = $6 AND fp_arch = $7
			AND status IN ('WAITING', 'BUILDING')
		LIMIT 1`

	job, err := scanJob(s.conn().QueryRowContext(ctx, query,
		fp.User, fp.Project, fp.Package, fp.Branch, fp.Distro, fp.Release, fp.Arch))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying active build job: %w", err)
	}
	return job, nil
}

// TouchOutput records the time of the latest build output.
func (s *JobStore) TouchOutput(ctx context.Context, id string, at time.Time) error {
	_, err := s.conn().ExecContext(ctx,
		`UPDATE build_jobs SET last_output_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("updating last output: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.BuildJob, error) {
	job := &models.BuildJob{}
	var machineID, backend, pinned, errMsg sql.NullString
	var startedAt, finishedAt, lastOutputAt sql.NullTime
	var deps []string

	fp := &job.Fingerprint
	err := row.Scan(
		&job.ID,
		&fp.User, &fp.Project, &fp.Package, &fp.Branch, &fp.Distro, &fp.Release, &fp.Arch,
		&job.Status,
		&job.Succeeded,
		&job.Hanging,
		&machineID,
		&backend,
		&pinned,
		pq.Array(&deps),
		&errMsg,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&lastOutputAt,
	)
	if err != nil {
		return nil, err
	}

	job.MachineID = machineID.String
	job.Backend = models.BackendType(backend.String)
	job.PinnedMachine = pinned.String
	job.Error = errMsg.String
	if len(deps) > 0 {
		job.DependsOnProjects = deps
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	if lastOutputAt.Valid {
		job.LastOutputAt = &lastOutputAt.Time
	}
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
