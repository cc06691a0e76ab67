package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS build_jobs (
		id UUID PRIMARY KEY,
		fp_user TEXT NOT NULL,
		fp_project TEXT NOT NULL,
		fp_package TEXT NOT NULL,
		fp_branch TEXT NOT NULL,
		fp_distro TEXT NOT NULL,
		fp_release TEXT NOT NULL,
		fp_arch TEXT NOT NULL,
		status TEXT NOT NULL,
		succeeded BOOLEAN NOT NULL DEFAULT FALSE,
		hanging BOOLEAN NOT NULL DEFAULT FALSE,
		machine_id TEXT,
		backend TEXT,
		pinned_machine TEXT,
		depends_on_projects TEXT[] NOT NULL DEFAULT '{}',
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		last_output_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS build_jobs_active_fingerprint
		ON build_jobs (fp_user, fp_project, fp_package, fp_branch, fp_distro, fp_release, fp_arch)
		WHERE status IN ('WAITING', 'BUILDING')`,
	`CREATE INDEX IF NOT EXISTS build_jobs_status_order ON build_jobs (status, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS machines (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		type TEXT NOT NULL,
		static BOOLEAN NOT NULL DEFAULT FALSE,
		priority INTEGER NOT NULL DEFAULT 0,
		slot INTEGER NOT NULL DEFAULT 0,
		targets TEXT[] NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		job_id TEXT,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dependency_edges (
		fp_user TEXT NOT NULL,
		fp_project TEXT NOT NULL,
		fp_branch TEXT NOT NULL,
		dependant TEXT NOT NULL,
		required TEXT NOT NULL,
		PRIMARY KEY (fp_user, fp_project, fp_branch, dependant, required)
	)`,
	`CREATE TABLE IF NOT EXISTS package_states (
		fp_user TEXT NOT NULL,
		fp_project TEXT NOT NULL,
		fp_package TEXT NOT NULL,
		fp_branch TEXT NOT NULL,
		fp_distro TEXT NOT NULL,
		fp_release TEXT NOT NULL,
		fp_arch TEXT NOT NULL,
		dirty BOOLEAN NOT NULL,
		last_commit TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (fp_user, fp_project, fp_package, fp_branch, fp_distro, fp_release, fp_arch)
	)`,
	`CREATE TABLE IF NOT EXISTS job_logs (
		id UUID PRIMARY KEY,
		job_id UUID NOT NULL,
		line TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		seq BIGSERIAL
	)`,
	`CREATE INDEX IF NOT EXISTS job_logs_job ON job_logs (job_id, timestamp, seq)`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db queryable) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
