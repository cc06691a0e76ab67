package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// PackageStore implements store.PackageStore using PostgreSQL.
type PackageStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *PackageStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Get returns the dirty state of a fingerprint.
func (s *PackageStore) Get(ctx context.Context, fp models.Fingerprint) (*models.PackageState, error) {
	query := `
		SELECT dirty, last_commit, updated_at FROM package_states
		WHERE fp_user = $1 AND fp_project = $2 AND fp_package = $3 AND fp_branch = $4
			AND fp_distro = $5 AND fp_release = $6 AND fp_arch = $7`

	st := &models.PackageState{Fingerprint: fp}
	err := s.conn().QueryRowContext(ctx, query,
		fp.User, fp.Project, fp.Package, fp.Branch, fp.Distro, fp.Release, fp.Arch,
	).Scan(&st.Dirty, &st.LastCommit, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying package state: %w", err)
	}
	return st, nil
}

// SetDirty marks the fingerprint dirty or clean. An empty commit keeps the
// previously recorded one.
func (s *PackageStore) SetDirty(ctx context.Context, fp models.Fingerprint, dirty bool, commit string) error {
	query := `
		INSERT INTO package_states (fp_user, fp_project, fp_package, fp_branch, fp_distro, fp_release, fp_arch,
			dirty, last_commit, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (fp_user, fp_project, fp_package, fp_branch, fp_distro, fp_release, fp_arch)
		DO UPDATE SET
			dirty = EXCLUDED.dirty,
			last_commit = CASE WHEN EXCLUDED.last_commit = '' THEN package_states.last_commit ELSE EXCLUDED.last_commit END,
			updated_at = EXCLUDED.updated_at`

	_, err := s.conn().ExecContext(ctx, query,
		fp.User, fp.Project, fp.Package, fp.Branch, fp.Distro, fp.Release, fp.Arch,
		dirty, commit, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting package state: %w", err)
	}
	return nil
}
