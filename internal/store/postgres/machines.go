package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// MachineStore implements store.MachineStore using PostgreSQL.
type MachineStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *MachineStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Upsert creates or replaces a machine record.
func (s *MachineStore) Upsert(ctx context.Context, m *models.Machine) error {
	query := `
		INSERT INTO machines (id, host, type, static, priority, slot, targets, status, job_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			host = EXCLUDED.host,
			type = EXCLUDED.type,
			static = EXCLUDED.static,
			priority = EXCLUDED.priority,
			slot = EXCLUDED.slot,
			targets = EXCLUDED.targets,
			status = EXCLUDED.status,
			job_id = EXCLUDED.job_id,
			updated_at = EXCLUDED.updated_at`

	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}

	_, err := s.conn().ExecContext(ctx, query,
		m.ID,
		m.Host,
		m.Type,
		m.Static,
		m.Priority,
		m.Slot,
		pq.Array(nonNil(m.Targets)),
		m.Status,
		nullString(m.JobID),
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting machine: %w", err)
	}
	return nil
}

// Get retrieves a machine by ID.
func (s *MachineStore) Get(ctx context.Context, id string) (*models.Machine, error) {
	query := `
		SELECT id, host, type, static, priority, slot, targets, status, job_id, updated_at
		FROM machines WHERE id = $1`

	m, err := scanMachine(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying machine: %w", err)
	}
	return m, nil
}

// List returns all machines ordered by (priority, id).
func (s *MachineStore) List(ctx context.Context) ([]*models.Machine, error) {
	query := `
		SELECT id, host, type, static, priority, slot, targets, status, job_id, updated_at
		FROM machines ORDER BY priority, id`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying machines: %w", err)
	}
	defer rows.Close()

	var machines []*models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func scanMachine(row rowScanner) (*models.Machine, error) {
	m := &models.Machine{}
	var jobID sql.NullString
	var targets []string
	err := row.Scan(
		&m.ID,
		&m.Host,
		&m.Type,
		&m.Static,
		&m.Priority,
		&m.Slot,
		pq.Array(&targets),
		&m.Status,
		&jobID,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.JobID = jobID.String
	if len(targets) > 0 {
		m.Targets = targets
	}
	return m, nil
}
