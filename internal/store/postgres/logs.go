package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *LogStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append stores log lines for a job.
func (s *LogStore) Append(ctx context.Context, entries []*models.LogEntry) error {
	query := `INSERT INTO job_logs (id, job_id, line, timestamp) VALUES ($1, $2, $3, $4)`

	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		if _, err := s.conn().ExecContext(ctx, query, entry.ID, entry.JobID, entry.Line, entry.Timestamp); err != nil {
			return fmt.Errorf("inserting log entry: %w", err)
		}
	}
	return nil
}

// List retrieves the log lines of a job in order.
func (s *LogStore) List(ctx context.Context, jobID string, limit int) ([]*models.LogEntry, error) {
	query := `
		SELECT id, job_id, line, timestamp
		FROM job_logs
		WHERE job_id = $1
		ORDER BY timestamp, seq`
	args := []any{jobID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	return s.scanLogs(rows)
}

// Tail returns the last n lines of a job in order.
func (s *LogStore) Tail(ctx context.Context, jobID string, n int) ([]*models.LogEntry, error) {
	query := `
		SELECT id, job_id, line, timestamp FROM (
			SELECT id, job_id, line, timestamp, seq
			FROM job_logs
			WHERE job_id = $1
			ORDER BY timestamp DESC, seq DESC
			LIMIT $2
		) t ORDER BY timestamp, seq`

	rows, err := s.conn().QueryContext(ctx, query, jobID, n)
	if err != nil {
		return nil, fmt.Errorf("querying log tail: %w", err)
	}
	defer rows.Close()

	return s.scanLogs(rows)
}

// scanLogs scans rows into log entries.
func (s *LogStore) scanLogs(rows *sql.Rows) ([]*models.LogEntry, error) {
	var entries []*models.LogEntry
	for rows.Next() {
		entry := &models.LogEntry{}
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.Line, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log entries: %w", err)
	}
	return entries, nil
}
