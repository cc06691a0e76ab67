package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// EdgeStore implements store.EdgeStore using PostgreSQL.
type EdgeStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// Replace swaps the edge set of a project branch. Outside a transaction the
// delete and inserts run in their own transaction.
func (s *EdgeStore) Replace(ctx context.Context, user, project, branch string, edges []models.DependencyEdge) error {
	if s.tx != nil {
		return replaceEdges(ctx, s.tx, user, project, branch, edges)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := replaceEdges(ctx, tx, user, project, branch, edges); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func replaceEdges(ctx context.Context, q queryable, user, project, branch string, edges []models.DependencyEdge) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM dependency_edges WHERE fp_user = $1 AND fp_project = $2 AND fp_branch = $3`,
		user, project, branch)
	if err != nil {
		return fmt.Errorf("deleting dependency edges: %w", err)
	}

	for _, e := range edges {
		_, err := q.ExecContext(ctx, `
			INSERT INTO dependency_edges (fp_user, fp_project, fp_branch, dependant, required)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			user, project, branch, e.Dependant, e.Required)
		if err != nil {
			return fmt.Errorf("inserting dependency edge: %w", err)
		}
	}
	return nil
}

// List returns the edge set of a project branch.
func (s *EdgeStore) List(ctx context.Context, user, project, branch string) ([]models.DependencyEdge, error) {
	var q queryable = s.db
	if s.tx != nil {
		q = s.tx
	}

	rows, err := q.QueryContext(ctx, `
		SELECT dependant, required FROM dependency_edges
		WHERE fp_user = $1 AND fp_project = $2 AND fp_branch = $3
		ORDER BY dependant, required`,
		user, project, branch)
	if err != nil {
		return nil, fmt.Errorf("querying dependency edges: %w", err)
	}
	defer rows.Close()

	var edges []models.DependencyEdge
	for rows.Next() {
		e := models.DependencyEdge{User: user, Project: project, Branch: branch}
		if err := rows.Scan(&e.Dependant, &e.Required); err != nil {
			return nil, fmt.Errorf("scanning dependency edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
