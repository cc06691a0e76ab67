package postgres

import (
	"strings"

	"github.com/narvanalabs/buildfarm/internal/store"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = store.ErrNotFound

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL error code 23505 is unique_violation
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "unique constraint") ||
		strings.Contains(err.Error(), "duplicate key")
}
