package postgresql

import (
	"errors"

	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

// isUniqueViolation checks for a postgres unique constraint violation on the
// named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error

	if !errors.As(err, &pqErr) {
		return false
	}

	return pqErr.Code == uniqueViolationCode && (constraint == "" || pqErr.Constraint == constraint)
}
