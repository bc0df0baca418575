package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a database query returns no rows.
var ErrNotFound = errors.New("record not found")

// notFound wraps ErrNotFound with the entity name.
func notFound(entity string) error {
	return fmt.Errorf("%s: %w", entity, ErrNotFound)
}

// isNoRows checks whether the error is pgx.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks whether the error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation checks whether the error is a foreign key violation.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// ErrDuplicateKey is returned when a unique constraint is violated.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrForeignKeyViolation is returned when a foreign key constraint is violated.
var ErrForeignKeyViolation = errors.New("foreign key violation")

// classifyWriteError turns a raw pgx error into one of the Store's four
// distinguished kinds: duplicate-key, foreign-key violation, connection
// loss, or unknown.
func classifyWriteError(entity string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isDuplicateKey(err):
		return fmt.Errorf("%s: %w: %v", entity, ErrDuplicateKey, err)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%s: %w: %v", entity, ErrForeignKeyViolation, err)
	case isConnectionError(err):
		return fmt.Errorf("%s: %w: %v", entity, ErrConnection, err)
	default:
		return fmt.Errorf("%s: %w: %v", entity, ErrUnknown, err)
	}
}

// ErrConnection is returned when the database connection was lost or could
// not be established.
var ErrConnection = errors.New("connection error")

// ErrUnknown wraps any store error that does not match a more specific
// classification.
var ErrUnknown = errors.New("unknown store error")

func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// pgErr classification already handled connection-independent cases
		// above; anything reaching here with a PgError is a server-side
		// rejection, not a connection loss.
		return false
	}
	// Anything that isn't a structured Postgres error and isn't ErrNoRows
	// is treated as a connection-level failure (refused, reset, timeout,
	// context cancellation during dial/roundtrip).
	return !errors.Is(err, pgx.ErrNoRows)
}

// pgxRow is the minimal row-scanning capability shared by pgx.Row and
// pgx.CollectableRow, letting scan helpers accept either.
type pgxRow interface {
	Scan(dest ...interface{}) error
}
