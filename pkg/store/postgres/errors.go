package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// mapPgErr translates constraint violations to store sentinels.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "23505": // unique_violation
			return store.ErrConflict
		case "23503": // foreign_key_violation
			return store.ErrNotFound
		case "23514": // check_violation
			return store.ErrConflict
		}
	}
	return err
}

// mapRowErr translates not found cases to store.ErrNotFound.
func mapRowErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return mapPgErr(err)
}
