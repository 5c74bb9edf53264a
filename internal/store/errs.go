package store

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// nilOnNoRows collapses pgx.ErrNoRows into a nil error paired with the
// caller's own ok-bool, keeping "not found" out of the error channel for
// lookups that are expected to miss.
func nilOnNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}
