package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/featurespec/internal/model"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = model.ErrNotFound

// ErrRunAlreadyCompleted is returned when a completed run is completed again
// with a different result.
var ErrRunAlreadyCompleted = model.ErrRunAlreadyCompleted

// wrap tags an I/O failure as a *model.StorageError. Sentinel results pass
// through untouched so callers can match them with errors.Is.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRunAlreadyCompleted) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: %s: %w", op, ErrNotFound)
	}
	return &model.StorageError{Op: op, Err: err}
}
