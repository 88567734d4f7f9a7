package engine

import (
	"errors"
	"fmt"

	"github.com/codythatsme/i-migrate-sub000/internal/imis"
)

// ErrAlreadyRunning is returned when an operation needs exclusive use of a
// job that is currently queued for or in the middle of a run.
var ErrAlreadyRunning = errors.New("job already running")

// ErrRowNotFailed is returned when a retry targets a row that is not in the
// failed state. Replaying a succeeded row would insert a duplicate record.
var ErrRowNotFailed = errors.New("row is not in a failed state")

// MigrationError is a configuration or programming defect: an unregistered
// custom endpoint, an impossible mode combination. It fails the whole job and
// is never retried.
type MigrationError struct {
	Op      string
	Message string
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// InsertFailure is one row's failed insert, carrying its stable index so the
// failure can be recorded against the right Row regardless of completion
// order.
type InsertFailure struct {
	RowIndex int64
	Err      error
}

func (e *InsertFailure) Error() string {
	return fmt.Sprintf("row %d: %v", e.RowIndex, e.Err)
}

func (e *InsertFailure) Unwrap() error {
	return e.Err
}

// attemptCount reports how many tries actually went over the wire for a
// failed insert. The remote client counts its internal retries; anything that
// failed before reaching it was tried once.
func attemptCount(err error) int {
	var insertErr *imis.InsertError
	if errors.As(err, &insertErr) {
		return insertErr.Attempts
	}
	return 1
}
