package memory

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("memory: not found")

// ConflictError reports an optimistic-lock failure on a task update.
// Callers may reload the task and retry.
type ConflictError struct {
	TaskID          string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("memory: task %s version conflict: expected %d, actual %d",
		e.TaskID, e.ExpectedVersion, e.ActualVersion)
}

// IsConflict reports whether err is a task version conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// DimensionError reports an embedding whose length does not match the
// store's configured dimensionality.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("memory: embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}
