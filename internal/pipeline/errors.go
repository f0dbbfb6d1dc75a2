package pipeline

import (
	"errors"
	"fmt"
)

// ErrCycleInProgress is returned by RunOnce while another cycle is running.
var ErrCycleInProgress = errors.New("ingestion cycle already in progress")

// PersistenceError reports a failed success commit. Nothing from the
// transaction is visible when it is returned.
type PersistenceError struct {
	Source string
	RunID  int64
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s run %d: %v", e.Source, e.RunID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
