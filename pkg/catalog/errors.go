package catalog

import (
	"errors"
	"fmt"
)

// WriteError reports a durable catalog write that failed after retries.
// The event and its derived rows were rolled back together.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("catalog write failed: %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadError reports a failed read-only projection.
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("catalog read failed: %s: %v", e.Op, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// JobStateError reports an attempted transition on a job that has already
// reached a terminal status.
type JobStateError struct {
	JobID  string
	Status string
}

func (e *JobStateError) Error() string {
	return fmt.Sprintf("job %s is already terminal (status %s)", e.JobID, e.Status)
}

// ErrReadOnly is returned when a mutation is attempted through a store
// opened in read-only mode.
var ErrReadOnly = errors.New("catalog opened read-only")

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Op: op, Err: err}
}

func readErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ReadError{Op: op, Err: err}
}
