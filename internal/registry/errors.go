package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for the three refusal kinds. All are expected outcomes;
// none indicates a broken registry.
var (
	ErrCapacityExceeded = errors.New("task capacity exceeded")
	ErrNotFound         = errors.New("task not found")
	ErrForbidden        = errors.New("caller is not the task creator")
)

// Stable numeric codes surfaced to front ends.
const (
	CodeForbidden        = 403
	CodeNotFound         = 404
	CodeCapacityExceeded = 500
)

// TaskError carries the operation context for a refused call.
type TaskError struct {
	Op     string
	TaskID TaskID
	Caller string
	Err    error
}

func (e *TaskError) Error() string {
	if e.Op == opCreate {
		return fmt.Sprintf("%s task for %q: %v", e.Op, e.Caller, e.Err)
	}
	return fmt.Sprintf("%s task %d for %q: %v", e.Op, e.TaskID, e.Caller, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Code maps a registry error to its numeric code. It returns 0 for nil and
// for errors that did not come from the registry.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	default:
		return 0
	}
}

// Reason returns a short machine-readable reason for err, used in events,
// audit entries and metric attributes.
func Reason(err error) string {
	switch Code(err) {
	case CodeForbidden:
		return "forbidden"
	case CodeNotFound:
		return "not_found"
	case CodeCapacityExceeded:
		return "capacity_exceeded"
	default:
		return "unknown"
	}
}
