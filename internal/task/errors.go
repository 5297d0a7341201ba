package task

import (
	"errors"
	"fmt"
)

var (
	ErrStorage       = errors.New("storage error")
	ErrDuplicate     = errors.New("duplicate task")
	ErrNotFound      = errors.New("task not found")
	ErrWorkerOutcome = errors.New("worker failed")
	ErrUnknownWorker = errors.New("unknown worker")
)

// StorageError wraps every backend failure so callers never see driver errors.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Storage wraps err as a StorageError unless it already is a task error.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

type DuplicateTaskError struct{ ID string }

func (e *DuplicateTaskError) Error() string        { return fmt.Sprintf("task %q already exists", e.ID) }
func (e *DuplicateTaskError) Is(target error) bool { return target == ErrDuplicate }

type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string        { return fmt.Sprintf("task %q not found", e.ID) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// WorkerOutcomeError describes a task execution that did not end cleanly.
type WorkerOutcomeError struct {
	ExitCode int
	Signal   string
	Output   string
}

func (e *WorkerOutcomeError) Error() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("worker killed by %s", e.Signal)
	case e.Output != "":
		return fmt.Sprintf("worker exited with code %d: %s", e.ExitCode, e.Output)
	default:
		return fmt.Sprintf("worker exited with code %d", e.ExitCode)
	}
}

func (e *WorkerOutcomeError) Is(target error) bool { return target == ErrWorkerOutcome }

func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicate) }
func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
