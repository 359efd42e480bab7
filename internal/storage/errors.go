package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a lookup for an id that has no row.
var ErrNotFound = errors.New("storage: not found")

// StorageError wraps a backend failure (connectivity, constraint) with the
// operation that failed. Callers treat it as "state unknown, retry next
// cycle" rather than as proof the operation did not happen.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err for operation op. Returns nil when err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsNotFound reports whether err is the missing-row sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
