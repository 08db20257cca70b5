package store

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when a targeted row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a reconcile would create a second row for a
	// canonical id that is already stored.
	ErrConflict = errors.New("store: canonical id already stored")
)

// StorageFailure wraps any failure of the durable engine itself (disk, lock
// contention, corruption, encoding).
type StorageFailure struct {
	Op  string
	Err error
}

func (f *StorageFailure) Error() string {
	if f.Err == nil {
		return "store: " + f.Op + ": storage failure"
	}
	return "store: " + f.Op + ": " + f.Err.Error()
}

func (f *StorageFailure) Unwrap() error { return f.Err }

// IsStorageFailure reports whether err is, or wraps, a StorageFailure.
func IsStorageFailure(err error) bool {
	var sf *StorageFailure
	return errors.As(err, &sf)
}

func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageFailure{Op: op, Err: err}
}
