package storage

import "errors"

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidCID  = errors.New("storage: invalid cid")
	ErrCIDMismatch = errors.New("storage: cid mismatch")
	ErrImmutable   = errors.New("storage: immutable object mismatch")
	ErrNoBackends  = errors.New("storage: no backends configured")
	// ErrUnavailable marks a backend that could not be reached. Callers may
	// retry.
	ErrUnavailable = errors.New("storage: backend unavailable")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorrupt reports whether err means stored bytes failed verification.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCIDMismatch) || errors.Is(err, ErrImmutable)
}
