package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced synchronously by the request-scoped operations.
// Background workers never return these for a single item; they annotate the
// row and continue.
var (
	// ErrNotFound means the referenced job does not exist.
	ErrNotFound = errors.New("upload job not found")

	// ErrInvalidState means the job is in a terminal or incompatible state
	// and the caller must not blindly retry.
	ErrInvalidState = errors.New("upload job in invalid state for operation")

	// ErrAlreadyFinalized means the job was committed before; the asset
	// already exists and a retry must not create a second one.
	ErrAlreadyFinalized = errors.New("upload job already finalized")

	// ErrStorageConfig means no bucket is configured for the requested
	// category. Fatal to the operation, not to the process.
	ErrStorageConfig = errors.New("no bucket configured for category")

	// ErrTransientDependency wraps store failures where retrying the whole
	// operation is safe.
	ErrTransientDependency = errors.New("dependency unavailable")
)

// ValidationError rejects bad caller input before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
