/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Validation errors - Malformed quantity, direction, product id or key.
     Raised before any store interaction.
  2. Not found - Product has no ledger history.
  3. Idempotency - Duplicate key at the store level (a lost race, resolved
     internally) and key reuse with a different payload (client error).
  4. Storage - Transaction aborts and connectivity loss. Safe to retry
     because partial effects are never committed.
  5. Overflow - Stock outside the int64 range. Permanent, not retryable.

USAGE:
  Transports map errors with errors.Is / errors.As:

    if errors.Is(err, ledger.ErrProductNotFound) { ... 404 ... }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrProductNotFound is returned for products with no movement history.
	// A product whose movements sum to zero is NOT "not found".
	ErrProductNotFound = errors.New("product not found")

	// ErrDuplicateIdempotencyKey is returned by stores when an idempotency
	// record with the same key already exists. The Guard turns it into a
	// replay of the winning request.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyKeyReused is returned when a key is replayed with a
	// request that differs from the one that created the record.
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with a different request")

	// ErrStockOverflow is returned when Σ in − Σ out does not fit in an
	// int64. Retrying cannot help; the history itself is out of range.
	ErrStockOverflow = errors.New("stock out of int64 range")

	// ErrStorage is wrapped by every *StorageError.
	ErrStorage = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// StorageError wraps a driver or transaction failure with the operation
// that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// NewStorageError returns nil for a nil err so callers can wrap unconditionally.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrIdempotencyKeyReused)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound)
}
