// Package domain errors.go contains the sentinel errors shared by every layer.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel domain-level errors reused by higher layers. Callers match them
// with errors.Is; adapters wrap driver errors so the cause stays in the chain.
var (
	// ErrInvalidParameter rejects bad upload input. Not retryable as-is.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInvalidID is returned for ids that are not 32 lowercase hex chars.
	ErrInvalidID = errors.New("invalid share id")
	// ErrNotFound means no record exists for the id.
	ErrNotFound = errors.New("share not found")
	// ErrLinkExpired means the link passed its expiry. Terminal.
	ErrLinkExpired = errors.New("link expired")
	// ErrDownloadLimitReached means every allowed download was consumed. Terminal.
	ErrDownloadLimitReached = errors.New("download limit reached")
	// ErrIntegrity means ciphertext, IV and secret do not belong together.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrStorageUnavailable marks transient infrastructure failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrBlobMissing means the record exists but its ciphertext does not.
	// Retrying will not help.
	ErrBlobMissing = fmt.Errorf("%w: blob missing", ErrStorageUnavailable)
	// ErrTTLInvalid is returned when a requested lifetime is outside the configured bounds.
	ErrTTLInvalid = fmt.Errorf("%w: ttl out of range", ErrInvalidParameter)
)

// Unavailable wraps err as a storage failure for operation op. A nil err
// yields nil so adapters can wrap unconditionally.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Invalid builds an ErrInvalidParameter carrying a short reason.
func Invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, reason)
}
