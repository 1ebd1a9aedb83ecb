// Package domain ttl.go contains functions to validate link lifetimes and
// download limits against config values.
package domain

import "time"

// ValidateTTL checks that ttl is positive and within [min, max].
// Returns ErrTTLInvalid on any violation.
func ValidateTTL(ttl, minTTL, maxTTL time.Duration) error {
	if ttl <= 0 {
		return ErrTTLInvalid
	}
	if ttl < minTTL {
		return ErrTTLInvalid
	}
	if maxTTL > 0 && ttl > maxTTL {
		return ErrTTLInvalid
	}
	return nil
}

// ValidateExpiry checks an absolute expiry. It must lie strictly after now and,
// when maxTTL is positive, no further than now+maxTTL.
func ValidateExpiry(expiresAt, now time.Time, maxTTL time.Duration) error {
	if !expiresAt.After(now) {
		return Invalid("expiry must be in the future")
	}
	if maxTTL > 0 && expiresAt.Sub(now) > maxTTL {
		return ErrTTLInvalid
	}
	return nil
}

// ValidateMaxDownloads checks the download limit is at least one and, when
// limit is positive, no larger than limit.
func ValidateMaxDownloads(n, limit int) error {
	if n < 1 {
		return Invalid("max downloads must be >= 1")
	}
	if limit > 0 && n > limit {
		return Invalid("max downloads above allowed cap")
	}
	return nil
}
