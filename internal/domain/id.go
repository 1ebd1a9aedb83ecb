// Package domain id.go contains functions to generate, parse, and validate share IDs
package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// ShareID is the canonical identifier for a share record and the public part
// of a share link. It is a 128-bit random value encoded as 32 lowercase hex
// characters.
type ShareID string

// NewID generates a new cryptographically random 128-bit ShareID encoded
// as 32 lowercase hexadecimal characters.
func NewID() (ShareID, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	dst := make([]byte, 32)
	hex.Encode(dst, b[:]) // hex.Encode always produces lowercase
	return ShareID(dst), nil
}

// ParseID validates s and returns it as a ShareID. It enforces:
// - non-empty
// - length == 32
// - only lowercase [0-9a-f]
// Returns ErrInvalidID on failure.
func ParseID(s string) (ShareID, error) {
	if !isValidID(s) {
		return "", ErrInvalidID
	}
	return ShareID(s), nil
}

// String returns the string form of the ShareID.
func (id ShareID) String() string { return string(id) }

// Valid reports whether the ID satisfies the same rules as ParseID.
func (id ShareID) Valid() bool { return isValidID(string(id)) }

// BlobKey returns the storage pointer used for the ciphertext of this share.
// Blob keys are the bare id so every blob backend can use them as a filename
// or object key without escaping.
func (id ShareID) BlobKey() string { return string(id) }

func isValidID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
