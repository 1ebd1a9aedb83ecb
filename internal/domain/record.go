// Package domain record.go defines the durable share record and its invariants.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// IVSize is the length in bytes of the per-record initialization vector.
const IVSize = 16

// Status is the cached lifecycle state of a share record.
type Status string

// Record states. Expired is terminal.
const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s == StatusActive || s == StatusExpired }

// ShareRecord describes one shared file. Only DownloadCount, Status and
// UpdatedAt change after creation.
type ShareRecord struct {
	ID             ShareID   `json:"id"`
	OwnerID        string    `json:"owner_id"`
	DisplayName    string    `json:"name"`
	StoragePointer string    `json:"-"`
	EncryptionIV   []byte    `json:"-"`
	Size           int64     `json:"size"`
	ExpiresAt      time.Time `json:"expires_at"`
	MaxDownloads   int       `json:"max_downloads"`
	DownloadCount  int       `json:"download_count"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewShareRecord builds a fresh active record with a zero download count.
func NewShareRecord(id ShareID, owner, name, pointer string, iv []byte, size int64, expiresAt time.Time, maxDownloads int, now time.Time) ShareRecord {
	return ShareRecord{
		ID:             id,
		OwnerID:        owner,
		DisplayName:    name,
		StoragePointer: pointer,
		EncryptionIV:   iv,
		Size:           size,
		ExpiresAt:      expiresAt,
		MaxDownloads:   maxDownloads,
		DownloadCount:  0,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Validate checks the structural invariants every persisted record must hold.
func (r ShareRecord) Validate() error {
	var errs []error
	if !r.ID.Valid() {
		errs = append(errs, ErrInvalidID)
	}
	if r.StoragePointer == "" {
		errs = append(errs, Invalid("storage pointer empty"))
	}
	if len(r.EncryptionIV) != IVSize {
		errs = append(errs, Invalid(fmt.Sprintf("iv must be %d bytes", IVSize)))
	}
	if r.MaxDownloads < 1 {
		errs = append(errs, Invalid("max downloads must be >= 1"))
	}
	if r.DownloadCount < 0 || r.DownloadCount > r.MaxDownloads {
		errs = append(errs, Invalid("download count out of range"))
	}
	if !r.Status.Valid() {
		errs = append(errs, Invalid("unknown status"))
	}
	return errors.Join(errs...)
}

// Remaining returns how many downloads are left before the limit.
func (r ShareRecord) Remaining() int {
	if r.DownloadCount >= r.MaxDownloads {
		return 0
	}
	return r.MaxDownloads - r.DownloadCount
}

// ExpiredAt reports whether the record's time window has closed at now.
func (r ShareRecord) ExpiredAt(now time.Time) bool { return !now.Before(r.ExpiresAt) }
