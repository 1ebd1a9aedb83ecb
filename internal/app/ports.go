// Package app defines the application layer "ports" (interfaces) that the
// share access engine depends upon. It follows a hexagonal (ports & adapters)
// design: this package declares what the core needs, while adapter packages
// (SQLite/Postgres/Redis record stores, filesystem/S3 blob stores, the HTTP
// layer, janitor jobs) provide concrete implementations. No SQL or network
// concerns belong here.
package app

import (
	"context"
	"time"

	"github.com/haukened/goneshare/internal/domain"
)

// Clock abstracts time to enable deterministic testing of expiry logic.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// RecordStore is the persistence port for share records. Implementations
// must make AtomicAdmit a single atomic step against persisted state: two
// concurrent callers can never both observe the same counter value and both
// be admitted.
type RecordStore interface {
	// Create persists a new record. The record is already validated.
	Create(ctx context.Context, rec domain.ShareRecord) error

	// Get returns the record for id or domain.ErrNotFound.
	Get(ctx context.Context, id domain.ShareID) (domain.ShareRecord, error)

	// AtomicAdmit loads the record, applies domain.Evaluate at now and
	// persists the resulting transition, all as one atomic unit. It returns
	// domain.ErrNotFound when the record does not exist.
	AtomicAdmit(ctx context.Context, id domain.ShareID, now time.Time) (domain.Admission, error)

	// MarkExpired flips an active record whose expiry is at or before now to
	// expired. It reports whether a change was written.
	MarkExpired(ctx context.Context, id domain.ShareID, now time.Time) (bool, error)
}

// BlobStore persists ciphertext addressed by a record's storage pointer.
// Infrastructure failures are wrapped with domain.ErrStorageUnavailable.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Metrics receives counter increments. It is optional; a nil Metrics on the
// Service disables emission.
type Metrics interface {
	Inc(name string, delta int64)
}
