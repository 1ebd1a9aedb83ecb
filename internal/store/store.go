// Package store provides the housekeeping Store used by the janitor. It
// composes an Index with BlobStorage to delete settled shares together with
// their ciphertext, and to remove blobs no record points at.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/haukened/goneshare/internal/app"
)

// DefaultFreshness is how old a blob must be before reconcile may treat it as
// an orphan. Uploads write the blob before the record, so a young blob without
// a record is usually an upload in flight.
const DefaultFreshness = time.Minute

// Store composes an Index and BlobStorage.
type Store struct {
	index     Index
	blobs     BlobStorage
	clock     app.Clock
	freshness time.Duration
}

// New returns a housekeeping Store. A non-positive freshness uses DefaultFreshness.
func New(index Index, blobs BlobStorage, clock app.Clock, freshness time.Duration) *Store {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Store{index: index, blobs: blobs, clock: clock, freshness: freshness}
}

// Purge removes records settled before t and returns the count. Blob files
// for purged records are removed best-effort; reconcile catches leftovers.
func (s *Store) Purge(ctx context.Context, t time.Time) (int, error) {
	if s == nil || s.index == nil || s.blobs == nil {
		return 0, errors.New("store not properly initialized")
	}
	pointers, err := s.index.Purge(ctx, t)
	if err != nil {
		return 0, err
	}
	for _, p := range pointers {
		_ = s.blobs.Delete(ctx, p) // best-effort
	}
	return len(pointers), nil
}

// Reconcile deletes blobs older than the freshness window that no record
// points at. It is idempotent and safe to run periodically.
func (s *Store) Reconcile(ctx context.Context) error {
	if s == nil || s.index == nil || s.blobs == nil || s.clock == nil {
		return errors.New("store not properly initialized")
	}
	blobKeys, err := s.blobs.List(ctx, s.clock.Now().Add(-s.freshness))
	if err != nil {
		return err
	}
	pointers, err := s.index.ListPointers(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(pointers))
	for _, p := range pointers {
		known[p] = struct{}{}
	}
	for _, k := range blobKeys {
		if _, ok := known[k]; !ok {
			_ = s.blobs.Delete(ctx, k)
		}
	}
	return nil
}
