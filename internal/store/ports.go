// Package store defines internal persistence adapter ports used by the
// housekeeping Store. These ports isolate the concrete record index
// (SQLite, Postgres, Redis) and blob storage (filesystem, S3) so they can be
// tested and evolved independently. Request-path code talks to the
// app.RecordStore and app.BlobStore ports directly.
package store

import (
	"context"
	"time"

	"github.com/haukened/goneshare/internal/app"
)

// Index abstracts the housekeeping operations of a record store.
type Index interface {
	// Purge deletes records whose expiry is before t, and expired records
	// whose last state change is before t. It returns the storage pointers
	// of the deleted records so their blobs can be removed.
	Purge(ctx context.Context, t time.Time) ([]string, error)
	// ListPointers returns the storage pointers of every record.
	ListPointers(ctx context.Context) ([]string, error)
}

// BlobStorage is the request-path blob port plus enumeration for reconcile.
type BlobStorage interface {
	app.BlobStore
	// List returns the keys of blobs last modified before t.
	List(ctx context.Context, t time.Time) ([]string, error)
}
