package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haukened/goneshare/internal/domain"
	"github.com/haukened/goneshare/internal/store"
	"github.com/haukened/goneshare/internal/store/filesystem"
	"github.com/haukened/goneshare/internal/store/sqlite"
)

// fixedClock implements app.Clock for deterministic tests.
type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

// openTestDB mirrors the sqlite test helper.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "store.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	ix    *sqlite.Index
	blobs *filesystem.BlobStore
	dir   string
	now   time.Time
	st    *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ix, err := sqlite.New(openTestDB(t))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	dir := t.TempDir()
	bs, err := filesystem.New(dir)
	if err != nil {
		t.Fatalf("filesystem.New: %v", err)
	}
	now := time.Now().UTC()
	return &fixture{ix: ix, blobs: bs, dir: dir, now: now, st: store.New(ix, bs, fixedClock{now: now}, 0)}
}

// addShare writes a record and its blob, backdating the blob file.
func (f *fixture) addShare(t *testing.T, created time.Time, ttl time.Duration) domain.ShareRecord {
	t.Helper()
	id, _ := domain.NewID()
	rec := domain.NewShareRecord(id, "o", "n", id.BlobKey(), make([]byte, domain.IVSize), 1, created.Add(ttl), 1, created)
	if err := f.ix.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.addBlob(t, rec.StoragePointer, created)
	return rec
}

func (f *fixture) addBlob(t *testing.T, key string, modified time.Time) {
	t.Helper()
	if err := f.blobs.Put(context.Background(), key, []byte("ct")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := os.Chtimes(filepath.Join(f.dir, key+".blob"), modified, modified); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func (f *fixture) blobExists(key string) bool {
	_, err := os.Stat(filepath.Join(f.dir, key+".blob"))
	return err == nil
}

func TestStorePurgeRemovesRecordsAndBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gone := f.addShare(t, f.now.Add(-time.Hour), 10*time.Minute)
	kept := f.addShare(t, f.now, time.Hour)

	n, err := f.st.Purge(ctx, f.now)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if f.blobExists(gone.StoragePointer) {
		t.Fatalf("blob for purged share still present")
	}
	if _, err := f.ix.Get(ctx, gone.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("record for purged share still present: %v", err)
	}
	if !f.blobExists(kept.StoragePointer) {
		t.Fatalf("live blob removed")
	}
}

func TestStorePurgeToleratesMissingBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.addShare(t, f.now.Add(-time.Hour), time.Minute)
	if err := f.blobs.Delete(ctx, rec.StoragePointer); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	n, err := f.st.Purge(ctx, f.now)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged without error, got %d %v", n, err)
	}
}

func TestStoreReconcileRemovesOldOrphansOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.addShare(t, f.now.Add(-time.Hour), 2*time.Hour)

	oldOrphan, _ := domain.NewID()
	f.addBlob(t, oldOrphan.BlobKey(), f.now.Add(-time.Hour))
	youngOrphan, _ := domain.NewID()
	f.addBlob(t, youngOrphan.BlobKey(), f.now.Add(-5*time.Second))

	if err := f.st.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if f.blobExists(oldOrphan.BlobKey()) {
		t.Fatalf("old orphan not removed")
	}
	if !f.blobExists(youngOrphan.BlobKey()) {
		t.Fatalf("young orphan removed; it may be an upload in flight")
	}
	if !f.blobExists(rec.StoragePointer) {
		t.Fatalf("referenced blob removed")
	}
	// idempotent
	if err := f.st.Reconcile(ctx); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
}

func TestStoreNotInitialized(t *testing.T) {
	var st *store.Store
	if _, err := st.Purge(context.Background(), time.Now()); err == nil {
		t.Fatalf("expected error from nil store purge")
	}
	if err := st.Reconcile(context.Background()); err == nil {
		t.Fatalf("expected error from nil store reconcile")
	}
	if err := store.New(nil, nil, nil, 0).Reconcile(context.Background()); err == nil {
		t.Fatalf("expected error from empty store reconcile")
	}
}
