// Package sqlite provides a SQLite-backed implementation of the
// app.RecordStore and store.Index ports for persisting share records.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/goneshare/internal/app"
	"github.com/haukened/goneshare/internal/domain"
	"github.com/haukened/goneshare/internal/store"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var (
	_ app.RecordStore = (*Index)(nil)
	_ store.Index     = (*Index)(nil)
)

// maxAdmitAttempts bounds the compare-and-swap loop in AtomicAdmit. Every
// lost round means another caller's write landed, so the bound is only hit
// under pathological contention.
const maxAdmitAttempts = 64

var errContention = errors.New("admit contention")

// Index implements the record ports using SQLite (via database/sql). It is
// safe for concurrent use; database/sql manages connection pooling and
// SQLite serializes writers.
type Index struct{ db *sql.DB }

// New constructs an Index, initializing the required schema if absent.
func New(db *sql.DB) (*Index, error) {
	ix := &Index{db: db}
	if err := ix.init(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Open opens the database at dsn and returns a ready Index.
func Open(dsn string) (*Index, *sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, nil, err
	}
	ix, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return ix, db, nil
}

func (i *Index) init() error {
	schema := `CREATE TABLE IF NOT EXISTS shares (
id TEXT PRIMARY KEY,
owner_id TEXT NOT NULL,
display_name TEXT NOT NULL,
storage_pointer TEXT NOT NULL,
iv BLOB NOT NULL,
size INTEGER NOT NULL,
expires_at INTEGER NOT NULL,
max_downloads INTEGER NOT NULL,
download_count INTEGER NOT NULL DEFAULT 0,
status TEXT NOT NULL,
created_at INTEGER NOT NULL,
updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS shares_expires_at ON shares(expires_at);`
	_, err := i.db.Exec(schema)
	return err
}

const columns = `id, owner_id, display_name, storage_pointer, iv, size, expires_at, max_downloads, download_count, status, created_at, updated_at`

// Create stores a new share row.
func (i *Index) Create(ctx context.Context, rec domain.ShareRecord) error {
	const q = `INSERT INTO shares (` + columns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err := i.db.ExecContext(ctx, q,
		rec.ID.String(), rec.OwnerID, rec.DisplayName, rec.StoragePointer, rec.EncryptionIV, rec.Size,
		rec.ExpiresAt.UnixNano(), rec.MaxDownloads, rec.DownloadCount, string(rec.Status),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	return domain.Unavailable("create share", err)
}

// Get returns the row for id or domain.ErrNotFound.
func (i *Index) Get(ctx context.Context, id domain.ShareID) (domain.ShareRecord, error) {
	const q = `SELECT ` + columns + ` FROM shares WHERE id=?`
	rec, err := scanRecord(i.db.QueryRowContext(ctx, q, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ShareRecord{}, domain.ErrNotFound
		}
		return domain.ShareRecord{}, domain.Unavailable("get share", err)
	}
	return rec, nil
}

// AtomicAdmit evaluates a download attempt and persists the transition with
// a conditional UPDATE keyed on the observed counter and status. A lost race
// re-reads and re-evaluates, so no two callers can both spend the same count.
func (i *Index) AtomicAdmit(ctx context.Context, id domain.ShareID, now time.Time) (domain.Admission, error) {
	const upd = `UPDATE shares SET download_count=?, status=?, updated_at=?
WHERE id=? AND download_count=? AND status=?`
	for attempt := 0; attempt < maxAdmitAttempts; attempt++ {
		rec, err := i.Get(ctx, id)
		if err != nil {
			return domain.Admission{}, err
		}
		t := domain.Evaluate(rec, now)
		if !t.Changed {
			return domain.Admission{Outcome: t.Outcome, Record: rec}, nil
		}
		res, err := i.db.ExecContext(ctx, upd,
			t.DownloadCount, string(t.Status), now.UnixNano(),
			id.String(), rec.DownloadCount, string(rec.Status))
		if err != nil {
			return domain.Admission{}, domain.Unavailable("admit", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.Admission{}, domain.Unavailable("admit", err)
		}
		if n == 1 {
			return domain.Admission{Outcome: t.Outcome, Record: t.Apply(rec, now)}, nil
		}
		if err := ctx.Err(); err != nil {
			return domain.Admission{}, err
		}
	}
	return domain.Admission{}, domain.Unavailable("admit", errContention)
}

// MarkExpired flips an active row whose expiry is at or before now.
func (i *Index) MarkExpired(ctx context.Context, id domain.ShareID, now time.Time) (bool, error) {
	const q = `UPDATE shares SET status=?, updated_at=? WHERE id=? AND status=? AND expires_at<=?`
	res, err := i.db.ExecContext(ctx, q,
		string(domain.StatusExpired), now.UnixNano(), id.String(), string(domain.StatusActive), now.UnixNano())
	if err != nil {
		return false, domain.Unavailable("mark expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Unavailable("mark expired", err)
	}
	return n > 0, nil
}

// Purge deletes rows that expired before t or settled as expired before t,
// returning their storage pointers for blob cleanup.
func (i *Index) Purge(ctx context.Context, t time.Time) ([]string, error) {
	const del = `DELETE FROM shares WHERE expires_at < ? OR (status = ? AND updated_at < ?) RETURNING storage_pointer`
	rows, err := i.db.QueryContext(ctx, del, t.UnixNano(), string(domain.StatusExpired), t.UnixNano())
	if err != nil {
		return nil, domain.Unavailable("purge", err)
	}
	return collectStrings(rows, "purge")
}

// ListPointers returns the storage pointer of every row.
func (i *Index) ListPointers(ctx context.Context) ([]string, error) {
	const q = `SELECT storage_pointer FROM shares`
	rows, err := i.db.QueryContext(ctx, q)
	if err != nil {
		return nil, domain.Unavailable("list pointers", err)
	}
	return collectStrings(rows, "list pointers")
}

func collectStrings(rows *sql.Rows, op string) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			if cErr := rows.Close(); cErr != nil {
				return nil, domain.Unavailable(op, fmt.Errorf("scan error: %v; close error: %w", err, cErr))
			}
			return nil, domain.Unavailable(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Close(); err != nil {
		return nil, domain.Unavailable(op, err)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable(op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.ShareRecord, error) {
	var (
		rec                       domain.ShareRecord
		id, status                string
		expires, created, updated int64
	)
	err := row.Scan(&id, &rec.OwnerID, &rec.DisplayName, &rec.StoragePointer, &rec.EncryptionIV, &rec.Size,
		&expires, &rec.MaxDownloads, &rec.DownloadCount, &status, &created, &updated)
	if err != nil {
		return domain.ShareRecord{}, err
	}
	sid, err := domain.ParseID(id)
	if err != nil {
		return domain.ShareRecord{}, err
	}
	rec.ID = sid
	rec.Status = domain.Status(status)
	rec.ExpiresAt = time.Unix(0, expires).UTC()
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}
