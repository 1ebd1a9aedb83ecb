// Package postgres provides a PostgreSQL-backed implementation of the
// app.RecordStore and store.Index ports using pgxpool. The schema is applied
// with golang-migrate from embedded SQL files.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haukened/goneshare/internal/app"
	"github.com/haukened/goneshare/internal/domain"
	"github.com/haukened/goneshare/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ app.RecordStore = (*Index)(nil)
	_ store.Index     = (*Index)(nil)
)

// Index implements the record ports on a pgx connection pool.
type Index struct{ pool *pgxpool.Pool }

// New wraps an existing pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Index { return &Index{pool: pool} }

// Connect creates a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, domain.Unavailable("postgres ping", err)
	}
	if logger != nil {
		logger.Info("postgres connected",
			slog.String("host", cfg.ConnConfig.Host),
			slog.String("database", cfg.ConnConfig.Database),
		)
	}
	return pool, nil
}

// Migrate applies the embedded migrations to the database at dsn.
func Migrate(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		version, dirty, _ := m.Version()
		logger.Info("postgres migrations applied",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	}
	return nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme golang-migrate
// registers for its pgx driver.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Ping reports whether the database is reachable.
func (i *Index) Ping(ctx context.Context) error {
	return domain.Unavailable("postgres ping", i.pool.Ping(ctx))
}

const columns = `id, owner_id, display_name, storage_pointer, iv, size, expires_at, max_downloads, download_count, status, created_at, updated_at`

// Create inserts a new share row.
func (i *Index) Create(ctx context.Context, rec domain.ShareRecord) error {
	const q = `INSERT INTO shares (` + columns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := i.pool.Exec(ctx, q,
		rec.ID.String(), rec.OwnerID, rec.DisplayName, rec.StoragePointer, rec.EncryptionIV, rec.Size,
		rec.ExpiresAt, rec.MaxDownloads, rec.DownloadCount, string(rec.Status), rec.CreatedAt, rec.UpdatedAt)
	return domain.Unavailable("create share", err)
}

// Get returns the row for id or domain.ErrNotFound.
func (i *Index) Get(ctx context.Context, id domain.ShareID) (domain.ShareRecord, error) {
	const q = `SELECT ` + columns + ` FROM shares WHERE id=$1`
	return getRecord(ctx, i.pool, q, id)
}

// AtomicAdmit locks the row with SELECT ... FOR UPDATE, evaluates the attempt
// and writes the transition before committing. Concurrent callers queue on
// the row lock.
func (i *Index) AtomicAdmit(ctx context.Context, id domain.ShareID, now time.Time) (adm domain.Admission, err error) {
	tx, err := i.pool.Begin(ctx)
	if err != nil {
		return domain.Admission{}, domain.Unavailable("admit", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	const sel = `SELECT ` + columns + ` FROM shares WHERE id=$1 FOR UPDATE`
	rec, err := getRecord(ctx, tx, sel, id)
	if err != nil {
		return domain.Admission{}, err
	}
	t := domain.Evaluate(rec, now)
	if t.Changed {
		const upd = `UPDATE shares SET download_count=$1, status=$2, updated_at=$3 WHERE id=$4`
		if _, err = tx.Exec(ctx, upd, t.DownloadCount, string(t.Status), now, id.String()); err != nil {
			return domain.Admission{}, domain.Unavailable("admit", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return domain.Admission{}, domain.Unavailable("admit", err)
	}
	return domain.Admission{Outcome: t.Outcome, Record: t.Apply(rec, now)}, nil
}

// MarkExpired flips an active row whose expiry is at or before now.
func (i *Index) MarkExpired(ctx context.Context, id domain.ShareID, now time.Time) (bool, error) {
	const q = `UPDATE shares SET status='expired', updated_at=$1 WHERE id=$2 AND status='active' AND expires_at<=$1`
	tag, err := i.pool.Exec(ctx, q, now, id.String())
	if err != nil {
		return false, domain.Unavailable("mark expired", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Purge deletes rows that expired before t or settled as expired before t.
func (i *Index) Purge(ctx context.Context, t time.Time) ([]string, error) {
	const q = `DELETE FROM shares WHERE expires_at < $1 OR (status = 'expired' AND updated_at < $1) RETURNING storage_pointer`
	return i.collect(ctx, "purge", q, t)
}

// ListPointers returns the storage pointer of every row.
func (i *Index) ListPointers(ctx context.Context) ([]string, error) {
	return i.collect(ctx, "list pointers", `SELECT storage_pointer FROM shares`)
}

func (i *Index) collect(ctx context.Context, op, q string, args ...any) ([]string, error) {
	rows, err := i.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, domain.Unavailable(op, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, domain.Unavailable(op, err)
	}
	return out, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecord(ctx context.Context, q querier, sql string, id domain.ShareID) (domain.ShareRecord, error) {
	var (
		rec    domain.ShareRecord
		rawID  string
		status string
	)
	err := q.QueryRow(ctx, sql, id.String()).Scan(&rawID, &rec.OwnerID, &rec.DisplayName, &rec.StoragePointer,
		&rec.EncryptionIV, &rec.Size, &rec.ExpiresAt, &rec.MaxDownloads, &rec.DownloadCount, &status,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ShareRecord{}, domain.ErrNotFound
		}
		return domain.ShareRecord{}, domain.Unavailable("get share", err)
	}
	rec.ID = domain.ShareID(rawID)
	rec.Status = domain.Status(status)
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
