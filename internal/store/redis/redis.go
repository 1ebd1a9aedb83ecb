// Package redis provides a Redis-backed implementation of the app.RecordStore
// and store.Index ports. Each record is a hash; a sorted set indexes records
// by the time they become eligible for purge.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haukened/goneshare/internal/app"
	"github.com/haukened/goneshare/internal/domain"
	"github.com/haukened/goneshare/internal/store"
)

var (
	_ app.RecordStore = (*Index)(nil)
	_ store.Index     = (*Index)(nil)
)

// DefaultPrefix namespaces every key written by the Index.
const DefaultPrefix = "goneshare:"

const maxAdmitAttempts = 64

var errExists = errors.New("share already exists")

// hash fields
const (
	fOwner   = "owner"
	fName    = "name"
	fPointer = "ptr"
	fIV      = "iv"
	fSize    = "size"
	fExpires = "exp"
	fMax     = "max"
	fCount   = "count"
	fStatus  = "status"
	fCreated = "created"
	fUpdated = "updated"
)

// createScript inserts the hash only when the key is new and indexes it.
// KEYS: share, purge zset, pointer hash. ARGV: id, score, field/value pairs.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], redis.call('HGET', KEYS[1], 'ptr'))
return 1
`)

// markExpiredScript flips an active record whose expiry has passed.
// KEYS: share, purge zset. ARGV: id, now nanos, now millis.
var markExpiredScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'status', 'exp')
if not v[1] or v[1] ~= 'active' then
  return 0
end
if tonumber(v[2]) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'expired', 'updated', ARGV[2])
local s = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not s or tonumber(s) > tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

// purgeScript removes every record whose purge score is below the cutoff.
// KEYS: purge zset, pointer hash. ARGV: cutoff millis, share key prefix.
var purgeScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local out = {}
for _, id in ipairs(ids) do
  local ptr = redis.call('HGET', KEYS[2], id)
  if ptr then
    table.insert(out, ptr)
  end
  redis.call('DEL', ARGV[2] .. id)
  redis.call('HDEL', KEYS[2], id)
  redis.call('ZREM', KEYS[1], id)
end
return out
`)

// Index implements the record ports on a go-redis client.
type Index struct {
	rdb    *redis.Client
	prefix string
}

// New wraps rdb. An empty prefix uses DefaultPrefix.
func New(rdb *redis.Client, prefix string) *Index {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Index{rdb: rdb, prefix: prefix}
}

// Connect creates a client and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, domain.Unavailable("redis ping", err)
	}
	if logger != nil {
		logger.Info("redis connected", slog.String("addr", addr), slog.Int("db", db))
	}
	return rdb, nil
}

// Ping reports whether redis is reachable.
func (i *Index) Ping(ctx context.Context) error {
	return domain.Unavailable("redis ping", i.rdb.Ping(ctx).Err())
}

func (i *Index) shareKey(id domain.ShareID) string { return i.prefix + "share:" + id.String() }
func (i *Index) purgeKey() string                  { return i.prefix + "purge" }
func (i *Index) pointersKey() string               { return i.prefix + "pointers" }

// purgeScore is the unix millisecond at which a record may be purged.
func purgeScore(rec domain.ShareRecord) int64 {
	score := rec.ExpiresAt.UnixMilli()
	if rec.Status == domain.StatusExpired && rec.UpdatedAt.UnixMilli() < score {
		score = rec.UpdatedAt.UnixMilli()
	}
	return score
}

// Create stores a new record. An existing id is rejected.
func (i *Index) Create(ctx context.Context, rec domain.ShareRecord) error {
	args := []any{
		rec.ID.String(), purgeScore(rec),
		fOwner, rec.OwnerID,
		fName, rec.DisplayName,
		fPointer, rec.StoragePointer,
		fIV, string(rec.EncryptionIV),
		fSize, rec.Size,
		fExpires, rec.ExpiresAt.UnixNano(),
		fMax, rec.MaxDownloads,
		fCount, rec.DownloadCount,
		fStatus, string(rec.Status),
		fCreated, rec.CreatedAt.UnixNano(),
		fUpdated, rec.UpdatedAt.UnixNano(),
	}
	keys := []string{i.shareKey(rec.ID), i.purgeKey(), i.pointersKey()}
	n, err := createScript.Run(ctx, i.rdb, keys, args...).Int()
	if err != nil {
		return domain.Unavailable("create share", err)
	}
	if n == 0 {
		return domain.Unavailable("create share", errExists)
	}
	return nil
}

// Get returns the record for id or domain.ErrNotFound.
func (i *Index) Get(ctx context.Context, id domain.ShareID) (domain.ShareRecord, error) {
	return i.get(ctx, i.rdb, id)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (i *Index) get(ctx context.Context, c hashReader, id domain.ShareID) (domain.ShareRecord, error) {
	fields, err := c.HGetAll(ctx, i.shareKey(id)).Result()
	if err != nil {
		return domain.ShareRecord{}, domain.Unavailable("get share", err)
	}
	if len(fields) == 0 {
		return domain.ShareRecord{}, domain.ErrNotFound
	}
	rec, err := decode(id, fields)
	if err != nil {
		return domain.ShareRecord{}, domain.Unavailable("get share", err)
	}
	return rec, nil
}

// AtomicAdmit watches the record key, evaluates the attempt and writes the
// transition in a MULTI/EXEC block. A concurrent write aborts the block and
// the attempt is re-evaluated against the fresh state.
func (i *Index) AtomicAdmit(ctx context.Context, id domain.ShareID, now time.Time) (domain.Admission, error) {
	key := i.shareKey(id)
	var adm domain.Admission
	txf := func(tx *redis.Tx) error {
		rec, err := i.get(ctx, tx, id)
		if err != nil {
			return err
		}
		t := domain.Evaluate(rec, now)
		adm = domain.Admission{Outcome: t.Outcome, Record: t.Apply(rec, now)}
		if !t.Changed {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fCount, t.DownloadCount, fStatus, string(t.Status), fUpdated, now.UnixNano())
			if t.Status == domain.StatusExpired {
				p.ZAddLT(ctx, i.purgeKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id.String()})
			}
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxAdmitAttempts; attempt++ {
		err := i.rdb.Watch(ctx, txf, key)
		if err == nil {
			return adm, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrStorageUnavailable) {
			return domain.Admission{}, err
		}
		return domain.Admission{}, domain.Unavailable("admit", err)
	}
	return domain.Admission{}, domain.Unavailable("admit", fmt.Errorf("contention after %d attempts", maxAdmitAttempts))
}

// MarkExpired flips an active record whose expiry is at or before now.
func (i *Index) MarkExpired(ctx context.Context, id domain.ShareID, now time.Time) (bool, error) {
	keys := []string{i.shareKey(id), i.purgeKey()}
	n, err := markExpiredScript.Run(ctx, i.rdb, keys, id.String(), now.UnixNano(), now.UnixMilli()).Int()
	if err != nil {
		return false, domain.Unavailable("mark expired", err)
	}
	return n == 1, nil
}

// Purge deletes records whose purge score is before t and returns their
// storage pointers.
func (i *Index) Purge(ctx context.Context, t time.Time) ([]string, error) {
	keys := []string{i.purgeKey(), i.pointersKey()}
	ptrs, err := purgeScript.Run(ctx, i.rdb, keys, t.UnixMilli(), i.prefix+"share:").StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, domain.Unavailable("purge", err)
	}
	return ptrs, nil
}

// ListPointers returns the storage pointer of every record.
func (i *Index) ListPointers(ctx context.Context) ([]string, error) {
	ptrs, err := i.rdb.HVals(ctx, i.pointersKey()).Result()
	if err != nil {
		return nil, domain.Unavailable("list pointers", err)
	}
	return ptrs, nil
}

func decode(id domain.ShareID, f map[string]string) (domain.ShareRecord, error) {
	var errs []error
	num := func(k string) int64 {
		v, err := strconv.ParseInt(f[k], 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", k, err))
		}
		return v
	}
	rec := domain.ShareRecord{
		ID:             id,
		OwnerID:        f[fOwner],
		DisplayName:    f[fName],
		StoragePointer: f[fPointer],
		EncryptionIV:   []byte(f[fIV]),
		Size:           num(fSize),
		ExpiresAt:      time.Unix(0, num(fExpires)).UTC(),
		MaxDownloads:   int(num(fMax)),
		DownloadCount:  int(num(fCount)),
		Status:         domain.Status(f[fStatus]),
		CreatedAt:      time.Unix(0, num(fCreated)).UTC(),
		UpdatedAt:      time.Unix(0, num(fUpdated)).UTC(),
	}
	return rec, errors.Join(errs...)
}
