// Package app contains the application orchestration layer for goneshare. It
// wires the cipher codec and the lifecycle decision with persistence ports
// without performing any I/O itself.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/haukened/goneshare/internal/codec"
	"github.com/haukened/goneshare/internal/domain"
)

// ErrSizeExceeded indicates the payload is empty or exceeds the configured maximum.
var ErrSizeExceeded = fmt.Errorf("%w: size exceeded", domain.ErrInvalidParameter)

// Counter names emitted through the Metrics port.
const (
	CounterSharesCreated           = "shares_created_total"
	CounterDownloadsAdmitted       = "downloads_admitted_total"
	CounterDownloadsExpired        = "downloads_rejected_expired_total"
	CounterDownloadsLimit          = "downloads_rejected_limit_total"
	CounterDownloadsIntegrityFails = "downloads_integrity_failed_total"
)

// UploadRequest carries the caller-controlled fields of a new share.
type UploadRequest struct {
	OwnerID      string
	DisplayName  string
	Plaintext    []byte
	ExpiresAt    time.Time
	MaxDownloads int
}

// Service orchestrates uploads and download consumption using the injected
// stores and clock.
type Service struct {
	Records RecordStore
	Blobs   BlobStore
	Clock   Clock
	Metrics Metrics

	MaxBytes        int64         // largest accepted plaintext
	MaxTTL          time.Duration // furthest allowed expiry from now (0 = unbounded)
	MaxDownloadsCap int           // highest allowed download limit (0 = unbounded)
	BlobRetries     int           // extra attempts for a failed blob read after admission
	RetryMin        time.Duration // first backoff delay
	RetryMax        time.Duration // backoff ceiling
}

// Upload validates the request, encrypts the payload, writes the ciphertext
// to the blob store and creates the share record.
func (s *Service) Upload(ctx context.Context, req UploadRequest, secret []byte) (domain.ShareRecord, error) {
	now := s.Clock.Now()
	if err := domain.ValidateMaxDownloads(req.MaxDownloads, s.MaxDownloadsCap); err != nil {
		return domain.ShareRecord{}, err
	}
	if err := domain.ValidateExpiry(req.ExpiresAt, now, s.MaxTTL); err != nil {
		return domain.ShareRecord{}, err
	}
	size := int64(len(req.Plaintext))
	if size == 0 || (s.MaxBytes > 0 && size > s.MaxBytes) {
		return domain.ShareRecord{}, ErrSizeExceeded
	}
	if req.DisplayName == "" {
		return domain.ShareRecord{}, domain.Invalid("display name required")
	}
	id, err := domain.NewID()
	if err != nil {
		return domain.ShareRecord{}, err
	}
	iv, ct, err := codec.Encrypt(req.Plaintext, secret)
	if err != nil {
		return domain.ShareRecord{}, err
	}
	rec := domain.NewShareRecord(id, req.OwnerID, req.DisplayName, id.BlobKey(), iv, size, req.ExpiresAt.UTC(), req.MaxDownloads, now)
	if err := rec.Validate(); err != nil {
		return domain.ShareRecord{}, err
	}
	if err := s.Blobs.Put(ctx, rec.StoragePointer, ct); err != nil {
		return domain.ShareRecord{}, err
	}
	if err := s.Records.Create(ctx, rec); err != nil {
		// Without a record the blob is unreachable; reconcile would catch it later.
		_ = s.Blobs.Delete(context.WithoutCancel(ctx), rec.StoragePointer)
		return domain.ShareRecord{}, err
	}
	s.inc(CounterSharesCreated)
	return rec, nil
}

// ConsumeDownload spends one download of the share and returns its plaintext.
// Rejections come back as domain.ErrLinkExpired or
// domain.ErrDownloadLimitReached without touching the blob store. Once
// admitted, the download stays counted even if the blob read or decryption
// fails.
func (s *Service) ConsumeDownload(ctx context.Context, idStr string, secret []byte) ([]byte, domain.ShareRecord, error) {
	id, err := domain.ParseID(idStr)
	if err != nil {
		return nil, domain.ShareRecord{}, err
	}
	adm, err := s.Records.AtomicAdmit(ctx, id, s.Clock.Now())
	if err != nil {
		return nil, domain.ShareRecord{}, err
	}
	switch adm.Outcome {
	case domain.Admitted:
		s.inc(CounterDownloadsAdmitted)
	case domain.Expired:
		s.inc(CounterDownloadsExpired)
		return nil, adm.Record, adm.Err()
	default:
		s.inc(CounterDownloadsLimit)
		return nil, adm.Record, adm.Err()
	}
	ct, err := s.fetchBlob(ctx, adm.Record.StoragePointer)
	if err != nil {
		return nil, adm.Record, err
	}
	plain, err := codec.Decrypt(ct, adm.Record.EncryptionIV, secret)
	if err != nil {
		s.inc(CounterDownloadsIntegrityFails)
		return nil, adm.Record, err
	}
	return plain, adm.Record, nil
}

// Inspect returns the record metadata for id. An active record found past its
// expiry is flipped to expired before being returned. The counter is never
// touched.
func (s *Service) Inspect(ctx context.Context, idStr string) (domain.ShareRecord, error) {
	id, err := domain.ParseID(idStr)
	if err != nil {
		return domain.ShareRecord{}, err
	}
	rec, err := s.Records.Get(ctx, id)
	if err != nil {
		return domain.ShareRecord{}, err
	}
	now := s.Clock.Now()
	if rec.Status == domain.StatusActive && rec.ExpiredAt(now) {
		if _, err := s.Records.MarkExpired(ctx, id, now); err != nil {
			return domain.ShareRecord{}, err
		}
		rec.Status = domain.StatusExpired
		rec.UpdatedAt = now
	}
	return rec, nil
}

// fetchBlob reads the ciphertext, retrying transient storage failures with
// exponential backoff. Blob reads are idempotent so retrying is safe.
func (s *Service) fetchBlob(ctx context.Context, key string) ([]byte, error) {
	b := &backoff.Backoff{Min: s.RetryMin, Max: s.RetryMax, Factor: 2, Jitter: true}
	if b.Min <= 0 {
		b.Min = 50 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = time.Second
	}
	for {
		ct, err := s.Blobs.Get(ctx, key)
		if err == nil {
			return ct, nil
		}
		if !errors.Is(err, domain.ErrStorageUnavailable) || errors.Is(err, domain.ErrBlobMissing) || int(b.Attempt()) >= s.BlobRetries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
}

func (s *Service) inc(name string) {
	if s.Metrics != nil {
		s.Metrics.Inc(name, 1)
	}
}
