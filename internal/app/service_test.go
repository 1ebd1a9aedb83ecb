package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/goneshare/internal/domain"
)

var (
	testSecret = []byte("a sufficiently long server secret")
	t0         = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

// memRecords is an in-memory RecordStore guarded by one mutex, which makes
// AtomicAdmit trivially atomic.
type memRecords struct {
	mu        sync.Mutex
	recs      map[domain.ShareID]domain.ShareRecord
	createErr error
	admitErr  error
	admits    int
}

func newMemRecords() *memRecords { return &memRecords{recs: map[domain.ShareID]domain.ShareRecord{}} }

func (m *memRecords) Create(_ context.Context, rec domain.ShareRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *memRecords) Get(_ context.Context, id domain.ShareID) (domain.ShareRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return domain.ShareRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *memRecords) AtomicAdmit(_ context.Context, id domain.ShareID, now time.Time) (domain.Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admits++
	if m.admitErr != nil {
		return domain.Admission{}, m.admitErr
	}
	rec, ok := m.recs[id]
	if !ok {
		return domain.Admission{}, domain.ErrNotFound
	}
	tr := domain.Evaluate(rec, now)
	rec = tr.Apply(rec, now)
	m.recs[id] = rec
	return domain.Admission{Outcome: tr.Outcome, Record: rec}, nil
}

func (m *memRecords) MarkExpired(_ context.Context, id domain.ShareID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok || rec.Status != domain.StatusActive || !rec.ExpiredAt(now) {
		return false, nil
	}
	rec.Status = domain.StatusExpired
	rec.UpdatedAt = now
	m.recs[id] = rec
	return true, nil
}

type memBlobs struct {
	mu      sync.Mutex
	data    map[string][]byte
	putErr  error
	getErrs []error // consumed one per Get before data is served
	gets    int
	deletes []string
}

func newMemBlobs() *memBlobs { return &memBlobs{data: map[string][]byte{}} }

func (b *memBlobs) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	b.data[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if len(b.getErrs) > 0 {
		err := b.getErrs[0]
		b.getErrs = b.getErrs[1:]
		return nil, err
	}
	d, ok := b.data[key]
	if !ok {
		return nil, domain.ErrBlobMissing
	}
	return d, nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, key)
	delete(b.data, key)
	return nil
}

type countingMetrics struct {
	mu sync.Mutex
	c  map[string]int64
}

func (m *countingMetrics) Inc(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		m.c = map[string]int64{}
	}
	m.c[name] += delta
}

func (m *countingMetrics) get(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c[name]
}

type fixture struct {
	svc     *Service
	records *memRecords
	blobs   *memBlobs
	clock   *fixedClock
	metrics *countingMetrics
}

func newFixture() *fixture {
	f := &fixture{records: newMemRecords(), blobs: newMemBlobs(), clock: &fixedClock{t: t0}, metrics: &countingMetrics{}}
	f.svc = &Service{
		Records:         f.records,
		Blobs:           f.blobs,
		Clock:           f.clock,
		Metrics:         f.metrics,
		MaxBytes:        1024,
		MaxTTL:          24 * time.Hour,
		MaxDownloadsCap: 10,
		BlobRetries:     2,
		RetryMin:        time.Millisecond,
		RetryMax:        2 * time.Millisecond,
	}
	return f
}

func (f *fixture) upload(t *testing.T, maxDownloads int, ttl time.Duration) domain.ShareRecord {
	t.Helper()
	rec, err := f.svc.Upload(context.Background(), UploadRequest{
		OwnerID:      "owner-1",
		DisplayName:  "report.pdf",
		Plaintext:    []byte("quarterly numbers"),
		ExpiresAt:    f.clock.t.Add(ttl),
		MaxDownloads: maxDownloads,
	}, testSecret)
	require.NoError(t, err)
	return rec
}

func TestUploadStoresEncryptedBlobAndRecord(t *testing.T) {
	f := newFixture()
	rec := f.upload(t, 3, time.Hour)

	assert.True(t, rec.ID.Valid())
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.Equal(t, 0, rec.DownloadCount)
	assert.Equal(t, int64(len("quarterly numbers")), rec.Size)
	assert.Len(t, rec.EncryptionIV, domain.IVSize)
	assert.Equal(t, t0, rec.CreatedAt)

	stored, err := f.records.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.StoragePointer, stored.StoragePointer)

	ct := f.blobs.data[rec.StoragePointer]
	require.NotEmpty(t, ct)
	assert.NotContains(t, string(ct), "quarterly numbers")
	assert.EqualValues(t, 1, f.metrics.get(CounterSharesCreated))
}

func TestUploadValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*UploadRequest)
		wantErr error
	}{
		{"zero downloads", func(r *UploadRequest) { r.MaxDownloads = 0 }, domain.ErrInvalidParameter},
		{"downloads above cap", func(r *UploadRequest) { r.MaxDownloads = 11 }, domain.ErrInvalidParameter},
		{"expiry in past", func(r *UploadRequest) { r.ExpiresAt = t0.Add(-time.Second) }, domain.ErrInvalidParameter},
		{"expiry equals now", func(r *UploadRequest) { r.ExpiresAt = t0 }, domain.ErrInvalidParameter},
		{"expiry beyond max ttl", func(r *UploadRequest) { r.ExpiresAt = t0.Add(25 * time.Hour) }, domain.ErrTTLInvalid},
		{"empty payload", func(r *UploadRequest) { r.Plaintext = nil }, ErrSizeExceeded},
		{"payload too large", func(r *UploadRequest) { r.Plaintext = make([]byte, 1025) }, ErrSizeExceeded},
		{"missing name", func(r *UploadRequest) { r.DisplayName = "" }, domain.ErrInvalidParameter},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			req := UploadRequest{DisplayName: "a", Plaintext: []byte("x"), ExpiresAt: t0.Add(time.Hour), MaxDownloads: 1}
			tc.mutate(&req)
			_, err := f.svc.Upload(context.Background(), req, testSecret)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Empty(t, f.blobs.data)
			assert.Empty(t, f.records.recs)
		})
	}
}

func TestUploadBlobFailureWritesNoRecord(t *testing.T) {
	f := newFixture()
	f.blobs.putErr = domain.Unavailable("put", errors.New("disk full"))
	_, err := f.svc.Upload(context.Background(), UploadRequest{DisplayName: "a", Plaintext: []byte("x"), ExpiresAt: t0.Add(time.Hour), MaxDownloads: 1}, testSecret)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Empty(t, f.records.recs)
}

func TestUploadRecordFailureRemovesBlob(t *testing.T) {
	f := newFixture()
	f.records.createErr = domain.Unavailable("create", errors.New("db down"))
	_, err := f.svc.Upload(context.Background(), UploadRequest{DisplayName: "a", Plaintext: []byte("x"), ExpiresAt: t0.Add(time.Hour), MaxDownloads: 1}, testSecret)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Empty(t, f.blobs.data)
	assert.Len(t, f.blobs.deletes, 1)
	assert.Zero(t, f.metrics.get(CounterSharesCreated))
}

func TestConsumeDownloadSingleUse(t *testing.T) {
	f := newFixture()
	rec := f.upload(t, 1, time.Hour)
	ctx := context.Background()

	plain, got, err := f.svc.ConsumeDownload(ctx, rec.ID.String(), testSecret)
	require.NoError(t, err)
	assert.Equal(t, []byte("quarterly numbers"), plain)
	assert.Equal(t, 1, got.DownloadCount)
	assert.Equal(t, domain.StatusExpired, got.Status)

	gets := f.blobs.gets
	_, _, err = f.svc.ConsumeDownload(ctx, rec.ID.String(), testSecret)
	assert.ErrorIs(t, err, domain.ErrDownloadLimitReached)
	assert.Equal(t, gets, f.blobs.gets, "rejected downloads must not read the blob")

	assert.EqualValues(t, 1, f.metrics.get(CounterDownloadsAdmitted))
	assert.EqualValues(t, 1, f.metrics.get(CounterDownloadsLimit))
}

func TestConsumeDownloadExpired(t *testing.T) {
	f := newFixture()
	rec := f.upload(t, 5, time.Hour)
	f.clock.t = rec.ExpiresAt

	_, got, err := f.svc.ConsumeDownload(context.Background(), rec.ID.String(), testSecret)
	assert.ErrorIs(t, err, domain.ErrLinkExpired)
	assert.Equal(t, 0, got.DownloadCount)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Zero(t, f.blobs.gets)
	assert.EqualValues(t, 1, f.metrics.get(CounterDownloadsExpired))
}

func TestConsumeDownloadBadInput(t *testing.T) {
	f := newFixture()
	_, _, err := f.svc.ConsumeDownload(context.Background(), "not-an-id", testSecret)
	assert.ErrorIs(t, err, domain.ErrInvalidID)
	assert.Zero(t, f.records.admits)

	_, _, err = f.svc.ConsumeDownload(context.Background(), "0123456789abcdef0123456789abcdef", testSecret)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConsumeDownloadStoreUnavailable(t *testing.T) {
	f := newFixture()
	rec := f.upload(t, 1, time.Hour)
	f.records.admitErr = domain.Unavailable("admit", errors.New("timeout"))
	_, _, err := f.svc.ConsumeDownload(context.Background(), rec.ID.String(), testSecret)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Zero(t, f.blobs.gets)
}

func TestConsumeDownloadRetriesTransientBlobErrors(t *testing.T) {
	f := newFixture()
	rec := f.upload(t, 2, time.Hour)
	transient := domain.Unavailable("get", errors.New("reset"))
	f.blobs.getErrs = []error{transient, transient}

	plain, _, err := f.svc.ConsumeDownload(context.Background(), rec.ID.String(), testSecret)
	require.NoError(t, err)
	assert.Equal(t, []byte("quarterly numbers"), plain)
	assert.Equal(t, 3, f.blobs.gets)
}

func TestConsumeDownloadGivesUpAfterRetries(t *testing.T) {
	f := newFixture()
	rec := f.upload(t, 2, time.Hour)
	transient := domain.Unavailable("get", errors.New("reset"))
	f.blobs.getErrs = []error{transient, transient, transient, transient}

	_, _, err := f.svc.ConsumeDownload(context.Background(), rec.ID.String(), testSecret)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, 3, f.blobs.gets)

	stored, _ := f.records.Get(context.Background(), rec.ID)
	assert.Equal(t, 1, stored.DownloadCount, "admitted download stays counted")
}

func TestConsumeDownloadMissingBlobNotRetried(t *testing.T) {
	f := newFixture()
	rec := f.upload(t, 2, time.Hour)
	delete(f.blobs.data, rec.StoragePointer)

	_, _, err := f.svc.ConsumeDownload(context.Background(), rec.ID.String(), testSecret)
	assert.ErrorIs(t, err, domain.ErrBlobMissing)
	assert.Equal(t, 1, f.blobs.gets)
}

func TestConsumeDownloadRetryHonoursContext(t *testing.T) {
	f := newFixture()
	f.svc.RetryMin, f.svc.RetryMax = time.Hour, time.Hour
	rec := f.upload(t, 2, time.Hour)
	f.blobs.getErrs = []error{domain.Unavailable("get", errors.New("reset"))}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := f.svc.ConsumeDownload(ctx, rec.ID.String(), testSecret)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestConsumeDownloadIntegrityFailureKeepsCount(t *testing.T) {
	f := newFixture()
	rec := f.upload(t, 2, time.Hour)

	_, _, err := f.svc.ConsumeDownload(context.Background(), rec.ID.String(), []byte("the wrong secret entirely"))
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.EqualValues(t, 1, f.metrics.get(CounterDownloadsIntegrityFails))

	stored, _ := f.records.Get(context.Background(), rec.ID)
	assert.Equal(t, 1, stored.DownloadCount)
}

func TestConsumeDownloadConcurrent(t *testing.T) {
	f := newFixture()
	const limit, callers = 4, 16
	rec := f.upload(t, limit, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, rejected int
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.ConsumeDownload(context.Background(), rec.ID.String(), testSecret)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrDownloadLimitReached):
				rejected++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, ok)
	assert.Equal(t, callers-limit, rejected)
}

func TestInspectFlipsExpiredWithoutCounting(t *testing.T) {
	f := newFixture()
	rec := f.upload(t, 2, time.Hour)

	got, err := f.svc.Inspect(context.Background(), rec.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	f.clock.t = rec.ExpiresAt.Add(time.Second)
	got, err = f.svc.Inspect(context.Background(), rec.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, 0, got.DownloadCount)

	stored, _ := f.records.Get(context.Background(), rec.ID)
	assert.Equal(t, domain.StatusExpired, stored.Status)
	assert.Zero(t, f.records.admits)
	assert.Zero(t, f.blobs.gets)
}

func TestInspectErrors(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Inspect(context.Background(), "bad")
	assert.ErrorIs(t, err, domain.ErrInvalidID)
	_, err = f.svc.Inspect(context.Background(), "0123456789abcdef0123456789abcdef")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestServiceWithoutMetrics(t *testing.T) {
	f := newFixture()
	f.svc.Metrics = nil
	rec := f.upload(t, 1, time.Hour)
	_, _, err := f.svc.ConsumeDownload(context.Background(), rec.ID.String(), testSecret)
	assert.NoError(t, err)
}
