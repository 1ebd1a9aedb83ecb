// Package janitor implements background cleanup of settled shares and orphan
// blobs. It operates independently from the app Service: admission decisions
// never depend on it, it only reclaims storage for links that can no longer
// be downloaded.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Names of the metrics the janitor emits through its Recorder.
const (
	CounterSharesPurged   = "shares_purged_total"
	SummaryPurgedPerCycle = "janitor_purged_per_cycle"
)

// Store abstracts the housekeeping operations the Janitor requires. The
// underlying store removes record and blob together (best-effort on the
// blob) and reconciles orphan blobs across the whole store.
type Store interface {
	// Purge deletes shares that expired, or settled as expired, before t and
	// returns the number removed.
	Purge(ctx context.Context, t time.Time) (int, error)
	// Reconcile performs orphan blob cleanup (best-effort) and may return an
	// error if the reconciliation scan itself fails.
	Reconcile(ctx context.Context) error
}

// Recorder receives janitor metrics. metrics.Manager satisfies it.
type Recorder interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval time.Duration // how often a cycle begins
	// Grace keeps settled shares around for this long after they settle, so
	// a download admitted just before expiry can still fetch its blob.
	Grace  time.Duration
	Logger *slog.Logger     // optional logger (defaults to slog.Default())
	Now    func() time.Time // optional clock (defaults to time.Now)
}

// Stats is a read-only snapshot of janitor activity since start.
type Stats struct {
	Cycles              uint64
	Purged              uint64
	Failures            uint64
	CycleLastDurationMS int64
}

// Janitor encapsulates the background cleanup loop.
type Janitor struct {
	store    Store
	recorder Recorder
	cfg      Config

	mu    sync.Mutex
	stats Stats

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor. recorder may be nil.
func New(store Store, recorder Recorder, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{
		store:    store,
		recorder: recorder,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.ticker != nil {
		return
	} // already started
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion. Calling Stop on a
// janitor that was never started returns immediately.
func (j *Janitor) Stop() {
	if j.ticker == nil {
		return
	}
	j.once.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

// Stats returns a copy of current activity counters.
func (j *Janitor) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

func (j *Janitor) loop(ctx context.Context) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer func() {
		j.ticker.Stop()
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-j.ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one purge + orphan reconcile cycle.
func (j *Janitor) RunCycle(ctx context.Context) {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")
	cutoff := j.cfg.Now().UTC().Add(-j.cfg.Grace)
	failed := false

	purged, err := j.store.Purge(ctx, cutoff)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("purge", "error", err)
		failed = true
	}
	if rerr := j.store.Reconcile(ctx); rerr != nil && !errors.Is(rerr, context.Canceled) {
		log.Error("reconcile", "error", rerr)
		failed = true
	}
	elapsed := time.Since(start)

	j.mu.Lock()
	j.stats.Cycles++
	j.stats.Purged += uint64(max(purged, 0))
	if failed {
		j.stats.Failures++
	}
	j.stats.CycleLastDurationMS = elapsed.Milliseconds()
	j.mu.Unlock()

	if j.recorder != nil {
		if purged > 0 {
			j.recorder.Inc(CounterSharesPurged, int64(purged))
		}
		j.recorder.Observe(SummaryPurgedPerCycle, int64(purged))
	}
	log.Info("cycle complete", "purged", purged, "cutoff", cutoff, "ms", elapsed.Milliseconds())
}
