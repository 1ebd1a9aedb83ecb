package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// --- Fakes ---

type fakeStore struct {
	mu         sync.Mutex
	purgeCount int
	purgeErr   error
	reconErr   error
	callsPurge int
	callsRecon int
	lastCutoff time.Time
}

func (fs *fakeStore) Purge(_ context.Context, t time.Time) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.callsPurge++
	fs.lastCutoff = t
	if fs.purgeErr != nil {
		return 0, fs.purgeErr
	}
	return fs.purgeCount, nil
}

func (fs *fakeStore) Reconcile(context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.callsRecon++
	return fs.reconErr
}

// recorder captures emitted metrics for verification.
type recorder struct {
	mu       sync.Mutex
	counters map[string]int64
	observes map[string][]int64
}

func newRecorder() *recorder {
	return &recorder{counters: make(map[string]int64), observes: make(map[string][]int64)}
}

func (r *recorder) Inc(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

func (r *recorder) Observe(name string, v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observes[name] = append(r.observes[name], v)
}

func TestJanitorCycleSuccess(t *testing.T) {
	fs := &fakeStore{purgeCount: 3}
	j := New(fs, nil, Config{Interval: time.Hour, Logger: slog.Default()})
	j.RunCycle(context.Background())
	st := j.Stats()
	if st.Purged != 3 || st.Cycles != 1 || st.Failures != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if fs.callsPurge != 1 || fs.callsRecon != 1 {
		t.Fatalf("expected one purge + one reconcile, got %d/%d", fs.callsPurge, fs.callsRecon)
	}
}

func TestJanitorCutoffHonoursGrace(t *testing.T) {
	fs := &fakeStore{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	j := New(fs, nil, Config{Grace: 10 * time.Minute, Now: func() time.Time { return now }})
	j.RunCycle(context.Background())
	if want := now.Add(-10 * time.Minute); !fs.lastCutoff.Equal(want) {
		t.Fatalf("cutoff %v, want %v", fs.lastCutoff, want)
	}
}

func TestJanitorCyclePurgeError(t *testing.T) {
	fs := &fakeStore{purgeErr: errors.New("boom")}
	j := New(fs, nil, Config{Interval: time.Hour})
	j.RunCycle(context.Background())
	st := j.Stats()
	if st.Purged != 0 || st.Cycles != 1 || st.Failures != 1 {
		t.Fatalf("stats after error %+v", st)
	}
	if fs.callsRecon != 1 {
		t.Fatalf("expected reconcile even on purge error")
	}
}

func TestJanitorCycleReconcileError(t *testing.T) {
	fs := &fakeStore{purgeCount: 2, reconErr: errors.New("r")}
	j := New(fs, nil, Config{Interval: time.Hour})
	j.RunCycle(context.Background())
	st := j.Stats()
	if st.Purged != 2 || st.Failures != 1 {
		t.Fatalf("stats mismatch %+v", st)
	}
}

func TestJanitorCanceledIsNotFailure(t *testing.T) {
	fs := &fakeStore{purgeErr: context.Canceled}
	j := New(fs, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.RunCycle(ctx)
	if st := j.Stats(); st.Failures != 0 || st.Cycles != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestStartStopLoop(t *testing.T) {
	fs := &fakeStore{purgeCount: 1}
	j := New(fs, nil, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	j.Stop()
	j.Stop() // idempotent
	if j.Stats().Cycles == 0 {
		t.Fatalf("expected at least one cycle")
	}
}

func TestStopWithoutStart(t *testing.T) {
	j := New(&fakeStore{}, nil, Config{})
	done := make(chan struct{})
	go func() {
		j.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop blocked on a janitor that never started")
	}
}

func TestNewDefaults(t *testing.T) {
	j := New(&fakeStore{}, nil, Config{Grace: -time.Second})
	if j.cfg.Interval <= 0 || j.cfg.Logger == nil || j.cfg.Now == nil || j.cfg.Grace != 0 {
		t.Fatalf("defaults not applied %+v", j.cfg)
	}
}

func TestStartAlreadyStarted(t *testing.T) {
	j := New(&fakeStore{}, nil, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	tkr := j.ticker
	j.Start(ctx)
	if j.ticker != tkr {
		t.Fatalf("ticker replaced unexpectedly")
	}
	j.Stop()
}

func TestJanitorRecorder(t *testing.T) {
	fs := &fakeStore{purgeCount: 4}
	rec := newRecorder()
	j := New(fs, rec, Config{Interval: time.Hour})
	j.RunCycle(context.Background())
	fs.purgeCount = 0
	j.RunCycle(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if got := rec.counters[CounterSharesPurged]; got != 4 {
		t.Fatalf("expected purged counter 4 got %d", got)
	}
	obs := rec.observes[SummaryPurgedPerCycle]
	if len(obs) != 2 || obs[0] != 4 || obs[1] != 0 {
		t.Fatalf("unexpected observations %+v", obs)
	}
}
