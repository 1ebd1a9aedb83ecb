// Package main provides the goneshare binary entry point that starts the HTTP
// server for expiring, download-limited file shares. It loads configuration
// from environment variables, validates it, opens the configured record and
// blob backends, and serves until SIGINT or SIGTERM.
//
// The application flow:
//  1. Load defaults and apply environment variables.
//  2. Validate configuration.
//  3. Open the SQLite database (metrics always live there) and the selected backends.
//  4. Start the metrics flusher and the janitor.
//  5. Configure and start the HTTP server, then shut down gracefully on signal.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/goneshare/internal/app"
	"github.com/haukened/goneshare/internal/config"
	"github.com/haukened/goneshare/internal/httpx"
	"github.com/haukened/goneshare/internal/janitor"
	"github.com/haukened/goneshare/internal/metrics"
	"github.com/haukened/goneshare/internal/store"
	"github.com/haukened/goneshare/internal/store/filesystem"
	"github.com/haukened/goneshare/internal/store/postgres"
	"github.com/haukened/goneshare/internal/store/redis"
	"github.com/haukened/goneshare/internal/store/s3"
	"github.com/haukened/goneshare/internal/store/sqlite"
)

const metricsNamespace = "goneshare"

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// recordIndex is what a record backend must provide: the request-path port
// and the housekeeping port.
type recordIndex interface {
	app.RecordStore
	store.Index
}

type probe func(context.Context) error

// backends holds the opened persistence adapters and how to check and close them.
type backends struct {
	db      *sql.DB
	records recordIndex
	blobs   store.BlobStorage
	probes  []probe
	closers []func()
}

func (b *backends) ready(ctx context.Context) error {
	for _, p := range b.probes {
		if err := p(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func ensureDataDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat data directory: %w", err)
	case !st.IsDir():
		return fmt.Errorf("data path %q is not a directory", dir)
	}
	return nil
}

// openBackends opens the SQLite database and the configured record and blob
// backends. On error everything opened so far is closed.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	sqliteIdx, db, err := sqlite.Open(cfg.SQLiteDSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	b.db = db
	b.closers = append(b.closers, func() { _ = db.Close() })
	b.probes = append(b.probes, db.PingContext)

	switch cfg.RecordBackend {
	case config.BackendPostgres:
		if err := postgres.Migrate(cfg.PostgresDSN, logger); err != nil {
			return nil, err
		}
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		ix := postgres.New(pool)
		b.records = ix
		b.probes = append(b.probes, ix.Ping)
	case config.BackendRedis:
		rdb, err := redis.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		ix := redis.New(rdb, redis.DefaultPrefix)
		b.records = ix
		b.probes = append(b.probes, ix.Ping)
	default:
		b.records = sqliteIdx
	}

	switch cfg.BlobBackend {
	case config.BackendS3:
		bs, err := s3.NewFromOptions(ctx, s3.Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, err
		}
		b.blobs = bs
		b.probes = append(b.probes, bs.Ping)
	default:
		blobDir := cfg.BlobDir()
		if err := os.MkdirAll(blobDir, 0o700); err != nil {
			return nil, fmt.Errorf("create blob directory: %w", err)
		}
		fs, err := filesystem.New(blobDir)
		if err != nil {
			return nil, fmt.Errorf("init blob storage: %w", err)
		}
		b.blobs = fs
		b.probes = append(b.probes, func(context.Context) error {
			_, err := os.ReadDir(blobDir)
			return err
		})
	}
	logger.Info("backends ready", "record_backend", cfg.RecordBackend, "blob_backend", cfg.BlobBackend)
	return b, nil
}

func buildService(records app.RecordStore, blobs app.BlobStore, cfg *config.Config, clock app.Clock, m app.Metrics) *app.Service {
	return &app.Service{
		Records:         records,
		Blobs:           blobs,
		Clock:           clock,
		Metrics:         m,
		MaxBytes:        cfg.MaxBytes,
		MaxTTL:          cfg.MaxTTL,
		MaxDownloadsCap: cfg.MaxDownloadsCap,
		BlobRetries:     cfg.BlobRetries,
	}
}

func buildHandler(cfg *config.Config, svc httpx.ServicePort, readiness func(context.Context) error, snap metrics.SnapshotProvider, reg *prometheus.Registry) http.Handler {
	h := httpx.New(svc, []byte(cfg.Secret), cfg.MaxBytes, readiness)
	if cfg.AuthKey != "" {
		h.AuthKey = []byte(cfg.AuthKey)
	}
	h.MinTTL = cfg.MinTTL
	h.MaxTTL = cfg.MaxTTL
	if reg != nil {
		h.Instruments = httpx.NewInstruments(reg, metricsNamespace)
		h.Prometheus = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}
	if snap != nil {
		h.MetricsJSON = metrics.Handler(snap, cfg.MetricsToken)
	}
	return h.Router()
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := ensureDataDir(cfg.DataDir); err != nil {
		return err
	}
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	mgr := metrics.New(b.db, metrics.Config{Logger: logger})
	if err := mgr.InitSchema(ctx); err != nil {
		return fmt.Errorf("init metrics schema: %w", err)
	}
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(mgr, metricsNamespace),
	)

	clock := realClock{}
	svc := buildService(b.records, b.blobs, cfg, clock, mgr)
	housekeeping := store.New(b.records, b.blobs, clock, store.DefaultFreshness)
	jan := janitor.New(housekeeping, mgr, janitor.Config{
		Interval: cfg.JanitorInterval,
		Grace:    cfg.PurgeGrace,
		Logger:   logger,
	})
	jan.Start(ctx)
	defer jan.Stop()

	srv := newServer(cfg, buildHandler(cfg, svc, b.ready, mgr, reg))
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Addr, "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
