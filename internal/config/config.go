// Package config provides layered configuration loading for the goneshare
// service. It merges Defaults -> Environment Variables, then validates.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variable names before they are
// matched against config keys (GONESHARE_MAX_TTL -> max_ttl).
const EnvPrefix = "GONESHARE_"

// Record and blob backends.
const (
	BackendSQLite     = "sqlite"
	BackendPostgres   = "postgres"
	BackendRedis      = "redis"
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
)

// Config holds the merged runtime configuration for the goneshare service.
type Config struct {
	Addr            string        `koanf:"addr" validate:"required,ip_port"`
	DataDir         string        `koanf:"data_dir" validate:"required,safe_path"`
	MaxBytes        int64         `koanf:"max_bytes" validate:"gt=0"`
	MinTTL          time.Duration `koanf:"min_ttl" validate:"gt=0"`
	MaxTTL          time.Duration `koanf:"max_ttl" validate:"gt=0"`
	MaxDownloadsCap int           `koanf:"max_downloads_cap" validate:"gte=1"`

	// Secret is the server-wide payload secret. It never leaves the process.
	Secret string `koanf:"secret" validate:"required,min=16"`
	// AuthKey is the HMAC key for upload bearer tokens; empty allows anonymous uploads.
	AuthKey string `koanf:"auth_key" validate:"omitempty,min=16"`

	RecordBackend string `koanf:"record_backend" validate:"oneof=sqlite postgres redis"`
	BlobBackend   string `koanf:"blob_backend" validate:"oneof=filesystem s3"`
	PostgresDSN   string `koanf:"postgres_dsn" validate:"required_if=RecordBackend postgres"`
	RedisAddr     string `koanf:"redis_addr" validate:"required_if=RecordBackend redis"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"gte=0"`
	S3Bucket      string `koanf:"s3_bucket" validate:"required_if=BlobBackend s3"`
	S3Region      string `koanf:"s3_region"`
	S3Endpoint    string `koanf:"s3_endpoint" validate:"omitempty,url"`
	S3AccessKey   string `koanf:"s3_access_key"`
	S3SecretKey   string `koanf:"s3_secret_key"`
	S3Prefix      string `koanf:"s3_prefix"`

	JanitorInterval time.Duration `koanf:"janitor_interval" validate:"gt=0"`
	PurgeGrace      time.Duration `koanf:"purge_grace" validate:"gte=0"`
	MetricsToken    string        `koanf:"metrics_token"`
	BlobRetries     int           `koanf:"blob_retries" validate:"gte=0,lte=10"`
	LogLevel        string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat       string        `koanf:"log_format" validate:"oneof=text json"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DefaultAppConfig holds secure, minimal sane defaults. Secret has no default.
var DefaultAppConfig = Config{
	Addr:            ":8080",
	DataDir:         "./data",
	MaxBytes:        25 << 20, // 25 MiB
	MinTTL:          time.Minute,
	MaxTTL:          7 * 24 * time.Hour,
	MaxDownloadsCap: 100,
	RecordBackend:   BackendSQLite,
	BlobBackend:     BackendFilesystem,
	RedisDB:         0,
	S3Region:        "us-east-1",
	JanitorInterval: time.Minute,
	PurgeGrace:      5 * time.Minute,
	BlobRetries:     3,
	LogLevel:        "info",
	LogFormat:       "text",
	ShutdownTimeout: 10 * time.Second,
}

// ErrTTLOrder is returned when min_ttl is not below max_ttl.
var ErrTTLOrder = errors.New("min_ttl must be less than max_ttl")

// loader hooks are package variables so tests can inject failures.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
			},
		}), nil)
	}
	registerValidators = func(v *validator.Validate) error {
		if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
			return err
		}
		return v.RegisterValidation("safe_path", validSafePath)
	}
)

// Load builds the configuration from defaults overlaid with environment
// variables and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				StringToSize(),
				mapstructure.StringToTimeDurationHookFunc(),
			),
			WeaklyTypedInput: true,
			Result:           &cfg,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.MinTTL >= cfg.MaxTTL {
		return nil, ErrTTLOrder
	}
	return &cfg, nil
}

// SQLiteDSN returns the DSN of the SQLite database inside DataDir.
func (c *Config) SQLiteDSN() string {
	const params = "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
	dir := c.DataDir
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return "file:" + dir + "goneshare.db" + params
}

// BlobDir is where the filesystem blob backend keeps ciphertext.
func (c *Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }

// validIPPort accepts "[ip]:port" or ":port" with a numeric port in 1..65535.
// Hostnames are rejected.
func validIPPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// validSafePath rejects empty paths, the filesystem root, the current
// directory and any path that climbs with "..".
func validSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return false
		}
	}
	clean := filepath.Clean(p)
	return clean != "." && clean != string(filepath.Separator)
}
