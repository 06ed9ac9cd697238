package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
)

// Local kv backends.
const (
	LocalSQLite = "sqlite"
	LocalRedis  = "redis"
	LocalMemory = "memory"
)

// Remote document store backends.
const (
	RemoteMemory    = "memory"
	RemoteMongo     = "mongo"
	RemoteFirestore = "firestore"
	RemotePostgres  = "postgres"
)

// Config holds runtime settings of the fishkeeper core.
//
// AppSecret and AuthSecret never come from the JSON file; they are read
// from the environment (or prompted for by the CLI).
type Config struct {
	// local persistence
	LocalBackend    string
	DBPath          string
	RedisAddr       string
	LocalQuotaBytes int64

	// remote document store
	RemoteBackend    string
	MongoURI         string
	MongoDatabase    string
	FirestoreProject string
	PostgresDSN      string
	CacheMaxCost     int64

	// sync and migration
	DrainInterval     time.Duration
	StatusInterval    time.Duration
	StuckAfter        time.Duration
	MigrationPageSize int
	RetryMaxAttempts  int
	RetryInitialWait  time.Duration
	RetryMaxWait      time.Duration

	// guests
	GuestMaxSessions int
	GuestRetention   time.Duration

	// reachability probe; empty target disables it
	HealthTarget  string
	HealthService string
	ProbeTimeout  time.Duration
	// device connectivity probe; empty means always online
	ConnectivityAddr string

	// photo blobs; empty bucket disables them
	S3Region    string
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool

	AuthIssuer  string
	MetricsAddr string
	LogLevel    string

	AppSecret  string
	AuthSecret string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.LocalBackend = LocalSQLite
	c.DBPath = "fishkeeper.db"
	c.RedisAddr = "127.0.0.1:6379"
	c.LocalQuotaBytes = 5 << 20

	c.RemoteBackend = RemoteMemory
	c.MongoDatabase = "fishkeeper"
	c.CacheMaxCost = 1 << 20

	c.DrainInterval = 30 * time.Second
	c.StatusInterval = 5 * time.Second
	c.StuckAfter = common.DefaultStuckAfter
	c.MigrationPageSize = 50
	c.RetryMaxAttempts = 3
	c.RetryInitialWait = 500 * time.Millisecond
	c.RetryMaxWait = 30 * time.Second

	c.GuestMaxSessions = 10
	c.GuestRetention = 30 * 24 * time.Hour

	c.ProbeTimeout = 3 * time.Second

	c.S3Region = "us-east-1"

	c.MetricsAddr = "127.0.0.1:9464"
	c.LogLevel = "info"
}

// Load builds a Config from defaults, then the JSON file at path (skipped
// when path is empty), then FISHKEEPER_* environment variables. Later
// sources take precedence.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJSON(cfg, path); err != nil {
		return nil, err
	}
	parseEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the backend selections and the settings they need. A
// missing app secret is not an error here: the core runs without
// encryption until one is supplied.
func (c *Config) Validate() error {
	var errs []error

	switch c.LocalBackend {
	case LocalSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db path is required for the sqlite backend"))
		}
	case LocalRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis address is required for the redis backend"))
		}
	case LocalMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown local backend %q", c.LocalBackend))
	}

	switch c.RemoteBackend {
	case RemoteMemory:
	case RemoteMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("mongo uri is required for the mongo backend"))
		}
	case RemoteFirestore:
		if c.FirestoreProject == "" {
			errs = append(errs, errors.New("firestore project is required for the firestore backend"))
		}
	case RemotePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown remote backend %q", c.RemoteBackend))
	}

	if c.MigrationPageSize <= 0 {
		errs = append(errs, errors.New("migration page size must be positive"))
	}
	if c.DrainInterval <= 0 || c.StatusInterval <= 0 {
		errs = append(errs, errors.New("drain and status intervals must be positive"))
	}
	return errors.Join(errs...)
}
