package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/fishkeeper/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations
// use timex.Duration; secrets have no JSON form.
type JsonConfig struct {
	LocalBackend    string `json:"local_backend"`
	DBPath          string `json:"db_path"`
	RedisAddr       string `json:"redis_addr"`
	LocalQuotaBytes int64  `json:"local_quota_bytes"`

	RemoteBackend    string `json:"remote_backend"`
	MongoURI         string `json:"mongo_uri"`
	MongoDatabase    string `json:"mongo_database"`
	FirestoreProject string `json:"firestore_project"`
	PostgresDSN      string `json:"postgres_dsn"`
	CacheMaxCost     int64  `json:"cache_max_cost"`

	DrainInterval     timex.Duration `json:"drain_interval"`
	StatusInterval    timex.Duration `json:"status_interval"`
	StuckAfter        timex.Duration `json:"stuck_after"`
	MigrationPageSize int            `json:"migration_page_size"`
	RetryMaxAttempts  int            `json:"retry_max_attempts"`
	RetryInitialWait  timex.Duration `json:"retry_initial_wait"`
	RetryMaxWait      timex.Duration `json:"retry_max_wait"`

	GuestMaxSessions int            `json:"guest_max_sessions"`
	GuestRetention   timex.Duration `json:"guest_retention"`

	HealthTarget  string         `json:"health_target"`
	HealthService string         `json:"health_service"`
	ProbeTimeout  timex.Duration `json:"probe_timeout"`

	ConnectivityAddr string `json:"connectivity_addr"`

	S3Region    string `json:"s3_region"`
	S3Endpoint  string `json:"s3_endpoint"`
	S3Bucket    string `json:"s3_bucket"`
	S3AccessKey string `json:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key"`
	S3PathStyle bool   `json:"s3_path_style"`

	AuthIssuer  string `json:"auth_issuer"`
	MetricsAddr string `json:"metrics_addr"`
	LogLevel    string `json:"log_level"`
}

func toJSON(c *Config) JsonConfig {
	return JsonConfig{
		LocalBackend:      c.LocalBackend,
		DBPath:            c.DBPath,
		RedisAddr:         c.RedisAddr,
		LocalQuotaBytes:   c.LocalQuotaBytes,
		RemoteBackend:     c.RemoteBackend,
		MongoURI:          c.MongoURI,
		MongoDatabase:     c.MongoDatabase,
		FirestoreProject:  c.FirestoreProject,
		PostgresDSN:       c.PostgresDSN,
		CacheMaxCost:      c.CacheMaxCost,
		DrainInterval:     timex.Duration{Duration: c.DrainInterval},
		StatusInterval:    timex.Duration{Duration: c.StatusInterval},
		StuckAfter:        timex.Duration{Duration: c.StuckAfter},
		MigrationPageSize: c.MigrationPageSize,
		RetryMaxAttempts:  c.RetryMaxAttempts,
		RetryInitialWait:  timex.Duration{Duration: c.RetryInitialWait},
		RetryMaxWait:      timex.Duration{Duration: c.RetryMaxWait},
		GuestMaxSessions:  c.GuestMaxSessions,
		GuestRetention:    timex.Duration{Duration: c.GuestRetention},
		HealthTarget:      c.HealthTarget,
		HealthService:     c.HealthService,
		ProbeTimeout:      timex.Duration{Duration: c.ProbeTimeout},
		ConnectivityAddr:  c.ConnectivityAddr,
		S3Region:          c.S3Region,
		S3Endpoint:        c.S3Endpoint,
		S3Bucket:          c.S3Bucket,
		S3AccessKey:       c.S3AccessKey,
		S3SecretKey:       c.S3SecretKey,
		S3PathStyle:       c.S3PathStyle,
		AuthIssuer:        c.AuthIssuer,
		MetricsAddr:       c.MetricsAddr,
		LogLevel:          c.LogLevel,
	}
}

func (jc JsonConfig) apply(c *Config) {
	c.LocalBackend = jc.LocalBackend
	c.DBPath = jc.DBPath
	c.RedisAddr = jc.RedisAddr
	c.LocalQuotaBytes = jc.LocalQuotaBytes
	c.RemoteBackend = jc.RemoteBackend
	c.MongoURI = jc.MongoURI
	c.MongoDatabase = jc.MongoDatabase
	c.FirestoreProject = jc.FirestoreProject
	c.PostgresDSN = jc.PostgresDSN
	c.CacheMaxCost = jc.CacheMaxCost
	c.DrainInterval = jc.DrainInterval.Duration
	c.StatusInterval = jc.StatusInterval.Duration
	c.StuckAfter = jc.StuckAfter.Duration
	c.MigrationPageSize = jc.MigrationPageSize
	c.RetryMaxAttempts = jc.RetryMaxAttempts
	c.RetryInitialWait = jc.RetryInitialWait.Duration
	c.RetryMaxWait = jc.RetryMaxWait.Duration
	c.GuestMaxSessions = jc.GuestMaxSessions
	c.GuestRetention = jc.GuestRetention.Duration
	c.HealthTarget = jc.HealthTarget
	c.HealthService = jc.HealthService
	c.ProbeTimeout = jc.ProbeTimeout.Duration
	c.ConnectivityAddr = jc.ConnectivityAddr
	c.S3Region = jc.S3Region
	c.S3Endpoint = jc.S3Endpoint
	c.S3Bucket = jc.S3Bucket
	c.S3AccessKey = jc.S3AccessKey
	c.S3SecretKey = jc.S3SecretKey
	c.S3PathStyle = jc.S3PathStyle
	c.AuthIssuer = jc.AuthIssuer
	c.MetricsAddr = jc.MetricsAddr
	c.LogLevel = jc.LogLevel
}

// parseJSON overlays cfg with the JSON file at path. Keys missing from the
// file keep their current values. An empty path loads nothing.
func parseJSON(cfg *Config, path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	jc := toJSON(cfg)
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	jc.apply(cfg)
	return nil
}
