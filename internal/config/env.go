package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "FISHKEEPER_"

// parseEnv overlays cfg with FISHKEEPER_* variables. Unparsable numbers
// and durations keep the current value.
func parseEnv(cfg *Config) {
	envString("LOCAL_BACKEND", &cfg.LocalBackend)
	envString("DB_PATH", &cfg.DBPath)
	envString("REDIS_ADDR", &cfg.RedisAddr)
	envInt64("LOCAL_QUOTA_BYTES", &cfg.LocalQuotaBytes)

	envString("REMOTE_BACKEND", &cfg.RemoteBackend)
	envString("MONGO_URI", &cfg.MongoURI)
	envString("MONGO_DATABASE", &cfg.MongoDatabase)
	envString("FIRESTORE_PROJECT", &cfg.FirestoreProject)
	envString("POSTGRES_DSN", &cfg.PostgresDSN)
	envInt64("CACHE_MAX_COST", &cfg.CacheMaxCost)

	envDuration("DRAIN_INTERVAL", &cfg.DrainInterval)
	envDuration("STATUS_INTERVAL", &cfg.StatusInterval)
	envDuration("STUCK_AFTER", &cfg.StuckAfter)
	envInt("MIGRATION_PAGE_SIZE", &cfg.MigrationPageSize)
	envInt("RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts)
	envDuration("RETRY_INITIAL_WAIT", &cfg.RetryInitialWait)
	envDuration("RETRY_MAX_WAIT", &cfg.RetryMaxWait)

	envInt("GUEST_MAX_SESSIONS", &cfg.GuestMaxSessions)
	envDuration("GUEST_RETENTION", &cfg.GuestRetention)

	envString("HEALTH_TARGET", &cfg.HealthTarget)
	envString("HEALTH_SERVICE", &cfg.HealthService)
	envDuration("PROBE_TIMEOUT", &cfg.ProbeTimeout)
	envString("CONNECTIVITY_ADDR", &cfg.ConnectivityAddr)

	envString("S3_REGION", &cfg.S3Region)
	envString("S3_ENDPOINT", &cfg.S3Endpoint)
	envString("S3_BUCKET", &cfg.S3Bucket)
	envString("S3_ACCESS_KEY", &cfg.S3AccessKey)
	envString("S3_SECRET_KEY", &cfg.S3SecretKey)
	envBool("S3_PATH_STYLE", &cfg.S3PathStyle)

	envString("AUTH_ISSUER", &cfg.AuthIssuer)
	envString("METRICS_ADDR", &cfg.MetricsAddr)
	envString("LOG_LEVEL", &cfg.LogLevel)

	envString("APP_SECRET", &cfg.AppSecret)
	envString("AUTH_SECRET", &cfg.AuthSecret)
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func envString(name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v, ok := lookup(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := lookup(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
