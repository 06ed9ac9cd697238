// Package config loads runtime configuration for the fishkeeper core.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file, selected by the CLI --config flag.
//  3. FISHKEEPER_* environment variables, which override earlier values.
//
// # JSON schema
//
// Durations use timex.Duration, so values can be strings like "30s" or
// integer nanoseconds:
//
//	{
//	  "local_backend": "sqlite",
//	  "db_path": "/var/lib/fishkeeper/fishkeeper.db",
//	  "remote_backend": "mongo",
//	  "mongo_uri": "mongodb://127.0.0.1:27017",
//	  "drain_interval": "30s",
//	  "guest_retention": "720h"
//	}
//
// # Secrets
//
// The application secret (FISHKEEPER_APP_SECRET) and the ID-token signing
// secret (FISHKEEPER_AUTH_SECRET) are read from the environment only; the
// JSON loader ignores them.
package config
