// Package config loads placebook configuration.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// PLACEBOOK_CONFIG_FILE, then PLACEBOOK_* environment variables. A .env file
// (path overridable with PLACEBOOK_ENV_FILE) is read first and never
// overrides variables that are already set.
//
// Server settings:
//
//	PLACEBOOK_HOST="0.0.0.0"
//	PLACEBOOK_PORT="8080"
//	PLACEBOOK_HEALTH_PORT="9090"
//
// Storage settings:
//
//	PLACEBOOK_POSTGRES_URL="postgres://localhost/placebook"
//	PLACEBOOK_POSTGRES_REPLICA_URLS="postgres://replica1/placebook,postgres://replica2/placebook"
//	PLACEBOOK_REDIS_URL="redis://localhost:6379"
//	PLACEBOOK_S3_BUCKET="placebook-archives"  # enables event log archives
//
// Subscriptions:
//
//	PLACEBOOK_TIMEZONE="Europe/Paris"          # billing month boundaries
//	PLACEBOOK_SWEEP_SCHEDULE="*/15 * * * *"
//	PLACEBOOK_SWEEP_LOCK_TTL="5m"
//	PLACEBOOK_EXPIRE_HISTORY="true"
//
// Access control and audit:
//
//	PLACEBOOK_MEMBERSHIP_CACHE_TTL="30s"       # 0 disables the cache
//	PLACEBOOK_BROAD_DELETE_THRESHOLD="100"
//
// The same keys are available in YAML:
//
//	server:
//	  port: "8080"
//	subscriptions:
//	  timezone: Europe/Paris
//	  sweep_schedule: "*/15 * * * *"
package config
