package app

import (
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, KEEPSAKE_TOKEN_HMAC_KEY must be set (>= 32 bytes) and
	// refresh-token hashing must be HMAC-based.
	RequireTokenHMAC bool

	// Cleanup sweeper for revoked/expired refresh-token rows.
	SweepGrace    time.Duration
	SweepInterval time.Duration
	SweepBatch    int

	// Dev-only static users for DB-less runs: "alice:password,bob:hunter2".
	DevUsers map[string]string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("KEEPSAKE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("KEEPSAKE_LOG_LEVEL", "info"),
		LogFormat: EnvString("KEEPSAKE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("KEEPSAKE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("KEEPSAKE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("KEEPSAKE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("KEEPSAKE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("KEEPSAKE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("KEEPSAKE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("KEEPSAKE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("KEEPSAKE_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("KEEPSAKE_READINESS_REQUIRE_DB", false),
		RequireTokenHMAC:   EnvBool("KEEPSAKE_REQUIRE_TOKEN_HMAC", false),

		SweepGrace:    EnvDuration("KEEPSAKE_SWEEP_GRACE", 30*24*time.Hour),
		SweepInterval: EnvDuration("KEEPSAKE_SWEEP_INTERVAL", time.Hour),
		SweepBatch:    EnvInt("KEEPSAKE_SWEEP_BATCH", 500),

		DevUsers: parseDevUsers(EnvString("KEEPSAKE_DEV_USERS", "")),
	}
}

// parseDevUsers parses "user:password" pairs separated by commas.
// Malformed entries are skipped.
func parseDevUsers(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	users := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, pw, ok := strings.Cut(strings.TrimSpace(pair), ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || pw == "" {
			continue
		}
		users[name] = pw
	}
	if len(users) == 0 {
		return nil
	}
	return users
}
