package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ESCROWFLOW_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// TOML step and builds the Config from defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ESCROWFLOW_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "ESCROWFLOW_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "ESCROWFLOW_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "ESCROWFLOW_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "ESCROWFLOW_SERVER_SHUTDOWN_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.DSN, "ESCROWFLOW_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setInt(&cfg.Database.PoolMaxConns, "ESCROWFLOW_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "ESCROWFLOW_DATABASE_POOL_MIN_CONNS")

	// ── JWT ──
	setStr(&cfg.JWT.Secret, "ESCROWFLOW_JWT_SECRET")
	setDuration(&cfg.JWT.TTL, "ESCROWFLOW_JWT_TTL")

	// ── Settlement ──
	setStr(&cfg.Settlement.Endpoint, "ESCROWFLOW_SETTLEMENT_ENDPOINT")
	setStr(&cfg.Settlement.APIKey, "ESCROWFLOW_SETTLEMENT_API_KEY")
	setDuration(&cfg.Settlement.Timeout, "ESCROWFLOW_SETTLEMENT_TIMEOUT")
	setInt(&cfg.Settlement.MaxAttempts, "ESCROWFLOW_SETTLEMENT_MAX_ATTEMPTS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ESCROWFLOW_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ESCROWFLOW_S3_REGION")
	setStr(&cfg.S3.Bucket, "ESCROWFLOW_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ESCROWFLOW_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ESCROWFLOW_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ESCROWFLOW_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ESCROWFLOW_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.PublicBaseURL, "ESCROWFLOW_S3_PUBLIC_BASE_URL")

	// ── Notify ──
	setStr(&cfg.Notify.WebhookURL, "ESCROWFLOW_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Topics, "ESCROWFLOW_NOTIFY_TOPICS")

	// ── Outbox ──
	setDuration(&cfg.Outbox.PollInterval, "ESCROWFLOW_OUTBOX_POLL_INTERVAL")
	setInt(&cfg.Outbox.BatchSize, "ESCROWFLOW_OUTBOX_BATCH_SIZE")
	setInt(&cfg.Outbox.MaxAttempts, "ESCROWFLOW_OUTBOX_MAX_ATTEMPTS")

	// ── Escrow ──
	setInt(&cfg.Escrow.MaxConcurrentCases, "ESCROWFLOW_ESCROW_MAX_CONCURRENT_CASES")
	setStr(&cfg.Escrow.SelectionPolicy, "ESCROWFLOW_ESCROW_SELECTION_POLICY")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "ESCROWFLOW_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
