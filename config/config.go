// Package config defines the top-level configuration for the escrowflow
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ESCROWFLOW_* environment variables.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	JWT        JWTConfig        `toml:"jwt"`
	Settlement SettlementConfig `toml:"settlement"`
	S3         S3Config         `toml:"s3"`
	Notify     NotifyConfig     `toml:"notify"`
	Outbox     OutboxConfig     `toml:"outbox"`
	Escrow     EscrowConfig     `toml:"escrow"`
	LogLevel   string           `toml:"log_level"`
}

// ServerConfig holds the HTTP listener parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN          string `toml:"dsn"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`
}

// JWTConfig holds token signing parameters.
type JWTConfig struct {
	Secret string   `toml:"secret"`
	TTL    duration `toml:"ttl"`
}

// SettlementConfig holds settlement gateway parameters.
type SettlementConfig struct {
	Endpoint    string   `toml:"endpoint"`
	APIKey      string   `toml:"api_key"`
	Timeout     duration `toml:"timeout"`
	MaxAttempts int      `toml:"max_attempts"`
}

// S3Config holds S3-compatible object storage parameters for evidence files.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PublicBaseURL  string `toml:"public_base_url"`
}

// NotifyConfig holds outbound notification parameters. Topics filters which
// outbox topics are forwarded; an empty list forwards everything.
type NotifyConfig struct {
	WebhookURL string   `toml:"webhook_url"`
	Topics     []string `toml:"topics"`
}

// OutboxConfig holds outbox dispatcher tuning.
type OutboxConfig struct {
	PollInterval duration `toml:"poll_interval"`
	BatchSize    int      `toml:"batch_size"`
	MaxAttempts  int      `toml:"max_attempts"`
}

// EscrowConfig holds escrow lifecycle tuning. SelectionPolicy picks the
// automatic arbitrator assignment strategy: least_loaded or round_robin.
type EscrowConfig struct {
	MaxConcurrentCases int    `toml:"max_concurrent_cases"`
	SelectionPolicy    string `toml:"selection_policy"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults. Load merges the
// TOML file on top of this.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{30 * time.Second},
			ShutdownTimeout: duration{15 * time.Second},
		},
		Database: DatabaseConfig{
			PoolMaxConns: 10,
			PoolMinConns: 2,
		},
		JWT: JWTConfig{
			TTL: duration{24 * time.Hour},
		},
		Settlement: SettlementConfig{
			Timeout:     duration{10 * time.Second},
			MaxAttempts: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: false,
		},
		Outbox: OutboxConfig{
			PollInterval: duration{2 * time.Second},
			BatchSize:    50,
			MaxAttempts:  5,
		},
		Escrow: EscrowConfig{
			MaxConcurrentCases: 5,
			SelectionPolicy:    "least_loaded",
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, "database: dsn must not be empty")
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.JWT.Secret == "" {
		errs = append(errs, "jwt: secret must not be empty")
	}
	if c.JWT.TTL.Duration <= 0 {
		errs = append(errs, "jwt: ttl must be positive")
	}

	if c.Settlement.MaxAttempts < 1 {
		errs = append(errs, "settlement: max_attempts must be >= 1")
	}
	if c.Settlement.Timeout.Duration <= 0 {
		errs = append(errs, "settlement: timeout must be positive")
	}

	// S3 is optional; when a bucket is configured the credentials and region
	// must come with it.
	if c.S3.Bucket != "" {
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when bucket is set")
		}
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			errs = append(errs, "s3: access_key and secret_key must both be set when bucket is set")
		}
	}

	if c.Outbox.PollInterval.Duration <= 0 {
		errs = append(errs, "outbox: poll_interval must be positive")
	}
	if c.Outbox.BatchSize < 1 {
		errs = append(errs, "outbox: batch_size must be >= 1")
	}
	if c.Outbox.MaxAttempts < 1 {
		errs = append(errs, "outbox: max_attempts must be >= 1")
	}

	if c.Escrow.MaxConcurrentCases < 1 {
		errs = append(errs, "escrow: max_concurrent_cases must be >= 1")
	}
	switch c.Escrow.SelectionPolicy {
	case "least_loaded", "round_robin":
	default:
		errs = append(errs, fmt.Sprintf("escrow: unknown selection_policy %q (valid: least_loaded, round_robin)", c.Escrow.SelectionPolicy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
