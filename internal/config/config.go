// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all mesh configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage backend (C14).
	StorageBackend string // "memory", "redis", "sql", "sqlite"
	DatabaseURL    string // SQL backend DSN (Postgres via pgx, or sqlite file path)
	RedisURL       string // Redis backend DSN
	PoolSize       int
	ConnectTimeout time.Duration

	// Key Store / Credential settings.
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	MaxCredentialTTL  time.Duration
	RotateThreshold   float64 // fraction of TTL at which rotation triggers

	// Trust handshake settings.
	HandshakeNonceTTL  time.Duration
	HandshakeCacheTTL  time.Duration
	TrustedThreshold   int

	// Revocation settings.
	RevocationPropagationBudget time.Duration

	// Delegation settings.
	MaxDelegationDepth int
	MaxSponsoredAgents int

	// Reward engine settings.
	RewardUpdateInterval time.Duration
	EMAAlpha             float64
	DecayRate            float64
	DecayFloor           int
	RevocationThreshold  int
	WarningThreshold     int
	InitialTrustScore    int

	// Event bus (NATS).
	NATSURL     string
	NATSEnabled bool

	// Observability.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
	MetricsPort  int
	LogLevel     string

	// Compliance settings.
	ComplianceMapPath    string
	ComplianceReportCron string // standard 5-field cron expression (robfig/cron/v3)

	// Policy settings.
	PolicyFile       string // active rule set, loaded at startup
	ShadowPolicyFile string // candidate rule set evaluated in parallel, never enforced
}

// Load reads configuration from environment variables. Only malformed
// values are rejected; missing variables fall back to their defaults.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		StorageBackend:       envStr("AGENTMESH_STORAGE_BACKEND", "memory"),
		DatabaseURL:          envStr("AGENTMESH_DATABASE_URL", ""),
		RedisURL:             envStr("AGENTMESH_REDIS_URL", ""),
		JWTPrivateKeyPath:    envStr("AGENTMESH_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:     envStr("AGENTMESH_JWT_PUBLIC_KEY", ""),
		NATSURL:              envStr("AGENTMESH_NATS_URL", ""),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "agentmesh"),
		LogLevel:             envStr("AGENTMESH_LOG_LEVEL", "info"),
		ComplianceMapPath:    envStr("AGENTMESH_COMPLIANCE_MAP", ""),
		ComplianceReportCron: envStr("AGENTMESH_COMPLIANCE_REPORT_CRON", "0 0 * * 0"), // weekly, Sunday midnight
		PolicyFile:           envStr("AGENTMESH_POLICY_FILE", ""),
		ShadowPolicyFile:     envStr("AGENTMESH_SHADOW_POLICY_FILE", ""),
	}
	cfg.NATSEnabled = cfg.NATSURL != ""

	cfg.Port, errs = collectInt(errs, "AGENTMESH_PORT", 8443)
	cfg.MetricsPort, errs = collectInt(errs, "AGENTMESH_METRICS_PORT", 9090)
	cfg.PoolSize, errs = collectInt(errs, "AGENTMESH_POOL_SIZE", 10)
	cfg.MaxDelegationDepth, errs = collectInt(errs, "AGENTMESH_MAX_DELEGATION_DEPTH", 5)
	cfg.MaxSponsoredAgents, errs = collectInt(errs, "AGENTMESH_MAX_SPONSORED_AGENTS", 10)
	cfg.DecayFloor, errs = collectInt(errs, "AGENTMESH_DECAY_FLOOR", 100)
	cfg.RevocationThreshold, errs = collectInt(errs, "AGENTMESH_REVOCATION_THRESHOLD", 300)
	cfg.WarningThreshold, errs = collectInt(errs, "AGENTMESH_WARNING_THRESHOLD", 500)
	cfg.TrustedThreshold, errs = collectInt(errs, "AGENTMESH_TRUSTED_THRESHOLD", 700)
	cfg.InitialTrustScore, errs = collectInt(errs, "AGENTMESH_INITIAL_TRUST_SCORE", 500)

	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)

	cfg.ReadTimeout, errs = collectDuration(errs, "AGENTMESH_READ_TIMEOUT", 30*time.Second)
	cfg.WriteTimeout, errs = collectDuration(errs, "AGENTMESH_WRITE_TIMEOUT", 30*time.Second)
	cfg.ConnectTimeout, errs = collectDuration(errs, "AGENTMESH_CONNECT_TIMEOUT", 30*time.Second)
	cfg.MaxCredentialTTL, errs = collectDuration(errs, "AGENTMESH_MAX_CRED_TTL", 15*time.Minute)
	cfg.HandshakeNonceTTL, errs = collectDuration(errs, "AGENTMESH_HANDSHAKE_NONCE_TTL", 30*time.Second)
	cfg.HandshakeCacheTTL, errs = collectDuration(errs, "AGENTMESH_HANDSHAKE_CACHE_TTL", 15*time.Minute)
	cfg.RevocationPropagationBudget, errs = collectDuration(errs, "AGENTMESH_REVOCATION_PROPAGATION_BUDGET", 5*time.Second)
	cfg.RewardUpdateInterval, errs = collectDuration(errs, "AGENTMESH_REWARD_UPDATE_INTERVAL", 30*time.Second)

	cfg.RotateThreshold, errs = collectFloat(errs, "AGENTMESH_ROTATE_THRESHOLD", 0.20)
	cfg.EMAAlpha, errs = collectFloat(errs, "AGENTMESH_EMA_ALPHA", 0.1)
	cfg.DecayRate, errs = collectFloat(errs, "AGENTMESH_DECAY_RATE", 2.0)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are internally consistent.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageBackend {
	case "memory", "redis", "sql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("config: AGENTMESH_STORAGE_BACKEND must be memory, redis, sql, or sqlite, got %q", c.StorageBackend))
	}
	if c.StorageBackend == "sql" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: AGENTMESH_DATABASE_URL is required when STORAGE_BACKEND=sql"))
	}
	if c.StorageBackend == "sqlite" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: AGENTMESH_DATABASE_URL (a file path) is required when STORAGE_BACKEND=sqlite"))
	}
	if c.StorageBackend == "redis" && c.RedisURL == "" {
		errs = append(errs, errors.New("config: AGENTMESH_REDIS_URL is required when STORAGE_BACKEND=redis"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, errors.New("config: AGENTMESH_PORT must be between 1 and 65535"))
	}
	if c.MaxDelegationDepth < 1 {
		errs = append(errs, errors.New("config: AGENTMESH_MAX_DELEGATION_DEPTH must be positive"))
	}
	if c.RotateThreshold <= 0 || c.RotateThreshold >= 1 {
		errs = append(errs, errors.New("config: AGENTMESH_ROTATE_THRESHOLD must be in (0,1)"))
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		errs = append(errs, errors.New("config: AGENTMESH_EMA_ALPHA must be in (0,1]"))
	}
	if c.RevocationThreshold >= c.WarningThreshold {
		errs = append(errs, errors.New("config: AGENTMESH_REVOCATION_THRESHOLD must be below AGENTMESH_WARNING_THRESHOLD"))
	}
	if c.JWTPrivateKeyPath != "" {
		if err := validateKeyFile(c.JWTPrivateKeyPath, "AGENTMESH_JWT_PRIVATE_KEY"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.JWTPublicKeyPath != "" {
		if err := validateKeyFile(c.JWTPublicKeyPath, "AGENTMESH_JWT_PUBLIC_KEY"); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// validateKeyFile checks that a key file exists, is readable, is non-empty,
// and has restrictive permissions (owner-only on Unix).
func validateKeyFile(path, envVar string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: %s %q: %w", envVar, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s %q is a directory, expected a file", envVar, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("config: %s %q is empty", envVar, path)
	}
	perm := info.Mode().Perm()
	if perm&0o077 != 0 {
		return fmt.Errorf("config: %s %q has overly permissive mode %04o (expected 0600 or stricter)", envVar, path, perm)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func collectInt(errs []error, key string, fallback int) (int, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s=%q is not a valid integer", key, v))
	}
	return n, errs
}

func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, append(errs, fmt.Errorf("%s=%q is not a valid boolean", key, v))
	}
	return b, errs
}

func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s=%q is not a valid duration", key, v))
	}
	return d, errs
}

func collectFloat(errs []error, key string, fallback float64) (float64, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s=%q is not a valid number", key, v))
	}
	return f, errs
}
