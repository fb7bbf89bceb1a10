package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the marketplace service.
type Config struct {
	Port             string
	Env              string
	DatabaseURL      string
	ChainRPCURL      string
	ChainID          uint64
	Confirmations    uint64
	Domain           string
	SessionSecret    string
	CredentialSecret string
	SessionTTL       time.Duration
	NonceTTL         time.Duration
	NonceDBPath      string
	SweepInterval    time.Duration
	ReconcileGrace   time.Duration
	NonceRatePerMin  int
	LogFile          string
}

// FromEnv loads configuration from the environment, applying defaults and
// validating required values.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:             envOr("MARKET_PORT", "8084"),
		Env:              envOr("MARKET_ENV", "dev"),
		DatabaseURL:      strings.TrimSpace(os.Getenv("MARKET_DATABASE_URL")),
		ChainRPCURL:      strings.TrimSpace(os.Getenv("MARKET_CHAIN_RPC_URL")),
		Domain:           envOr("MARKET_DOMAIN", "mintbay.example"),
		SessionSecret:    strings.TrimSpace(os.Getenv("MARKET_SESSION_SECRET")),
		CredentialSecret: strings.TrimSpace(os.Getenv("MARKET_CREDENTIAL_SECRET")),
		NonceDBPath:      envOr("MARKET_NONCE_DB_PATH", "data/nonces"),
		LogFile:          strings.TrimSpace(os.Getenv("MARKET_LOG_FILE")),
	}

	var err error
	if cfg.ChainID, err = envUint("MARKET_CHAIN_ID", 1); err != nil {
		return Config{}, err
	}
	if cfg.Confirmations, err = envUint("MARKET_CONFIRMATIONS", 1); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = envDuration("MARKET_SESSION_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.NonceTTL, err = envDuration("MARKET_NONCE_TTL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("MARKET_SWEEP_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileGrace, err = envDuration("MARKET_RECONCILE_GRACE", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.NonceRatePerMin, err = envInt("MARKET_NONCE_RATE_PER_MIN", 30); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("MARKET_DATABASE_URL is required")
	}
	if cfg.ChainRPCURL == "" {
		return Config{}, fmt.Errorf("MARKET_CHAIN_RPC_URL is required")
	}
	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("MARKET_SESSION_SECRET is required")
	}
	if cfg.CredentialSecret == "" {
		return Config{}, fmt.Errorf("MARKET_CREDENTIAL_SECRET is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
