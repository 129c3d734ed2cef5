package config

import (
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"
)

var (
	MaxPeriodSeconds = uint64(30 * 24 * 3600)
)

func ValidateConfig(cfg Config) error {
	if cfg.Escrow.ReclamationPeriodSecs == 0 || cfg.Escrow.ReclamationPeriodSecs > MaxPeriodSeconds {
		return fmt.Errorf("escrow: reclamation_period_secs out of range")
	}
	if cfg.Escrow.ArbitrationFeeDepositPeriodSecs == 0 || cfg.Escrow.ArbitrationFeeDepositPeriodSecs > MaxPeriodSeconds {
		return fmt.Errorf("escrow: arbitration_fee_deposit_period_secs out of range")
	}
	if _, err := parseUintAmount(cfg.Arbitrator.ArbitrationCost); err != nil {
		return fmt.Errorf("arbitrator: invalid arbitration_cost: %w", err)
	}
	switch cfg.Storage.Backend {
	case "leveldb", "bolt":
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.HTTP.MaxConnections < 0 {
		return fmt.Errorf("http: max_connections must be non-negative")
	}
	if cfg.HTTP.RateLimitPerSecond < 0 || cfg.HTTP.RateLimitBurst < 0 {
		return fmt.Errorf("http: rate limits must be non-negative")
	}
	if cfg.HTTP.RateLimitPerSecond > 0 && cfg.HTTP.RateLimitBurst == 0 {
		return fmt.Errorf("http: rate_limit_burst required when rate limiting")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}

// Periods returns the reclamation and arbitration fee deposit windows.
func (c Config) Periods() (time.Duration, time.Duration) {
	return time.Duration(c.Escrow.ReclamationPeriodSecs) * time.Second,
		time.Duration(c.Escrow.ArbitrationFeeDepositPeriodSecs) * time.Second
}

// ArbitrationCost parses the configured per-dispute price.
func (c Config) ArbitrationCost() (*big.Int, error) {
	return parseUintAmount(c.Arbitrator.ArbitrationCost)
}

// LogLevel parses the configured log level.
func (c Config) LogLevel() slog.Level {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// JWTSecret resolves the bearer token secret from the configured environment
// variable. An empty result disables token authentication.
func (c Config) JWTSecret() string {
	name := strings.TrimSpace(c.Auth.JWTSecretEnv)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("log: invalid level %q", raw)
	}
	return level, nil
}
