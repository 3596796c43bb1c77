// Package config loads the application configuration: infrastructure
// settings from environment variables, strategy tuning from an optional YAML
// file. The core packages receive plain values and never read the
// environment themselves.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"phase-enginev1/internal/engine"
	"phase-enginev1/internal/indicator"
	"phase-enginev1/internal/phase"
	"phase-enginev1/internal/risk"
	"phase-enginev1/internal/signal"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Data provider credentials
	StreamURL  string
	HistoryURL string
	APIKey     string
	APISecret  string
	TOTPSecret string // optional, for providers requiring session codes

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string

	// Subscription
	Symbols string // comma-separated, e.g. "SPY,QQQ,IWM"
	TF      int    // bar timeframe in seconds

	// Strategy tuning file (YAML); defaults apply when unset or missing.
	StrategyPath string

	// BackfillCron schedules the daily gap-reconciliation run.
	BackfillCron string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		StreamURL:  getEnv("STREAM_URL", "wss://stream.data.alpaca.markets/v2/iex"),
		HistoryURL: getEnv("HISTORY_URL", "https://data.alpaca.markets"),
		APIKey:     mustEnv("API_KEY"),
		APISecret:  mustEnv("API_SECRET"),
		TOTPSecret: getEnv("TOTP_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/bars.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		Symbols: getEnv("SYMBOLS", "SPY"),
		TF:      getEnvInt("TF_SECONDS", 300),

		StrategyPath: getEnv("STRATEGY_PATH", "strategy.yaml"),
		BackfillCron: getEnv("BACKFILL_CRON", "30 0 * * *"),
	}
}

// ParseSymbols splits the Symbols string into a clean slice.
func (c *Config) ParseSymbols() []string {
	parts := strings.Split(c.Symbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, strings.ToUpper(p))
	}
	return out
}

// DefaultStrategy returns the engine configuration with documented defaults.
func DefaultStrategy() engine.Config {
	return engine.Config{
		Indicator: indicator.DefaultConfig(),
		Phase:     phase.DefaultConfig(),
		Signal:    signal.DefaultConfig(),
		Risk: risk.Parameters{
			RiskPerTradeFraction: 0.01,
			MaxOpenPositions:     5,
			AccountSize:          100000,
		},
	}
}

// LoadStrategy reads the YAML strategy file, overlaying it onto the
// defaults. A missing file yields the defaults; a malformed file is an error.
func LoadStrategy(path string) (engine.Config, error) {
	cfg := DefaultStrategy()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[config] no strategy file at %s, using defaults", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read strategy file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse strategy file %s: %w", path, err)
	}
	return cfg, nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
