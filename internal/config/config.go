// Package config loads the OpportunityEngine's configuration from the
// environment, the same "load .env, then environment" order used
// throughout the rest of the codebase's config packages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every engine runtime option, plus the venue fee-rate and
// reliability/slippage tables as configuration-loaded defaults rather
// than hard-coded constants.
type Config struct {
	MinEdgePct     float64
	MinLiquidity   float64
	Venues         []string
	Realtime       bool
	ScanInterval   time.Duration
	OpportunityTTL time.Duration

	SemanticMatching    bool
	SimilarityThreshold float64

	IncludeInternal bool
	IncludeCross    bool
	IncludeEdge     bool

	FeeRates     map[string]float64
	VenueFactors VenueFactors
	LogLevel     string
	HTTPPort     int
	DatabasePath string
}

// VenueFactors mirrors scorer.VenueFactors so config can own the default
// table without internal/config importing internal/scorer.
type VenueFactors struct {
	Reliability map[string]float64
	Slippage    map[string]float64
}

// DefaultFeeRates is the built-in per-venue fee-rate table. Values are
// fractions (0.02 = 2%); a venue absent from the map is treated as 0.
func DefaultFeeRates() map[string]float64 {
	return map[string]float64{
		"polymarket": 0.02,
		"kalshi":     0.01,
		"manifold":   0.0,
		"predictit":  0.10,
	}
}

// DefaultVenueFactors is the built-in per-venue reliability/slippage table.
func DefaultVenueFactors() VenueFactors {
	return VenueFactors{
		Reliability: map[string]float64{
			"polymarket": 0.95,
			"kalshi":     0.97,
			"manifold":   0.90,
			"predictit":  0.85,
		},
		Slippage: map[string]float64{
			"polymarket": 1.0,
			"kalshi":     0.9,
			"manifold":   1.2,
			"predictit":  1.3,
		},
	}
}

// Load reads configuration from environment variables, applying a .env
// file first if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		MinEdgePct:          getEnvAsFloat("MIN_EDGE_PCT", 1.0),
		MinLiquidity:        getEnvAsFloat("MIN_LIQUIDITY", 500),
		Venues:              getEnvAsList("VENUES", []string{"polymarket", "kalshi"}),
		Realtime:            getEnvAsBool("REALTIME", true),
		ScanInterval:        getEnvAsDuration("SCAN_INTERVAL_MS", 30*time.Second),
		OpportunityTTL:      getEnvAsDuration("OPPORTUNITY_TTL_MS", 10*time.Minute),
		SemanticMatching:    getEnvAsBool("SEMANTIC_MATCHING", false),
		SimilarityThreshold: getEnvAsFloat("SIMILARITY_THRESHOLD", 0.85),
		IncludeInternal:     getEnvAsBool("INCLUDE_INTERNAL", true),
		IncludeCross:        getEnvAsBool("INCLUDE_CROSS", true),
		IncludeEdge:         getEnvAsBool("INCLUDE_EDGE", true),
		FeeRates:            DefaultFeeRates(),
		VenueFactors:        DefaultVenueFactors(),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		HTTPPort:            getEnvAsInt("HTTP_PORT", 8090),
		DatabasePath:        getEnv("DATABASE_PATH", "./data/arbiter.db"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup-fatal conditions: no venues enabled, or a
// negative edge floor. Semantic matching being off is fine since text
// matching is always available as a fallback.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}
	if c.MinEdgePct < 0 {
		return fmt.Errorf("MIN_EDGE_PCT must be >= 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
