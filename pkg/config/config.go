// Package config loads runtime configuration for a juicetokens node: every
// overridable threshold named in the transaction engine and lifecycle
// packages, plus identity and data-directory settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a flat struct populated from environment variables, optionally
// overridden by a YAML file. Every field has a sane default so a node can
// start with zero configuration.
type Config struct {
	// Identity
	UserID  string `yaml:"user_id"`
	DataDir string `yaml:"data_dir"`
	KeyPath string `yaml:"key_path"`

	// Transaction engine (C6)
	TxTimeout        time.Duration `yaml:"tx_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseRetryBackoff time.Duration `yaml:"base_retry_backoff"`
	ResolutionWindow time.Duration `yaml:"resolution_window"`

	// Time attestation (C2)
	MaxClockSkew     time.Duration      `yaml:"max_clock_skew"`
	MinTxConfidence  float64            `yaml:"min_tx_confidence"`
	TimeSourceWeight map[string]float64 `yaml:"time_source_weight"`

	// Token/Telomeer (C3)
	MaxHistory        int     `yaml:"max_history"`
	IssuanceMin       float64 `yaml:"issuance_min"`
	ExpiryWarningDays int     `yaml:"expiry_warning_days"`

	// Denomination set (C5)
	Denominations []float64 `yaml:"denominations"`

	// Attestation store (C8)
	AttestationTTL    time.Duration `yaml:"attestation_ttl"`
	ReplicationFactor int           `yaml:"replication_factor"`
}

// Default returns the Config with every threshold set to its spec default.
func Default() *Config {
	return &Config{
		UserID:  "",
		DataDir: "./data",
		KeyPath: "./data/node.key",

		TxTimeout:        30 * time.Second,
		MaxRetries:       3,
		BaseRetryBackoff: 500 * time.Millisecond,
		ResolutionWindow: 5 * time.Minute,

		MaxClockSkew:    60 * time.Second,
		MinTxConfidence: 60,
		TimeSourceWeight: map[string]float64{
			"SYSTEM":    1.0,
			"NTP":       1.0,
			"GNSS":      1.0,
			"CONSENSUS": 1.0,
			"TSA":       1.0,
		},

		MaxHistory:        10,
		IssuanceMin:       2,
		ExpiryWarningDays: 7,

		Denominations: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},

		AttestationTTL:    24 * time.Hour,
		ReplicationFactor: 3,
	}
}

// Load populates a Config from environment variables on top of Default().
func Load() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("JT_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("JT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("JT_KEY_PATH"); v != "" {
		cfg.KeyPath = v
	}

	if err := durationFromEnv("JT_TX_TIMEOUT", &cfg.TxTimeout); err != nil {
		return nil, err
	}
	if err := intFromEnv("JT_MAX_RETRIES", &cfg.MaxRetries); err != nil {
		return nil, err
	}
	if err := durationFromEnv("JT_BASE_RETRY_MS", &cfg.BaseRetryBackoff); err != nil {
		return nil, err
	}
	if err := durationFromEnv("JT_RESOLUTION_WINDOW", &cfg.ResolutionWindow); err != nil {
		return nil, err
	}
	if err := durationFromEnv("JT_MAX_CLOCK_SKEW", &cfg.MaxClockSkew); err != nil {
		return nil, err
	}
	if err := floatFromEnv("JT_MIN_TX_CONFIDENCE", &cfg.MinTxConfidence); err != nil {
		return nil, err
	}
	if err := intFromEnv("JT_MAX_HISTORY", &cfg.MaxHistory); err != nil {
		return nil, err
	}
	if err := floatFromEnv("JT_ISSUANCE_MIN", &cfg.IssuanceMin); err != nil {
		return nil, err
	}
	if err := intFromEnv("JT_EXPIRY_WARNING_DAYS", &cfg.ExpiryWarningDays); err != nil {
		return nil, err
	}
	if err := durationFromEnv("JT_ATTESTATION_TTL", &cfg.AttestationTTL); err != nil {
		return nil, err
	}
	if err := intFromEnv("JT_REPLICATION_FACTOR", &cfg.ReplicationFactor); err != nil {
		return nil, err
	}

	if path := os.Getenv("JT_CONFIG_FILE"); path != "" {
		if err := cfg.mergeYAMLFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, cfg.Validate()
}

// LoadFromFile returns Default() merged with overrides from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeYAMLFile(path); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks cross-field invariants that the rest of the module assumes hold.
func (c *Config) Validate() error {
	if c.MaxHistory <= 0 {
		return fmt.Errorf("config: max_history must be positive, got %d", c.MaxHistory)
	}
	if c.IssuanceMin <= 0 {
		return fmt.Errorf("config: issuance_min must be positive, got %f", c.IssuanceMin)
	}
	if c.MinTxConfidence < 0 || c.MinTxConfidence > 100 {
		return fmt.Errorf("config: min_tx_confidence must be in [0,100], got %f", c.MinTxConfidence)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries cannot be negative, got %d", c.MaxRetries)
	}
	if len(c.Denominations) == 0 {
		return fmt.Errorf("config: denominations cannot be empty")
	}
	return nil
}

func durationFromEnv(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		ms, err2 := strconv.Atoi(v)
		if err2 != nil {
			return fmt.Errorf("config: invalid duration for %s: %w", key, err)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	*dst = d
	return nil
}

func intFromEnv(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid integer for %s: %w", key, err)
	}
	*dst = n
	return nil
}

func floatFromEnv(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: invalid float for %s: %w", key, err)
	}
	*dst = f
	return nil
}
