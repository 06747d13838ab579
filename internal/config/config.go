// Package config loads intentguard settings from defaults, an optional YAML
// file and GUARD_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "GUARD_"
	configPathEnv     = "GUARD_CONFIG"
	defaultConfigPath = "config.yaml"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Storage   StorageConfig   `koanf:"storage"`
	Judgment  JudgmentConfig  `koanf:"judgment"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Economics EconomicsConfig `koanf:"economics"`
	Domains   DomainsConfig   `koanf:"domains"`
	Flight    FlightConfig    `koanf:"flight"`
	Shopping  ShoppingConfig  `koanf:"shopping"`
	Calendar  CalendarConfig  `koanf:"calendar"`
	Email     EmailConfig     `koanf:"email"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type ServerConfig struct {
	Port              int           `koanf:"port"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `koanf:"level"` // debug, info, warn, error
	Service string `koanf:"service"`
}

type StorageConfig struct {
	Type string `koanf:"type"` // sqlite, postgres, memory
	DSN  string `koanf:"dsn"`
}

type JudgmentConfig struct {
	Audit    BackendConfig `koanf:"audit"`
	Drafting BackendConfig `koanf:"drafting"`
	Breaker  BreakerConfig `koanf:"breaker"`
}

// BackendConfig selects a judgment backend. An empty drafting type reuses
// the audit backend.
type BackendConfig struct {
	Type        string        `koanf:"type"` // openai, gemini, rules
	APIKey      string        `koanf:"api_key"`
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	Temperature *float32      `koanf:"temperature"`
	MaxTokens   int           `koanf:"max_tokens"`
	Timeout     time.Duration `koanf:"timeout"`
}

type BreakerConfig struct {
	MaxFailures int           `koanf:"max_failures"`
	Cooldown    time.Duration `koanf:"cooldown"`
}

type PipelineConfig struct {
	FetchTimeout       time.Duration            `koanf:"fetch_timeout"`
	SourceTimeouts     map[string]time.Duration `koanf:"source_timeouts"`
	StorageTimeout     time.Duration            `koanf:"storage_timeout"`
	StoreDomainRecords bool                     `koanf:"store_domain_records"`
}

type EconomicsConfig struct {
	CostPerMillionTokens  float64 `koanf:"cost_per_million_tokens"`
	EstimatedTokensPerRun int     `koanf:"estimated_tokens_per_run"`
	PlatformFee           float64 `koanf:"platform_fee"`
	FeeMultiplier         float64 `koanf:"fee_multiplier"`
}

// DomainsConfig adds registry keys on top of the built-in ones.
type DomainsConfig struct {
	Flight               []string `koanf:"flight"`
	Shopping             []string `koanf:"shopping"`
	FallbackLookbackDays int      `koanf:"fallback_lookback_days"`
}

type FlightConfig struct {
	TravelBuffer            time.Duration `koanf:"travel_buffer"`
	BookingWindowDays       int           `koanf:"booking_window_days"`
	DestinationLookbackDays int           `koanf:"destination_lookback_days"`
	EarlyDepartureHour      int           `koanf:"early_departure_hour"`
	LateArrivalHour         int           `koanf:"late_arrival_hour"`
}

type ShoppingConfig struct {
	DuplicateLookbackDays    int     `koanf:"duplicate_lookback_days"`
	RecentDays               int     `koanf:"recent_days"`
	CategoryLookbackDays     int     `koanf:"category_lookback_days"`
	SpendingWindowDays       int     `koanf:"spending_window_days"`
	ImpulseCategoryThreshold int     `koanf:"impulse_category_threshold"`
	MonthlyBudget            float64 `koanf:"monthly_budget"`
}

type CalendarConfig struct {
	FeedsEnabled  bool          `koanf:"feeds_enabled"`
	FetchTimeout  time.Duration `koanf:"fetch_timeout"`
	CacheTTL      time.Duration `koanf:"cache_ttl"`
	CacheMaxBytes int64         `koanf:"cache_max_bytes"`
	MaxFeedBytes  int64         `koanf:"max_feed_bytes"`
}

// EmailConfig connects Gmail mailboxes. Tokens maps user ids to OAuth
// access tokens; users without one are not read.
type EmailConfig struct {
	BaseURL     string            `koanf:"base_url"`
	Tokens      map[string]string `koanf:"tokens"`
	MaxMessages int               `koanf:"max_messages"`
	Timeout     time.Duration     `koanf:"timeout"`
	CacheTTL    time.Duration     `koanf:"cache_ttl"`
}

// RateLimitConfig limits /api/analyze per client IP. A non-positive rate
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

var defaults = map[string]any{
	"server.port":                   8080,
	"server.request_timeout":        "60s",
	"server.read_header_timeout":    "10s",
	"server.shutdown_timeout":       "30s",
	"logging.level":                 "info",
	"logging.service":               "intentguard",
	"storage.type":                  "sqlite",
	"storage.dsn":                   "file:intentguard.db",
	"judgment.audit.type":           "rules",
	"judgment.audit.timeout":        "30s",
	"judgment.drafting.timeout":     "20s",
	"judgment.breaker.max_failures": 5,
	"judgment.breaker.cooldown":     "30s",

	"pipeline.fetch_timeout":        "2s",
	"pipeline.storage_timeout":      "3s",
	"pipeline.store_domain_records": true,

	"economics.cost_per_million_tokens":  0.15,
	"economics.estimated_tokens_per_run": 1500,
	"economics.platform_fee":             0.01,

	"domains.fallback_lookback_days": 90,

	"flight.travel_buffer":             "2h",
	"flight.booking_window_days":       3,
	"flight.destination_lookback_days": 180,
	"flight.early_departure_hour":      6,
	"flight.late_arrival_hour":         23,

	"shopping.duplicate_lookback_days":    365,
	"shopping.recent_days":                90,
	"shopping.category_lookback_days":     180,
	"shopping.spending_window_days":       30,
	"shopping.impulse_category_threshold": 3,

	"calendar.feeds_enabled":   true,
	"calendar.fetch_timeout":   "5s",
	"calendar.cache_ttl":       "5m",
	"calendar.cache_max_bytes": 32 << 20,
	"calendar.max_feed_bytes":  4 << 20,

	"email.max_messages": 15,
	"email.timeout":      "15s",
	"email.cache_ttl":    "1h",

	"rate_limit.requests_per_second": 5,
	"rate_limit.burst":               10,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the configuration. The file path comes from GUARD_CONFIG and
// defaults to config.yaml; a missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv(configPathEnv)
	if path == "" {
		path = defaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile reads the configuration using the YAML file at path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	// GUARD_JUDGMENT__AUDIT__API_KEY -> judgment.audit.api_key
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		if s == configPathEnv {
			return ""
		}
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	cfg.Email.BaseURL = substituteEnvVars(cfg.Email.BaseURL)
	for user, tok := range cfg.Email.Tokens {
		cfg.Email.Tokens[user] = substituteEnvVars(tok)
	}
	for _, b := range []*BackendConfig{&cfg.Judgment.Audit, &cfg.Judgment.Drafting} {
		b.APIKey = substituteEnvVars(b.APIKey)
		b.BaseURL = substituteEnvVars(b.BaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("storage.type %q is not one of sqlite, postgres, memory", c.Storage.Type)
	}
	if c.Storage.Type != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for %s", c.Storage.Type)
	}
	if err := validBackend("judgment.audit.type", c.Judgment.Audit.Type, false); err != nil {
		return err
	}
	if err := validBackend("judgment.drafting.type", c.Judgment.Drafting.Type, true); err != nil {
		return err
	}
	if c.Email.MaxMessages < 0 || c.Email.MaxMessages > 500 {
		return fmt.Errorf("email.max_messages %d is out of range", c.Email.MaxMessages)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	return nil
}

func validBackend(key, typ string, allowEmpty bool) error {
	switch typ {
	case "openai", "gemini", "rules":
		return nil
	case "":
		if allowEmpty {
			return nil
		}
	}
	return fmt.Errorf("%s %q is not one of openai, gemini, rules", key, typ)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
