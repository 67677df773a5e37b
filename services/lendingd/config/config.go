package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"reservebank/crypto"
)

const (
	defaultListen        = ":8446"
	defaultOracleTimeout = 2 * time.Second
	defaultPeriod        = time.Second
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Env           string          `yaml:"env"`
	TLS           TLSConfig       `yaml:"tls"`
	Storage       StorageConfig   `yaml:"storage"`
	Journal       JournalConfig   `yaml:"journal"`
	Auth          AuthConfig      `yaml:"auth"`
	Oracle        OracleConfig    `yaml:"oracle"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Quota         QuotaConfig     `yaml:"quota"`
	Interest      InterestConfig  `yaml:"interest"`
	Custody       CustodyConfig   `yaml:"custody"`
	MarketsFile   string          `yaml:"markets_file"`
	Pauses        []string        `yaml:"pauses"`
	Log           LogConfig       `yaml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// StorageConfig selects the engine state backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// JournalConfig selects the SQL database for the operation journal.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig configures bearer token validation and administrators.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
	Admins     []string      `yaml:"admins"`
}

// OracleConfig configures the price source. Exactly one of Static or HTTP
// must be set.
type OracleConfig struct {
	Timeout             time.Duration     `yaml:"timeout"`
	MaxConfidenceWindow time.Duration     `yaml:"max_confidence_window"`
	Static              map[string]string `yaml:"static"`
	StaticWindow        time.Duration     `yaml:"static_window"`
	HTTP                *HTTPOracleConfig `yaml:"http"`
}

// HTTPOracleConfig points at a REST price service.
type HTTPOracleConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      uint64        `yaml:"max_retries"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	DefaultWindow   time.Duration `yaml:"default_window"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// QuotaConfig bounds write operations per caller and epoch.
type QuotaConfig struct {
	MaxRequestsPerMin uint32 `yaml:"max_requests_per_min"`
	MaxAmountPerEpoch uint64 `yaml:"max_amount_per_epoch"`
	EpochSeconds      uint32 `yaml:"epoch_seconds"`
}

// InterestConfig sets the accrual period.
type InterestConfig struct {
	Period time.Duration `yaml:"period"`
}

// CustodyConfig enables the built-in custody ledger and optional balances
// seeded at startup.
type CustodyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Seed    []SeedBalance `yaml:"seed"`
}

// SeedBalance funds an address before the server starts.
type SeedBalance struct {
	Address string `yaml:"address"`
	Asset   string `yaml:"asset"`
	Amount  string `yaml:"amount"`
}

// LogConfig controls log level and rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Env = strings.TrimSpace(cfg.Env)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)

	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.Driver == "" && cfg.Journal.DSN != "" {
		cfg.Journal.Driver = "sqlite"
	}

	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	admins := make([]string, 0, len(cfg.Auth.Admins))
	for _, admin := range cfg.Auth.Admins {
		if trimmed := strings.TrimSpace(admin); trimmed != "" {
			admins = append(admins, trimmed)
		}
	}
	cfg.Auth.Admins = admins

	if cfg.Oracle.Timeout <= 0 {
		cfg.Oracle.Timeout = defaultOracleTimeout
	}
	if len(cfg.Oracle.Static) > 0 {
		static := make(map[string]string, len(cfg.Oracle.Static))
		for asset, price := range cfg.Oracle.Static {
			static[strings.TrimSpace(asset)] = strings.TrimSpace(price)
		}
		cfg.Oracle.Static = static
	}
	if cfg.Oracle.HTTP != nil {
		cfg.Oracle.HTTP.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Oracle.HTTP.BaseURL), "/")
		cfg.Oracle.HTTP.APIKey = strings.TrimSpace(cfg.Oracle.HTTP.APIKey)
	}

	if cfg.Interest.Period <= 0 {
		cfg.Interest.Period = defaultPeriod
	}
	cfg.MarketsFile = strings.TrimSpace(cfg.MarketsFile)
	pauses := make([]string, 0, len(cfg.Pauses))
	for _, pause := range cfg.Pauses {
		if trimmed := strings.ToLower(strings.TrimSpace(pause)); trimmed != "" {
			pauses = append(pauses, trimmed)
		}
	}
	cfg.Pauses = pauses
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.File = strings.TrimSpace(cfg.Log.File)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage: path required for leveldb backend")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	switch cfg.Journal.Driver {
	case "":
	case "sqlite", "postgres":
		if cfg.Journal.DSN == "" {
			return fmt.Errorf("journal: dsn required for %s", cfg.Journal.Driver)
		}
	default:
		return fmt.Errorf("journal: unknown driver %q", cfg.Journal.Driver)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Oracle.validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if cfg.MarketsFile != "" && len(cfg.Auth.Admins) == 0 {
		return fmt.Errorf("markets_file requires at least one auth.admins entry")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	for i, seed := range cfg.Custody.Seed {
		if !cfg.Custody.Enabled {
			return fmt.Errorf("custody: seed balances require custody.enabled")
		}
		if cfg.Storage.Backend != "memory" {
			return fmt.Errorf("custody: seed balances are only supported with the memory backend")
		}
		if _, err := crypto.DecodeAddress(strings.TrimSpace(seed.Address)); err != nil {
			return fmt.Errorf("custody: seed[%d]: %w", i, err)
		}
		if strings.TrimSpace(seed.Asset) == "" {
			return fmt.Errorf("custody: seed[%d]: asset required", i)
		}
		if _, err := seed.Value(); err != nil {
			return fmt.Errorf("custody: seed[%d]: %w", i, err)
		}
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether TLS material is configured.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

func (cfg AuthConfig) validate() error {
	if cfg.HMACSecret == "" {
		return fmt.Errorf("hmac_secret is required")
	}
	if len(cfg.HMACSecret) < 32 {
		return fmt.Errorf("hmac_secret must be at least 32 bytes")
	}
	if _, err := cfg.AdminAddresses(); err != nil {
		return err
	}
	return nil
}

// AdminAddresses decodes the configured administrator addresses.
func (cfg AuthConfig) AdminAddresses() ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(cfg.Admins))
	for _, raw := range cfg.Admins {
		addr, err := crypto.DecodeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("admin %q: %w", raw, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func (cfg OracleConfig) validate() error {
	hasStatic := len(cfg.Static) > 0
	hasHTTP := cfg.HTTP != nil
	if hasStatic == hasHTTP {
		return fmt.Errorf("configure exactly one of static or http")
	}
	for asset, price := range cfg.Static {
		if asset == "" {
			return fmt.Errorf("static price with empty asset")
		}
		value, ok := new(big.Rat).SetString(price)
		if !ok || value.Sign() <= 0 {
			return fmt.Errorf("static price for %s must be a positive number", asset)
		}
	}
	if hasHTTP && cfg.HTTP.BaseURL == "" {
		return fmt.Errorf("http.base_url is required")
	}
	return nil
}

// StaticPrices parses the configured static prices.
func (cfg OracleConfig) StaticPrices() map[string]*big.Rat {
	out := make(map[string]*big.Rat, len(cfg.Static))
	for asset, price := range cfg.Static {
		if value, ok := new(big.Rat).SetString(price); ok {
			out[asset] = value
		}
	}
	return out
}

// Value parses the seeded amount.
func (s SeedBalance) Value() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be a positive integer", s.Amount)
	}
	return amount, nil
}
