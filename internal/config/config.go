// Package config loads and validates the service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a field unset.
const (
	DefaultServerAddress = ":5000"
	DefaultReadTimeout   = 10 * time.Second
	DefaultWriteTimeout  = 30 * time.Second

	// DefaultInterval is the sliding window the active queries are spread over.
	DefaultInterval = 120 * time.Second
	// DefaultTick is how often the scheduler wakes up to reconcile and fire.
	DefaultTick = 10 * time.Second
	// DefaultEnrichLimit is how many of the newest listings get a detail fetch.
	DefaultEnrichLimit = 5
	// DefaultRateLimitRPS bounds outbound requests to the marketplace.
	DefaultRateLimitRPS = 2

	DefaultMarketplaceBaseURL = "https://www.2dehands.be"
	DefaultPostalCodeBaseURL  = "https://opzoeken-postcode.be"

	// DefaultUserAgent is sent on every upstream request; the marketplace
	// rejects obviously non-browser clients.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36"

	DefaultQueriesPath  = "data/queries.sqlite3"
	DefaultListingsPath = "data/listings.sqlite3"

	DefaultL1CategoriesPath = "categories/l1_categories.json"
	DefaultL2CategoriesPath = "categories/l2_categories.json"
)

// Config is the root service configuration.
type Config struct {
	Debug       bool              `yaml:"debug"`
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Categories  CategoriesConfig  `yaml:"categories"`
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig configures the pub/sub connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds the sqlite file paths. The query database is shared
// with the admin API; the listings database is owned by the monitor alone.
type DatabaseConfig struct {
	QueriesPath  string `yaml:"queries_path"`
	ListingsPath string `yaml:"listings_path"`
}

// MonitorConfig tunes the polling scheduler and the enrichment pipeline.
type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Tick         time.Duration `yaml:"tick"`
	EnrichLimit  int           `yaml:"enrich_limit"`
	RateLimitRPS int           `yaml:"rate_limit_rps"`
}

// MarketplaceConfig points at the upstream marketplace.
type MarketplaceConfig struct {
	BaseURL           string `yaml:"base_url"`
	PostalCodeBaseURL string `yaml:"postal_code_base_url"`
	UserAgent         string `yaml:"user_agent"`
}

// CategoriesConfig locates the category lookup tables.
type CategoriesConfig struct {
	L1Path string `yaml:"l1_path"`
	L2Path string `yaml:"l2_path"`
}

// Load reads the YAML config at path, applies defaults and environment
// overrides, and validates the result. A missing file is not an error; the
// defaults plus environment form a complete configuration.
func Load(path string) (*Config, error) {
	// .env is optional; ignore a missing file
	_ = godotenv.Load()

	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if unmarshalErr := yaml.Unmarshal(data, cfg); unmarshalErr != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, unmarshalErr)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	setDefaults(cfg)
	overrideWithEnvVars(cfg)

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, validateErr
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive, got %v", c.Monitor.Interval)
	}
	if c.Monitor.Tick <= 0 {
		return fmt.Errorf("monitor.tick must be positive, got %v", c.Monitor.Tick)
	}
	if c.Monitor.EnrichLimit < 0 {
		return fmt.Errorf("monitor.enrich_limit must not be negative, got %d", c.Monitor.EnrichLimit)
	}
	if c.Marketplace.BaseURL == "" {
		return errors.New("marketplace.base_url is required")
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = DefaultServerAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Database.QueriesPath == "" {
		cfg.Database.QueriesPath = DefaultQueriesPath
	}
	if cfg.Database.ListingsPath == "" {
		cfg.Database.ListingsPath = DefaultListingsPath
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = DefaultInterval
	}
	if cfg.Monitor.Tick == 0 {
		cfg.Monitor.Tick = DefaultTick
	}
	if cfg.Monitor.EnrichLimit == 0 {
		cfg.Monitor.EnrichLimit = DefaultEnrichLimit
	}
	if cfg.Monitor.RateLimitRPS == 0 {
		cfg.Monitor.RateLimitRPS = DefaultRateLimitRPS
	}
	if cfg.Marketplace.BaseURL == "" {
		cfg.Marketplace.BaseURL = DefaultMarketplaceBaseURL
	}
	if cfg.Marketplace.PostalCodeBaseURL == "" {
		cfg.Marketplace.PostalCodeBaseURL = DefaultPostalCodeBaseURL
	}
	if cfg.Marketplace.UserAgent == "" {
		cfg.Marketplace.UserAgent = DefaultUserAgent
	}
	if cfg.Categories.L1Path == "" {
		cfg.Categories.L1Path = DefaultL1CategoriesPath
	}
	if cfg.Categories.L2Path == "" {
		cfg.Categories.L2Path = DefaultL2CategoriesPath
	}
}

func overrideWithEnvVars(cfg *Config) {
	if v := os.Getenv("APP_DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("QUERIES_DB_PATH"); v != "" {
		cfg.Database.QueriesPath = v
	}
	if v := os.Getenv("LISTINGS_DB_PATH"); v != "" {
		cfg.Database.ListingsPath = v
	}
	if v := os.Getenv("MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.Interval = d
		}
	}
	if v := os.Getenv("MARKETPLACE_BASE_URL"); v != "" {
		cfg.Marketplace.BaseURL = v
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
