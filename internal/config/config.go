// Package config loads runtime settings for the exchange binaries.
// Values come from built-in defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config centralises connection strings, topics and economic parameters.
type Config struct {
	Env         string `yaml:"env"`          // "local", "dev", "prod"
	ServiceName string `yaml:"service_name"` // e.g. "market-server", "settlement-worker"
	HTTPPort    string `yaml:"http_port"`

	DatabaseURL  string `yaml:"database_url"`
	RedisURL     string `yaml:"redis_url"`
	KafkaBrokers string `yaml:"kafka_brokers"` // "a:9092,b:9092"

	TopicFixtureResults string `yaml:"topic_fixture_results"`
	TopicMarketEvents   string `yaml:"topic_market_events"`
	ConsumerGroup       string `yaml:"consumer_group"`

	// InternalAPIKey authenticates privileged callers (settlement, credits).
	InternalAPIKey string `yaml:"internal_api_key"`

	Market Market `yaml:"market"`

	LockTimeout time.Duration `yaml:"lock_timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Market holds the economic parameters of the exchange.
type Market struct {
	SettlementRate     decimal.Decimal `yaml:"-"`
	SettlementRateText string          `yaml:"settlement_rate"`
	FloorCents         int64           `yaml:"floor_cents"`
	DefaultTotalShares int64           `yaml:"default_total_shares"`
	Currency           string          `yaml:"currency"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Env:                 "local",
		ServiceName:         "market-server",
		HTTPPort:            "8080",
		DatabaseURL:         "",
		RedisURL:            "",
		KafkaBrokers:        "",
		TopicFixtureResults: "fixtures.results",
		TopicMarketEvents:   "market.events",
		ConsumerGroup:       "settlement-worker",
		Market: Market{
			SettlementRateText: "0.10",
			FloorCents:         1000,
			DefaultTotalShares: 1000,
			Currency:           "USD",
		},
		LockTimeout: 5 * time.Second,
		CacheTTL:    30 * time.Second,
	}
}

// Load resolves the configuration for the named service.
func Load(service string) (Config, error) {
	cfg := Defaults()
	cfg.ServiceName = service

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = getEnv("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.TopicFixtureResults = getEnv("KAFKA_TOPIC_FIXTURE_RESULTS", cfg.TopicFixtureResults)
	cfg.TopicMarketEvents = getEnv("KAFKA_TOPIC_MARKET_EVENTS", cfg.TopicMarketEvents)
	cfg.ConsumerGroup = getEnv("KAFKA_CONSUMER_GROUP", cfg.ConsumerGroup)
	cfg.InternalAPIKey = getEnv("INTERNAL_API_KEY", cfg.InternalAPIKey)
	cfg.Market.SettlementRateText = getEnv("SETTLEMENT_RATE", cfg.Market.SettlementRateText)
	cfg.Market.Currency = getEnv("CURRENCY", cfg.Market.Currency)

	var err error
	if cfg.Market.FloorCents, err = getEnvInt("FLOOR_CENTS", cfg.Market.FloorCents); err != nil {
		return Config{}, err
	}
	if cfg.Market.DefaultTotalShares, err = getEnvInt("DEFAULT_TOTAL_SHARES", cfg.Market.DefaultTotalShares); err != nil {
		return Config{}, err
	}
	if cfg.LockTimeout, err = getEnvDuration("LOCK_TIMEOUT", cfg.LockTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", cfg.CacheTTL); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	rate, err := decimal.NewFromString(c.Market.SettlementRateText)
	if err != nil {
		return fmt.Errorf("config: settlement rate %q: %w", c.Market.SettlementRateText, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: settlement rate %s must be within [0, 1]", rate)
	}
	c.Market.SettlementRate = rate

	if c.Market.FloorCents < 0 {
		return fmt.Errorf("config: floor_cents must be >= 0, got %d", c.Market.FloorCents)
	}
	if c.Market.DefaultTotalShares <= 0 {
		return fmt.Errorf("config: default_total_shares must be > 0, got %d", c.Market.DefaultTotalShares)
	}
	// A team at the floor must still price at one cent or more.
	if 2*c.Market.FloorCents < c.Market.DefaultTotalShares {
		return fmt.Errorf("config: floor_cents %d prices %d shares below one cent; need at least %d",
			c.Market.FloorCents, c.Market.DefaultTotalShares, (c.Market.DefaultTotalShares+1)/2)
	}
	if len(c.Market.Currency) != 3 {
		return fmt.Errorf("config: currency %q must be an ISO 4217 code", c.Market.Currency)
	}
	c.Market.Currency = strings.ToUpper(c.Market.Currency)
	return nil
}

// Brokers splits KafkaBrokers into addresses.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// getEnv returns the environment variable or the default.
func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvInt(key string, def int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	return d, nil
}
