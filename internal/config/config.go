// Package config resolves the runtime configuration for the market data
// collector. Resolution is two layered: compiled-in defaults first, then
// environment variable overrides. Unset variables leave the defaults in
// place; malformed values are ignored rather than guessed at.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ExchangeSettings configures one upstream exchange.
type ExchangeSettings struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled" env:"ENABLE_<NAME>"`
	Priority int    `json:"priority"` // lower collects first
	Timeout  string `json:"timeout"`
}

// DataTypeSettings toggles the collectable data categories.
type DataTypeSettings struct {
	TradingPairs bool `json:"trading_pairs" env:"ENABLE_PAIRS_DATA"`
	Spot         bool `json:"spot" env:"ENABLE_SPOT_DATA"`
	Perpetual    bool `json:"perpetual" env:"ENABLE_PERPETUAL_DATA"`
	OrderBook    bool `json:"orderbook" env:"ENABLE_ORDERBOOK_DATA"`
	FundingRate  bool `json:"funding_rate" env:"ENABLE_FUNDING_DATA"`
}

// CollectionSettings drives the scheduler.
type CollectionSettings struct {
	Interval               string `json:"interval" env:"COLLECTION_INTERVAL"`            // cycle period
	MaxConcurrentExchanges int    `json:"max_concurrent_exchanges" env:"MAX_CONCURRENT_EXCHANGES"`
	InterBatchDelay        string `json:"inter_batch_delay"`                             // pause between exchange batches
	QuoteCurrency          string `json:"quote_currency" env:"QUOTE_CURRENCY"`           // only markets quoted in this currency are collected
}

// RetrySettings configures per-request retry behavior.
type RetrySettings struct {
	MaxAttempts int    `json:"max_attempts" env:"RETRY_ATTEMPTS"`
	BaseDelay   string `json:"base_delay"` // doubles per attempt
}

// CircuitBreakerSettings disables a repeatedly failing exchange for a
// cooldown period.
type CircuitBreakerSettings struct {
	ErrorThreshold int    `json:"error_threshold" env:"ERROR_THRESHOLD"`
	Cooldown       string `json:"cooldown" env:"CIRCUIT_COOLDOWN"`
}

// OrderBookSettings bounds depth collection. Depth is the number of levels
// requested per side; MaxSymbols caps how many top-volume symbols of each
// kind get depth snapshots per cycle.
type OrderBookSettings struct {
	Depth      int `json:"depth" env:"ORDERBOOK_DEPTH"`
	MaxSymbols int `json:"max_symbols" env:"ORDERBOOK_MAX_SYMBOLS"`
}

// StorageSettings configures the embedded database.
type StorageSettings struct {
	DatabasePath string `json:"database_path" env:"DATABASE_PATH"`
}

// APISettings configures the operator HTTP surface.
type APISettings struct {
	Enabled bool   `json:"enabled" env:"ENABLE_API"`
	Port    int    `json:"port" env:"API_PORT"`
	Host    string `json:"host" env:"API_HOST"`
}

// LoggingSettings configures structured logging output.
type LoggingSettings struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"` // json or text
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSizeMB  int    `json:"max_size_mb" env:"LOG_MAX_SIZE"`
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAgeDays int    `json:"max_age_days" env:"LOG_MAX_AGE"`
}

// AppConfig is the resolved application configuration.
type AppConfig struct {
	Exchanges      map[string]ExchangeSettings `json:"exchanges"`
	DataTypes      DataTypeSettings            `json:"data_types"`
	Collection     CollectionSettings          `json:"collection"`
	Retry          RetrySettings               `json:"retry"`
	CircuitBreaker CircuitBreakerSettings      `json:"circuit_breaker"`
	OrderBook      OrderBookSettings           `json:"orderbook"`
	Storage        StorageSettings             `json:"storage"`
	API            APISettings                 `json:"api"`
	Logging        LoggingSettings             `json:"logging"`
	ProxyURL       string                      `json:"proxy_url" env:"HTTPS_PROXY"`
}

// DefaultConfig returns the compiled-in defaults. Order book collection is
// off by default; its per-symbol request fan-out is expensive against public
// rate limits.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Exchanges: map[string]ExchangeSettings{
			"okx":     {Name: "okx", Enabled: true, Priority: 1, Timeout: "30s"},
			"binance": {Name: "binance", Enabled: true, Priority: 2, Timeout: "30s"},
			"bybit":   {Name: "bybit", Enabled: true, Priority: 3, Timeout: "30s"},
		},
		DataTypes: DataTypeSettings{
			TradingPairs: true,
			Spot:         true,
			Perpetual:    true,
			OrderBook:    false,
			FundingRate:  true,
		},
		Collection: CollectionSettings{
			Interval:               "1m",
			MaxConcurrentExchanges: 1,
			InterBatchDelay:        "2s",
			QuoteCurrency:          "USDT",
		},
		Retry: RetrySettings{
			MaxAttempts: 3,
			BaseDelay:   "1s",
		},
		CircuitBreaker: CircuitBreakerSettings{
			ErrorThreshold: 5,
			Cooldown:       "5m",
		},
		OrderBook: OrderBookSettings{
			Depth:      20,
			MaxSymbols: 30,
		},
		Storage: StorageSettings{
			DatabasePath: "./data/market.db",
		},
		API: APISettings{
			Enabled: true,
			Port:    3000,
			Host:    "0.0.0.0",
		},
		Logging: LoggingSettings{
			Level:      "info",
			Format:     "json",
			FilePath:   "",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load resolves the configuration from defaults and environment overrides,
// then validates it.
func Load() (*AppConfig, error) {
	cfg := DefaultConfig()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	for name, ex := range c.Exchanges {
		if v, ok := envBool("ENABLE_" + strings.ToUpper(name)); ok {
			ex.Enabled = v
			c.Exchanges[name] = ex
		}
	}

	if v, ok := envBool("ENABLE_PAIRS_DATA"); ok {
		c.DataTypes.TradingPairs = v
	}
	if v, ok := envBool("ENABLE_SPOT_DATA"); ok {
		c.DataTypes.Spot = v
	}
	if v, ok := envBool("ENABLE_PERPETUAL_DATA"); ok {
		c.DataTypes.Perpetual = v
	}
	if v, ok := envBool("ENABLE_ORDERBOOK_DATA"); ok {
		c.DataTypes.OrderBook = v
	}
	if v, ok := envBool("ENABLE_FUNDING_DATA"); ok {
		c.DataTypes.FundingRate = v
	}

	if v := os.Getenv("COLLECTION_INTERVAL"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Collection.Interval = v
		} else if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			// bare numbers are seconds
			c.Collection.Interval = fmt.Sprintf("%ds", secs)
		}
	}
	if v, ok := envInt("MAX_CONCURRENT_EXCHANGES"); ok && v > 0 {
		c.Collection.MaxConcurrentExchanges = v
	}
	if v := os.Getenv("QUOTE_CURRENCY"); v != "" {
		c.Collection.QuoteCurrency = strings.ToUpper(v)
	}

	if v, ok := envInt("RETRY_ATTEMPTS"); ok && v > 0 {
		c.Retry.MaxAttempts = v
	}
	if v, ok := envInt("ERROR_THRESHOLD"); ok && v > 0 {
		c.CircuitBreaker.ErrorThreshold = v
	}
	if v := os.Getenv("CIRCUIT_COOLDOWN"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.CircuitBreaker.Cooldown = v
		}
	}

	if v, ok := envInt("ORDERBOOK_DEPTH"); ok && v > 0 {
		c.OrderBook.Depth = v
	}
	if v, ok := envInt("ORDERBOOK_MAX_SYMBOLS"); ok && v > 0 {
		c.OrderBook.MaxSymbols = v
	}

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}

	if v, ok := envBool("ENABLE_API"); ok {
		c.API.Enabled = v
	}
	if v, ok := envInt("API_PORT"); ok && v > 0 && v <= 65535 {
		c.API.Port = v
	}
	if v := os.Getenv("API_HOST"); v != "" {
		c.API.Host = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FILE_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		c.ProxyURL = v
	}
}

// Validate rejects configurations the collector cannot run with: no enabled
// exchange, no enabled data type, or malformed durations.
func (c *AppConfig) Validate() error {
	var problems []string

	if len(c.EnabledExchanges()) == 0 {
		problems = append(problems, "at least one exchange must be enabled")
	}

	dt := c.DataTypes
	if !dt.TradingPairs && !dt.Spot && !dt.Perpetual && !dt.OrderBook && !dt.FundingRate {
		problems = append(problems, "at least one data type must be enabled")
	}

	for name, raw := range map[string]string{
		"collection.interval":          c.Collection.Interval,
		"collection.inter_batch_delay": c.Collection.InterBatchDelay,
		"retry.base_delay":             c.Retry.BaseDelay,
		"circuit_breaker.cooldown":     c.CircuitBreaker.Cooldown,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			problems = append(problems, fmt.Sprintf("%s is not a valid duration: %q", name, raw))
		}
	}

	if c.Collection.MaxConcurrentExchanges <= 0 {
		problems = append(problems, "collection.max_concurrent_exchanges must be greater than 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be greater than 0")
	}
	if c.CircuitBreaker.ErrorThreshold <= 0 {
		problems = append(problems, "circuit_breaker.error_threshold must be greater than 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		problems = append(problems, "logging.level must be one of: debug, info, warn, error")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// EnabledExchanges returns the enabled exchange names sorted by ascending
// priority, name as tiebreaker. This ordering fixes batch composition.
func (c *AppConfig) EnabledExchanges() []string {
	type entry struct {
		name     string
		priority int
	}
	var enabled []entry
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			enabled = append(enabled, entry{name, ex.Priority})
		}
	}
	sort.Slice(enabled, func(i, j int) bool {
		if enabled[i].priority != enabled[j].priority {
			return enabled[i].priority < enabled[j].priority
		}
		return enabled[i].name < enabled[j].name
	})

	names := make([]string, len(enabled))
	for i, e := range enabled {
		names[i] = e.name
	}
	return names
}

// EnabledDataTypes returns the enabled data types in collection order.
func (c *AppConfig) EnabledDataTypes() []string {
	var out []string
	if c.DataTypes.TradingPairs {
		out = append(out, "tradingPairs")
	}
	if c.DataTypes.Spot {
		out = append(out, "spot")
	}
	if c.DataTypes.Perpetual {
		out = append(out, "perpetual")
	}
	if c.DataTypes.OrderBook {
		out = append(out, "orderbook")
	}
	if c.DataTypes.FundingRate {
		out = append(out, "fundingRate")
	}
	return out
}

// CollectionInterval parses the configured cycle period. Validate has
// already confirmed the duration is well formed.
func (c *AppConfig) CollectionInterval() time.Duration {
	d, _ := time.ParseDuration(c.Collection.Interval)
	return d
}

// InterBatchDelay parses the pause applied between exchange batches.
func (c *AppConfig) InterBatchDelay() time.Duration {
	d, _ := time.ParseDuration(c.Collection.InterBatchDelay)
	return d
}

// RetryBaseDelay parses the initial retry backoff.
func (c *AppConfig) RetryBaseDelay() time.Duration {
	d, _ := time.ParseDuration(c.Retry.BaseDelay)
	return d
}

// CircuitCooldown parses the circuit breaker cooldown.
func (c *AppConfig) CircuitCooldown() time.Duration {
	d, _ := time.ParseDuration(c.CircuitBreaker.Cooldown)
	return d
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
