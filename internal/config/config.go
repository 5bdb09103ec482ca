// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TickRule maps a price ceiling to an exchange tick size.
// Rules are evaluated in order; the first rule whose UpTo is zero or greater
// than the price wins. UpTo == 0 means "no ceiling".
type TickRule struct {
	UpTo float64
	Tick float64
}

// Config holds application configuration
type Config struct {
	DataDir    string // Base directory for the trading database
	Port       int
	LogLevel   string
	DevMode    bool
	AdminToken string // required for schedule edits and admin-only tasks

	// Broker credentials and endpoints
	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerWSURL     string

	// Supervisor tuning
	MonitorInterval   time.Duration // order monitor tick (default 60s)
	PlaceVerifyDelay  time.Duration // post-placement verification delay, clamped to [10s, 30s]
	MaxPortfolioSize  int
	CapitalPerTrade   float64
	StopGracePeriod   time.Duration
	RunOnceDeadline   time.Duration
	BrokerCallTimeout time.Duration

	// Price cache staleness budgets
	MaxStalenessOpen   time.Duration // during market hours
	MaxStalenessClosed time.Duration // outside market hours

	// Notification rate limits (sliding windows)
	NotifyPerMinute int
	NotifyPerHour   int

	// Market calendar
	MarketTimezone string
	MarketOpen     string   // "09:15"
	MarketClose    string   // "15:30"
	Holidays       []string // YYYY-MM-DD

	// Exchange tick-size table, ordered by price ceiling
	TickRules []TickRule
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("VIGIL_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:    absDataDir,
		Port:       getEnvAsInt("PORT", 8002),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		DevMode:    getEnvAsBool("DEV_MODE", false),
		AdminToken: getEnv("ADMIN_TOKEN", ""),

		BrokerAPIKey:    getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: getEnv("BROKER_API_SECRET", ""),
		BrokerWSURL:     getEnv("BROKER_WS_URL", ""),

		MonitorInterval:   getEnvAsSeconds("MONITOR_INTERVAL_SECONDS", 60),
		PlaceVerifyDelay:  clampDuration(getEnvAsSeconds("PLACE_VERIFY_DELAY_SECONDS", 15), 10*time.Second, 30*time.Second),
		MaxPortfolioSize:  getEnvAsInt("MAX_PORTFOLIO_SIZE", 6),
		CapitalPerTrade:   getEnvAsFloat("CAPITAL_PER_TRADE", 15000),
		StopGracePeriod:   getEnvAsSeconds("STOP_GRACE_PERIOD_SECONDS", 30),
		RunOnceDeadline:   getEnvAsSeconds("RUN_ONCE_DEADLINE_SECONDS", 300),
		BrokerCallTimeout: getEnvAsSeconds("BROKER_CALL_TIMEOUT_SECONDS", 15),

		MaxStalenessOpen:   getEnvAsSeconds("MAX_STALENESS_SECONDS", 30),
		MaxStalenessClosed: getEnvAsSeconds("MAX_STALENESS_CLOSED_SECONDS", 300),

		NotifyPerMinute: getEnvAsInt("NOTIFY_PER_MINUTE", 10),
		NotifyPerHour:   getEnvAsInt("NOTIFY_PER_HOUR", 100),

		MarketTimezone: getEnv("MARKET_TIMEZONE", "Asia/Kolkata"),
		MarketOpen:     getEnv("MARKET_OPEN", "09:15"),
		MarketClose:    getEnv("MARKET_CLOSE", "15:30"),
		Holidays:       getEnvAsList("HOLIDAYS"),

		TickRules: defaultTickRules(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and well-formed
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.MarketTimezone); err != nil {
		return fmt.Errorf("invalid market timezone %q: %w", c.MarketTimezone, err)
	}
	if _, _, err := ParseClock(c.MarketOpen); err != nil {
		return fmt.Errorf("invalid market open time: %w", err)
	}
	if _, _, err := ParseClock(c.MarketClose); err != nil {
		return fmt.Errorf("invalid market close time: %w", err)
	}
	if c.MaxPortfolioSize <= 0 {
		return fmt.Errorf("max portfolio size must be positive, got %d", c.MaxPortfolioSize)
	}
	for _, d := range c.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("invalid holiday date %q (expected YYYY-MM-DD): %w", d, err)
		}
	}
	return nil
}

// ParseClock parses an "HH:MM" string into hour and minute components
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// defaultTickRules returns the default NSE equity tick table.
// Exchanges with segment-specific ticks override via TICK_RULES
// ("100:0.01,0:0.05" = 0.01 below 100, 0.05 above).
func defaultTickRules() []TickRule {
	raw := getEnv("TICK_RULES", "")
	if raw == "" {
		return []TickRule{{UpTo: 0, Tick: 0.05}}
	}

	var rules []TickRule
	for _, part := range strings.Split(raw, ",") {
		fields := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(fields) != 2 {
			continue
		}
		upTo, err1 := strconv.ParseFloat(fields[0], 64)
		tick, err2 := strconv.ParseFloat(fields[1], 64)
		if err1 != nil || err2 != nil || tick <= 0 {
			continue
		}
		rules = append(rules, TickRule{UpTo: upTo, Tick: tick})
	}
	if len(rules) == 0 {
		return []TickRule{{UpTo: 0, Tick: 0.05}}
	}
	return rules
}

// TickFor returns the tick size applicable to the given price
func (c *Config) TickFor(price float64) float64 {
	for _, r := range c.TickRules {
		if r.UpTo == 0 || price < r.UpTo {
			return r.Tick
		}
	}
	return c.TickRules[len(c.TickRules)-1].Tick
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

func getEnvAsList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
