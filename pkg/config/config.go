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

// Trading modes
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config holds all process-level configuration for the trading engine
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
// Trading parameters (risk, exit, execution) live in the YAML file loaded by
// internal/tradeconfig; this struct only points at it.
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Broker
	Broker BrokerConfig

	// Trading runtime
	Trading TradingConfig

	// Leader lease
	Leader LeaderConfig

	// Logging
	LogLevel  string
	LogFormat string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// BrokerConfig holds the broker REST API configuration
type BrokerConfig struct {
	APIKey      string
	AccessToken string
	BaseURL     string
	// RequestsPerSecond caps REST calls of every kind (orders, order book, margins)
	RequestsPerSecond int
	Timeout           time.Duration
}

// TradingConfig holds engine runtime settings
type TradingConfig struct {
	Mode         string // paper, live
	InstanceID   string
	ConfigPath   string // YAML trading parameters
	PaperCapital float64
	Standby      bool
}

// LeaderConfig holds leader lease settings
type LeaderConfig struct {
	Key          string
	TTL          time.Duration
	RefreshEvery time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
		},

		Broker: BrokerConfig{
			APIKey:            getEnv("BROKER_API_KEY", ""),
			AccessToken:       getEnv("BROKER_ACCESS_TOKEN", ""),
			BaseURL:           getEnv("BROKER_BASE_URL", "https://api.kite.trade"),
			RequestsPerSecond: getEnvAsInt("BROKER_RPS", 10),
			Timeout:           getEnvAsDuration("BROKER_TIMEOUT", "5s"),
		},

		Trading: TradingConfig{
			Mode:         strings.ToLower(getEnv("TRADING_MODE", ModePaper)),
			InstanceID:   getEnv("INSTANCE_ID", defaultInstanceID()),
			ConfigPath:   getEnv("TRADING_CONFIG", "config/trading.yaml"),
			PaperCapital: getEnvAsFloat("PAPER_CAPITAL", 1_000_000),
			Standby:      getEnvAsBool("STANDBY", false),
		},

		Leader: LeaderConfig{
			Key:          getEnv("LEADER_LOCK_KEY", "intraday:leader"),
			TTL:          getEnvAsDuration("LEADER_TTL", "15s"),
			RefreshEvery: getEnvAsDuration("LEADER_REFRESH", "5s"),
			BackoffBase:  getEnvAsDuration("LEADER_BACKOFF_BASE", "1s"),
			BackoffMax:   getEnvAsDuration("LEADER_BACKOFF_MAX", "30s"),
		},

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// IsLive reports whether real orders are sent to the broker
func (c *Config) IsLive() bool {
	return c.Trading.Mode == ModeLive
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if c.Trading.Mode != ModePaper && c.Trading.Mode != ModeLive {
		return fmt.Errorf("TRADING_MODE must be one of: paper, live")
	}

	// live trading never runs without durable state or a broker session
	if c.IsLive() {
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required in live mode")
		}
		if c.Broker.AccessToken == "" || c.Broker.APIKey == "" {
			return fmt.Errorf("BROKER_API_KEY and BROKER_ACCESS_TOKEN are required in live mode")
		}
	}

	if c.Leader.RefreshEvery <= 0 || c.Leader.RefreshEvery*2 > c.Leader.TTL {
		return fmt.Errorf("LEADER_REFRESH (%s) must be at most half of LEADER_TTL (%s)", c.Leader.RefreshEvery, c.Leader.TTL)
	}

	return nil
}

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	paths := []string{".env"}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "intraday"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
