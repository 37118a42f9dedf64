package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Business  BusinessConfig  `mapstructure:"business"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	OwnerChatID int64  `mapstructure:"owner_chat_id"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

// RedisConfig is optional; with an empty Addr the scheduler runs without
// the idempotency guard.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	Interval    time.Duration   `mapstructure:"interval"`
	Thresholds  []time.Duration `mapstructure:"thresholds"`
	SendTimeout time.Duration   `mapstructure:"send_timeout"`
	MarkLost    bool            `mapstructure:"mark_lost"`
}

// MaxFollowUps is the number of configured tiers; a lead never receives
// more follow-ups than this.
func (c SchedulerConfig) MaxFollowUps() int { return len(c.Thresholds) }

// ModelRates holds per-million-token prices in integer cents.
type ModelRates struct {
	InputCentsPerMillion      int64 `mapstructure:"input"`
	OutputCentsPerMillion     int64 `mapstructure:"output"`
	CacheWriteCentsPerMillion int64 `mapstructure:"cache_write"`
	CacheReadCentsPerMillion  int64 `mapstructure:"cache_read"`
}

type PricingConfig struct {
	Models       map[string]ModelRates `mapstructure:"models"`
	DefaultModel string                `mapstructure:"default_model"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type BusinessConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	// Materials is the text sent when the assistant offers more details.
	Materials string `mapstructure:"materials"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("redis.db", 0)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 1024)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.timeout", "30s")
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.thresholds", []string{"24h", "48h"})
	v.SetDefault("scheduler.send_timeout", "15s")
	v.SetDefault("scheduler.mark_lost", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("business.name", "Lead Assistant")

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if addr := v.GetString("REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if len(c.Scheduler.Thresholds) == 0 {
		return fmt.Errorf("scheduler: at least one follow-up threshold is required")
	}
	for i := 1; i < len(c.Scheduler.Thresholds); i++ {
		if c.Scheduler.Thresholds[i] <= c.Scheduler.Thresholds[i-1] {
			return fmt.Errorf("scheduler: thresholds must be strictly increasing, got %v", c.Scheduler.Thresholds)
		}
	}
	// A missing pricing table would silently cost every call at zero.
	if c.Pricing.DefaultModel == "" {
		return fmt.Errorf("pricing: default_model is required")
	}
	if _, ok := c.Pricing.Models[c.Pricing.DefaultModel]; !ok {
		return fmt.Errorf("pricing: default_model %q has no rate entry", c.Pricing.DefaultModel)
	}
	return nil
}
