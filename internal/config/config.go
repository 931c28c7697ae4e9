package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Flowise  FlowiseConfig  `mapstructure:"flowise"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
	// AdminToken guards the administrative endpoints; when empty they
	// reject every request.
	AdminToken string `mapstructure:"admin_token"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite3" or "mysql"
	DSN      string `mapstructure:"dsn"`    // sqlite file path or "memory"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// FlowiseConfig points at the external answer-generation service. Models
// maps a public model name to the chatflow id serving it. FallbackPhrases
// and Apology drive the "I don't know" normalization; when empty the
// built-in defaults apply.
type FlowiseConfig struct {
	BaseURL         string            `mapstructure:"base_url"`
	APIKey          string            `mapstructure:"api_key"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	Models          map[string]string `mapstructure:"models"`
	DefaultModel    string            `mapstructure:"default_model"`
	FallbackPhrases []string          `mapstructure:"fallback_phrases"`
	Apology         string            `mapstructure:"apology"`
}

type TelegramConfig struct {
	BotToken    string        `mapstructure:"bot_token"`
	BaseURL     string        `mapstructure:"base_url"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	Enabled     bool          `mapstructure:"enabled"`
}

type QuotaConfig struct {
	MonthlyTokenLimit int64 `mapstructure:"monthly_token_limit"`
}

type WorkerConfig struct {
	MinWorkers  int           `mapstructure:"min_workers"`
	MaxWorkers  int           `mapstructure:"max_workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// Load reads configuration from the provided path (defaults to
// config.yaml in the working directory) with EDUASSIST_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetDefault("server.address", ":8090")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./data/eduassist.db")
	v.SetDefault("flowise.default_model", "Gemini")
	v.SetDefault("flowise.timeout", 120*time.Second)
	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", 30*time.Second)
	v.SetDefault("quota.monthly_token_limit", 100_000)
	v.SetDefault("worker.min_workers", 1)
	v.SetDefault("worker.max_workers", 4)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("worker.idle_timeout", 5*time.Minute)

	v.SetEnvPrefix("EDUASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// no config file is fine, defaults plus env carry the rest
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// secrets may come from unprefixed env vars when not set in the file
	if cfg.Flowise.APIKey == "" {
		cfg.Flowise.APIKey = os.Getenv("FLOWISE_API_KEY")
	}
	if cfg.Telegram.BotToken == "" {
		cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	return &cfg, nil
}
