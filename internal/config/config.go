package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg *Config
	mu  sync.RWMutex
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Email    EmailConfig    `mapstructure:"email"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig controls the Postgres connection.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig controls the optional shared dedup store.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EmailConfig controls mail processing behavior.
type EmailConfig struct {
	// PollSchedule is a six-field cron expression for mailbox polling.
	PollSchedule string `mapstructure:"poll_schedule"`
	// Dedup windows; zero values fall back to the built-in defaults.
	DedupTTL          time.Duration `mapstructure:"dedup_ttl"`
	ParentWindow      time.Duration `mapstructure:"parent_window"`
	FingerprintWindow time.Duration `mapstructure:"fingerprint_window"`
	// MinFuzzySubjectLen gates fuzzy subject matching.
	MinFuzzySubjectLen int `mapstructure:"min_fuzzy_subject_len"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the given directory (config.yaml) plus
// HELPDESK_-prefixed environment variables, and watches the file for
// changes. Reload swaps the shared config atomically.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults may be enough.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	v.SetEnvPrefix("HELPDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	cfg = loaded
	mu.Unlock()

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		next := &Config{}
		if err := v.Unmarshal(next); err != nil {
			fmt.Printf("config: reload of %s failed: %v\n", e.Name, err)
			return
		}
		if err := next.Validate(); err != nil {
			fmt.Printf("config: reload of %s rejected: %v\n", e.Name, err)
			return
		}
		mu.Lock()
		cfg = next
		mu.Unlock()
	})

	return loaded, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	// Empty defaults register the keys so env-only values survive Unmarshal.
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("email.poll_schedule", "0 */2 * * * *")
	v.SetDefault("logging.level", "info")
}

// Get returns the current configuration, which may have been hot-reloaded.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Validate fails fast on configuration the process cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
		return errors.New("config: database host, name and user are required")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("config: redis enabled but no host configured")
	}
	if c.Email.PollSchedule != "" && len(strings.Fields(c.Email.PollSchedule)) != 6 {
		return fmt.Errorf("config: poll schedule %q is not a six-field cron expression", c.Email.PollSchedule)
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Addr returns the Redis server address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the HTTP listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
