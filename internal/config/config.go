package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// CIConfig holds the application configuration
type CIConfig struct {
	Database struct {
		Host        string `mapstructure:"host"`
		Port        int    `mapstructure:"port"`
		User        string `mapstructure:"user"`
		Password    string `mapstructure:"password"`
		Name        string `mapstructure:"name"`
		SSLMode     string `mapstructure:"sslmode"`
		MaxConns    int32  `mapstructure:"max_conns"`
		AutoMigrate bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"database"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Worker struct {
		ID                string        `mapstructure:"id"`
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
		DeployStages      []string      `mapstructure:"deploy_stages"`
		Environments      []string      `mapstructure:"environments"`
		LockTTL           time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"worker"`

	Sweep struct {
		Schedule         string        `mapstructure:"schedule"`
		StaleAfter       time.Duration `mapstructure:"stale_after"`
		OutboxStaleAfter time.Duration `mapstructure:"outbox_stale_after"`
	} `mapstructure:"sweep"`

	Outbox struct {
		WebhookURL     string        `mapstructure:"webhook_url"`
		Events         []string      `mapstructure:"events"`
		MaxRetries     int           `mapstructure:"max_retries"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"outbox"`

	Stream struct {
		Backend        string        `mapstructure:"backend"`
		ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
		BufferSize     int           `mapstructure:"buffer_size"`
		Redis          struct {
			Host     string `mapstructure:"host"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"stream"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*CIConfig, error) {
	loadDotEnv()

	// can specify config path from environment
	if path, exists := os.LookupEnv("CIR_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// no config file anywhere, run purely on defaults and environment
		return unmarshal(v)
	}
	return config, nil
}

// loadDotEnv reads a .env file in the working directory into the process environment, if present.
// Values already set in the environment win.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Could not read .env file")
	}
}

func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "cirunner")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", false)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Worker defaults
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.shutdown_grace", "30s")
	v.SetDefault("worker.deploy_stages", []string{"deploy"})
	v.SetDefault("worker.environments", []string{"production", "staging", "dev", "test"})
	v.SetDefault("worker.lock_ttl", "1h")

	// Sweep defaults
	v.SetDefault("sweep.schedule", "@every 15s")
	v.SetDefault("sweep.stale_after", "30s")
	v.SetDefault("sweep.outbox_stale_after", "5m")

	// Outbox defaults
	v.SetDefault("outbox.webhook_url", "")
	v.SetDefault("outbox.events", []string{})
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.request_timeout", "10s")

	// Stream defaults
	v.SetDefault("stream.backend", "postgres")
	v.SetDefault("stream.reconnect_delay", "1s")
	v.SetDefault("stream.buffer_size", 256)
	v.SetDefault("stream.redis.host", "localhost:6379")
	v.SetDefault("stream.redis.password", "")
	v.SetDefault("stream.redis.db", 0)

	// Log defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetEnvPrefix("CIR")                              // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*CIConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}

	config, err := unmarshal(v)
	if err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}
	return config, nil
}

func unmarshal(v *viper.Viper) (*CIConfig, error) {
	var config CIConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *CIConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// ConfigureLogging applies the log level and format to the global zerolog logger
func (c *CIConfig) ConfigureLogging() {
	zerolog.SetGlobalLevel(c.ZerologLevel())
	if strings.EqualFold(c.LogFormat, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// ZerologLevel parses LogLevel, falling back to info for unknown values
func (c *CIConfig) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
