package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TargetDir         string        `envconfig:"TARGET_DIR" required:"true"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	EventQueueSize    int           `envconfig:"EVENT_QUEUE_SIZE" default:"256"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepSessionsFor   time.Duration `envconfig:"KEEP_SESSIONS_FOR" default:"24h"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	HTTP struct {
		CheckpointBytes    int64         `split_words:"true" default:"8388608"`
		CheckpointInterval time.Duration `split_words:"true" default:"5s"`
		RetryAttempts      uint          `split_words:"true" default:"5"`
	}

	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`

	Swarm struct {
		DataDir            string        `split_words:"true" default:"swarm"`
		Seed               bool          `default:"false"`
		ListenPort         int           `split_words:"true" default:"42069"`
		CheckpointInterval time.Duration `split_words:"true" default:"30s"`
		MetadataTimeout    time.Duration `split_words:"true" default:"10m"`
	}

	Transmission struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `default:"true"`
		ServiceName  string `split_words:"true" default:"downloadmanager"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
