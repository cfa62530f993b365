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
	DBPath      string `envconfig:"DB_PATH" default:"transfers.db"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`

	MaxParallel  int           `envconfig:"MAX_PARALLEL" default:"5"`
	MaxRetries   int           `envconfig:"MAX_RETRIES" default:"-1"`
	TickInterval time.Duration `envconfig:"TICK_INTERVAL" default:"500ms"`

	RetryOnNetworkGain bool          `envconfig:"RETRY_ON_NETWORK_GAIN" default:"true"`
	ProbeAddress       string        `envconfig:"PROBE_ADDRESS"`
	ProbeInterval      time.Duration `envconfig:"PROBE_INTERVAL" default:"30s"`

	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"0"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	TelemetryEnabled  bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`

	Serve struct {
		BindAddress    string        `split_words:"true" default:"0.0.0.0:7070"`
		Dir            string        `split_words:"true"`
		Token          string        `split_words:"true"`
		RequestTimeout time.Duration `split_words:"true" default:"20s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
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
