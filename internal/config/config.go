package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/discord_archiver/internal/logctx"
)

// Config struct for environment variables.
type Config struct {
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"archive.db"`
	DBBusyTimeout     time.Duration `envconfig:"DB_BUSY_TIMEOUT" default:"5s"`
	DBDebug           bool          `envconfig:"DB_DEBUG"`

	Download struct {
		Concurrency      int           `split_words:"true" default:"4"`
		MaxBytesPerItem  int64         `split_words:"true"`
		AutoStart        bool          `split_words:"true"`
		BatchSize        int           `split_words:"true" default:"25"`
		PollInterval     time.Duration `split_words:"true" default:"2s"`
		MinBackoff       time.Duration `split_words:"true" default:"100ms"`
		MaxBackoff       time.Duration `split_words:"true" default:"10s"`
		ProgressThrottle time.Duration `split_words:"true" default:"100ms"`
		StopTimeout      time.Duration `split_words:"true" default:"30s"`
	}

	Fetch struct {
		Timeout        time.Duration `split_words:"true" default:"30s"`
		MaxAttempts    int           `split_words:"true" default:"1"`
		InitialBackoff time.Duration `split_words:"true" default:"1s"`
		MaxBackoff     time.Duration `split_words:"true" default:"30s"`
		UserAgent      string        `split_words:"true"`
	}

	Export struct {
		// BucketURL is a gocloud.dev bucket URL, e.g. file:///srv/archive or s3://bucket?region=eu-west-1.
		BucketURL   string `split_words:"true"`
		Concurrency int    `split_words:"true" default:"3"`
	}

	Telemetry struct {
		Enabled         bool          `split_words:"true" default:"true"`
		ServiceName     string        `split_words:"true" default:"discord_archiver"`
		ServiceVersion  string        `split_words:"true" default:"dev"`
		OTLPEndpoint    string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure    bool          `envconfig:"OTLP_INSECURE"`
		MetricsInterval time.Duration `split_words:"true" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:50000"`
		Token           string        `split_words:"true"`
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

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Download.Concurrency < 1 {
		return fmt.Errorf("DOWNLOAD_CONCURRENCY must be at least 1, got %d", c.Download.Concurrency)
	}

	if c.Download.MaxBytesPerItem < 0 {
		return fmt.Errorf("DOWNLOAD_MAX_BYTES_PER_ITEM must not be negative, got %d", c.Download.MaxBytesPerItem)
	}

	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("FETCH_MAX_ATTEMPTS must be at least 1, got %d", c.Fetch.MaxAttempts)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	return logctx.ParseLevel(c.LogLevel)
}
