package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokuchat/streamclient/internal/stream"
)

type config struct {
	BaseURL        string `yaml:"baseURL"`
	Token          string `yaml:"token"`
	SimpleLanguage bool   `yaml:"simpleLanguage"`

	InactivityTimeoutSeconds int `yaml:"inactivityTimeoutSeconds"`
	MaxRetries               int `yaml:"maxRetries"`
	RetryDelaySeconds        int `yaml:"retryDelaySeconds"`
	PublishEvery             int `yaml:"publishEvery"`

	QueuePath string `yaml:"queuePath"`
	QueueCap  int    `yaml:"queueCap"`

	LogLevel string `yaml:"logLevel"`
}

// loadConfig reads the YAML config from the user config directory, then lets
// environment variables override the secrets. A missing config file is fine;
// everything can come from the environment.
func loadConfig() (config, error) {
	cfg := config{}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return config{}, fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "chatstream")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return config{}, fmt.Errorf("error creating config directory: %w", err)
	}

	cfgFile, err := os.Open(filepath.Join(cfgPath, "config.yaml"))
	if err == nil {
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	if v := os.Getenv("CHATSTREAM_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("CHATSTREAM_TOKEN"); v != "" {
		cfg.Token = v
	}

	if cfg.BaseURL == "" {
		return config{}, fmt.Errorf("baseURL is required (config file or CHATSTREAM_BASE_URL)")
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = filepath.Join(cfgPath, "queue.db")
	}

	return cfg, nil
}

func (c config) streamConfig() stream.Config {
	return stream.Config{
		InactivityTimeout: time.Duration(c.InactivityTimeoutSeconds) * time.Second,
		MaxRetries:        c.MaxRetries,
		RetryDelay:        time.Duration(c.RetryDelaySeconds) * time.Second,
		SimpleLanguage:    c.SimpleLanguage,
		PublishEvery:      c.PublishEvery,
	}
}

func (c config) logLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", c.LogLevel)
	}
}
