// Package config loads client configuration from defaults, an optional
// YAML file, and GROUPSYNC_-prefixed environment variables, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GROUPSYNC_"

// Backoff tunes the reconnect loop.
type Backoff struct {
	Initial time.Duration `koanf:"initial"`
	Max     time.Duration `koanf:"max"`
}

// Config is the full client configuration.
type Config struct {
	Endpoint      string        `koanf:"endpoint"`
	HistoryURL    string        `koanf:"history_url"`
	Token         string        `koanf:"token"`
	UserID        string        `koanf:"user_id"`
	DisplayName   string        `koanf:"display_name"`
	Backoff       Backoff       `koanf:"backoff"`
	InvokeTimeout time.Duration `koanf:"invoke_timeout"`
	TypingTTL     time.Duration `koanf:"typing_ttl"`
	VoteErrorTTL  time.Duration `koanf:"vote_error_ttl"`
	LogLevel      string        `koanf:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Endpoint:      "ws://localhost:8088/ws",
		HistoryURL:    "http://localhost:8088",
		Backoff:       Backoff{Initial: time.Second, Max: 32 * time.Second},
		InvokeTimeout: 10 * time.Second,
		TypingTTL:     5 * time.Second,
		VoteErrorTTL:  5 * time.Second,
		LogLevel:      "info",
	}
}

// Load builds the configuration. path may be empty or point to a YAML
// file; a missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
