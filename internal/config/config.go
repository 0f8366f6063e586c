package config

import (
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config represents the global ~/.deel/config.toml, with DEEL_* environment
// variables layered on top.
type Config struct {
	DefaultSession string `toml:"default_session" env:"DEEL_SESSION"`
	APIBaseURL     string `toml:"api_base_url" env:"DEEL_API_BASE_URL"`
	SocketURL      string `toml:"socket_url" env:"DEEL_SOCKET_URL"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		APIBaseURL: "https://api.deel.app",
		SocketURL:  "wss://api.deel.app/socket",
	}
}

// Load reads config from the given path and overlays environment variables.
// A missing file is not an error: env vars and defaults still apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	var fileCfg Config
	if _, err := toml.DecodeFile(path, &fileCfg); err == nil {
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	var envCfg Config
	if err := env.Parse(&envCfg); err != nil {
		return nil, err
	}
	if err := mergo.Merge(&cfg, envCfg, mergo.WithOverride); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
