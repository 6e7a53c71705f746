package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/p0l0/gruenbeck-cloud/gruenbeck"
)

// loadConfig reads the YAML config file and applies flag and
// environment overrides. Credentials resolve in order: flags,
// environment, config file.
func loadConfig() (gruenbeck.Config, error) {
	path := configPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".config", "gruenbeck", "config.yaml")
		}
	}

	var cfg gruenbeck.Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return gruenbeck.Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && configPath == "":
			// Default location is optional.
		default:
			return gruenbeck.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if username != "" {
		cfg.Username = username
	}
	if password != "" {
		cfg.Password = password
	}
	if v := os.Getenv("GRUENBECK_USERNAME"); cfg.Username == "" && v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("GRUENBECK_PASSWORD"); cfg.Password == "" && v != "" {
		cfg.Password = v
	}
	if statePath != "" {
		cfg.StatePath = statePath
	}
	if cfg.StatePath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StatePath = filepath.Join(home, ".config", "gruenbeck", "state.json")
		}
	}

	if cfg.Username == "" || cfg.Password == "" {
		return gruenbeck.Config{}, fmt.Errorf("username and password are required (config file, flags or GRUENBECK_USERNAME/GRUENBECK_PASSWORD)")
	}

	logger, err := buildLogger()
	if err != nil {
		return gruenbeck.Config{}, err
	}
	cfg.Logger = logger

	return cfg, nil
}

func buildLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}
