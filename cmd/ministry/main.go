package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.ministry/config.toml.
type Config struct {
	Store ConfigStore `toml:"store"`
	Push  ConfigPush  `toml:"push"`
}

// ConfigStore holds the hosted data store connection settings.
type ConfigStore struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// ConfigPush holds push notification settings.
type ConfigPush struct {
	ServerKey string `toml:"server_key"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.ministry, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ministry")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "store.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. store.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "store":
		switch field {
		case "url":
			cfg.Store.URL = value
		case "api_key":
			cfg.Store.APIKey = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "push":
		switch field {
		case "server_key":
			cfg.Push.ServerKey = value
		default:
			return fmt.Errorf("unknown field %q in section [push]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: store, push)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "ministry",
	Short: "Men's Ministry Connect CLI",
	Long:  "Command-line client for Men's Ministry Connect.\nChat in ministry rooms, RSVP to events, and run the push worker.",
}

func main() {
	flag.Parse()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
