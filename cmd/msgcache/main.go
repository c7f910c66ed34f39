package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.msgcache/config.toml.
type Config struct {
	Server  ConfigServer  `toml:"server"`
	Account ConfigAccount `toml:"account"`
	Cache   ConfigCache   `toml:"cache"`
	NATS    ConfigNATS    `toml:"nats"`
	Webhook ConfigWebhook `toml:"webhook"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigServer holds the chat server endpoint and credentials.
type ConfigServer struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// ConfigAccount identifies the local user.
type ConfigAccount struct {
	UserID int64  `toml:"user_id"`
	Email  string `toml:"email"`
}

// ConfigCache controls snapshot persistence and invariant checking.
type ConfigCache struct {
	SnapshotPath     string `toml:"snapshot_path"`
	StrictInvariants bool   `toml:"strict_invariants"`
}

// ConfigNATS points `sync --nats` at an event bus instead of the websocket.
type ConfigNATS struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

// ConfigWebhook lets `sync --webhook` accept signed event pushes over HTTP.
type ConfigWebhook struct {
	Listen string `toml:"listen"`
	Secret string `toml:"secret"`
}

type ConfigLog struct {
	Level string `toml:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.msgcache, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".msgcache")
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

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			u, err := url.Parse(value)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("server.base_url must be an http(s) URL, got %q", value)
			}
			cfg.Server.BaseURL = value
		case "token":
			cfg.Server.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "account":
		switch field {
		case "user_id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("account.user_id must be an integer: %w", err)
			}
			cfg.Account.UserID = id
		case "email":
			cfg.Account.Email = value
		default:
			return fmt.Errorf("unknown field %q in section [account]", field)
		}
	case "cache":
		switch field {
		case "snapshot_path":
			cfg.Cache.SnapshotPath = value
		case "strict_invariants":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("cache.strict_invariants must be a boolean: %w", err)
			}
			cfg.Cache.StrictInvariants = b
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "nats":
		switch field {
		case "url":
			cfg.NATS.URL = value
		case "subject":
			cfg.NATS.Subject = value
		default:
			return fmt.Errorf("unknown field %q in section [nats]", field)
		}
	case "webhook":
		switch field {
		case "listen":
			cfg.Webhook.Listen = value
		case "secret":
			cfg.Webhook.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [webhook]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, account, cache, nats, webhook, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "msgcache",
	Short: "Local message cache CLI",
	Long:  "Command-line interface for the msgcache library.\nSync a chat account into a local cache, replay recorded events and inspect the result.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (debug, info, warn, error); overrides log.level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
