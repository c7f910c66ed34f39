package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowReveal bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "print the token and webhook secret unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage msgcache configuration",
	Long:  "View or modify the msgcache CLI configuration stored in ~/.msgcache/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration with credentials masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'msgcache init <base-url> <token>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return renderConfig(cmd.OutOrStdout(), cfg, configShowReveal)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: msgcache config set cache.snapshot_path ~/.msgcache/cache.db",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if secretKeys[key] {
			value = maskSecret(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

// secretKeys are never echoed in full.
var secretKeys = map[string]bool{
	"server.token":   true,
	"webhook.secret": true,
}

// renderConfig prints cfg as TOML followed by the snapshot row it maps to.
// Credentials are masked unless reveal is set.
func renderConfig(w io.Writer, cfg *Config, reveal bool) error {
	shown := *cfg
	if !reveal {
		shown.Server.Token = maskSecret(shown.Server.Token)
		shown.Webhook.Secret = maskSecret(shown.Webhook.Secret)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	fmt.Fprint(w, string(data))
	if cfg.Cache.SnapshotPath != "" && cfg.Server.BaseURL != "" {
		fmt.Fprintf(w, "\n# snapshot account: %s\n", accountKey(cfg))
	}
	return nil
}

// maskSecret keeps the last four characters of long secrets.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "********"
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
