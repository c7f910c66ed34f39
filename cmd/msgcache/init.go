package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Store server URL and token in ~/.msgcache/config.toml",
	Long:  "Initialize the msgcache CLI by storing the chat server URL and API token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.BaseURL = args[0]
		cfg.Server.Token = args[1]
		if cfg.Cache.SnapshotPath == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Cache.SnapshotPath = filepath.Join(dir, "cache.db")
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "info"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
		return nil
	},
}
