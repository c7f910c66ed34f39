package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/msgcache"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, saved snapshot and server status",
	Long:  "Display the current configuration, summarize the saved cache snapshot and check that the server accepts the token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Server:   %s\n", valueOrDefault(cfg.Server.BaseURL, "(not set)"))
		if cfg.Server.Token != "" {
			fmt.Fprintf(out, "  Token:    %s\n", maskKey(cfg.Server.Token))
		} else {
			fmt.Fprintln(out, "  Token:    (not set)")
		}
		fmt.Fprintf(out, "  Account:  %s\n", valueOrDefault(cfg.Account.Email, "(not set)"))
		fmt.Fprintf(out, "  Snapshot: %s\n", valueOrDefault(cfg.Cache.SnapshotPath, "(disabled)"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, err := openSnapshots(cfg)
		if err != nil {
			fmt.Fprintf(out, "  Error opening snapshot store: %v\n", err)
		} else if store != nil {
			defer store.Close()
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Cache:")
			snap, err := store.Load(ctx, accountKey(cfg))
			switch {
			case errors.Is(err, msgcache.ErrNoSnapshot):
				fmt.Fprintln(out, "  No snapshot saved yet. Run 'msgcache sync'.")
			case err != nil:
				fmt.Fprintf(out, "  Error loading snapshot: %v\n", err)
			default:
				s := snap.State
				fmt.Fprintf(out, "  Saved:         %s\n", snap.SavedAt.Format(time.RFC3339))
				fmt.Fprintf(out, "  Messages:      %d\n", s.Messages.Len())
				fmt.Fprintf(out, "  Narrows:       %d\n", s.Narrows.Len())
				fmt.Fprintf(out, "  Conversations: %d\n", s.PmConversations.Len())
			}
		}

		if cfg.Server.BaseURL != "" && cfg.Server.Token != "" {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Live status:")
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			reg, err := client.Register(ctx)
			if err != nil {
				fmt.Fprintf(out, "  Error: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "  User:           %s (%d)\n", reg.Email, reg.UserID)
			fmt.Fprintf(out, "  Queue:          %s\n", reg.QueueID)
			fmt.Fprintf(out, "  Recent PMs:     %d\n", len(reg.RecentPrivateConversations))
			fmt.Fprintf(out, "  Muted topics:   %d\n", len(reg.MutedTopics))
		}

		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
