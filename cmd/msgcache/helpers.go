package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/msgcache"
)

// newClient creates an API client from the [server] section.
func newClient(cfg *Config) (*msgcache.Client, error) {
	if cfg.Server.BaseURL == "" || cfg.Server.Token == "" {
		return nil, errors.New("no server configured. Run 'msgcache init <base-url> <token>' first")
	}
	return msgcache.NewClient(cfg.Server.Token, msgcache.WithBaseURL(cfg.Server.BaseURL)), nil
}

// newLogger builds a console logger on stderr. The --log-level flag wins
// over log.level.
func newLogger(cfg *Config) zerolog.Logger {
	level := cfg.Log.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().Timestamp().Logger()
}

func identity(cfg *Config) msgcache.Identity {
	return msgcache.Identity{UserID: cfg.Account.UserID, Email: cfg.Account.Email}
}

// accountKey names the snapshot row of the configured account.
func accountKey(cfg *Config) string {
	server := strings.TrimRight(cfg.Server.BaseURL, "/")
	if cfg.Account.Email != "" {
		return cfg.Account.Email + "@" + server
	}
	return fmt.Sprintf("%d@%s", cfg.Account.UserID, server)
}

// openSnapshots opens the snapshot database, or returns nil if none is configured.
func openSnapshots(cfg *Config) (*msgcache.SQLiteSnapshotStore, error) {
	if cfg.Cache.SnapshotPath == "" {
		return nil, nil
	}
	return msgcache.NewSQLiteSnapshotStore(cfg.Cache.SnapshotPath)
}

// ============================================================================
// Narrow flags
// ============================================================================

type narrowFlags struct {
	stream  int64
	topic   string
	pm      []int64
	special string
	search  string
}

func (f *narrowFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.stream, "stream", 0, "stream id")
	cmd.Flags().StringVar(&f.topic, "topic", "", "topic within --stream")
	cmd.Flags().Int64SliceVar(&f.pm, "pm", nil, "private conversation with these user ids")
	cmd.Flags().StringVar(&f.special, "is", "", "special narrow: private, starred or mentioned")
	cmd.Flags().StringVar(&f.search, "search", "", "full-text search query")
}

func (f *narrowFlags) narrow() (msgcache.Narrow, error) {
	switch {
	case f.search != "":
		return msgcache.SearchNarrow(f.search), nil
	case len(f.pm) > 0:
		return msgcache.PmNarrow(f.pm...), nil
	case f.special != "":
		switch f.special {
		case "private", "starred", "mentioned":
			return msgcache.SpecialNarrow(f.special), nil
		}
		return nil, fmt.Errorf("unknown special narrow %q", f.special)
	case f.topic != "":
		if f.stream == 0 {
			return nil, errors.New("--topic requires --stream")
		}
		return msgcache.TopicNarrow(f.stream, f.topic), nil
	case f.stream != 0:
		return msgcache.StreamNarrow(f.stream), nil
	}
	return msgcache.HomeNarrow(), nil
}

// ============================================================================
// Output
// ============================================================================

func printNarrow(w io.Writer, s *msgcache.State, n msgcache.Narrow) {
	key := n.Key()
	cu := s.CaughtUpFor(key)
	msgs := s.MessagesFor(key)
	fmt.Fprintf(w, "Narrow %s: %d messages (caught up: older=%t newer=%t)\n", key, len(msgs), cu.Older, cu.Newer)
	for _, m := range msgs {
		printMessage(w, m)
	}
}

func printMessage(w io.Writer, m *msgcache.Message) {
	where := m.Subject
	if m.IsPrivate() {
		where = "(private)"
	}
	fmt.Fprintf(w, "  %-10d %-20s %-24s %s\n", m.ID, truncate(m.SenderFullName, 20), truncate(where, 24), truncate(m.Content, 60))
}

func printPmConversations(w io.Writer, s *msgcache.State) {
	keys := s.PmConversationKeys()
	fmt.Fprintf(w, "Private conversations: %d\n", len(keys))
	for _, key := range keys {
		latest, _ := s.LatestPmMessageID(key)
		label := string(key)
		if label == "" {
			label = "(self)"
		}
		fmt.Fprintf(w, "  %-30s latest %d\n", label, latest)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
