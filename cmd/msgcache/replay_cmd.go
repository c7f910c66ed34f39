package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/msgcache"
)

var (
	replayNarrow narrowFlags
	replayPMs    bool
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayNarrow.register(replayCmd)
	replayCmd.Flags().BoolVar(&replayPMs, "pms", false, "also print the private conversation list")
}

var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Apply recorded events and print the resulting cache",
	Long: "Read one JSON event per line (the realtime wire format plus realm_init, fetch_start,\n" +
		"fetch_complete, logout, login_success and account_switch), apply them in order and print\n" +
		"the messages of the chosen narrow. Use '-' to read from stdin.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		narrow, err := replayNarrow.narrow()
		if err != nil {
			return err
		}

		var in io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open events: %w", err)
			}
			defer f.Close()
			in = f
		}

		engine := msgcache.NewEngine(
			msgcache.WithLogger(newLogger(cfg)),
			msgcache.WithStrictInvariants(cfg.Cache.StrictInvariants),
			msgcache.WithInitialState(nil, identity(cfg)),
		)
		applied, err := replayEvents(engine, in, newLogger(cfg))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Applied %d events\n", applied)
		printNarrow(out, engine.State(), narrow)
		if replayPMs {
			printPmConversations(out, engine.State())
		}
		return nil
	},
}

// replayEvents feeds every line of r through engine. Fetch events carry no
// epoch on disk and are bound to the current one. It returns the number of
// events applied.
func replayEvents(engine *msgcache.Engine, r io.Reader, log zerolog.Logger) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	applied := 0
	line := 0
	for sc.Scan() {
		line++
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 || data[0] == '#' {
			continue
		}
		ev, err := msgcache.DecodeEvent(data, engine.Own())
		if err != nil {
			return applied, fmt.Errorf("line %d: %w", line, err)
		}
		if ev == nil {
			log.Debug().Int("line", line).Msg("Skipping event with no cache effect")
			continue
		}
		if engine.Dispatch(msgcache.StampEpoch(ev, engine.Epoch())) {
			applied++
		}
	}
	if err := sc.Err(); err != nil {
		return applied, fmt.Errorf("read events: %w", err)
	}
	return applied, nil
}
