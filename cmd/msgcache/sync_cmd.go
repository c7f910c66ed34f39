package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/msgcache"
)

var (
	syncNarrow   narrowFlags
	syncUseNATS  bool
	syncWebhook  bool
	syncDuration time.Duration
	syncPageSize int
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncNarrow.register(syncCmd)
	syncCmd.Flags().BoolVar(&syncUseNATS, "nats", false, "read realtime events from NATS instead of the websocket")
	syncCmd.Flags().BoolVar(&syncWebhook, "webhook", false, "also accept signed event pushes on webhook.listen")
	syncCmd.Flags().DurationVar(&syncDuration, "duration", 0, "stop after this long (default: until interrupted)")
	syncCmd.Flags().IntVar(&syncPageSize, "page-size", msgcache.DefaultPageSize, "messages per fetch")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the account into the local cache and follow realtime events",
	Long: "Show the cached view of a narrow, register an event queue, fetch the newest page and\n" +
		"apply realtime events until interrupted. An expired event queue is replaced with a new\n" +
		"registration. The cache is saved to the snapshot store on exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		narrow, err := syncNarrow.narrow()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if syncDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, syncDuration)
			defer cancel()
		}

		return runSync(ctx, cfg, syncOptions{
			narrow:   narrow,
			useNATS:  syncUseNATS,
			webhook:  syncWebhook,
			pageSize: syncPageSize,
		}, cmd.OutOrStdout(), newLogger(cfg))
	},
}

type syncOptions struct {
	narrow   msgcache.Narrow
	useNATS  bool
	webhook  bool
	pageSize int
}

// errQueueDied ends a session whose server event queue expired.
var errQueueDied = errors.New("event queue expired")

func runSync(ctx context.Context, cfg *Config, opts syncOptions, out io.Writer, log zerolog.Logger) error {
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	store, err := openSnapshots(cfg)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	engineOpts := []msgcache.EngineOption{
		msgcache.WithLogger(log),
		msgcache.WithStrictInvariants(cfg.Cache.StrictInvariants),
	}
	if store != nil {
		defer store.Close()
		if snap := loadCachedView(ctx, store, accountKey(cfg), opts.narrow, out, log); snap != nil {
			engineOpts = append(engineOpts, msgcache.WithInitialState(snap.State, identity(cfg)))
		}
	}

	engine := msgcache.NewEngine(engineOpts...)
	fetcher := msgcache.NewFetcher(client, engine, msgcache.WithFetcherLogger(log), msgcache.WithPageSize(opts.pageSize))

	synced, err := followSessions(ctx, cfg, client, engine, fetcher, opts, out, log)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	// A cache reset by an expired queue and never refilled is not saved.
	if store != nil && synced {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap := &msgcache.Snapshot{Account: accountKey(cfg), Epoch: engine.Epoch(), State: engine.State()}
		if serr := store.Save(saveCtx, snap); serr != nil {
			log.Error().Err(serr).Msg("Failed to save snapshot")
		} else {
			log.Info().Str("account", snap.Account).Msg("Snapshot saved")
		}
	}
	return err
}

// loadCachedView restores the saved snapshot of account and prints the
// narrow from it, so the last known messages show before the server answers.
// It returns nil when there is nothing usable to restore.
func loadCachedView(ctx context.Context, store msgcache.SnapshotStore, account string, narrow msgcache.Narrow, out io.Writer, log zerolog.Logger) *msgcache.Snapshot {
	snap, err := store.Load(ctx, account)
	if err != nil {
		if !errors.Is(err, msgcache.ErrNoSnapshot) {
			log.Warn().Err(err).Msg("Ignoring unreadable snapshot")
		}
		return nil
	}
	log.Info().Time("saved_at", snap.SavedAt).Int("messages", snap.State.Messages.Len()).Msg("Restored snapshot")
	fmt.Fprintf(out, "Cached view (saved %s):\n", snap.SavedAt.Format(time.DateTime))
	printNarrow(out, snap.State, narrow)
	return snap
}

// followSessions registers an event queue and follows it until ctx ends,
// registering again whenever the queue expires. synced reports whether the
// engine holds a registered session's state on return.
func followSessions(ctx context.Context, cfg *Config, client *msgcache.Client, engine *msgcache.Engine,
	fetcher *msgcache.Fetcher, opts syncOptions, out io.Writer, log zerolog.Logger) (synced bool, err error) {
	for {
		reg, err := fetcher.Bootstrap(ctx)
		if err != nil {
			return false, err
		}
		err = runSession(ctx, cfg, client, engine, fetcher, reg, opts, out, log)
		if !errors.Is(err, errQueueDied) {
			return true, err
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn().Str("queue_id", reg.QueueID).Msg("Event queue expired, registering again")
	}
}

// runSession fetches the narrow and applies realtime events for one
// registration. It returns errQueueDied when the queue expires.
func runSession(ctx context.Context, cfg *Config, client *msgcache.Client, engine *msgcache.Engine,
	fetcher *msgcache.Fetcher, reg *msgcache.RegisterResult, opts syncOptions, out io.Writer, log zerolog.Logger) error {
	own := reg.Identity()
	narrow, key := opts.narrow, opts.narrow.Key()

	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	unsubscribe := engine.Subscribe(func(s *msgcache.State, ev msgcache.Event) {
		switch ev := ev.(type) {
		case msgcache.DeadQueue:
			cancel(errQueueDied)
		case msgcache.NewMessage:
			if s.Narrows.Has(key) && msgcache.MessageInNarrow(ev.Message, narrow, own) {
				printMessage(out, ev.Message)
			}
		}
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		err := fetcher.Fetch(gctx, msgcache.FetchParams{
			Narrow:    narrow,
			Anchor:    msgcache.LastMessageAnchor,
			NumBefore: opts.pageSize,
		})
		if errors.Is(err, msgcache.ErrStaleFetch) {
			return nil
		}
		if err != nil {
			return err
		}
		printNarrow(out, engine.State(), narrow)
		return nil
	})
	g.Go(func() error {
		if opts.useNATS {
			src := msgcache.NewNATSSource(msgcache.NATSConfig{
				URL:     cfg.NATS.URL,
				Subject: cfg.NATS.Subject,
				Own:     own,
				Logger:  log,
			}, msgcache.EngineHandler(engine))
			if err := src.Start(gctx); err != nil {
				return fmt.Errorf("nats: %w", err)
			}
			<-gctx.Done()
			src.Stop()
			return nil
		}

		rt := msgcache.NewRealtimeClient(client.BaseURL(), msgcache.RealtimeConfig{
			Token:         cfg.Server.Token,
			QueueID:       reg.QueueID,
			LastEventID:   reg.LastEventID,
			Own:           own,
			AutoReconnect: true,
			Logger:        log,
		}, msgcache.EngineHandler(engine))
		if err := rt.Connect(gctx); err != nil {
			if errors.Is(err, msgcache.ErrDeadQueue) {
				return errQueueDied
			}
			return fmt.Errorf("realtime: %w", err)
		}
		<-gctx.Done()
		if err := rt.Disconnect(); err != nil {
			log.Debug().Err(err).Msg("Realtime disconnect")
		}
		return nil
	})

	if opts.webhook {
		g.Go(func() error {
			return serveWebhook(gctx, cfg, own, engine, log)
		})
	}

	err := g.Wait()
	if errors.Is(context.Cause(sctx), errQueueDied) {
		return errQueueDied
	}
	return err
}

// serveWebhook runs the push receiver until ctx ends.
func serveWebhook(ctx context.Context, cfg *Config, own msgcache.Identity, engine *msgcache.Engine, log zerolog.Logger) error {
	if cfg.Webhook.Listen == "" {
		return errors.New("--webhook needs webhook.listen to be set")
	}
	src, err := msgcache.NewWebhookSource(cfg.Webhook.Secret, own, msgcache.EngineHandler(engine), log)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/events", src.HTTPHandler())
	srv := &http.Server{Addr: cfg.Webhook.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("listen", cfg.Webhook.Listen).Msg("Accepting event pushes on /events")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}
