package msgcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultPageSize is the number of messages requested per page.
const DefaultPageSize = 100

// ============================================================================
// Fetcher
// ============================================================================

// Fetcher runs message fetches against a Client and feeds the results into
// an Engine.
type Fetcher struct {
	client   *Client
	engine   *Engine
	pageSize int
	log      zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type FetcherOption func(*Fetcher)

func WithFetcherLogger(log zerolog.Logger) FetcherOption {
	return func(f *Fetcher) { f.log = log.With().Str("component", "fetcher").Logger() }
}

func WithPageSize(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// NewFetcher creates a fetcher bound to client and engine.
func NewFetcher(client *Client, engine *Engine, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:   client,
		engine:   engine,
		pageSize: DefaultPageSize,
		log:      zerolog.Nop(),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Bootstrap registers an event queue and seeds the engine with the snapshot.
func (f *Fetcher) Bootstrap(ctx context.Context) (*RegisterResult, error) {
	reg, err := f.client.Register(ctx)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	f.engine.Dispatch(reg.RealmInit())
	f.log.Info().
		Str("queue_id", reg.QueueID).
		Int64("user_id", reg.UserID).
		Int("recent_pms", len(reg.RecentPrivateConversations)).
		Msg("Registered event queue")
	return reg, nil
}

// Fetch requests one page and applies it. A reset while the request is in
// flight makes it return ErrStaleFetch without touching the cache.
func (f *Fetcher) Fetch(ctx context.Context, p FetchParams) error {
	t := f.engine.BeginFetch(p)
	log := f.log.With().
		Str("request_id", t.RequestID).
		Str("narrow", string(p.Narrow.Key())).
		Str("anchor", p.Anchor.QueryValue()).
		Logger()

	res, err := f.client.GetMessages(ctx, t.Params())
	if err != nil {
		log.Warn().Err(err).Msg("Fetch failed")
		if ferr := f.engine.FailFetch(t, err); ferr != nil {
			log.Debug().Err(ferr).Msg("Fetch failure arrived after reset")
		}
		return fmt.Errorf("fetch messages: %w", err)
	}
	if err := f.engine.CompleteFetch(t, res); err != nil {
		log.Debug().Err(err).Msg("Discarded fetch result")
		return err
	}
	log.Debug().Int("count", len(res.Messages)).Msg("Fetch complete")
	return nil
}

// LoadOlder fetches the page before the oldest cached message of narrow.
// It does nothing if the narrow is already caught up at the old end or a
// load in the same direction is running.
func (f *Fetcher) LoadOlder(ctx context.Context, narrow Narrow) error {
	key := narrow.Key()
	s := f.engine.State()
	if s.CaughtUpFor(key).Older {
		return nil
	}
	if !f.acquire(string(key) + "/older") {
		return nil
	}
	defer f.release(string(key) + "/older")

	p := FetchParams{Narrow: narrow, Anchor: LastMessageAnchor, NumBefore: f.pageSize}
	if ids := s.Narrows.IDs(key); len(ids) > 0 {
		p.Anchor = Anchor(ids[0])
	}
	return f.Fetch(ctx, p)
}

// LoadNewer fetches the page after the newest cached message of narrow.
func (f *Fetcher) LoadNewer(ctx context.Context, narrow Narrow) error {
	key := narrow.Key()
	s := f.engine.State()
	if s.CaughtUpFor(key).Newer {
		return nil
	}
	if !f.acquire(string(key) + "/newer") {
		return nil
	}
	defer f.release(string(key) + "/newer")

	p := FetchParams{Narrow: narrow, Anchor: FirstUnreadAnchor, NumBefore: f.pageSize / 2, NumAfter: f.pageSize / 2}
	if ids := s.Narrows.IDs(key); len(ids) > 0 {
		p = FetchParams{Narrow: narrow, Anchor: Anchor(ids[len(ids)-1]), NumAfter: f.pageSize}
	}
	return f.Fetch(ctx, p)
}

func (f *Fetcher) acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.inFlight[key]; busy {
		return false
	}
	f.inFlight[key] = struct{}{}
	return true
}

func (f *Fetcher) release(key string) {
	f.mu.Lock()
	delete(f.inFlight, key)
	f.mu.Unlock()
}
