package msgcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrStaleFetch is returned when a fetch completes after a reset that
	// invalidated it.
	ErrStaleFetch = errors.New("msgcache: fetch belongs to an earlier session")
	// ErrNotConnected is returned by realtime sources used before Connect.
	ErrNotConnected = errors.New("msgcache: not connected")
	// ErrNoSnapshot is returned when no saved snapshot exists for an account.
	ErrNoSnapshot = errors.New("msgcache: no snapshot")
	// ErrStoreClosed is returned by a snapshot store used after Close.
	ErrStoreClosed = errors.New("msgcache: snapshot store is closed")
)

// ============================================================================
// Engine
// ============================================================================

// Subscriber is called after every applied event with the new snapshot.
type Subscriber func(s *State, ev Event)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log.With().Str("component", "engine").Logger() }
}

func WithMembership(fn MembershipFunc) EngineOption {
	return func(e *Engine) { e.deps.InNarrow = fn }
}

func WithRecipients(fn RecipientsFunc) EngineOption {
	return func(e *Engine) { e.deps.Recipients = fn }
}

// WithStrictInvariants makes a broken index invariant panic instead of being
// logged and repaired.
func WithStrictInvariants(strict bool) EngineOption {
	return func(e *Engine) { e.strict = strict }
}

// WithInitialState starts the engine from a restored snapshot.
func WithInitialState(s *State, own Identity) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.state = s
		}
		e.own = own
	}
}

// Engine owns the current State and applies events to it one at a time.
// It is safe for concurrent use; concurrent Dispatch calls are serialized
// into a single order that every store observes.
type Engine struct {
	mu     sync.Mutex
	state  *State
	epoch  uint64
	own    Identity
	deps   Deps
	strict bool
	log    zerolog.Logger

	applied uint64 // events applied, guarded by mu

	// Deliveries run outside mu, one at a time, in applied order.
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	delivered  uint64

	subsMu  sync.RWMutex
	subs    map[int]Subscriber
	nextSub int
}

// NewEngine creates an engine with an empty state.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		state: NewState(),
		log:   zerolog.Nop(),
		subs:  make(map[int]Subscriber),
	}
	e.notifyCond = sync.NewCond(&e.notifyMu)
	for _, opt := range opts {
		opt(e)
	}
	e.deps = e.deps.withDefaults()
	return e
}

// State returns the current snapshot. Callers must treat it as read-only.
func (e *Engine) State() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Epoch returns the current session generation.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Own returns the identity of the logged-in user, if known.
func (e *Engine) Own() Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.own
}

// Subscribe registers fn and returns a function that removes it.
// Subscribers run on the dispatching goroutine, in dispatch order, after the
// state lock is released: they may call State, Epoch and Own, but must not
// dispatch (Dispatch, BeginFetch, CompleteFetch, FailFetch).
func (e *Engine) Subscribe(fn Subscriber) (unsubscribe func()) {
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subsMu.Unlock()
	return func() {
		e.subsMu.Lock()
		delete(e.subs, id)
		e.subsMu.Unlock()
	}
}

// Dispatch applies ev to every store. It returns false if the event was
// dropped because it is a fetch event from an earlier epoch.
func (e *Engine) Dispatch(ev Event) bool {
	return e.dispatch(func() Event { return ev })
}

// dispatch builds and applies an event under mu, then notifies subscribers
// with mu released.
func (e *Engine) dispatch(build func() Event) bool {
	ev, s, seq, ok := e.apply(build)
	if !ok {
		return false
	}
	e.deliver(seq, s, ev)
	return true
}

func (e *Engine) apply(build func() Event) (Event, *State, uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := build()
	if !e.applyLocked(ev) {
		return ev, nil, 0, false
	}
	e.applied++
	return ev, e.state, e.applied, true
}

// deliver notifies subscribers of the seq-th applied event once every
// earlier one has been delivered.
func (e *Engine) deliver(seq uint64, s *State, ev Event) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	for e.delivered+1 != seq {
		e.notifyCond.Wait()
	}
	e.notify(s, ev)
	e.delivered = seq
	e.notifyCond.Broadcast()
}

func (e *Engine) applyLocked(ev Event) bool {
	if epoch, ok := fetchEpoch(ev); ok && epoch != e.epoch {
		e.log.Debug().
			Uint64("event_epoch", epoch).
			Uint64("epoch", e.epoch).
			Str("event", fmt.Sprintf("%T", ev)).
			Msg("Dropping stale fetch event")
		return false
	}

	next := Reduce(e.state, ev, e.deps)
	if touchesPmConversations(ev) {
		if err := next.PmConversations.Check(); err != nil {
			if e.strict {
				panic(err)
			}
			e.log.Error().Err(err).Msg("PM conversation index corrupt, rebuilding")
			next.PmConversations = next.PmConversations.rebuild()
		}
	}

	switch ev := ev.(type) {
	case RealmInit:
		e.own = ev.Own
	case LoginSuccess:
		e.own = ev.Own
	case Logout, AccountSwitch:
		e.own = Identity{}
	}
	if isReset(ev) {
		e.epoch++
		e.log.Debug().Uint64("epoch", e.epoch).Str("event", fmt.Sprintf("%T", ev)).Msg("Session reset")
	}
	e.state = next
	return true
}

func (e *Engine) notify(s *State, ev Event) {
	e.subsMu.RLock()
	subs := make([]Subscriber, 0, len(e.subs))
	for i := 0; i < e.nextSub; i++ {
		if fn, ok := e.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	e.subsMu.RUnlock()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Msg("Subscriber panicked")
				}
			}()
			fn(s, ev)
		}()
	}
}

// ── Fetch lifecycle ───────────────────────────────────────

// FetchTicket identifies one outstanding fetch.
type FetchTicket struct {
	Epoch     uint64
	RequestID string
	Narrow    Narrow
	Anchor    Anchor
	NumBefore int
	NumAfter  int
}

// Params returns the request parameters of the ticket.
func (t FetchTicket) Params() FetchParams {
	return FetchParams{Narrow: t.Narrow, Anchor: t.Anchor, NumBefore: t.NumBefore, NumAfter: t.NumAfter}
}

// BeginFetch dispatches FetchStart for p.Narrow and returns a ticket bound to
// the current epoch.
func (e *Engine) BeginFetch(p FetchParams) FetchTicket {
	var t FetchTicket
	e.dispatch(func() Event {
		t = FetchTicket{
			Epoch:     e.epoch,
			RequestID: uuid.NewString(),
			Narrow:    p.Narrow,
			Anchor:    p.Anchor,
			NumBefore: p.NumBefore,
			NumAfter:  p.NumAfter,
		}
		return FetchStart{Narrow: p.Narrow, Epoch: t.Epoch}
	})
	return t
}

// CompleteFetch dispatches the fetched page. It returns ErrStaleFetch if a
// reset happened since BeginFetch.
func (e *Engine) CompleteFetch(t FetchTicket, res *MessagesResult) error {
	applied := e.dispatch(func() Event {
		ev := FetchComplete{
			Narrow:    t.Narrow,
			Anchor:    t.Anchor,
			NumBefore: t.NumBefore,
			NumAfter:  t.NumAfter,
			Own:       e.own,
			Epoch:     t.Epoch,
		}
		if res != nil {
			ev.Messages = res.Messages
			ev.FoundOldest = res.FoundOldest
			ev.FoundNewest = res.FoundNewest
		}
		return ev
	})
	if !applied {
		return fmt.Errorf("complete fetch %s: %w", t.RequestID, ErrStaleFetch)
	}
	return nil
}

// FailFetch records a failed fetch. No store changes state.
func (e *Engine) FailFetch(t FetchTicket, err error) error {
	if !e.Dispatch(FetchError{Narrow: t.Narrow, Err: err, Epoch: t.Epoch}) {
		return fmt.Errorf("fail fetch %s: %w", t.RequestID, ErrStaleFetch)
	}
	return nil
}

// StampEpoch returns ev bound to epoch if it is a fetch event, otherwise ev.
// Recorded event logs carry no epoch and are stamped with the current one.
func StampEpoch(ev Event, epoch uint64) Event {
	switch v := ev.(type) {
	case FetchStart:
		v.Epoch = epoch
		return v
	case FetchComplete:
		v.Epoch = epoch
		return v
	case FetchError:
		v.Epoch = epoch
		return v
	}
	return ev
}

func fetchEpoch(ev Event) (uint64, bool) {
	switch v := ev.(type) {
	case FetchStart:
		return v.Epoch, true
	case FetchComplete:
		return v.Epoch, true
	case FetchError:
		return v.Epoch, true
	}
	return 0, false
}

func touchesPmConversations(ev Event) bool {
	switch ev.(type) {
	case RealmInit, FetchComplete, NewMessage:
		return true
	}
	return false
}
