package msgcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ErrDeadQueue is returned by Connect when the server no longer knows the
// event queue. The caller must register a new one.
var ErrDeadQueue = errors.New("msgcache: event queue is gone")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	QueueID              string
	LastEventID          int64
	Own                  Identity
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// EventHandler receives decoded events in arrival order.
type EventHandler func(ev Event)

// EngineHandler adapts an Engine to an EventHandler.
func EngineHandler(e *Engine) EventHandler {
	return func(ev Event) { e.Dispatch(ev) }
}

// ============================================================================
// Connection hooks
// ============================================================================

type realtimeHooks struct {
	mu             sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
	onError        []func(err error)
}

func (h *realtimeHooks) emitConnected() {
	h.mu.RLock()
	handlers := append([]func(){}, h.onConnected...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		go fn()
	}
}

func (h *realtimeHooks) emitDisconnected(reason string) {
	h.mu.RLock()
	handlers := append([]func(string){}, h.onDisconnected...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		go fn(reason)
	}
}

func (h *realtimeHooks) emitReconnecting(attempt int, delay time.Duration) {
	h.mu.RLock()
	handlers := append([]func(int, time.Duration){}, h.onReconnecting...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		go fn(attempt, delay)
	}
}

func (h *realtimeHooks) emitError(err error) {
	h.mu.RLock()
	handlers := append([]func(error){}, h.onError...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		go fn(err)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

type authenticatedFrame struct {
	Type      string `json:"type"`
	QueueID   string `json:"queue_id"`
	SessionID string `json:"session_id"`
}

type eventsFrame struct {
	Events []json.RawMessage `json:"events"`
}

// RealtimeClient reads the server's event queue over a WebSocket, decodes
// each event and hands it to an EventHandler. Reconnects resume from the
// last seen event id, so no event is lost or applied twice.
type RealtimeClient struct {
	baseURL   string
	config    *RealtimeConfig
	handler   EventHandler
	log       zerolog.Logger
	hooks     realtimeHooks
	recon     *reconnector
	sessionID string

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	lastEventID      int64
	intentionalClose bool
	cancelFn         context.CancelFunc
}

// NewRealtimeClient creates a client for the event queue in config.
func NewRealtimeClient(baseURL string, config RealtimeConfig, handler EventHandler) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		config:      &config,
		handler:     handler,
		log:         config.Logger.With().Str("component", "realtime").Logger(),
		recon:       newReconnector(&config),
		sessionID:   uuid.NewString(),
		state:       StateDisconnected,
		lastEventID: config.LastEventID,
	}
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeClient) OnConnected(h func()) {
	ws.hooks.mu.Lock()
	ws.hooks.onConnected = append(ws.hooks.onConnected, h)
	ws.hooks.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeClient) OnDisconnected(h func(reason string)) {
	ws.hooks.mu.Lock()
	ws.hooks.onDisconnected = append(ws.hooks.onDisconnected, h)
	ws.hooks.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.hooks.mu.Lock()
	ws.hooks.onReconnecting = append(ws.hooks.onReconnecting, h)
	ws.hooks.mu.Unlock()
}

// OnError registers a handler for undecodable events and server errors.
func (ws *RealtimeClient) OnError(h func(err error)) {
	ws.hooks.mu.Lock()
	ws.hooks.onError = append(ws.hooks.onError, h)
	ws.hooks.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// LastEventID returns the id of the newest event handled so far.
func (ws *RealtimeClient) LastEventID() int64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.lastEventID
}

func (ws *RealtimeClient) eventsURL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("queue_id", ws.config.QueueID)
	ws.mu.Lock()
	q.Set("last_event_id", strconv.FormatInt(ws.lastEventID, 10))
	ws.mu.Unlock()
	return u + "/api/v1/events/ws?" + q.Encode()
}

// Connect establishes the WebSocket connection and starts reading events.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	header := http.Header{}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}
	header.Set("X-Session-ID", ws.sessionID)

	conn, _, err := websocket.Dial(ctx, ws.eventsURL(), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame is either the handshake or a queue error.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var auth authenticatedFrame
	if err := json.Unmarshal(data, &auth); err != nil || auth.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		if ev, derr := DecodeEvent(data, ws.config.Own); derr == nil {
			if dq, ok := ev.(DeadQueue); ok {
				ws.handler(dq)
				return ErrDeadQueue
			}
		}
		return fmt.Errorf("expected 'authenticated', got '%s'", auth.Type)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.log.Info().Str("queue_id", ws.config.QueueID).Str("session_id", ws.sessionID).Msg("Realtime connected")
	ws.hooks.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.hooks.emitDisconnected("client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (ws *RealtimeClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.log.Warn().Err(err).Msg("Realtime connection lost")
			ws.hooks.emitDisconnected(err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() && ctx.Err() == nil {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		if dead := ws.handleFrame(data); dead {
			ws.mu.Lock()
			ws.intentionalClose = true
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "event queue gone")
			ws.hooks.emitDisconnected("event queue gone")
			return
		}
	}
}

// handleFrame decodes one frame, which holds a single event or an
// {"events": [...]} batch, and passes each event on. It reports whether the
// queue died.
func (ws *RealtimeClient) handleFrame(data []byte) (dead bool) {
	var batch eventsFrame
	if err := json.Unmarshal(data, &batch); err == nil && batch.Events != nil {
		for _, raw := range batch.Events {
			if ws.handleEvent(raw) {
				return true
			}
		}
		return false
	}
	return ws.handleEvent(data)
}

func (ws *RealtimeClient) handleEvent(data []byte) (dead bool) {
	var head WireEvent
	if err := json.Unmarshal(data, &head); err != nil {
		ws.log.Warn().Err(err).Msg("Undecodable realtime frame")
		ws.hooks.emitError(err)
		return false
	}

	ws.mu.Lock()
	if head.ID > 0 && head.ID <= ws.lastEventID {
		ws.mu.Unlock()
		return false
	}
	if head.ID > 0 {
		ws.lastEventID = head.ID
	}
	ws.mu.Unlock()

	ev, err := DecodeEvent(data, ws.config.Own)
	if err != nil {
		ws.log.Warn().Err(err).Str("type", head.Type).Int64("event_id", head.ID).Msg("Failed to decode event")
		ws.hooks.emitError(err)
		return false
	}
	if ev == nil {
		return false
	}
	ws.handler(ev)
	if _, ok := ev.(DeadQueue); ok {
		ws.log.Warn().Str("queue_id", ws.config.QueueID).Msg("Event queue is gone")
		return true
	}
	return false
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				ws.log.Warn().Err(err).Msg("Heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect(ctx context.Context) {
	for {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.log.Info().Int("attempt", ws.recon.attempt).Dur("delay", delay).Msg("Reconnecting")
		ws.hooks.emitReconnecting(ws.recon.attempt, delay)

		select {
		case <-ctx.Done():
			ws.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		err := ws.Connect(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrDeadQueue) || !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			return
		}
	}
}
