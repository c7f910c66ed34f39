package msgcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 64)}
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *eventRecorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// newEventQueueServer serves the websocket endpoint and writes frames in
// order once a client connects.
func newEventQueueServer(t *testing.T, check func(r *http.Request), frames ...string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open until the client leaves.
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRealtimeClient_ReceivesEvents(t *testing.T) {
	rec := newEventRecorder()
	url := newEventQueueServer(t,
		func(r *http.Request) {
			assert.Equal(t, "/api/v1/events/ws", r.URL.Path)
			assert.Equal(t, "q1", r.URL.Query().Get("queue_id"))
			assert.Equal(t, "3", r.URL.Query().Get("last_event_id"))
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.NotEmpty(t, r.Header.Get("X-Session-ID"))
		},
		`{"type": "authenticated", "queue_id": "q1"}`,
		`{"events": [
			{"id": 3, "type": "message", "message": {"id": 1, "type": "stream", "stream_id": 7, "display_recipient": "general"}},
			{"id": 4, "type": "message", "message": {"id": 2, "type": "stream", "stream_id": 7, "display_recipient": "general"}},
			{"id": 5, "type": "heartbeat"}
		]}`,
		`{"id": 4, "type": "delete_message", "message_id": 2}`,
		`{"id": 6, "type": "delete_message", "message_id": 1}`,
	)

	client := NewRealtimeClient(url, RealtimeConfig{Token: "tok", QueueID: "q1", LastEventID: 3, Own: testOwn}, rec.handle)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()
	assert.Equal(t, StateConnected, client.State())

	first := rec.next(t)
	require.IsType(t, NewMessage{}, first)
	assert.Equal(t, int64(2), first.(NewMessage).Message.ID)
	assert.Equal(t, testOwn, first.(NewMessage).Own)

	second := rec.next(t)
	assert.Equal(t, MessageDelete{MessageIDs: []int64{1}}, second)
	assert.Equal(t, int64(6), client.LastEventID())
}

func TestRealtimeClient_DeadQueueOnConnect(t *testing.T) {
	rec := newEventRecorder()
	url := newEventQueueServer(t, nil,
		`{"type": "error", "code": "BAD_EVENT_QUEUE_ID", "msg": "Bad event queue id", "queue_id": "q1"}`,
	)
	client := NewRealtimeClient(url, RealtimeConfig{QueueID: "q1"}, rec.handle)
	err := client.Connect(context.Background())
	require.ErrorIs(t, err, ErrDeadQueue)
	assert.Equal(t, DeadQueue{QueueID: "q1"}, rec.next(t))
	assert.Equal(t, StateDisconnected, client.State())
}

func TestRealtimeClient_DeadQueueWhileConnected(t *testing.T) {
	rec := newEventRecorder()
	url := newEventQueueServer(t, nil,
		`{"type": "authenticated"}`,
		`{"id": 1, "type": "error", "code": "BAD_EVENT_QUEUE_ID", "msg": "gone", "queue_id": "q1"}`,
	)
	disconnected := make(chan string, 1)
	client := NewRealtimeClient(url, RealtimeConfig{QueueID: "q1", AutoReconnect: true}, rec.handle)
	client.OnDisconnected(func(reason string) { disconnected <- reason })
	require.NoError(t, client.Connect(context.Background()))

	assert.IsType(t, DeadQueue{}, rec.next(t))
	select {
	case reason := <-disconnected:
		assert.Equal(t, "event queue gone", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect")
	}
	assert.Equal(t, StateDisconnected, client.State())
}

func TestRealtimeClient_RejectsBadHandshake(t *testing.T) {
	url := newEventQueueServer(t, nil, `{"type": "hello"}`)
	client := NewRealtimeClient(url, RealtimeConfig{}, func(Event) {})
	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDeadQueue)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestRealtimeClient_HandleFrame(t *testing.T) {
	rec := newEventRecorder()
	errs := make(chan error, 4)
	client := NewRealtimeClient("http://example.invalid", RealtimeConfig{Own: testOwn}, rec.handle)
	client.OnError(func(err error) { errs <- err })

	assert.False(t, client.handleFrame([]byte(`{"id": 1, "type": "reaction", "op": "add", "message_id": 9, "emoji_name": "smile", "user_id": 2}`)))
	assert.False(t, client.handleFrame([]byte(`{"id": 1, "type": "reaction", "op": "remove", "message_id": 9, "emoji_name": "smile", "user_id": 2}`)))
	assert.False(t, client.handleFrame([]byte(`{"id": 2, "type": "reaction", "op": "bogus"}`)))
	assert.False(t, client.handleFrame([]byte(`garbage`)))

	assert.IsType(t, ReactionAdd{}, rec.next(t))
	assert.Len(t, rec.events, 1)
	assert.Equal(t, int64(2), client.LastEventID())
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("no error reported")
		}
	}
}

func TestRealtimeClient_EngineHandler(t *testing.T) {
	engine := NewEngine()
	engine.Dispatch(RealmInit{Own: testOwn})
	n := HomeNarrow()
	ticket := engine.BeginFetch(FetchParams{Narrow: n, Anchor: LastMessageAnchor, NumBefore: 10})
	require.NoError(t, engine.CompleteFetch(ticket, &MessagesResult{}))

	client := NewRealtimeClient("http://example.invalid", RealtimeConfig{Own: testOwn}, EngineHandler(engine))
	client.handleFrame([]byte(`{"events": [
		{"id": 1, "type": "message", "message": {"id": 10, "type": "stream", "stream_id": 7, "display_recipient": "general"}},
		{"id": 2, "type": "update_message_flags", "op": "add", "flag": "starred", "messages": [10]}
	]}`))

	s := engine.State()
	assert.Equal(t, []int64{10}, s.Narrows.IDs(n.Key()))
	assert.True(t, s.Messages.Get(10).HasFlag(FlagStarred))
}

func TestReconnector_Backoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})
	var delays []time.Duration
	for r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
	}
	require.Len(t, delays, 3)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.GreaterOrEqual(t, delays[2], 400*time.Millisecond)
	assert.LessOrEqual(t, delays[2], time.Second)

	unlimited := newReconnector(&RealtimeConfig{ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond, MaxReconnectAttempts: -1})
	for i := 0; i < 100; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect())
}
