package msgcache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSSource_Defaults(t *testing.T) {
	s := NewNATSSource(NATSConfig{}, func(Event) {})
	assert.Equal(t, nats.DefaultURL, s.config.URL)
	assert.Equal(t, DefaultNATSSubject, s.config.Subject)
	assert.Equal(t, 10, s.config.MaxReconnects)
	assert.False(t, s.Connected())
}

func TestNATSSource_HandleMsg(t *testing.T) {
	var got []Event
	s := NewNATSSource(NATSConfig{Own: testOwn}, func(ev Event) { got = append(got, ev) })

	s.handleMsg([]byte(`{"type": "message", "message": {"id": 1, "type": "private", "display_recipient": [{"id": 3}, {"id": 100}]}}`))
	s.handleMsg([]byte(`{"type": "heartbeat"}`))
	s.handleMsg([]byte(`not json`))
	s.handleMsg([]byte(`{"type": "delete_message", "message_id": 1}`))

	require.Len(t, got, 2)
	assert.Equal(t, testOwn, got[0].(NewMessage).Own)
	assert.Equal(t, MessageDelete{MessageIDs: []int64{1}}, got[1])
}

func TestNATSSource_Live(t *testing.T) {
	url := os.Getenv("MSGCACHE_TEST_NATS_URL")
	if url == "" {
		t.Skip("MSGCACHE_TEST_NATS_URL not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 4)
	subject := "msgcache.test." + time.Now().Format("150405.000")
	s := NewNATSSource(NATSConfig{URL: url, Subject: subject, Own: testOwn}, func(ev Event) { events <- ev })
	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	assert.True(t, s.Connected())

	pub, err := nats.Connect(url)
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish(subject, []byte(`{"type": "delete_message", "message_id": 5}`)))
	require.NoError(t, pub.Flush())

	select {
	case ev := <-events:
		assert.Equal(t, MessageDelete{MessageIDs: []int64{5}}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no event from NATS")
	}
}
