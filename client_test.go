package msgcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL+"/"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_Register(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/register", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeJSON(w, map[string]any{
			"result":        "success",
			"queue_id":      "q1",
			"last_event_id": -1,
			"user_id":       testOwnID,
			"email":         "me@example.com",
			"recent_private_conversations": []map[string]any{
				{"user_ids": []int64{3}, "max_message_id": 40},
			},
			"muted_topics": [][]string{{"general", "noise"}},
		})
	})

	reg, err := client.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "q1", reg.QueueID)
	assert.Equal(t, int64(-1), reg.LastEventID)
	assert.Equal(t, testOwn, reg.Identity())

	ri := reg.RealmInit()
	assert.Equal(t, testOwn, ri.Own)
	assert.Len(t, ri.RecentPrivateConversations, 1)
	assert.Equal(t, []MutedTopic{{Stream: "general", Topic: "noise"}}, ri.MutedTopics)
}

func TestClient_GetMessages(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/messages", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "newest", q.Get("anchor"))
		assert.Equal(t, "20", q.Get("num_before"))
		assert.Equal(t, "0", q.Get("num_after"))
		assert.JSONEq(t, `[{"operator":"stream","operand":"7"}]`, q.Get("narrow"))
		writeJSON(w, map[string]any{
			"result":       "success",
			"found_oldest": true,
			"found_newest": true,
			"messages": []map[string]any{
				{"id": 1, "type": "stream", "stream_id": 7, "display_recipient": "general", "subject": "a"},
				{"id": 2, "type": "private", "display_recipient": []map[string]any{{"id": 3}, {"id": 100}}},
			},
		})
	})

	res, err := client.GetMessages(context.Background(), FetchParams{
		Narrow:    StreamNarrow(testStream),
		Anchor:    LastMessageAnchor,
		NumBefore: 20,
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "general", res.Messages[0].StreamName)
	assert.Len(t, res.Messages[1].Recipients, 2)
	assert.True(t, *res.FoundOldest)
	assert.Nil(t, res.FoundAnchor)
}

func TestClient_HomeNarrowQuery(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "[]", r.URL.Query().Get("narrow"))
		assert.Equal(t, "42", r.URL.Query().Get("anchor"))
		writeJSON(w, map[string]any{"result": "success", "messages": []any{}})
	})
	res, err := client.GetMessages(context.Background(), FetchParams{Anchor: 42, NumAfter: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
}

func TestClient_APIError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"result": "error", "code": "BAD_NARROW", "msg": "Invalid narrow"})
	})
	_, err := client.GetMessages(context.Background(), FetchParams{Anchor: LastMessageAnchor})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "BAD_NARROW", apiErr.Code)
	assert.Equal(t, "BAD_NARROW: Invalid narrow", apiErr.Error())
}

func TestClient_ServerError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.Register(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestClient_GetMessagesNullEntry(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": "success", "messages": [{"id": 1, "type": "stream", "stream_id": 7}, null]}`))
	})
	_, err := client.GetMessages(context.Background(), FetchParams{Anchor: LastMessageAnchor, NumBefore: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message 1 is null")
}

func TestAnchor_JSON(t *testing.T) {
	var a Anchor
	require.NoError(t, json.Unmarshal([]byte(`"newest"`), &a))
	assert.Equal(t, LastMessageAnchor, a)
	require.NoError(t, json.Unmarshal([]byte(`"first_unread"`), &a))
	assert.Equal(t, FirstUnreadAnchor, a)
	require.NoError(t, json.Unmarshal([]byte(`17`), &a))
	assert.Equal(t, Anchor(17), a)
	assert.Error(t, json.Unmarshal([]byte(`"oldest"`), &a))
	assert.True(t, LastMessageAnchor.IsSentinel())
	assert.False(t, Anchor(17).IsSentinel())
}
