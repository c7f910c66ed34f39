package msgcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessages_FetchCompleteUpserts(t *testing.T) {
	m1, m2 := streamMsg(1, testStream, "a"), streamMsg(2, testStream, "a")
	s := applyMessages(MessagesState{}, fetched(HomeNarrow(), 500, 10, 10, m1, m2))
	require.Equal(t, 2, s.Len())
	assert.Same(t, m1, s.Get(1))

	newer := streamMsg(2, testStream, "a")
	newer.Content = "<p>edited</p>"
	s2 := applyMessages(s, fetched(HomeNarrow(), 500, 10, 10, newer))
	assert.Same(t, newer, s2.Get(2))
	assert.Same(t, m1, s2.Get(1))
	assert.Same(t, m2, s.Get(2), "previous snapshot must be untouched")
}

func TestMessages_FetchCompleteDuplicatesInBatch(t *testing.T) {
	a := streamMsg(5, testStream, "a")
	b := streamMsg(5, testStream, "a")
	s := applyMessages(MessagesState{}, fetched(HomeNarrow(), LastMessageAnchor, 10, 0, a, b, streamMsg(6, testStream, "a")))
	assert.Equal(t, []int64{5, 6}, s.IDs())
}

func TestMessages_SentinelAnchorKeepsEqualRecord(t *testing.T) {
	orig := streamMsg(3, testStream, "a")
	s := applyMessages(MessagesState{}, fetched(HomeNarrow(), 500, 10, 10, orig))

	same := streamMsg(3, testStream, "a")
	s2 := applyMessages(s, fetched(HomeNarrow(), LastMessageAnchor, 10, 0, same))
	assert.Same(t, orig, s2.Get(3))
	assert.Equal(t, s, s2, "no change should return the same snapshot")

	s3 := applyMessages(s, fetched(HomeNarrow(), 500, 10, 10, same))
	assert.Same(t, same, s3.Get(3))
}

func TestMessages_NewMessageInsertsOnlyIfAbsent(t *testing.T) {
	orig := streamMsg(1, testStream, "a")
	s := applyMessages(MessagesState{}, NewMessage{Message: orig, Own: testOwn})
	require.Same(t, orig, s.Get(1))

	dup := streamMsg(1, testStream, "other")
	s2 := applyMessages(s, NewMessage{Message: dup, Own: testOwn})
	assert.Same(t, orig, s2.Get(1))
}

func TestMessages_ReactionsAddRemove(t *testing.T) {
	s := applyMessages(MessagesState{}, NewMessage{Message: &Message{ID: 1, Reactions: []Reaction{}}})

	s = applyMessages(s, ReactionAdd{MessageID: 1, Reaction: Reaction{EmojiName: "hello", UserID: 2}})
	require.Equal(t, []Reaction{{EmojiName: "hello", UserID: 2}}, s.Get(1).Reactions)

	again := applyMessages(s, ReactionAdd{MessageID: 1, Reaction: Reaction{EmojiName: "hello", UserID: 2}})
	assert.Len(t, again.Get(1).Reactions, 1)

	s = applyMessages(s, ReactionRemove{MessageID: 1, Reaction: Reaction{EmojiName: "hello", UserID: 2}})
	assert.Empty(t, s.Get(1).Reactions)
}

func TestMessages_UnknownIDsAreNoOps(t *testing.T) {
	s := applyMessages(MessagesState{}, NewMessage{Message: streamMsg(1, testStream, "a")})

	events := []Event{
		ReactionAdd{MessageID: 99, Reaction: Reaction{EmojiName: "x", UserID: 1}},
		ReactionRemove{MessageID: 99, Reaction: Reaction{EmojiName: "x", UserID: 1}},
		UpdateMessage{MessageID: 99, RenderedContent: ptr("<p>x</p>")},
		UpdateMessageFlags{MessageIDs: []int64{99}, Flag: FlagRead, Op: FlagOpAdd},
		SubmessageAdd{Submessage: Submessage{ID: 1, MessageID: 99}},
		MessageDelete{MessageIDs: []int64{99}},
	}
	for _, ev := range events {
		assert.Equal(t, s, applyMessages(s, ev), "%T", ev)
	}
}

func TestMessages_UpdateRecordsEditHistory(t *testing.T) {
	orig := streamMsg(1, testStream, "old topic")
	orig.Content = "<p>old</p>"
	s := applyMessages(MessagesState{}, NewMessage{Message: orig})

	s = applyMessages(s, UpdateMessage{
		MessageID:                  1,
		RenderedContent:            ptr("<p>new</p>"),
		PrevRenderedContentVersion: ptr(1),
		Subject:                    ptr("new topic"),
		EditTimestamp:              ptr(int64(1700000000)),
		UserID:                     ptr(int64(1)),
	})
	m := s.Get(1)
	assert.Equal(t, "<p>new</p>", m.Content)
	assert.Equal(t, "new topic", m.Subject)
	assert.Equal(t, int64(1700000000), m.LastEditTimestamp)
	require.Len(t, m.EditHistory, 1)
	h := m.EditHistory[0]
	assert.Equal(t, "<p>old</p>", *h.PrevRenderedContent)
	assert.Equal(t, 1, *h.PrevRenderedContentVersion)
	assert.Equal(t, "old topic", *h.PrevSubject)
	assert.Equal(t, int64(1), h.UserID)

	assert.Equal(t, "<p>old</p>", orig.Content, "original record must not change")
	assert.Empty(t, orig.EditHistory)
}

func TestMessages_UpdateNewestHistoryFirst(t *testing.T) {
	s := applyMessages(MessagesState{}, NewMessage{Message: streamMsg(1, testStream, "t")})
	for i, content := range []string{"<p>one</p>", "<p>two</p>"} {
		s = applyMessages(s, UpdateMessage{
			MessageID:       1,
			RenderedContent: ptr(content),
			EditTimestamp:   ptr(int64(100 + i)),
			UserID:          ptr(int64(1)),
		})
	}
	h := s.Get(1).EditHistory
	require.Len(t, h, 2)
	assert.Equal(t, int64(101), h[0].Timestamp)
	assert.Equal(t, "<p>one</p>", *h[0].PrevRenderedContent)
	assert.Nil(t, h[0].PrevSubject)
}

func TestMessages_UpdateWithoutEditorIsRenderingRefresh(t *testing.T) {
	s := applyMessages(MessagesState{}, NewMessage{Message: streamMsg(1, testStream, "t")})
	s = applyMessages(s, UpdateMessage{MessageID: 1, RenderedContent: ptr("<p>with preview</p>")})
	m := s.Get(1)
	assert.Equal(t, "<p>with preview</p>", m.Content)
	assert.Empty(t, m.EditHistory)
}

func TestMessages_UpdateUsesOrigRenderedContent(t *testing.T) {
	s := applyMessages(MessagesState{}, NewMessage{Message: streamMsg(1, testStream, "t")})
	s = applyMessages(s, UpdateMessage{
		MessageID:           1,
		RenderedContent:     ptr("<p>new</p>"),
		OrigRenderedContent: ptr("<p>server copy</p>"),
		EditTimestamp:       ptr(int64(5)),
		UserID:              ptr(int64(2)),
	})
	assert.Equal(t, "<p>server copy</p>", *s.Get(1).EditHistory[0].PrevRenderedContent)
}

func TestMessages_DeleteMany(t *testing.T) {
	s := applyMessages(MessagesState{}, fetched(HomeNarrow(), 500, 5, 5,
		streamMsg(1, testStream, "a"), streamMsg(2, testStream, "a"), streamMsg(3, testStream, "a")))
	s = applyMessages(s, MessageDelete{MessageIDs: []int64{1, 3, 42}})
	assert.Equal(t, []int64{2}, s.IDs())
}

func TestMessages_Flags(t *testing.T) {
	s := applyMessages(MessagesState{}, fetched(HomeNarrow(), 500, 5, 5,
		streamMsg(1, testStream, "a"), streamMsg(2, testStream, "a", FlagRead)))

	s = applyMessages(s, UpdateMessageFlags{MessageIDs: []int64{1, 2}, Flag: FlagRead, Op: FlagOpAdd})
	assert.Equal(t, []string{FlagRead}, s.Get(1).Flags)
	assert.Equal(t, []string{FlagRead}, s.Get(2).Flags)

	s = applyMessages(s, UpdateMessageFlags{MessageIDs: []int64{2}, Flag: FlagRead, Op: FlagOpRemove})
	assert.False(t, s.Get(2).HasFlag(FlagRead))
	assert.True(t, s.Get(1).HasFlag(FlagRead))
}

func TestMessages_Submessage(t *testing.T) {
	s := applyMessages(MessagesState{}, NewMessage{Message: streamMsg(1, testStream, "a")})
	sub := Submessage{ID: 9, MessageID: 1, SenderID: 3, MsgType: "widget", Content: "{}"}
	s = applyMessages(s, SubmessageAdd{Submessage: sub})
	assert.Equal(t, []Submessage{sub}, s.Get(1).Submessages)
}

func TestMessages_ResetsClear(t *testing.T) {
	s := applyMessages(MessagesState{}, NewMessage{Message: streamMsg(1, testStream, "a")})
	for _, ev := range []Event{Logout{}, LoginSuccess{}, AccountSwitch{}, DeadQueue{}, RealmInit{}} {
		assert.Zero(t, applyMessages(s, ev).Len(), "%T", ev)
	}
}
