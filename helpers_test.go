package msgcache

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testOwnID   int64 = 100
	testStream  int64 = 7
	testStream2 int64 = 8
)

var testOwn = Identity{UserID: testOwnID, Email: "me@example.com"}

func ptr[T any](v T) *T { return &v }

func streamMsg(id int64, streamID int64, topic string, flags ...string) *Message {
	return &Message{
		ID:         id,
		Type:       MessageTypeStream,
		Content:    "<p>message</p>",
		Subject:    topic,
		SenderID:   1,
		StreamID:   streamID,
		StreamName: "general",
		Reactions:  []Reaction{},
		Flags:      flags,
	}
}

// pmMsg builds a private message between self and others.
func pmMsg(id int64, others ...int64) *Message {
	rs := []Recipient{{ID: testOwnID, Email: "me@example.com"}}
	for _, o := range others {
		rs = append(rs, Recipient{ID: o})
	}
	return &Message{
		ID:         id,
		Type:       MessageTypePrivate,
		Content:    "<p>pm</p>",
		SenderID:   testOwnID,
		Recipients: rs,
		Reactions:  []Reaction{},
	}
}

func fetched(n Narrow, anchor Anchor, before, after int, msgs ...*Message) FetchComplete {
	return FetchComplete{
		Narrow:    n,
		Anchor:    anchor,
		NumBefore: before,
		NumAfter:  after,
		Messages:  msgs,
		Own:       testOwn,
	}
}

// reduceAll applies events in order from an empty state.
func reduceAll(events ...Event) *State {
	s := NewState()
	for _, ev := range events {
		s = Reduce(s, ev, Deps{})
	}
	return s
}
