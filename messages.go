package msgcache

import (
	"encoding/json"
	"maps"
	"reflect"
	"slices"
)

// ============================================================================
// Message store
// ============================================================================

// MessagesState is the normalized message map. A value is an immutable
// snapshot; applyMessages returns a new one when anything changes.
type MessagesState struct {
	byID map[int64]*Message
}

// Get returns the message with the given id, or nil.
func (s MessagesState) Get(id int64) *Message {
	return s.byID[id]
}

func (s MessagesState) Len() int { return len(s.byID) }

// IDs returns every cached id in ascending order.
func (s MessagesState) IDs() []int64 {
	ids := slices.Collect(maps.Keys(s.byID))
	slices.Sort(ids)
	return ids
}

func (s MessagesState) MarshalJSON() ([]byte, error) {
	msgs := make([]*Message, 0, len(s.byID))
	for _, id := range s.IDs() {
		msgs = append(msgs, s.byID[id])
	}
	return json.Marshal(msgs)
}

func (s *MessagesState) UnmarshalJSON(data []byte) error {
	var msgs []*Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return err
	}
	s.byID = make(map[int64]*Message, len(msgs))
	for _, m := range msgs {
		s.byID[m.ID] = m
	}
	return nil
}

// messagesWriter clones the map on first write.
type messagesWriter struct {
	base MessagesState
	next map[int64]*Message
}

func (w *messagesWriter) set(m *Message) {
	if w.next == nil {
		w.next = maps.Clone(w.base.byID)
		if w.next == nil {
			w.next = make(map[int64]*Message)
		}
	}
	w.next[m.ID] = m
}

func (w *messagesWriter) delete(id int64) {
	if _, ok := w.lookup(id); !ok {
		return
	}
	if w.next == nil {
		w.next = maps.Clone(w.base.byID)
	}
	delete(w.next, id)
}

func (w *messagesWriter) lookup(id int64) (*Message, bool) {
	if w.next != nil {
		m, ok := w.next[id]
		return m, ok
	}
	m, ok := w.base.byID[id]
	return m, ok
}

func (w *messagesWriter) done() MessagesState {
	if w.next == nil {
		return w.base
	}
	return MessagesState{byID: w.next}
}

func applyMessages(s MessagesState, ev Event) MessagesState {
	switch ev := ev.(type) {
	case RealmInit, Logout, LoginSuccess, AccountSwitch, DeadQueue:
		return MessagesState{}

	case FetchComplete:
		w := messagesWriter{base: s}
		keepEqual := ev.Anchor.IsSentinel()
		for _, m := range ev.Messages {
			if m == nil {
				continue
			}
			if old, ok := w.lookup(m.ID); ok {
				if old == m || (keepEqual && reflect.DeepEqual(old, m)) {
					continue
				}
			}
			w.set(m)
		}
		return w.done()

	case NewMessage:
		if ev.Message == nil {
			return s
		}
		if _, ok := s.byID[ev.Message.ID]; ok {
			return s
		}
		w := messagesWriter{base: s}
		w.set(ev.Message)
		return w.done()

	case UpdateMessage:
		old := s.byID[ev.MessageID]
		if old == nil {
			return s
		}
		w := messagesWriter{base: s}
		w.set(updateMessage(old, ev))
		return w.done()

	case MessageDelete:
		w := messagesWriter{base: s}
		for _, id := range ev.MessageIDs {
			w.delete(id)
		}
		return w.done()

	case ReactionAdd:
		old := s.byID[ev.MessageID]
		if old == nil || hasReaction(old.Reactions, ev.Reaction) {
			return s
		}
		m := old.clone()
		m.Reactions = append(slices.Clip(old.Reactions), ev.Reaction)
		w := messagesWriter{base: s}
		w.set(m)
		return w.done()

	case ReactionRemove:
		old := s.byID[ev.MessageID]
		if old == nil || !hasReaction(old.Reactions, ev.Reaction) {
			return s
		}
		m := old.clone()
		m.Reactions = slices.DeleteFunc(slices.Clone(old.Reactions), func(r Reaction) bool {
			return sameReaction(r, ev.Reaction)
		})
		w := messagesWriter{base: s}
		w.set(m)
		return w.done()

	case UpdateMessageFlags:
		w := messagesWriter{base: s}
		for _, id := range ev.MessageIDs {
			old, ok := w.lookup(id)
			if !ok {
				continue
			}
			has := old.HasFlag(ev.Flag)
			switch {
			case ev.Op == FlagOpAdd && !has:
				m := old.clone()
				m.Flags = append(slices.Clip(old.Flags), ev.Flag)
				w.set(m)
			case ev.Op == FlagOpRemove && has:
				m := old.clone()
				m.Flags = slices.DeleteFunc(slices.Clone(old.Flags), func(f string) bool { return f == ev.Flag })
				w.set(m)
			}
		}
		return w.done()

	case SubmessageAdd:
		old := s.byID[ev.Submessage.MessageID]
		if old == nil {
			return s
		}
		m := old.clone()
		m.Submessages = append(slices.Clip(old.Submessages), ev.Submessage)
		w := messagesWriter{base: s}
		w.set(m)
		return w.done()

	case FetchStart, FetchError:
		return s
	}
	return s
}

// updateMessage applies an edit to old and returns the new record.
func updateMessage(old *Message, ev UpdateMessage) *Message {
	m := old.clone()
	contentChanged := ev.RenderedContent != nil
	subjectChanged := ev.Subject != nil && *ev.Subject != old.Subject

	if contentChanged {
		m.Content = *ev.RenderedContent
	}
	if subjectChanged {
		m.Subject = *ev.Subject
	}
	if ev.EditTimestamp != nil {
		m.LastEditTimestamp = *ev.EditTimestamp
	}

	if ev.EditTimestamp == nil || ev.UserID == nil || (!contentChanged && !subjectChanged) {
		return m
	}
	entry := EditHistoryEntry{Timestamp: *ev.EditTimestamp, UserID: *ev.UserID}
	if contentChanged {
		prev := old.Content
		if ev.OrigRenderedContent != nil {
			prev = *ev.OrigRenderedContent
		}
		entry.PrevRenderedContent = &prev
		entry.PrevRenderedContentVersion = ev.PrevRenderedContentVersion
	}
	if subjectChanged {
		prev := old.Subject
		entry.PrevSubject = &prev
	}
	m.EditHistory = append([]EditHistoryEntry{entry}, old.EditHistory...)
	return m
}

func sameReaction(a, b Reaction) bool {
	return a.EmojiName == b.EmojiName && a.UserID == b.UserID
}

func hasReaction(rs []Reaction, r Reaction) bool {
	return slices.ContainsFunc(rs, func(x Reaction) bool { return sameReaction(x, r) })
}
