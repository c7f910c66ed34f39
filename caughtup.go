package msgcache

import "maps"

// CaughtUp says whether the cache holds a contiguous prefix (Older) or
// suffix (Newer) of a narrow's full history.
type CaughtUp struct {
	Older bool `json:"older"`
	Newer bool `json:"newer"`
}

// CaughtUpState maps narrow keys to their flags. An absent key reads as
// CaughtUp{}.
type CaughtUpState map[NarrowKey]CaughtUp

// Get returns the flags for key.
func (s CaughtUpState) Get(key NarrowKey) CaughtUp {
	return s[key]
}

func (s CaughtUpState) with(key NarrowKey, c CaughtUp) CaughtUpState {
	next := maps.Clone(s)
	if next == nil {
		next = make(CaughtUpState, 1)
	}
	next[key] = c
	return next
}

func (s CaughtUpState) without(keys ...NarrowKey) CaughtUpState {
	var next CaughtUpState
	for _, key := range keys {
		if _, ok := s[key]; !ok {
			continue
		}
		if next == nil {
			next = maps.Clone(s)
		}
		delete(next, key)
	}
	if next == nil {
		return s
	}
	return next
}

func applyCaughtUp(s CaughtUpState, ev Event) CaughtUpState {
	switch ev := ev.(type) {
	case RealmInit, Logout, LoginSuccess, AccountSwitch, DeadQueue:
		return CaughtUpState{}

	case FetchStart:
		if ev.Narrow.IsSearch() {
			return s
		}
		key := ev.Narrow.Key()
		if prev, ok := s[key]; ok && prev == (CaughtUp{}) {
			return s
		}
		return s.with(key, CaughtUp{})

	case FetchComplete:
		if ev.Narrow.IsSearch() {
			return s
		}
		key := ev.Narrow.Key()
		prev := s[key]
		var found CaughtUp
		if ev.FoundOldest != nil && ev.FoundNewest != nil {
			found = CaughtUp{Older: *ev.FoundOldest, Newer: *ev.FoundNewest}
		} else {
			found = inferCaughtUp(ev)
		}
		next := CaughtUp{Older: prev.Older || found.Older, Newer: prev.Newer || found.Newer}
		if cur, ok := s[key]; ok && cur == next {
			return s
		}
		return s.with(key, next)

	case UpdateMessage:
		if ev.Move == nil {
			return s
		}
		// The narrows gaining messages lose their contiguity guarantee; the
		// narrow index forgets them as well.
		return s.without(moveDestinations(ev.Move)...)

	case FetchError, NewMessage, MessageDelete, ReactionAdd, ReactionRemove,
		UpdateMessageFlags, SubmessageAdd:
		return s
	}
	return s
}

// inferCaughtUp derives the flags from the request shape when the server
// didn't report found_oldest/found_newest.
func inferCaughtUp(ev FetchComplete) CaughtUp {
	n := len(ev.Messages)
	if ev.Anchor == LastMessageAnchor {
		return CaughtUp{Older: ev.NumBefore > n, Newer: true}
	}

	anchorIdx := -1
	for i, m := range ev.Messages {
		if m == nil {
			continue
		}
		if ev.Anchor == FirstUnreadAnchor {
			if !m.HasFlag(FlagRead) {
				anchorIdx = i
				break
			}
		} else if m.ID == int64(ev.Anchor) {
			anchorIdx = i
			break
		}
	}
	if anchorIdx < 0 {
		anchorIdx = n
	}

	// With messages requested before the anchor, a response longer than the
	// request counts the anchor itself on both sides.
	adjustment := 0
	requested := ev.NumBefore + ev.NumAfter
	if n > requested && ev.NumBefore > 0 {
		adjustment = -(n - requested)
	}

	return CaughtUp{
		Older: anchorIdx < ev.NumBefore,
		Newer: n-anchorIdx+adjustment < ev.NumAfter,
	}
}

func moveDestinations(mv *MessageMove) []NarrowKey {
	keys := []NarrowKey{TopicNarrow(mv.NewStreamID, mv.NewTopic).Key()}
	if mv.NewStreamID != mv.OrigStreamID {
		keys = append(keys, StreamNarrow(mv.NewStreamID).Key())
	}
	return keys
}
