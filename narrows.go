package msgcache

import (
	"encoding/json"
	"maps"
	"slices"
)

// ============================================================================
// Narrow index
// ============================================================================

type narrowEntry struct {
	narrow Narrow
	ids    []int64 // ascending, no duplicates
}

// NarrowsState maps each known narrow to the ids of its cached messages.
type NarrowsState struct {
	byKey map[NarrowKey]narrowEntry
}

// IDs returns the ascending message ids cached for key. The slice must not
// be modified.
func (s NarrowsState) IDs(key NarrowKey) []int64 {
	return s.byKey[key].ids
}

// Has reports whether the narrow has been fetched at least once.
func (s NarrowsState) Has(key NarrowKey) bool {
	_, ok := s.byKey[key]
	return ok
}

// Keys returns the known narrow keys in sorted order.
func (s NarrowsState) Keys() []NarrowKey {
	keys := slices.Collect(maps.Keys(s.byKey))
	slices.Sort(keys)
	return keys
}

func (s NarrowsState) Len() int { return len(s.byKey) }

func (s NarrowsState) MarshalJSON() ([]byte, error) {
	out := make(map[NarrowKey][]int64, len(s.byKey))
	for k, e := range s.byKey {
		out[k] = e.ids
	}
	return json.Marshal(out)
}

func (s *NarrowsState) UnmarshalJSON(data []byte) error {
	var in map[NarrowKey][]int64
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.byKey = make(map[NarrowKey]narrowEntry, len(in))
	for k, ids := range in {
		n, err := ParseNarrowKey(k)
		if err != nil {
			return err
		}
		s.byKey[k] = narrowEntry{narrow: n, ids: sortedIDs(ids)}
	}
	return nil
}

// narrowsContext carries what the narrow index reads from outside its own state.
type narrowsContext struct {
	caughtUp CaughtUpState
	inNarrow MembershipFunc
}

type narrowsWriter struct {
	base NarrowsState
	next map[NarrowKey]narrowEntry
}

func (w *narrowsWriter) get(key NarrowKey) (narrowEntry, bool) {
	if w.next != nil {
		e, ok := w.next[key]
		return e, ok
	}
	e, ok := w.base.byKey[key]
	return e, ok
}

func (w *narrowsWriter) clone() {
	if w.next == nil {
		w.next = maps.Clone(w.base.byKey)
		if w.next == nil {
			w.next = make(map[NarrowKey]narrowEntry)
		}
	}
}

func (w *narrowsWriter) set(key NarrowKey, e narrowEntry) {
	w.clone()
	w.next[key] = e
}

func (w *narrowsWriter) delete(key NarrowKey) {
	if _, ok := w.get(key); !ok {
		return
	}
	w.clone()
	delete(w.next, key)
}

func (w *narrowsWriter) done() NarrowsState {
	if w.next == nil {
		return w.base
	}
	return NarrowsState{byKey: w.next}
}

func applyNarrows(s NarrowsState, ev Event, ctx narrowsContext) NarrowsState {
	switch ev := ev.(type) {
	case RealmInit, Logout, LoginSuccess, AccountSwitch, DeadQueue:
		return NarrowsState{}

	case FetchComplete:
		if ev.Narrow.IsSearch() {
			return s
		}
		key := ev.Narrow.Key()
		fetched := make([]int64, 0, len(ev.Messages))
		for _, m := range ev.Messages {
			if m != nil {
				fetched = append(fetched, m.ID)
			}
		}
		var ids []int64
		if ev.Anchor.IsSentinel() {
			ids = sortedIDs(fetched)
		} else {
			ids = sortedIDs(append(slices.Clone(s.byKey[key].ids), fetched...))
		}
		if old, ok := s.byKey[key]; ok && slices.Equal(old.ids, ids) {
			return s
		}
		w := narrowsWriter{base: s}
		w.set(key, narrowEntry{narrow: ev.Narrow, ids: ids})
		return w.done()

	case NewMessage:
		if ev.Message == nil {
			return s
		}
		id := ev.Message.ID
		w := narrowsWriter{base: s}
		for key, e := range s.byKey {
			if !ctx.caughtUp.Get(key).Newer {
				// Without a verified view of the narrow's tail, appending
				// would hide any messages between our last id and this one.
				continue
			}
			if !ctx.inNarrow(ev.Message, e.narrow, ev.Own) {
				continue
			}
			pos, found := slices.BinarySearch(e.ids, id)
			if found {
				continue
			}
			w.set(key, narrowEntry{narrow: e.narrow, ids: slices.Insert(slices.Clip(e.ids), pos, id)})
		}
		return w.done()

	case MessageDelete:
		w := narrowsWriter{base: s}
		for key, e := range s.byKey {
			if ids, changed := removeIDs(e.ids, ev.MessageIDs); changed {
				w.set(key, narrowEntry{narrow: e.narrow, ids: ids})
			}
		}
		return w.done()

	case UpdateMessageFlags:
		var key NarrowKey
		switch ev.Flag {
		case FlagStarred:
			key = starredNarrowKey
		case FlagMentioned, FlagWildcardMentioned:
			key = mentionedNarrowKey
		default:
			return s
		}
		e, ok := s.byKey[key]
		if !ok {
			return s
		}
		var ids []int64
		switch ev.Op {
		case FlagOpAdd:
			ids = sortedIDs(append(slices.Clone(e.ids), ev.MessageIDs...))
		case FlagOpRemove:
			ids, _ = removeIDs(e.ids, ev.MessageIDs)
		default:
			return s
		}
		if slices.Equal(ids, e.ids) {
			return s
		}
		w := narrowsWriter{base: s}
		w.set(key, narrowEntry{narrow: e.narrow, ids: ids})
		return w.done()

	case UpdateMessage:
		if ev.Move == nil {
			return s
		}
		mv := ev.Move
		w := narrowsWriter{base: s}
		origins := []Narrow{TopicNarrow(mv.OrigStreamID, mv.OrigTopic)}
		if mv.NewStreamID != mv.OrigStreamID {
			origins = append(origins, StreamNarrow(mv.OrigStreamID))
		}
		for _, n := range origins {
			key := n.Key()
			e, ok := w.get(key)
			if !ok {
				continue
			}
			if ids, changed := removeIDs(e.ids, ev.MessageIDs); changed {
				w.set(key, narrowEntry{narrow: e.narrow, ids: ids})
			}
		}
		// We can't tell where the moved messages fall among the ones already
		// cached at the destination, so stop claiming to know it.
		for _, key := range moveDestinations(mv) {
			w.delete(key)
		}
		return w.done()

	case FetchStart, FetchError, ReactionAdd, ReactionRemove, SubmessageAdd:
		return s
	}
	return s
}

// sortedIDs sorts ids ascending and drops duplicates, in place.
func sortedIDs(ids []int64) []int64 {
	slices.Sort(ids)
	return slices.Compact(ids)
}

// removeIDs returns ids without any of drop, and whether anything was removed.
func removeIDs(ids, drop []int64) ([]int64, bool) {
	if len(drop) == 0 || len(ids) == 0 {
		return ids, false
	}
	set := make(map[int64]struct{}, len(drop))
	for _, id := range drop {
		set[id] = struct{}{}
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			out = append(out, id)
		}
	}
	if len(out) == len(ids) {
		return ids, false
	}
	return out, true
}
