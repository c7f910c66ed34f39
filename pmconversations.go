package msgcache

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// ============================================================================
// PM conversation index
// ============================================================================

// PmConversationKey identifies a private conversation: the participant ids
// other than self, sorted numerically and comma-joined. The self-PM is "".
type PmConversationKey string

// keyOfExactUsers expects exactly the non-self participants, in any order.
func keyOfExactUsers(ids []int64) PmConversationKey {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return PmConversationKey(joinIDs(sorted))
}

// KeyOfUsers builds the key for a participant list that may include self.
func KeyOfUsers(ids []int64, ownID int64) PmConversationKey {
	others := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != ownID {
			others = append(others, id)
		}
	}
	return keyOfExactUsers(others)
}

// UsersOfKey returns the participants named by key, self excluded.
func UsersOfKey(key PmConversationKey) ([]int64, error) {
	if key == "" {
		return []int64{}, nil
	}
	parts := strings.Split(string(key), ",")
	ids := make([]int64, len(parts))
	for i, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pm conversation key %q: %w", key, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func keyOfPrivateMessage(m *Message, own Identity, recipients RecipientsFunc) PmConversationKey {
	rs := recipients(m)
	ids := make([]int64, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return KeyOfUsers(ids, own.UserID)
}

// PmConversationsState holds the latest message id per conversation and the
// keys ordered by that id, newest first.
type PmConversationsState struct {
	latest map[PmConversationKey]int64
	sorted []PmConversationKey
}

// Keys returns the conversation keys, most recent first. The slice must not
// be modified.
func (s PmConversationsState) Keys() []PmConversationKey { return s.sorted }

// Latest returns the newest message id known for key.
func (s PmConversationsState) Latest(key PmConversationKey) (int64, bool) {
	id, ok := s.latest[key]
	return id, ok
}

func (s PmConversationsState) Len() int { return len(s.latest) }

// insert records msgID in the conversation key. Older or duplicate ids are
// ignored, so the recency order never regresses.
func (s PmConversationsState) insert(key PmConversationKey, msgID int64) PmConversationsState {
	prev, ok := s.latest[key]
	if ok && prev >= msgID {
		return s
	}
	latest := maps.Clone(s.latest)
	if latest == nil {
		latest = make(map[PmConversationKey]int64, 1)
	}
	latest[key] = msgID

	sorted := slices.Clone(s.sorted)
	if ok {
		if i := slices.Index(sorted, key); i >= 0 {
			sorted = slices.Delete(sorted, i, i+1)
		}
	}
	// First position whose conversation is strictly older; equal ids keep
	// their existing order ahead of the new key.
	i := sort.Search(len(sorted), func(i int) bool { return latest[sorted[i]] < msgID })
	sorted = slices.Insert(sorted, i, key)
	return PmConversationsState{latest: latest, sorted: sorted}
}

// Check validates that sorted is a permutation of the map keys in
// descending order of latest message id.
func (s PmConversationsState) Check() error {
	if len(s.sorted) != len(s.latest) {
		return fmt.Errorf("pm conversations: %d sorted keys, %d mapped", len(s.sorted), len(s.latest))
	}
	seen := make(map[PmConversationKey]struct{}, len(s.sorted))
	for i, key := range s.sorted {
		id, ok := s.latest[key]
		if !ok {
			return fmt.Errorf("pm conversations: key %q in sorted but not in map", key)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("pm conversations: key %q sorted twice", key)
		}
		seen[key] = struct{}{}
		if i > 0 && s.latest[s.sorted[i-1]] < id {
			return fmt.Errorf("pm conversations: key %q out of order at %d", key, i)
		}
	}
	return nil
}

// rebuild recomputes sorted from the map.
func (s PmConversationsState) rebuild() PmConversationsState {
	sorted := slices.Collect(maps.Keys(s.latest))
	slices.SortFunc(sorted, func(a, b PmConversationKey) int {
		if d := s.latest[b] - s.latest[a]; d != 0 {
			if d > 0 {
				return 1
			}
			return -1
		}
		return strings.Compare(string(a), string(b))
	})
	return PmConversationsState{latest: maps.Clone(s.latest), sorted: sorted}
}

type pmConversationJSON struct {
	Key          PmConversationKey `json:"key"`
	MaxMessageID int64             `json:"max_message_id"`
}

func (s PmConversationsState) MarshalJSON() ([]byte, error) {
	out := make([]pmConversationJSON, len(s.sorted))
	for i, key := range s.sorted {
		out[i] = pmConversationJSON{Key: key, MaxMessageID: s.latest[key]}
	}
	return json.Marshal(out)
}

func (s *PmConversationsState) UnmarshalJSON(data []byte) error {
	var in []pmConversationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	next := PmConversationsState{}
	for _, c := range in {
		next = next.insert(c.Key, c.MaxMessageID)
	}
	*s = next
	return nil
}

func applyPmConversations(s PmConversationsState, ev Event, recipients RecipientsFunc) PmConversationsState {
	switch ev := ev.(type) {
	case RealmInit:
		next := PmConversationsState{}
		for _, c := range ev.RecentPrivateConversations {
			next = next.insert(keyOfExactUsers(c.UserIDs), c.MaxMessageID)
		}
		return next

	case Logout, LoginSuccess, AccountSwitch, DeadQueue:
		return PmConversationsState{}

	case FetchComplete:
		next := s
		for _, m := range ev.Messages {
			if m == nil || !m.IsPrivate() {
				continue
			}
			next = next.insert(keyOfPrivateMessage(m, ev.Own, recipients), m.ID)
		}
		return next

	case NewMessage:
		if ev.Message == nil || !ev.Message.IsPrivate() {
			return s
		}
		return s.insert(keyOfPrivateMessage(ev.Message, ev.Own, recipients), ev.Message.ID)

	case FetchStart, FetchError, UpdateMessage, MessageDelete, ReactionAdd,
		ReactionRemove, UpdateMessageFlags, SubmessageAdd:
		return s
	}
	return s
}
