package msgcache

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ============================================================================
// Narrows
// ============================================================================

// NarrowElement is one predicate of a narrow.
type NarrowElement struct {
	Operator string `json:"operator"`
	Operand  string `json:"operand"`
	Negated  bool   `json:"negated,omitempty"`
}

// Narrow is a conjunction of predicates over the message stream.
// The empty narrow matches every message.
type Narrow []NarrowElement

// NarrowKey is the stable serialization of a Narrow. Two narrows are the same
// iff their keys are equal.
type NarrowKey string

const (
	OperatorStream = "stream"
	OperatorTopic  = "topic"
	OperatorPmWith = "pm-with"
	OperatorIs     = "is"
	OperatorSearch = "search"
)

func HomeNarrow() Narrow { return Narrow{} }

func StreamNarrow(streamID int64) Narrow {
	return Narrow{{Operator: OperatorStream, Operand: strconv.FormatInt(streamID, 10)}}
}

func TopicNarrow(streamID int64, topic string) Narrow {
	return Narrow{
		{Operator: OperatorStream, Operand: strconv.FormatInt(streamID, 10)},
		{Operator: OperatorTopic, Operand: topic},
	}
}

// PmNarrow is the private conversation with the given users (self excluded;
// a self-PM uses just the own id).
func PmNarrow(userIDs ...int64) Narrow {
	ids := slices.Clone(userIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return Narrow{{Operator: OperatorPmWith, Operand: joinIDs(ids)}}
}

func SpecialNarrow(operand string) Narrow {
	return Narrow{{Operator: OperatorIs, Operand: operand}}
}

func AllPrivateNarrow() Narrow { return SpecialNarrow("private") }
func StarredNarrow() Narrow    { return SpecialNarrow("starred") }
func MentionedNarrow() Narrow  { return SpecialNarrow("mentioned") }

func SearchNarrow(query string) Narrow {
	return Narrow{{Operator: OperatorSearch, Operand: query}}
}

var (
	starredNarrowKey   = KeyFromNarrow(StarredNarrow())
	mentionedNarrowKey = KeyFromNarrow(MentionedNarrow())
)

// KeyFromNarrow serializes the narrow. The predicate order is significant.
func KeyFromNarrow(n Narrow) NarrowKey {
	if len(n) == 0 {
		return "[]"
	}
	data, err := json.Marshal([]NarrowElement(n))
	if err != nil {
		// A slice of plain string/bool structs always marshals.
		panic(fmt.Sprintf("narrow key: %v", err))
	}
	return NarrowKey(data)
}

// ParseNarrowKey is the inverse of KeyFromNarrow.
func ParseNarrowKey(key NarrowKey) (Narrow, error) {
	var n Narrow
	if err := json.Unmarshal([]byte(key), &n); err != nil {
		return nil, fmt.Errorf("parse narrow key %q: %w", key, err)
	}
	if n == nil {
		n = Narrow{}
	}
	return n, nil
}

// Key is shorthand for KeyFromNarrow(n).
func (n Narrow) Key() NarrowKey { return KeyFromNarrow(n) }

// IsSearch reports whether the narrow contains a full-text search predicate.
// Search narrows are fetched but never cached in the narrow index.
func (n Narrow) IsSearch() bool {
	return slices.ContainsFunc(n, func(e NarrowElement) bool { return e.Operator == OperatorSearch })
}

// ============================================================================
// Collaborators
// ============================================================================

// MembershipFunc decides whether a message belongs to a narrow.
type MembershipFunc func(m *Message, n Narrow, own Identity) bool

// RecipientsFunc extracts the participants of a private message.
type RecipientsFunc func(m *Message) []Recipient

// RecipientsOfPrivateMessage returns the display recipients carried on the message.
func RecipientsOfPrivateMessage(m *Message) []Recipient {
	return m.Recipients
}

// MessageInNarrow is the default MembershipFunc. Every predicate must hold;
// a negated predicate must not. Search predicates never match, since a live
// event can't be checked against server-side full-text search.
func MessageInNarrow(m *Message, n Narrow, own Identity) bool {
	for _, e := range n {
		if matchElement(m, e, own) == e.Negated {
			return false
		}
	}
	return true
}

func matchElement(m *Message, e NarrowElement, own Identity) bool {
	switch e.Operator {
	case OperatorStream:
		if m.Type != MessageTypeStream {
			return false
		}
		if id, err := strconv.ParseInt(e.Operand, 10, 64); err == nil {
			return m.StreamID == id
		}
		return strings.EqualFold(m.StreamName, e.Operand)
	case OperatorTopic:
		return m.Type == MessageTypeStream && strings.EqualFold(m.Subject, e.Operand)
	case OperatorPmWith:
		if !m.IsPrivate() {
			return false
		}
		ids := make([]int64, 0, len(m.Recipients))
		for _, r := range m.Recipients {
			ids = append(ids, r.ID)
		}
		key := string(KeyOfUsers(ids, own.UserID))
		if key == "" {
			// Self-PM: the narrow names the own user.
			key = strconv.FormatInt(own.UserID, 10)
		}
		return key == normalizeIDList(e.Operand)
	case OperatorIs:
		switch e.Operand {
		case "private":
			return m.IsPrivate()
		case "starred":
			return m.HasFlag(FlagStarred)
		case "mentioned":
			return m.HasFlag(FlagMentioned) || m.HasFlag(FlagWildcardMentioned)
		}
	}
	return false
}

// normalizeIDList sorts a comma-separated id list numerically.
func normalizeIDList(s string) string {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return s
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return joinIDs(ids)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
