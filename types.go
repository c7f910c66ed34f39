package msgcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// apiEnvelope is the common part of every API response.
type apiEnvelope struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
	Code   string `json:"code,omitempty"`
}

func (e *apiEnvelope) err() error {
	if e.Result == "success" {
		return nil
	}
	return &APIError{Code: e.Code, Message: e.Msg}
}

// Identity is the logged-in user, as needed by narrow membership and PM keys.
type Identity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// ============================================================================
// Anchors
// ============================================================================

// Anchor is the pivot of a paginated fetch: a message id or one of the sentinels.
type Anchor int64

const (
	// FirstUnreadAnchor asks the server to center the window on the first unread message.
	FirstUnreadAnchor Anchor = 0
	// LastMessageAnchor asks for the newest messages in the narrow.
	LastMessageAnchor Anchor = 1<<53 - 1
)

// IsSentinel reports whether the anchor selects replace semantics in the narrow index.
func (a Anchor) IsSentinel() bool {
	return a == FirstUnreadAnchor || a == LastMessageAnchor
}

// QueryValue renders the anchor the way the messages endpoint expects it.
func (a Anchor) QueryValue() string {
	switch a {
	case FirstUnreadAnchor:
		return "first_unread"
	case LastMessageAnchor:
		return "newest"
	}
	return fmt.Sprintf("%d", int64(a))
}

// UnmarshalJSON accepts a message id or one of the query names.
func (a *Anchor) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch name {
		case "first_unread":
			*a = FirstUnreadAnchor
		case "newest":
			*a = LastMessageAnchor
		default:
			return fmt.Errorf("unknown anchor %q", name)
		}
		return nil
	}
	var id int64
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("anchor: %w", err)
	}
	*a = Anchor(id)
	return nil
}

// ============================================================================
// Messages
// ============================================================================

type MessageType string

const (
	MessageTypeStream  MessageType = "stream"
	MessageTypePrivate MessageType = "private"
)

const (
	FlagRead              = "read"
	FlagStarred           = "starred"
	FlagMentioned         = "mentioned"
	FlagWildcardMentioned = "wildcard_mentioned"
)

// FlagOp is the operation of an UpdateMessageFlags event.
type FlagOp string

const (
	FlagOpAdd    FlagOp = "add"
	FlagOpRemove FlagOp = "remove"
)

// Recipient is one participant of a private message.
type Recipient struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

// Reaction is at most present once per (EmojiName, UserID).
type Reaction struct {
	EmojiName    string `json:"emoji_name"`
	EmojiCode    string `json:"emoji_code,omitempty"`
	ReactionType string `json:"reaction_type,omitempty"`
	UserID       int64  `json:"user_id"`
}

// EditHistoryEntry records what one edit changed. Only the changed fields are set.
type EditHistoryEntry struct {
	PrevRenderedContent        *string `json:"prev_rendered_content,omitempty"`
	PrevRenderedContentVersion *int    `json:"prev_rendered_content_version,omitempty"`
	PrevSubject                *string `json:"prev_subject,omitempty"`
	Timestamp                  int64   `json:"timestamp"`
	UserID                     int64   `json:"user_id"`
}

type Submessage struct {
	ID        int64  `json:"id"`
	MessageID int64  `json:"message_id"`
	SenderID  int64  `json:"sender_id"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
}

// Message is a cached message record. Records held by a State are never
// mutated; every change produces a new *Message.
type Message struct {
	ID                int64              `json:"id"`
	Type              MessageType        `json:"type"`
	Timestamp         int64              `json:"timestamp"`
	Content           string             `json:"content"`
	ContentType       string             `json:"content_type,omitempty"`
	Subject           string             `json:"subject"`
	SenderID          int64              `json:"sender_id"`
	SenderEmail       string             `json:"sender_email,omitempty"`
	SenderFullName    string             `json:"sender_full_name,omitempty"`
	StreamID          int64              `json:"stream_id,omitempty"`
	StreamName        string             `json:"-"`
	Recipients        []Recipient        `json:"-"`
	Reactions         []Reaction         `json:"reactions"`
	Flags             []string           `json:"flags,omitempty"`
	EditHistory       []EditHistoryEntry `json:"edit_history,omitempty"`
	LastEditTimestamp int64              `json:"last_edit_timestamp,omitempty"`
	Submessages       []Submessage       `json:"submessages,omitempty"`
}

type messageAlias Message

// UnmarshalJSON decodes display_recipient, which is a stream name for stream
// messages and a recipient list for private ones.
func (m *Message) UnmarshalJSON(data []byte) error {
	w := struct {
		*messageAlias
		DisplayRecipient json.RawMessage `json:"display_recipient,omitempty"`
	}{messageAlias: (*messageAlias)(m)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	raw := bytes.TrimSpace(w.DisplayRecipient)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '"':
		return json.Unmarshal(raw, &m.StreamName)
	case '[':
		return json.Unmarshal(raw, &m.Recipients)
	}
	return fmt.Errorf("message %d: unexpected display_recipient %s", m.ID, raw)
}

func (m Message) MarshalJSON() ([]byte, error) {
	a := messageAlias(m)
	w := struct {
		*messageAlias
		DisplayRecipient any `json:"display_recipient,omitempty"`
	}{messageAlias: &a}
	if m.Type == MessageTypePrivate {
		w.DisplayRecipient = m.Recipients
	} else if m.StreamName != "" {
		w.DisplayRecipient = m.StreamName
	}
	return json.Marshal(w)
}

// HasFlag reports whether the message carries the flag.
func (m *Message) HasFlag(flag string) bool {
	return slices.Contains(m.Flags, flag)
}

// IsPrivate reports whether the message is a private (direct) message.
func (m *Message) IsPrivate() bool {
	return m.Type == MessageTypePrivate
}

// clone returns a shallow copy; callers replace any slice they change.
func (m *Message) clone() *Message {
	c := *m
	return &c
}

// ============================================================================
// API Types
// ============================================================================

// RecentPrivateConversation is one entry of the register response's
// recent_private_conversations list.
type RecentPrivateConversation struct {
	UserIDs      []int64 `json:"user_ids"`
	MaxMessageID int64   `json:"max_message_id"`
}

// MutedTopic is a [stream, topic] pair from the register response.
type MutedTopic struct {
	Stream string
	Topic  string
}

func (t *MutedTopic) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) < 2 {
		return fmt.Errorf("muted topic: want [stream, topic], got %s", data)
	}
	if err := json.Unmarshal(pair[0], &t.Stream); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &t.Topic)
}

func (t MutedTopic) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{t.Stream, t.Topic})
}

// RegisterResult is the one-time bulk snapshot the session starts from.
type RegisterResult struct {
	QueueID                    string                      `json:"queue_id"`
	LastEventID                int64                       `json:"last_event_id"`
	UserID                     int64                       `json:"user_id"`
	Email                      string                      `json:"email"`
	RecentPrivateConversations []RecentPrivateConversation `json:"recent_private_conversations"`
	MutedTopics                []MutedTopic                `json:"muted_topics"`
}

// Identity returns the logged-in user described by the snapshot.
func (r *RegisterResult) Identity() Identity {
	return Identity{UserID: r.UserID, Email: r.Email}
}

// RealmInit converts the snapshot into the event that seeds the cache.
func (r *RegisterResult) RealmInit() RealmInit {
	return RealmInit{
		QueueID:                    r.QueueID,
		Own:                        r.Identity(),
		RecentPrivateConversations: r.RecentPrivateConversations,
		MutedTopics:                r.MutedTopics,
	}
}

// FetchParams describes one page request against the messages endpoint.
type FetchParams struct {
	Narrow    Narrow
	Anchor    Anchor
	NumBefore int
	NumAfter  int
}

// MessagesResult is a page of messages around an anchor.
type MessagesResult struct {
	Messages    []*Message `json:"messages"`
	FoundAnchor *bool      `json:"found_anchor,omitempty"`
	FoundOldest *bool      `json:"found_oldest,omitempty"`
	FoundNewest *bool      `json:"found_newest,omitempty"`
}

func (r *MessagesResult) validate() error {
	return checkMessages(r.Messages)
}

// checkMessages rejects pages holding a null entry.
func checkMessages(msgs []*Message) error {
	for i, m := range msgs {
		if m == nil {
			return fmt.Errorf("message %d is null", i)
		}
	}
	return nil
}
