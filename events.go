package msgcache

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Events
// ============================================================================

// Event is the closed set of inputs the cache reacts to. Every store applies
// events through one type switch over these variants.
type Event interface {
	isEvent()
}

// RealmInit seeds a session from the register snapshot.
type RealmInit struct {
	QueueID                    string
	Own                        Identity
	RecentPrivateConversations []RecentPrivateConversation
	MutedTopics                []MutedTopic
}

// FetchStart marks a fetch for Narrow as outstanding.
type FetchStart struct {
	Narrow Narrow
	Epoch  uint64
}

// FetchComplete carries one page of messages fetched around Anchor.
type FetchComplete struct {
	Narrow      Narrow
	Anchor      Anchor
	NumBefore   int
	NumAfter    int
	Messages    []*Message
	Own         Identity
	FoundOldest *bool
	FoundNewest *bool
	Epoch       uint64
}

// FetchError reports that a fetch for Narrow failed. No store changes state.
type FetchError struct {
	Narrow Narrow
	Err    error
	Epoch  uint64
}

type NewMessage struct {
	Message *Message
	Own     Identity
}

// MessageMove describes a topic and/or stream change carried by an edit.
type MessageMove struct {
	OrigStreamID int64
	OrigTopic    string
	NewStreamID  int64
	NewTopic     string
}

// UpdateMessage is an edit of MessageID. Nil fields are unchanged. An update
// without EditTimestamp or UserID is a rendering refresh (e.g. an inline URL
// preview) and is not recorded in the edit history.
type UpdateMessage struct {
	MessageID                  int64
	MessageIDs                 []int64
	RenderedContent            *string
	OrigRenderedContent        *string
	PrevRenderedContentVersion *int
	Subject                    *string
	EditTimestamp              *int64
	UserID                     *int64
	Move                       *MessageMove
}

type MessageDelete struct {
	MessageIDs []int64
}

type ReactionAdd struct {
	MessageID int64
	Reaction  Reaction
}

type ReactionRemove struct {
	MessageID int64
	Reaction  Reaction
}

type UpdateMessageFlags struct {
	MessageIDs []int64
	Flag       string
	Op         FlagOp
}

type SubmessageAdd struct {
	Submessage Submessage
}

type Logout struct{}

type LoginSuccess struct {
	Own Identity
}

type AccountSwitch struct {
	Index int
}

// DeadQueue means the server discarded our event queue; everything cached
// must be refetched.
type DeadQueue struct {
	QueueID string
}

func (RealmInit) isEvent()          {}
func (FetchStart) isEvent()         {}
func (FetchComplete) isEvent()      {}
func (FetchError) isEvent()         {}
func (NewMessage) isEvent()         {}
func (UpdateMessage) isEvent()      {}
func (MessageDelete) isEvent()      {}
func (ReactionAdd) isEvent()        {}
func (ReactionRemove) isEvent()     {}
func (UpdateMessageFlags) isEvent() {}
func (SubmessageAdd) isEvent()      {}
func (Logout) isEvent()             {}
func (LoginSuccess) isEvent()       {}
func (AccountSwitch) isEvent()      {}
func (DeadQueue) isEvent()          {}

// isReset reports whether the event ends the trust boundary of cached data.
func isReset(ev Event) bool {
	switch ev.(type) {
	case Logout, LoginSuccess, AccountSwitch, DeadQueue, RealmInit:
		return true
	}
	return false
}

// ============================================================================
// Wire decoding
// ============================================================================

// Wire event types. The realtime types follow the server's event queue; the
// rest appear in recorded event logs.
const (
	WireMessage            = "message"
	WireUpdateMessage      = "update_message"
	WireDeleteMessage      = "delete_message"
	WireReaction           = "reaction"
	WireUpdateMessageFlags = "update_message_flags"
	WireSubmessage         = "submessage"
	WireHeartbeat          = "heartbeat"
	WireDeadQueue          = "dead_queue"
	WireError              = "error"
	WireRealmInit          = "realm_init"
	WireFetchStart         = "fetch_start"
	WireFetchComplete      = "fetch_complete"
	WireLogout             = "logout"
	WireLoginSuccess       = "login_success"
	WireAccountSwitch      = "account_switch"
)

const codeBadEventQueue = "BAD_EVENT_QUEUE_ID"

// WireEvent is the JSON object of one event on the wire.
type WireEvent struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type wireMessage struct {
	Message *Message `json:"message"`
	Flags   []string `json:"flags"`
}

type wireUpdateMessage struct {
	MessageID                  int64   `json:"message_id"`
	MessageIDs                 []int64 `json:"message_ids"`
	RenderedContent            *string `json:"rendered_content"`
	OrigRenderedContent        *string `json:"orig_rendered_content"`
	PrevRenderedContentVersion *int    `json:"prev_rendered_content_version"`
	Subject                    *string `json:"subject"`
	OrigSubject                *string `json:"orig_subject"`
	StreamID                   int64   `json:"stream_id"`
	NewStreamID                *int64  `json:"new_stream_id"`
	EditTimestamp              *int64  `json:"edit_timestamp"`
	UserID                     *int64  `json:"user_id"`
}

type wireDeleteMessage struct {
	MessageID  int64   `json:"message_id"`
	MessageIDs []int64 `json:"message_ids"`
}

type wireReaction struct {
	Op        string `json:"op"`
	MessageID int64  `json:"message_id"`
	Reaction
}

type wireUpdateMessageFlags struct {
	Op        string  `json:"op"`
	Operation string  `json:"operation"`
	Flag      string  `json:"flag"`
	Messages  []int64 `json:"messages"`
}

type wireSubmessage struct {
	MessageID    int64  `json:"message_id"`
	SubmessageID int64  `json:"submessage_id"`
	SenderID     int64  `json:"sender_id"`
	MsgType      string `json:"msg_type"`
	Content      string `json:"content"`
}

type wireError struct {
	Code    string `json:"code"`
	Msg     string `json:"msg"`
	QueueID string `json:"queue_id"`
}

type wireFetch struct {
	Narrow      Narrow     `json:"narrow"`
	Anchor      Anchor     `json:"anchor"`
	NumBefore   int        `json:"num_before"`
	NumAfter    int        `json:"num_after"`
	Messages    []*Message `json:"messages"`
	FoundOldest *bool      `json:"found_oldest"`
	FoundNewest *bool      `json:"found_newest"`
}

type wireAccountSwitch struct {
	Index int `json:"index"`
}

// DecodeEvent turns one wire event into an Event. own identifies the local
// user for events that need it. A nil Event with a nil error means the event
// type carries nothing for the cache (heartbeats, presence, typing, ...).
func DecodeEvent(data []byte, own Identity) (Event, error) {
	var head WireEvent
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case WireMessage:
		var w wireMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		if w.Message == nil {
			return nil, fmt.Errorf("decode %s event: missing message", head.Type)
		}
		if w.Flags != nil {
			w.Message.Flags = w.Flags
		}
		return NewMessage{Message: w.Message, Own: own}, nil

	case WireUpdateMessage:
		var w wireUpdateMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		return w.event(), nil

	case WireDeleteMessage:
		var w wireDeleteMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		ids := w.MessageIDs
		if len(ids) == 0 && w.MessageID != 0 {
			ids = []int64{w.MessageID}
		}
		return MessageDelete{MessageIDs: ids}, nil

	case WireReaction:
		var w wireReaction
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		switch w.Op {
		case "add":
			return ReactionAdd{MessageID: w.MessageID, Reaction: w.Reaction}, nil
		case "remove":
			return ReactionRemove{MessageID: w.MessageID, Reaction: w.Reaction}, nil
		}
		return nil, fmt.Errorf("decode %s event: unknown op %q", head.Type, w.Op)

	case WireUpdateMessageFlags:
		var w wireUpdateMessageFlags
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		op := w.Op
		if op == "" {
			op = w.Operation
		}
		switch FlagOp(op) {
		case FlagOpAdd, FlagOpRemove:
		default:
			return nil, fmt.Errorf("decode %s event: unknown op %q", head.Type, op)
		}
		return UpdateMessageFlags{MessageIDs: w.Messages, Flag: w.Flag, Op: FlagOp(op)}, nil

	case WireSubmessage:
		var w wireSubmessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		return SubmessageAdd{Submessage: Submessage{
			ID:        w.SubmessageID,
			MessageID: w.MessageID,
			SenderID:  w.SenderID,
			MsgType:   w.MsgType,
			Content:   w.Content,
		}}, nil

	case WireDeadQueue:
		var w wireError
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		return DeadQueue{QueueID: w.QueueID}, nil

	case WireError:
		var w wireError
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		if w.Code == codeBadEventQueue {
			return DeadQueue{QueueID: w.QueueID}, nil
		}
		return nil, &APIError{Code: w.Code, Message: w.Msg}

	case WireRealmInit:
		var w RegisterResult
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		return w.RealmInit(), nil

	case WireFetchStart:
		var w wireFetch
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		return FetchStart{Narrow: w.Narrow}, nil

	case WireFetchComplete:
		var w wireFetch
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		if err := checkMessages(w.Messages); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		return FetchComplete{
			Narrow:      w.Narrow,
			Anchor:      w.Anchor,
			NumBefore:   w.NumBefore,
			NumAfter:    w.NumAfter,
			Messages:    w.Messages,
			Own:         own,
			FoundOldest: w.FoundOldest,
			FoundNewest: w.FoundNewest,
		}, nil

	case WireLogout:
		return Logout{}, nil

	case WireLoginSuccess:
		return LoginSuccess{Own: own}, nil

	case WireAccountSwitch:
		var w wireAccountSwitch
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
		}
		return AccountSwitch{Index: w.Index}, nil
	}

	return nil, nil
}

func (w *wireUpdateMessage) event() UpdateMessage {
	ev := UpdateMessage{
		MessageID:                  w.MessageID,
		MessageIDs:                 w.MessageIDs,
		RenderedContent:            w.RenderedContent,
		OrigRenderedContent:        w.OrigRenderedContent,
		PrevRenderedContentVersion: w.PrevRenderedContentVersion,
		Subject:                    w.Subject,
		EditTimestamp:              w.EditTimestamp,
		UserID:                     w.UserID,
	}
	if len(ev.MessageIDs) == 0 {
		ev.MessageIDs = []int64{w.MessageID}
	}

	topicChanged := w.Subject != nil && w.OrigSubject != nil && *w.Subject != *w.OrigSubject
	streamChanged := w.NewStreamID != nil && *w.NewStreamID != w.StreamID
	if topicChanged || streamChanged {
		move := &MessageMove{OrigStreamID: w.StreamID, NewStreamID: w.StreamID}
		if w.OrigSubject != nil {
			move.OrigTopic = *w.OrigSubject
			move.NewTopic = *w.OrigSubject
		}
		if topicChanged {
			move.NewTopic = *w.Subject
		}
		if streamChanged {
			move.NewStreamID = *w.NewStreamID
		}
		ev.Move = move
	}
	return ev
}
