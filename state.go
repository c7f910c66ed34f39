package msgcache

// State is one immutable snapshot of the whole cache. Sub-states that an
// event doesn't touch are shared with the previous snapshot.
type State struct {
	Messages        MessagesState        `json:"messages"`
	Narrows         NarrowsState         `json:"narrows"`
	CaughtUp        CaughtUpState        `json:"caught_up"`
	PmConversations PmConversationsState `json:"pm_conversations"`
}

// Deps are the collaborators the reducers consult.
type Deps struct {
	InNarrow   MembershipFunc
	Recipients RecipientsFunc
}

func (d Deps) withDefaults() Deps {
	if d.InNarrow == nil {
		d.InNarrow = MessageInNarrow
	}
	if d.Recipients == nil {
		d.Recipients = RecipientsOfPrivateMessage
	}
	return d
}

// NewState returns an empty snapshot.
func NewState() *State {
	return &State{CaughtUp: CaughtUpState{}}
}

// Reduce applies ev to every store and returns the next snapshot. It never
// mutates s. Every store sees the same pre-event state.
func Reduce(s *State, ev Event, deps Deps) *State {
	if s == nil {
		s = NewState()
	}
	deps = deps.withDefaults()
	next := &State{
		Messages: applyMessages(s.Messages, ev),
		Narrows: applyNarrows(s.Narrows, ev, narrowsContext{
			caughtUp: s.CaughtUp,
			inNarrow: deps.InNarrow,
		}),
		CaughtUp:        applyCaughtUp(s.CaughtUp, ev),
		PmConversations: applyPmConversations(s.PmConversations, ev, deps.Recipients),
	}
	return next
}

// ============================================================================
// Selectors
// ============================================================================

// MessagesFor resolves the narrow's ids against the message store, ascending.
// Ids missing from the store are skipped.
func (s *State) MessagesFor(key NarrowKey) []*Message {
	ids := s.Narrows.IDs(key)
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if m := s.Messages.Get(id); m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (s *State) CaughtUpFor(key NarrowKey) CaughtUp {
	return s.CaughtUp.Get(key)
}

// PmConversationKeys returns the conversations, most recent first.
func (s *State) PmConversationKeys() []PmConversationKey {
	return s.PmConversations.Keys()
}

func (s *State) LatestPmMessageID(key PmConversationKey) (int64, bool) {
	return s.PmConversations.Latest(key)
}
