package store

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/remote"
)

// state is owned by the event loop. Nothing outside the loop touches it.
type state struct {
	ownerID string

	// last remote snapshots
	baseConversations []conversation.Conversation
	baseMessages      []conversation.Message
	baseMessagesFor   string
	messagesLoaded    bool

	// projection: snapshots plus the overlay
	conversations []conversation.Conversation
	messages      []conversation.Message

	activeID  string
	pending   bool
	lastError error

	overlay []*transaction

	conversationsSub      remote.Subscription
	conversationsRevision uint64
	conversationsLoaded   bool

	messagesSub      remote.Subscription
	messagesRevision uint64
	messagesFailed   bool
	generation       uint64

	// closed once the active conversation's messages settle
	messageWaiters []chan struct{}

	// conversations created optimistically whose first message never made it,
	// hidden until someone else changes them
	abandoned map[string]time.Time
}

func newState(ownerID string) *state {
	return &state{ownerID: ownerID, abandoned: map[string]time.Time{}}
}

// messagesSettled reports whether st.messages reflects the remote for the
// active conversation, or whether no better answer is coming.
func (st *state) messagesSettled() bool {
	if st.activeID == "" || st.messagesFailed {
		return true
	}
	return st.baseMessagesFor == st.activeID && st.messagesLoaded
}

// awaitMessages returns a channel that is closed when the active
// conversation's messages settle or the active conversation changes.
func (st *state) awaitMessages() <-chan struct{} {
	ch := make(chan struct{})
	st.messageWaiters = append(st.messageWaiters, ch)
	return ch
}

func (st *state) wakeMessageWaiters() {
	for _, ch := range st.messageWaiters {
		close(ch)
	}
	st.messageWaiters = nil
}

// abandon hides conv, which may exist remotely without any message.
func (st *state) abandon(conv conversation.Conversation) {
	st.abandoned[conv.ID] = conv.UpdatedAt
	st.baseConversations = st.visible(st.baseConversations)
}

// visible drops abandoned conversations that nobody has touched since.
func (st *state) visible(list []conversation.Conversation) []conversation.Conversation {
	if len(st.abandoned) == 0 {
		return list
	}
	ret := make([]conversation.Conversation, 0, len(list))
	for _, c := range list {
		if at, ok := st.abandoned[c.ID]; ok {
			if !c.UpdatedAt.After(at) {
				continue
			}
			delete(st.abandoned, c.ID)
		}
		ret = append(ret, c)
	}
	return ret
}

// project rebuilds the visible lists from the snapshots and the unconfirmed overlay.
func (st *state) project(logger zerolog.Logger) {
	st.conversations = append([]conversation.Conversation{}, st.baseConversations...)
	st.messages = nil
	if st.activeID != "" && st.baseMessagesFor == st.activeID {
		st.messages = append([]conversation.Message{}, st.baseMessages...)
	}
	for _, tx := range st.overlay {
		for _, tm := range tx.mutations {
			if tm.confirmed {
				continue
			}
			if err := tm.Apply(st); err != nil {
				logger.Warn().Err(err).
					Str("transaction", tx.name).
					Str("mutation", tm.Name()).
					Msg("could not apply optimistic mutation")
			}
		}
	}
	st.conversations = conversation.NormalizeConversations(st.conversations)
	st.messages = conversation.NormalizeMessages(st.messages)
}

// confirm marks mutations the snapshots already contain and retires settled transactions.
func (st *state) confirm() {
	kept := st.overlay[:0]
	for _, tx := range st.overlay {
		for _, tm := range tx.mutations {
			if tm.confirmed {
				continue
			}
			if tm.ConfirmedBy(st) {
				tm.confirmed = true
				continue
			}
			// a later subscription to that conversation starts from a snapshot taken after the commit
			if ms, ok := tm.mutation.(messageScoped); ok && tx.committed && ms.conversationID() != st.activeID {
				tm.confirmed = true
			}
		}
		if tx.settled() {
			continue
		}
		kept = append(kept, tx)
	}
	for i := len(kept); i < len(st.overlay); i++ {
		st.overlay[i] = nil
	}
	st.overlay = kept
}

func (st *state) begin(tx *transaction) {
	st.overlay = append(st.overlay, tx)
}

func (st *state) remove(tx *transaction) {
	for i, t := range st.overlay {
		if t == tx {
			st.overlay = append(st.overlay[:i], st.overlay[i+1:]...)
			return
		}
	}
}

func (st *state) conversation(id string) (conversation.Conversation, bool) {
	i := conversation.IndexOfConversation(st.conversations, id)
	if i < 0 {
		return conversation.Conversation{}, false
	}
	return st.conversations[i], true
}

// messageStash is what an optimistic switch of the active conversation needs to undo itself.
type messageStash struct {
	activeID string
	messages []conversation.Message
	loaded   bool
}

func (st *state) stashMessages() messageStash {
	if st.baseMessagesFor != st.activeID {
		return messageStash{activeID: st.activeID}
	}
	return messageStash{
		activeID: st.activeID,
		messages: append([]conversation.Message{}, st.baseMessages...),
		loaded:   st.messagesLoaded,
	}
}
