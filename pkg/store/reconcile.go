package store

import (
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/remote"
)

const (
	streamConversations = "conversations"
	streamMessages      = "messages"
)

func (s *Store) subscribeConversations(st *state) {
	sub, err := s.remote.SubscribeConversations(st.ownerID,
		func(snap remote.ConversationSnapshot) {
			s.post(func(st *state) { s.applyConversationSnapshot(st, snap) })
		},
		func(err error) {
			s.post(func(st *state) { s.streamFailed(st, streamConversations, st.generation, err) })
		},
	)
	if err != nil {
		s.streamFailed(st, streamConversations, st.generation, err)
		return
	}
	st.conversationsSub = sub
}

// activate makes id the active conversation and replaces the message
// subscription. Deliveries from the previous subscription carry an older
// generation and are discarded.
func (s *Store) activate(st *state, id string) {
	if st.messagesSub != nil {
		st.messagesSub.Unsubscribe()
		st.messagesSub = nil
	}
	st.generation++
	st.activeID = id
	st.baseMessages = nil
	st.baseMessagesFor = id
	st.messagesLoaded = false
	st.messagesFailed = false
	st.messagesRevision = 0
	st.wakeMessageWaiters()

	s.logger.Debug().
		Str("conversation_id", id).
		Uint64("generation", st.generation).
		Msg("active conversation changed")

	if id == "" {
		return
	}

	generation := st.generation
	sub, err := s.remote.SubscribeMessages(id,
		func(snap remote.MessageSnapshot) {
			s.post(func(st *state) { s.applyMessageSnapshot(st, generation, snap) })
		},
		func(err error) {
			s.post(func(st *state) { s.streamFailed(st, streamMessages, generation, err) })
		},
	)
	if err != nil {
		s.streamFailed(st, streamMessages, generation, err)
		return
	}
	st.messagesSub = sub
}

// restore undoes an optimistic activation, putting back the messages that were visible.
func (s *Store) restore(st *state, stash messageStash) {
	s.activate(st, stash.activeID)
	if stash.activeID == "" {
		return
	}
	st.baseMessages = stash.messages
	st.messagesLoaded = stash.loaded
}

func (s *Store) applyConversationSnapshot(st *state, snap remote.ConversationSnapshot) {
	if snap.OwnerID != "" && snap.OwnerID != st.ownerID {
		return
	}
	if st.conversationsLoaded && snap.Revision <= st.conversationsRevision {
		s.logger.Trace().
			Uint64("revision", snap.Revision).
			Uint64("last_revision", st.conversationsRevision).
			Msg("dropping stale conversation snapshot")
		return
	}
	st.conversationsLoaded = true
	st.conversationsRevision = snap.Revision
	s.replaceConversations(st, snap.Conversations)

	s.logger.Debug().
		Uint64("revision", snap.Revision).
		Int("conversations", len(st.conversations)).
		Str("active_id", st.activeID).
		Msg("conversation snapshot applied")
}

// replaceConversations swaps in a wholesale conversation list and re-validates the active id.
func (s *Store) replaceConversations(st *state, list []conversation.Conversation) {
	st.baseConversations = conversation.NormalizeConversations(st.visible(list))
	s.refresh(st)
}

func (s *Store) applyMessageSnapshot(st *state, generation uint64, snap remote.MessageSnapshot) {
	if generation != st.generation || snap.ConversationID != st.activeID {
		s.logger.Trace().
			Str("conversation_id", snap.ConversationID).
			Uint64("generation", generation).
			Uint64("current_generation", st.generation).
			Msg("dropping message snapshot from stale subscription")
		return
	}
	if st.messagesLoaded && snap.Revision <= st.messagesRevision {
		return
	}
	st.messagesLoaded = true
	st.messagesRevision = snap.Revision
	st.baseMessages = conversation.NormalizeMessages(snap.Messages)
	st.baseMessagesFor = snap.ConversationID
	s.refresh(st)
	st.wakeMessageWaiters()

	s.logger.Debug().
		Str("conversation_id", snap.ConversationID).
		Uint64("revision", snap.Revision).
		Int("messages", len(st.messages)).
		Msg("message snapshot applied")
}

// refresh retires confirmed overlay entries, re-projects, and keeps the active id valid.
func (s *Store) refresh(st *state) {
	st.confirm()
	st.project(s.logger)

	next := conversation.SelectActive(st.conversations, st.activeID)
	if next != st.activeID {
		s.activate(st, next)
		st.project(s.logger)
	}
}

func (s *Store) streamFailed(st *state, stream string, generation uint64, err error) {
	if stream == streamMessages && generation != st.generation {
		return
	}
	s.logger.Warn().Err(err).Str("stream", stream).Msg("subscription failed, serving last known state")
	st.lastError = &conversation.SubscriptionError{Stream: stream, Err: err}
	if stream == streamMessages {
		st.messagesFailed = true
		st.wakeMessageWaiters()
	}
}
