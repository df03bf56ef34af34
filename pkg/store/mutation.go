package store

import (
	"fmt"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/remote"
)

// mutation is an optimistic change layered over the last remote snapshots.
// Apply must be idempotent: the overlay is re-applied after every snapshot.
type mutation interface {
	Apply(st *state) error
	Name() string
	// ConfirmedBy reports whether the remote snapshots held by st already contain the change.
	ConfirmedBy(st *state) bool
}

// messageScoped is implemented by mutations that only affect one conversation's messages.
type messageScoped interface {
	conversationID() string
}

type createConversationMutation struct {
	conv conversation.Conversation
}

func mutateCreateConversation(conv conversation.Conversation) mutation {
	return createConversationMutation{conv: conv}
}

func (m createConversationMutation) Apply(st *state) error {
	if st == nil {
		return fmt.Errorf("store state is nil")
	}
	if conversation.IndexOfConversation(st.conversations, m.conv.ID) >= 0 {
		return nil
	}
	st.conversations = append(st.conversations, m.conv)
	conversation.SortConversations(st.conversations)
	return nil
}

func (m createConversationMutation) Name() string { return "create_conversation" }

func (m createConversationMutation) ConfirmedBy(st *state) bool {
	return conversation.IndexOfConversation(st.baseConversations, m.conv.ID) >= 0
}

type appendMessageMutation struct {
	msg conversation.Message
}

func mutateAppendMessage(msg conversation.Message) mutation {
	return appendMessageMutation{msg: msg}
}

func (m appendMessageMutation) Apply(st *state) error {
	if st == nil {
		return fmt.Errorf("store state is nil")
	}
	if st.activeID != m.msg.ConversationID {
		return nil
	}
	if conversation.IndexOfMessage(st.messages, m.msg.ID) >= 0 {
		return nil
	}
	st.messages = append(st.messages, m.msg)
	conversation.SortMessages(st.messages)
	return nil
}

func (m appendMessageMutation) Name() string {
	return "append_" + m.msg.Role.String() + "_message"
}

func (m appendMessageMutation) ConfirmedBy(st *state) bool {
	if !st.messagesLoaded || st.baseMessagesFor != m.msg.ConversationID {
		return false
	}
	return conversation.IndexOfMessage(st.baseMessages, m.msg.ID) >= 0
}

func (m appendMessageMutation) conversationID() string { return m.msg.ConversationID }

// updateMetaMutation is last-write-wins on UpdatedAt, like the remote stores.
type updateMetaMutation struct {
	conversationID string
	meta           remote.MetaUpdate
}

func mutateUpdateMeta(conversationID string, meta remote.MetaUpdate) mutation {
	return updateMetaMutation{conversationID: conversationID, meta: meta}
}

func (m updateMetaMutation) Apply(st *state) error {
	if st == nil {
		return fmt.Errorf("store state is nil")
	}
	i := conversation.IndexOfConversation(st.conversations, m.conversationID)
	if i < 0 {
		return nil
	}
	c := st.conversations[i]
	if m.meta.UpdatedAt.Before(c.UpdatedAt) {
		return nil
	}
	c.UpdatedAt = m.meta.UpdatedAt
	if m.meta.Title != nil {
		c.Title = *m.meta.Title
	}
	st.conversations[i] = c
	conversation.SortConversations(st.conversations)
	return nil
}

func (m updateMetaMutation) Name() string { return "update_conversation_meta" }

func (m updateMetaMutation) ConfirmedBy(st *state) bool {
	i := conversation.IndexOfConversation(st.baseConversations, m.conversationID)
	if i < 0 {
		return false
	}
	return !st.baseConversations[i].UpdatedAt.Before(m.meta.UpdatedAt)
}

type trackedMutation struct {
	mutation
	confirmed bool
}

// transaction is one optimistic unit. It stays in the overlay until it is
// reverted, or until it is committed and every mutation is confirmed.
type transaction struct {
	name      string
	mutations []*trackedMutation
	committed bool
}

func newTransaction(name string, mutations ...mutation) *transaction {
	tx := &transaction{name: name}
	for _, m := range mutations {
		tx.mutations = append(tx.mutations, &trackedMutation{mutation: m})
	}
	return tx
}

// drop removes a mutation whose remote write failed without invalidating the rest.
func (tx *transaction) drop(m mutation) {
	kept := tx.mutations[:0]
	for _, tm := range tx.mutations {
		if tm.mutation != m {
			kept = append(kept, tm)
		}
	}
	tx.mutations = kept
}

func (tx *transaction) settled() bool {
	if !tx.committed {
		return false
	}
	for _, tm := range tx.mutations {
		if !tm.confirmed {
			return false
		}
	}
	return true
}
