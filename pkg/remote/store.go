// Package remote describes the authoritative document store that conversations
// and messages are persisted to, and the change streams it pushes back.
//
// Implementations live in the sub-packages: memory (in-process, watermill
// change streams), sqlite (durable, layered on memory) and relay (HTTP writes
// plus websocket streams against a remote server).
package remote

import (
	"context"
	"time"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// MetaUpdate changes conversation metadata. Title is optional. The update is
// last-write-wins on UpdatedAt: stores ignore updates older than what they hold.
type MetaUpdate struct {
	Title     *string   `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationSnapshot is the complete, ordered conversation list of one owner.
type ConversationSnapshot struct {
	OwnerID       string                      `json:"owner_id"`
	Revision      uint64                      `json:"revision"`
	Conversations []conversation.Conversation `json:"conversations"`
}

// MessageSnapshot is the complete, ordered message list of one conversation.
type MessageSnapshot struct {
	ConversationID string                 `json:"conversation_id"`
	Revision       uint64                 `json:"revision"`
	Messages       []conversation.Message `json:"messages"`
}

// Subscription is the handle returned by the Subscribe methods.
// Unsubscribe is idempotent. A delivery already underway when it is called
// may still complete, so consumers must tolerate one late snapshot.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Writer persists conversations and messages.
//
// CreateConversation and AppendMessage are idempotent on the record id.
type Writer interface {
	CreateConversation(ctx context.Context, conv conversation.Conversation) error
	AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) error
	UpdateConversationMeta(ctx context.Context, conversationID string, meta MetaUpdate) error
}

// Subscriber opens ordered change streams. Implementations deliver an initial
// snapshot and then one snapshot per change, never invoking a callback
// synchronously from inside the Subscribe call.
type Subscriber interface {
	SubscribeConversations(ownerID string, onSnapshot func(ConversationSnapshot), onError func(error)) (Subscription, error)
	SubscribeMessages(conversationID string, onSnapshot func(MessageSnapshot), onError func(error)) (Subscription, error)
}

// Store is the Remote Store Adapter consumed by the conversation store.
type Store interface {
	Writer
	Subscriber
}
