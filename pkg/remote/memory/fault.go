package memory

import (
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/remote"
)

type Operation string

const (
	OpCreateConversation     Operation = "create_conversation"
	OpAppendMessage          Operation = "append_message"
	OpUpdateConversationMeta Operation = "update_conversation_meta"
	OpSubscribeConversations Operation = "subscribe_conversations"
	OpSubscribeMessages      Operation = "subscribe_messages"
)

// Call describes a store operation about to run.
type Call struct {
	Op             Operation
	OwnerID        string
	ConversationID string
	Conversation   *conversation.Conversation
	Message        *conversation.Message
	Meta           *remote.MetaUpdate
}

// Fault is consulted before every operation. A non-nil error fails the call
// without touching the store. A fault may block to simulate latency.
type Fault func(Call) error

// FailOn fails every call of the given operation with err.
func FailOn(op Operation, err error) Fault {
	return func(c Call) error {
		if c.Op == op {
			return err
		}
		return nil
	}
}

// FailMessageRole fails appends of messages with the given role.
func FailMessageRole(role conversation.Role, err error) Fault {
	return func(c Call) error {
		if c.Op == OpAppendMessage && c.Message != nil && c.Message.Role == role {
			return err
		}
		return nil
	}
}

// Chain runs faults in order and returns the first error.
func Chain(faults ...Fault) Fault {
	return func(c Call) error {
		for _, f := range faults {
			if f == nil {
				continue
			}
			if err := f(c); err != nil {
				return err
			}
		}
		return nil
	}
}
