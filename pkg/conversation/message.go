package conversation

import (
	"strings"
	"time"
)

// DefaultTitle is carried by a conversation until its first user message names it.
const DefaultTitle = "New conversation"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) String() string {
	return string(r)
}

// Validate rejects anything outside the closed user/assistant set.
func (r Role) Validate() error {
	switch r {
	case RoleUser, RoleAssistant:
		return nil
	}
	return &ValidationError{Field: "role", Reason: "unsupported role " + strings.TrimSpace(string(r))}
}

// Conversation is a single chat thread owned by one user.
type Conversation struct {
	ID        string    `json:"id" yaml:"id"`
	OwnerID   string    `json:"owner_id" yaml:"owner_id"`
	Title     string    `json:"title" yaml:"title"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// HasDefaultTitle reports whether the title was never derived from a user message.
func (c Conversation) HasDefaultTitle() bool {
	return c.Title == "" || c.Title == DefaultTitle
}

// Message is immutable once created.
type Message struct {
	ID             string    `json:"id" yaml:"id"`
	ConversationID string    `json:"conversation_id" yaml:"conversation_id"`
	Role           Role      `json:"role" yaml:"role"`
	Content        string    `json:"content" yaml:"content"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

// Turn is the role/content pair sent to a completion endpoint.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type ConversationOption func(*Conversation)

func WithOwner(ownerID string) ConversationOption {
	return func(c *Conversation) {
		c.OwnerID = ownerID
	}
}

func WithTitle(title string) ConversationOption {
	return func(c *Conversation) {
		c.Title = title
	}
}

// NewConversation builds a default-titled conversation created and updated at now.
func NewConversation(id string, now time.Time, options ...ConversationOption) Conversation {
	ts := Timestamp(now)
	ret := Conversation{
		ID:        id,
		Title:     DefaultTitle,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	for _, option := range options {
		option(&ret)
	}
	return ret
}

// NewMessage validates role and content and returns a message with trimmed content.
func NewMessage(id string, conversationID string, role Role, content string, now time.Time) (Message, error) {
	if err := role.Validate(); err != nil {
		return Message{}, err
	}
	text, err := ValidateContent(content)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        text,
		CreatedAt:      Timestamp(now),
	}, nil
}

// ValidateContent trims content and rejects empty or whitespace-only text.
func ValidateContent(content string) (string, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return "", &ValidationError{Field: "content", Reason: "message is empty"}
	}
	return text, nil
}

// Timestamp normalises t to UTC millisecond precision, which is what remote stores keep.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// History reduces messages to the turns sent to the completion endpoint.
func History(messages []Message) []Turn {
	ret := make([]Turn, 0, len(messages))
	for _, m := range messages {
		ret = append(ret, Turn{Role: m.Role, Content: m.Content})
	}
	return ret
}

// HasUserMessage reports whether any message was written by the user.
func HasUserMessage(messages []Message) bool {
	for _, m := range messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}
