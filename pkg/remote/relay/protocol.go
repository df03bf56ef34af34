// Package relay exposes a remote.Store over HTTP and WebSocket, and provides
// the matching client so that a conversation store can sync against a store
// running in another process.
//
// Writes are plain JSON requests:
//
//	POST  /v1/conversations               body: conversation.Conversation
//	POST  /v1/conversations/:id/messages  body: conversation.Message
//	PATCH /v1/conversations/:id           body: remote.MetaUpdate
//
// Change streams are WebSocket connections that receive one Frame per snapshot:
//
//	GET /v1/stream/conversations?owner=<owner id>
//	GET /v1/stream/messages?conversation=<conversation id>
package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-go-golems/parley/pkg/remote"
)

const (
	FrameConversations = "conversations"
	FrameMessages      = "messages"
	FrameError         = "error"
)

// Frame is the JSON payload of every stream message.
type Frame struct {
	Type          string                       `json:"type"`
	Conversations *remote.ConversationSnapshot `json:"conversations,omitempty"`
	Messages      *remote.MessageSnapshot      `json:"messages,omitempty"`
	Status        int                          `json:"status,omitempty"`
	Error         string                       `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const (
	defaultPingInterval = 20 * time.Second
	defaultPongTimeout  = 10 * time.Second
	defaultTimeout      = 30 * time.Second
	writeWait           = 10 * time.Second
	sendBuffer          = 64
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, remote.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, remote.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, remote.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
