// Package completion turns a role-tagged message history into an assistant
// reply. The conversation store only sees the Client interface.
package completion

import (
	"context"
	"errors"

	"github.com/go-go-golems/parley/pkg/conversation"
)

const DefaultSystemDirective = "You are a patient mentor for candidates preparing for the UPSC civil services " +
	"examination in India. Answer clearly and accurately, structure longer answers with short headings " +
	"or bullet points, relate topics to the prelims and mains syllabus where relevant, and suggest " +
	"what to revise next when it helps."

const DefaultFallbackReply = "Sorry, I could not come up with an answer to that. Please try rephrasing your question."

var (
	ErrMissingCredential = errors.New("completion API key is not configured")
	ErrNoChoices         = errors.New("completion returned no choices")
)

// Client requests a single reply for history, prefixed by the system directive.
// Implementations must fail rather than block forever.
type Client interface {
	Complete(ctx context.Context, systemDirective string, history []conversation.Turn) (string, error)
}

type ClientFunc func(ctx context.Context, systemDirective string, history []conversation.Turn) (string, error)

func (f ClientFunc) Complete(ctx context.Context, systemDirective string, history []conversation.Turn) (string, error) {
	return f(ctx, systemDirective, history)
}
