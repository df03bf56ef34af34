package completion

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/conversation"
)

type fallbackClient struct {
	client   Client
	fallback string
}

// WithFallback replaces empty or whitespace-only replies from client with
// fallback. Errors are passed through untouched.
func WithFallback(client Client, fallback string) Client {
	if fallback == "" {
		fallback = DefaultFallbackReply
	}
	return &fallbackClient{client: client, fallback: fallback}
}

func (f *fallbackClient) Complete(ctx context.Context, systemDirective string, history []conversation.Turn) (string, error) {
	reply, err := f.client.Complete(ctx, systemDirective, history)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		log.Debug().Msg("completion reply was empty, using fallback")
		return f.fallback, nil
	}
	return reply, nil
}
