package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// EchoClient answers by quoting the last user turn. It needs no network and
// is used for demos, offline runs and tests.
type EchoClient struct {
	// Delay simulates endpoint latency. The context can cancel it.
	Delay time.Duration
}

var _ Client = (*EchoClient)(nil)

func NewEchoClient() *EchoClient {
	return &EchoClient{}
}

func (e *EchoClient) Complete(ctx context.Context, _ string, history []conversation.Turn) (string, error) {
	if len(history) == 0 {
		return "", errors.New("no input")
	}

	if e.Delay > 0 {
		t := time.NewTimer(e.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RoleUser {
			return fmt.Sprintf("You said: %s", strings.TrimSpace(history[i].Content)), nil
		}
	}
	return "", errors.New("no user turn in history")
}
