package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/parley/pkg/completion"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/ids"
	"github.com/go-go-golems/parley/pkg/remote"
	"github.com/go-go-golems/parley/pkg/remote/memory"
	"github.com/go-go-golems/parley/pkg/store"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mem    *memory.Store
	srv    *Server
	client *Client
}

func newFixture(t *testing.T, options ...memory.Option) *fixture {
	t.Helper()
	mem := memory.NewStore(options...)
	srv := NewServer(mem, WithKeepalive(time.Second, time.Second))
	ts := httptest.NewServer(srv.Handler())
	client, err := NewClient(ts.URL, WithTimeout(2*time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, client.Close())
		srv.Close()
		ts.Close()
		require.NoError(t, mem.Close())
	})
	return &fixture{mem: mem, srv: srv, client: client}
}

func newMessage(t *testing.T, id, conversationID string, role conversation.Role, content string, at time.Time) conversation.Message {
	m, err := conversation.NewMessage(id, conversationID, role, content, at)
	require.NoError(t, err)
	return m
}

// collector records the snapshots and errors of one subscription.
type collector[T any] struct {
	mu        sync.Mutex
	snapshots []T
	errs      []error
}

func (c *collector[T]) onSnapshot(snap T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, snap)
}

func (c *collector[T]) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector[T]) last() (T, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if len(c.snapshots) == 0 {
		return zero, 0
	}
	return c.snapshots[len(c.snapshots)-1], len(c.snapshots)
}

func (c *collector[T]) errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error{}, c.errs...)
}

func TestClient_WritesReachTheStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv := conversation.NewConversation("c1", t0, conversation.WithOwner("alice"))
	require.NoError(t, f.client.CreateConversation(ctx, conv))
	require.NoError(t, f.client.CreateConversation(ctx, conv))
	require.NoError(t, f.client.AppendMessage(ctx, "c1", newMessage(t, "m1", "c1", conversation.RoleUser, "hello", t0)))

	title := "hello"
	require.NoError(t, f.client.UpdateConversationMeta(ctx, "c1", remote.MetaUpdate{Title: &title, UpdatedAt: t0.Add(time.Second)}))

	convs, err := f.mem.Conversations("alice")
	require.NoError(t, err)
	require.Len(t, convs.Conversations, 1)
	assert.Equal(t, "hello", convs.Conversations[0].Title)
	assert.True(t, convs.Conversations[0].UpdatedAt.Equal(t0.Add(time.Second)))

	msgs, err := f.mem.Messages("c1")
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "hello", msgs.Messages[0].Content)
}

func TestClient_MapsStatusCodesToErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.client.AppendMessage(ctx, "missing", newMessage(t, "m1", "missing", conversation.RoleUser, "hi", t0))
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.ErrorIs(t, err, remote.ErrRemote)

	err = f.client.CreateConversation(ctx, conversation.NewConversation("c1", t0))
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrInvalid)

	require.NoError(t, f.client.CreateConversation(ctx, conversation.NewConversation("c1", t0, conversation.WithOwner("alice"))))
	err = f.client.CreateConversation(ctx, conversation.NewConversation("c1", t0, conversation.WithOwner("bob")))
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrConflict)

	var statusErr *remote.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Equal(t, "create_conversation", statusErr.Op)
	assert.Contains(t, statusErr.Message, "another owner")
}

func TestClient_StreamsSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.CreateConversation(ctx, conversation.NewConversation("c1", t0, conversation.WithOwner("alice"))))

	convs := &collector[remote.ConversationSnapshot]{}
	convSub, err := f.client.SubscribeConversations("alice", convs.onSnapshot, convs.onError)
	require.NoError(t, err)
	defer convSub.Unsubscribe()

	msgs := &collector[remote.MessageSnapshot]{}
	msgSub, err := f.client.SubscribeMessages("c1", msgs.onSnapshot, msgs.onError)
	require.NoError(t, err)
	defer msgSub.Unsubscribe()

	require.Eventually(t, func() bool {
		snap, n := convs.last()
		return n > 0 && len(snap.Conversations) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.mem.AppendMessage(ctx, "c1", newMessage(t, "m1", "c1", conversation.RoleUser, "hi", t0)))
	require.Eventually(t, func() bool {
		snap, _ := msgs.last()
		return len(snap.Messages) == 1 && snap.Messages[0].ID == "m1"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.mem.CreateConversation(ctx, conversation.NewConversation("c2", t0.Add(time.Minute), conversation.WithOwner("alice"))))
	snap := func() remote.ConversationSnapshot {
		var s remote.ConversationSnapshot
		require.Eventually(t, func() bool {
			s, _ = convs.last()
			return len(s.Conversations) == 2
		}, 2*time.Second, 5*time.Millisecond)
		return s
	}()
	assert.Equal(t, "c2", snap.Conversations[0].ID)
	assert.Empty(t, convs.errors())
	assert.Empty(t, msgs.errors())
}

func TestClient_SubscribeFailureIsReturned(t *testing.T) {
	f := newFixture(t, memory.WithFault(memory.FailOn(memory.OpSubscribeMessages, remote.ErrNotFound)))

	msgs := &collector[remote.MessageSnapshot]{}
	sub, err := f.client.SubscribeMessages("c1", msgs.onSnapshot, msgs.onError)
	require.Error(t, err)
	assert.Nil(t, sub)
	assert.ErrorIs(t, err, remote.ErrNotFound)

	_, err = f.client.SubscribeConversations("", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrInvalid)
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	convs := &collector[remote.ConversationSnapshot]{}
	sub, err := f.client.SubscribeConversations("alice", convs.onSnapshot, convs.onError)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, n := convs.last()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, f.mem.CreateConversation(ctx, conversation.NewConversation("c1", t0, conversation.WithOwner("alice"))))
	assert.Never(t, func() bool {
		_, n := convs.last()
		return n > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, convs.errors())
}

func TestServer_DroppedStreamIsReportedToClient(t *testing.T) {
	f := newFixture(t)

	msgs := &collector[remote.MessageSnapshot]{}
	sub, err := f.client.SubscribeMessages("c1", msgs.onSnapshot, msgs.onError)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool {
		_, n := msgs.last()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	var tracked *streamConn
	f.srv.mu.Lock()
	for sc := range f.srv.streams {
		tracked = sc
	}
	f.srv.mu.Unlock()
	require.NotNil(t, tracked)

	// nothing reads from an unbuffered channel, so the push finds it full
	stalled := &streamConn{conn: tracked.conn, send: make(chan []byte), logger: zerolog.Nop()}
	stalled.push(Frame{Type: FrameMessages, Messages: &remote.MessageSnapshot{ConversationID: "c1"}})
	assert.True(t, stalled.closed)

	require.Eventually(t, func() bool { return len(msgs.errors()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, msgs.errors()[0].Error(), "stream interrupted")
	_, n := msgs.last()
	assert.Equal(t, 1, n)
}

func TestClient_ClosedClientRefusesStreams(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Close())

	_, err := f.client.SubscribeConversations("alice", func(remote.ConversationSnapshot) {}, nil)
	assert.ErrorIs(t, err, remote.ErrClosed)
}

func TestNewClient_RejectsNonHTTPURL(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
}

func TestStore_SyncsThroughRelay(t *testing.T) {
	f := newFixture(t)

	s := store.New(f.client, completion.NewEchoClient(), "alice",
		store.WithIDGenerator(ids.NewSequence("id")))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(ctx)
	}()
	defer func() {
		cancel()
		require.NoError(t, <-errc)
	}()

	res, err := s.SendMessage(ctx, "What is federalism?")
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.NotNil(t, res.AssistantMessage)
	assert.Equal(t, "You said: What is federalism?", res.AssistantMessage.Content)

	var v store.View
	require.Eventually(t, func() bool {
		v = s.View()
		return len(v.Messages) == 2 && len(v.Conversations) == 1 && !v.Pending
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "What is federalism?", v.Conversations[0].Title)
	assert.Equal(t, res.ConversationID, v.ActiveID)
	assert.Nil(t, v.LastError)

	msgs, err := f.mem.Messages(res.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, conversation.RoleUser, msgs.Messages[0].Role)
	assert.Equal(t, conversation.RoleAssistant, msgs.Messages[1].Role)
}
