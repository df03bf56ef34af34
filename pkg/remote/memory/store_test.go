package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/helpers"
	"github.com/go-go-golems/parley/pkg/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newConversation(id, owner string, at time.Time) conversation.Conversation {
	return conversation.NewConversation(id, at, conversation.WithOwner(owner))
}

func newMessage(t *testing.T, id, conversationID string, role conversation.Role, content string, at time.Time) conversation.Message {
	m, err := conversation.NewMessage(id, conversationID, role, content, at)
	require.NoError(t, err)
	return m
}

func TestStore_CreateConversationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer func() { _ = s.Close() }()

	c := newConversation("c1", "alice", t0)
	require.NoError(t, s.CreateConversation(ctx, c))
	require.NoError(t, s.CreateConversation(ctx, c))

	snap, err := s.Conversations("alice")
	require.NoError(t, err)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, conversation.DefaultTitle, snap.Conversations[0].Title)

	other := newConversation("c1", "bob", t0)
	err = s.CreateConversation(ctx, other)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrConflict)
}

func TestStore_CreateConversationRequiresOwner(t *testing.T) {
	s := NewStore()
	defer func() { _ = s.Close() }()

	err := s.CreateConversation(context.Background(), conversation.NewConversation("c1", t0))
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrInvalid)
}

func TestStore_AppendMessage(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer func() { _ = s.Close() }()

	err := s.AppendMessage(ctx, "missing", newMessage(t, "m1", "missing", conversation.RoleUser, "hi", t0))
	assert.ErrorIs(t, err, remote.ErrNotFound)

	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "alice", t0)))
	require.NoError(t, s.AppendMessage(ctx, "c1", newMessage(t, "m2", "c1", conversation.RoleAssistant, "second", t0.Add(time.Second))))
	require.NoError(t, s.AppendMessage(ctx, "c1", newMessage(t, "m1", "c1", conversation.RoleUser, "first", t0)))
	require.NoError(t, s.AppendMessage(ctx, "c1", newMessage(t, "m1", "c1", conversation.RoleUser, "first", t0)))

	snap, err := s.Messages("c1")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "m1", snap.Messages[0].ID)
	assert.Equal(t, "m2", snap.Messages[1].ID)

	err = s.AppendMessage(ctx, "c1", conversation.Message{ID: "m3", Role: conversation.RoleUser, Content: "  "})
	assert.ErrorIs(t, err, remote.ErrInvalid)
}

func TestStore_UpdateConversationMetaLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "alice", t0)))
	require.NoError(t, s.UpdateConversationMeta(ctx, "c1", remote.MetaUpdate{
		Title:     helpers.ToPointer("hello"),
		UpdatedAt: t0.Add(time.Minute),
	}))
	require.NoError(t, s.UpdateConversationMeta(ctx, "c1", remote.MetaUpdate{
		Title:     helpers.ToPointer("stale"),
		UpdatedAt: t0.Add(time.Second),
	}))

	snap, err := s.Conversations("alice")
	require.NoError(t, err)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "hello", snap.Conversations[0].Title)
	assert.True(t, snap.Conversations[0].UpdatedAt.Equal(t0.Add(time.Minute)))

	err = s.UpdateConversationMeta(ctx, "nope", remote.MetaUpdate{UpdatedAt: t0})
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestStore_SubscribeConversationsDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.CreateConversation(ctx, newConversation("old", "alice", t0)))

	snaps := make(chan remote.ConversationSnapshot, 16)
	sub, err := s.SubscribeConversations("alice", func(snap remote.ConversationSnapshot) {
		snaps <- snap
	}, func(err error) {
		t.Errorf("unexpected subscription error: %v", err)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := receive(t, snaps)
	require.Len(t, first.Conversations, 1)

	require.NoError(t, s.CreateConversation(ctx, newConversation("new", "alice", t0.Add(time.Minute))))
	require.NoError(t, s.CreateConversation(ctx, newConversation("other", "bob", t0.Add(time.Hour))))

	second := receive(t, snaps)
	require.Len(t, second.Conversations, 2)
	assert.Equal(t, "new", second.Conversations[0].ID)
	assert.Greater(t, second.Revision, first.Revision)
}

func TestStore_SubscribeMessagesIsOrderedByRevision(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "alice", t0)))

	snaps := make(chan remote.MessageSnapshot, 64)
	sub, err := s.SubscribeMessages("c1", func(snap remote.MessageSnapshot) {
		snaps <- snap
	}, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		require.NoError(t, s.AppendMessage(ctx, "c1", newMessage(t, id, "c1", conversation.RoleUser, "msg "+id, t0.Add(time.Duration(i)*time.Second))))
	}

	var last uint64
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-snaps:
			assert.True(t, last == 0 || snap.Revision > last, "revision went backwards")
			last = snap.Revision
			if len(snap.Messages) == 10 {
				return
			}
		case <-deadline:
			t.Fatal("did not receive the final snapshot")
		}
	}
}

func TestStore_UnsubscribeStopsDeliveries(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "alice", t0)))

	snaps := make(chan remote.MessageSnapshot, 16)
	sub, err := s.SubscribeMessages("c1", func(snap remote.MessageSnapshot) { snaps <- snap }, nil)
	require.NoError(t, err)
	receive(t, snaps)

	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, s.AppendMessage(ctx, "c1", newMessage(t, "m1", "c1", conversation.RoleUser, "hi", t0)))
	select {
	case snap := <-snaps:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStore_FaultFailsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	s := NewStore(WithFault(FailMessageRole(conversation.RoleUser, boom)))
	defer func() { _ = s.Close() }()

	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "alice", t0)))
	err := s.AppendMessage(ctx, "c1", newMessage(t, "m1", "c1", conversation.RoleUser, "hi", t0))
	assert.ErrorIs(t, err, boom)
	require.NoError(t, s.AppendMessage(ctx, "c1", newMessage(t, "m2", "c1", conversation.RoleAssistant, "hello", t0)))

	snap, err := s.Messages("c1")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "m2", snap.Messages[0].ID)

	s.SetFault(FailOn(OpSubscribeMessages, boom))
	_, err = s.SubscribeMessages("c1", func(remote.MessageSnapshot) {}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestStore_ClosedStoreRejectsCalls(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.CreateConversation(context.Background(), newConversation("c1", "alice", t0))
	assert.ErrorIs(t, err, remote.ErrClosed)
	_, err = s.SubscribeConversations("alice", func(remote.ConversationSnapshot) {}, nil)
	assert.ErrorIs(t, err, remote.ErrClosed)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	var zero T
	return zero
}
