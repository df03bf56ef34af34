// Package memory is a thread-safe in-process remote store. Every write
// publishes a full snapshot on a watermill gochannel topic, which is what the
// change streams returned by the Subscribe methods are fed from.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/helpers"
	"github.com/go-go-golems/parley/pkg/remote"
)

// Store keeps conversations and messages in maps guarded by a RWMutex.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]conversation.Conversation
	messages      map[string][]conversation.Message
	revision      uint64
	closed        bool

	faultMu sync.RWMutex
	fault   Fault

	pubSub *gochannel.GoChannel
	logger zerolog.Logger
	wg     sync.WaitGroup
}

var _ remote.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithFault(f Fault) Option {
	return func(s *Store) {
		s.fault = f
	}
}

func NewStore(options ...Option) *Store {
	ret := &Store{
		conversations: map[string]conversation.Conversation{},
		messages:      map[string][]conversation.Message{},
		logger:        log.Logger,
	}
	for _, option := range options {
		option(ret)
	}
	ret.pubSub = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, helpers.NewWatermill(ret.logger))
	return ret
}

// SetFault replaces the fault hook. A nil fault lets every call through.
func (s *Store) SetFault(f Fault) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.fault = f
}

func (s *Store) checkFault(call Call) error {
	s.faultMu.RLock()
	f := s.fault
	s.faultMu.RUnlock()
	if f == nil {
		return nil
	}
	return f(call)
}

func (s *Store) CreateConversation(ctx context.Context, conv conversation.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkFault(Call{Op: OpCreateConversation, ConversationID: conv.ID, Conversation: &conv}); err != nil {
		return err
	}
	if err := remote.ValidateConversation(conv.OwnerID, conv.ID); err != nil {
		return err
	}
	snapshot, changed, err := s.PutConversation(conv)
	if err != nil || !changed {
		return err
	}
	s.publishConversations(snapshot)
	return nil
}

// PutConversation stores conv and returns the owner's new snapshot.
// An identical id from the same owner is a no-op and reports changed=false.
func (s *Store) PutConversation(conv conversation.Conversation) (remote.ConversationSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return remote.ConversationSnapshot{}, false, err
	}

	if existing, ok := s.conversations[conv.ID]; ok {
		if existing.OwnerID != conv.OwnerID {
			return remote.ConversationSnapshot{}, false, fmt.Errorf("%w: conversation %s belongs to another owner", remote.ErrConflict, conv.ID)
		}
		return remote.ConversationSnapshot{}, false, nil
	}

	conv.CreatedAt = conversation.Timestamp(conv.CreatedAt)
	conv.UpdatedAt = conversation.Timestamp(conv.UpdatedAt)
	if conv.Title == "" {
		conv.Title = conversation.DefaultTitle
	}
	s.conversations[conv.ID] = conv
	s.revision++
	s.logger.Debug().
		Str("conversation_id", conv.ID).
		Str("owner_id", conv.OwnerID).
		Uint64("revision", s.revision).
		Msg("conversation created")
	return s.conversationSnapshotLocked(conv.OwnerID), true, nil
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkFault(Call{Op: OpAppendMessage, ConversationID: conversationID, Message: &msg}); err != nil {
		return err
	}
	snapshot, changed, err := s.PutMessage(conversationID, msg)
	if err != nil || !changed {
		return err
	}
	s.publishMessages(snapshot)
	return nil
}

// PutMessage appends msg to its conversation and returns the new snapshot.
// A message id that is already stored is a no-op and reports changed=false.
func (s *Store) PutMessage(conversationID string, msg conversation.Message) (remote.MessageSnapshot, bool, error) {
	if err := msg.Role.Validate(); err != nil {
		return remote.MessageSnapshot{}, false, fmt.Errorf("%w: %v", remote.ErrInvalid, err)
	}
	if _, err := conversation.ValidateContent(msg.Content); err != nil {
		return remote.MessageSnapshot{}, false, fmt.Errorf("%w: %v", remote.ErrInvalid, err)
	}
	if msg.ID == "" {
		return remote.MessageSnapshot{}, false, fmt.Errorf("%w: message id is empty", remote.ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return remote.MessageSnapshot{}, false, err
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return remote.MessageSnapshot{}, false, fmt.Errorf("%w: conversation %s", remote.ErrNotFound, conversationID)
	}
	if conversation.IndexOfMessage(s.messages[conversationID], msg.ID) >= 0 {
		return remote.MessageSnapshot{}, false, nil
	}

	msg.ConversationID = conversationID
	msg.CreatedAt = conversation.Timestamp(msg.CreatedAt)
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.revision++
	s.logger.Debug().
		Str("conversation_id", conversationID).
		Str("message_id", msg.ID).
		Str("role", msg.Role.String()).
		Uint64("revision", s.revision).
		Msg("message appended")
	return s.messageSnapshotLocked(conversationID), true, nil
}

func (s *Store) UpdateConversationMeta(ctx context.Context, conversationID string, meta remote.MetaUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkFault(Call{Op: OpUpdateConversationMeta, ConversationID: conversationID, Meta: &meta}); err != nil {
		return err
	}
	snapshot, changed, err := s.PatchConversation(conversationID, meta)
	if err != nil || !changed {
		return err
	}
	s.publishConversations(snapshot)
	return nil
}

// PatchConversation applies meta with last-write-wins on UpdatedAt.
// Stale updates are dropped and report changed=false.
func (s *Store) PatchConversation(conversationID string, meta remote.MetaUpdate) (remote.ConversationSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return remote.ConversationSnapshot{}, false, err
	}
	existing, ok := s.conversations[conversationID]
	if !ok {
		return remote.ConversationSnapshot{}, false, fmt.Errorf("%w: conversation %s", remote.ErrNotFound, conversationID)
	}

	updatedAt := conversation.Timestamp(meta.UpdatedAt)
	if updatedAt.Before(existing.UpdatedAt) {
		s.logger.Debug().
			Str("conversation_id", conversationID).
			Time("stored_updated_at", existing.UpdatedAt).
			Time("update_updated_at", updatedAt).
			Msg("dropping stale conversation update")
		return remote.ConversationSnapshot{}, false, nil
	}
	existing.UpdatedAt = updatedAt
	if meta.Title != nil {
		existing.Title = *meta.Title
	}
	s.conversations[conversationID] = existing
	s.revision++
	return s.conversationSnapshotLocked(existing.OwnerID), true, nil
}

// Conversations returns the owner's current snapshot.
func (s *Store) Conversations(ownerID string) (remote.ConversationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return remote.ConversationSnapshot{}, err
	}
	return s.conversationSnapshotLocked(ownerID), nil
}

// Messages returns the conversation's current snapshot.
func (s *Store) Messages(conversationID string) (remote.MessageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return remote.MessageSnapshot{}, err
	}
	return s.messageSnapshotLocked(conversationID), nil
}

func (s *Store) conversationSnapshotLocked(ownerID string) remote.ConversationSnapshot {
	list := make([]conversation.Conversation, 0)
	for _, c := range s.conversations {
		if c.OwnerID == ownerID {
			list = append(list, c)
		}
	}
	conversation.SortConversations(list)
	return remote.ConversationSnapshot{
		OwnerID:       ownerID,
		Revision:      s.revision,
		Conversations: list,
	}
}

func (s *Store) messageSnapshotLocked(conversationID string) remote.MessageSnapshot {
	list := append([]conversation.Message{}, s.messages[conversationID]...)
	conversation.SortMessages(list)
	return remote.MessageSnapshot{
		ConversationID: conversationID,
		Revision:       s.revision,
		Messages:       list,
	}
}

func (s *Store) SubscribeConversations(
	ownerID string,
	onSnapshot func(remote.ConversationSnapshot),
	onError func(error),
) (remote.Subscription, error) {
	if err := s.checkFault(Call{Op: OpSubscribeConversations, OwnerID: ownerID}); err != nil {
		return nil, err
	}
	return subscribe(s, conversationsTopic(ownerID),
		func() (remote.ConversationSnapshot, error) { return s.Conversations(ownerID) },
		func(snap remote.ConversationSnapshot) uint64 { return snap.Revision },
		onSnapshot, onError)
}

func (s *Store) SubscribeMessages(
	conversationID string,
	onSnapshot func(remote.MessageSnapshot),
	onError func(error),
) (remote.Subscription, error) {
	if err := s.checkFault(Call{Op: OpSubscribeMessages, ConversationID: conversationID}); err != nil {
		return nil, err
	}
	return subscribe(s, messagesTopic(conversationID),
		func() (remote.MessageSnapshot, error) { return s.Messages(conversationID) },
		func(snap remote.MessageSnapshot) uint64 { return snap.Revision },
		onSnapshot, onError)
}

// subscribe registers on topic, then delivers the current snapshot followed by
// every published one. Snapshots that are not newer than the last delivered
// revision are skipped, since gochannel does not order concurrent publishes.
func subscribe[T any](
	s *Store,
	topic string,
	initial func() (T, error),
	revisionOf func(T) uint64,
	onSnapshot func(T),
	onError func(error),
) (remote.Subscription, error) {
	s.mu.RLock()
	err := s.ensureOpen()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.pubSub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var last uint64
		delivered := false

		deliver := func(snap T) {
			rev := revisionOf(snap)
			if delivered && rev <= last {
				return
			}
			if ctx.Err() != nil {
				return
			}
			delivered = true
			last = rev
			onSnapshot(snap)
		}

		snap, err := initial()
		if err != nil {
			if ctx.Err() == nil && onError != nil {
				onError(err)
			}
		} else {
			deliver(snap)
		}

		for msg := range ch {
			snap, err := helpers.DecodeJSON[T](msg)
			if err != nil {
				msg.Ack()
				s.logger.Warn().Err(err).Str("topic", topic).Msg("could not decode snapshot")
				if ctx.Err() == nil && onError != nil {
					onError(err)
				}
				continue
			}
			deliver(snap)
			msg.Ack()
		}
		s.logger.Trace().Str("topic", topic).Msg("subscription finished")
	}()

	return remote.SubscriptionFunc(sync.OnceFunc(cancel)), nil
}

func (s *Store) publishConversations(snapshot remote.ConversationSnapshot) {
	s.publish(conversationsTopic(snapshot.OwnerID), snapshot)
}

func (s *Store) publishMessages(snapshot remote.MessageSnapshot) {
	s.publish(messagesTopic(snapshot.ConversationID), snapshot)
}

func (s *Store) publish(topic string, payload interface{}) {
	if err := helpers.PublishJSON(s.pubSub, topic, payload); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish snapshot")
	}
}

// Close stops every change stream and waits for the delivery goroutines.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.pubSub.Close()
	s.wg.Wait()
	return err
}

func (s *Store) ensureOpen() error {
	if s.closed {
		return remote.ErrClosed
	}
	return nil
}

func conversationsTopic(ownerID string) string {
	return "conversations." + ownerID
}

func messagesTopic(conversationID string) string {
	return "messages." + conversationID
}
