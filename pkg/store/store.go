// Package store is the conversation synchronization core. It keeps the owner's
// conversation list and the active conversation's messages consistent with a
// remote store, applying local changes optimistically and rolling them back
// when the remote write fails.
//
// All state lives on a single event-loop goroutine started by Run. Operations
// post closures onto the loop and wait for them. Remote writes and completion
// requests run on the caller's goroutine between loop steps, so the state seen
// by View is always either before or after a step, never in between.
package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huandu/go-clone"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/completion"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/ids"
	"github.com/go-go-golems/parley/pkg/remote"
)

var (
	ErrStopped        = errors.New("conversation store is not running")
	ErrAlreadyRunning = errors.New("conversation store is already running")
)

// View is a read-only copy of the store state for rendering.
type View struct {
	OwnerID       string
	Conversations []conversation.Conversation
	ActiveID      string
	Active        *conversation.Conversation
	Messages      []conversation.Message
	Pending       bool
	LastError     error
}

func (v View) LastErrorKind() conversation.ErrorKind {
	return conversation.KindOf(v.LastError)
}

// Clone deep-copies the collections. LastError is shared, errors are immutable.
func (v View) Clone() View {
	ret := v
	if v.Conversations != nil {
		ret.Conversations = clone.Clone(v.Conversations).([]conversation.Conversation)
	}
	if v.Messages != nil {
		ret.Messages = clone.Clone(v.Messages).([]conversation.Message)
	}
	if v.Active != nil {
		c := *v.Active
		ret.Active = &c
	}
	return ret
}

// SendResult describes how far a SendMessage call got.
// UserCommitted distinguishes "saved but the reply failed" from "nothing was saved".
// MetaError is set when the conversation's title or timestamp could not be
// updated, even if the exchange itself succeeded.
type SendResult struct {
	Accepted         bool
	ConversationID   string
	UserMessage      *conversation.Message
	AssistantMessage *conversation.Message
	UserCommitted    bool
	MetaError        error
}

type Store struct {
	remote    remote.Store
	completer completion.Client
	ownerID   string

	ids       ids.Generator
	now       func() time.Time
	directive string
	logger    zerolog.Logger
	onChange  func(View)

	st      *state
	ops     chan func(*state)
	done    chan struct{}
	running atomic.Bool

	viewMu sync.RWMutex
	view   View
}

type Option func(*Store)

func WithIDGenerator(g ids.Generator) Option {
	return func(s *Store) {
		s.ids = g
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithSystemDirective(directive string) Option {
	return func(s *Store) {
		s.directive = directive
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithOnChange registers a callback that receives a fresh View after every
// state change. It runs on the event loop and must not call back into the store.
func WithOnChange(f func(View)) Option {
	return func(s *Store) {
		s.onChange = f
	}
}

func New(remoteStore remote.Store, completer completion.Client, ownerID string, options ...Option) *Store {
	s := &Store{
		remote:    remoteStore,
		completer: completer,
		ownerID:   ownerID,
		ids:       ids.TimeOrdered{},
		now:       time.Now,
		directive: completion.DefaultSystemDirective,
		logger:    log.Logger,
		st:        newState(ownerID),
		ops:       make(chan func(*state)),
		done:      make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}
	s.logger = s.logger.With().Str("owner_id", ownerID).Logger()
	s.view = View{OwnerID: ownerID}
	return s
}

// Run serves the event loop until ctx is done. It can only be called once.
func (s *Store) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	st := s.st

	s.subscribeConversations(st)
	s.publish(st)
	s.logger.Debug().Msg("conversation store started")

	for {
		select {
		case <-ctx.Done():
			close(s.done)
			s.shutdown(st)
			s.logger.Debug().Msg("conversation store stopped")
			return nil
		case fn := <-s.ops:
			fn(st)
			s.publish(st)
		}
	}
}

func (s *Store) shutdown(st *state) {
	if st.messagesSub != nil {
		st.messagesSub.Unsubscribe()
		st.messagesSub = nil
	}
	if st.conversationsSub != nil {
		st.conversationsSub.Unsubscribe()
		st.conversationsSub = nil
	}
}

// exec runs fn on the loop and waits for it.
func (s *Store) exec(ctx context.Context, fn func(*state)) error {
	finished := make(chan struct{})
	select {
	case s.ops <- func(st *state) {
		defer close(finished)
		fn(st)
	}:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post queues fn without waiting. Used by subscription callbacks.
func (s *Store) post(fn func(*state)) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// View returns a copy of the latest published state.
func (s *Store) View() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view.Clone()
}

func (s *Store) publish(st *state) {
	v := View{
		OwnerID:       st.ownerID,
		Conversations: st.conversations,
		ActiveID:      st.activeID,
		Messages:      st.messages,
		Pending:       st.pending,
		LastError:     st.lastError,
	}
	if c, ok := st.conversation(st.activeID); ok {
		v.Active = &c
	}
	v = v.Clone()

	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()

	if s.onChange != nil {
		s.onChange(v.Clone())
	}
}

// timestamp returns now at remote precision, never earlier than floor.
func (s *Store) timestamp(floor time.Time) time.Time {
	now := conversation.Timestamp(s.now())
	if now.Before(floor) {
		return floor
	}
	return now
}
