package store

import (
	"context"
	"time"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/remote"
)

// CreateConversation inserts a default-titled conversation, makes it active
// and persists it. On failure the previous selection is restored.
func (s *Store) CreateConversation(ctx context.Context) (string, error) {
	var (
		conv  conversation.Conversation
		tx    *transaction
		stash messageStash
	)
	err := s.exec(ctx, func(st *state) {
		conv = conversation.NewConversation(s.ids.NewID(), s.now(), conversation.WithOwner(st.ownerID))
		stash = st.stashMessages()
		tx = newTransaction("create_conversation", mutateCreateConversation(conv))
		st.begin(tx)
		s.activate(st, conv.ID)
		st.project(s.logger)
	})
	if err != nil {
		return "", err
	}

	log := s.logger.With().Str("conversation_id", conv.ID).Logger()
	log.Debug().Msg("creating conversation")

	if err := s.remote.CreateConversation(ctx, conv); err != nil {
		perr := &conversation.PersistenceError{Stage: conversation.StageCreateConversation, Err: err}
		log.Warn().Err(err).Msg("could not create conversation, rolling back")
		if xerr := s.exec(context.WithoutCancel(ctx), func(st *state) {
			st.abandon(conv)
			s.rollback(st, tx, conv.ID, &stash)
			st.lastError = perr
		}); xerr != nil {
			return "", xerr
		}
		return "", perr
	}

	if err := s.exec(context.WithoutCancel(ctx), func(st *state) {
		tx.committed = true
		st.lastError = nil
		s.refresh(st)
	}); err != nil {
		return "", err
	}
	return conv.ID, nil
}

// SelectConversation makes id active and clears the last error.
func (s *Store) SelectConversation(ctx context.Context, id string) error {
	var opErr error
	err := s.exec(ctx, func(st *state) {
		if conversation.IndexOfConversation(st.conversations, id) < 0 {
			opErr = &conversation.ValidationError{Field: "conversation", Reason: "unknown conversation " + id}
			st.lastError = opErr
			return
		}
		st.lastError = nil
		if id == st.activeID {
			return
		}
		s.activate(st, id)
		s.refresh(st)
	})
	if err != nil {
		return err
	}
	return opErr
}

// AwaitMessages blocks until the active conversation's first message snapshot
// has been applied, its stream has failed, or no conversation is active.
func (s *Store) AwaitMessages(ctx context.Context) error {
	for {
		var wait <-chan struct{}
		if err := s.exec(ctx, func(st *state) {
			if !st.messagesSettled() {
				wait = st.awaitMessages()
			}
		}); err != nil {
			return err
		}
		if wait == nil {
			return nil
		}
		select {
		case <-wait:
		case <-s.done:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendPlan is everything the first loop step of SendMessage decides.
type sendPlan struct {
	conversationID string
	created        *conversation.Conversation
	stash          messageStash
	userMessage    conversation.Message
	meta           remote.MetaUpdate
	metaMutation   mutation
	history        []conversation.Turn
	tx             *transaction
}

// SendMessage appends text as a user message, persists it, asks the
// completion client for a reply and appends that as an assistant message.
//
// A call made while another send is in flight is ignored and returns a
// result with Accepted=false and no error. A call made before the active
// conversation's messages have arrived waits for them, so that the history
// and the title decision see the whole conversation.
//
// A failed metadata update does not fail the exchange. It is reported in
// SendResult.MetaError and as the last error.
func (s *Store) SendMessage(ctx context.Context, text string) (SendResult, error) {
	var (
		plan  *sendPlan
		opErr error
	)
	for {
		var wait <-chan struct{}
		err := s.exec(ctx, func(st *state) {
			plan, wait, opErr = s.beginSend(st, text)
		})
		if err != nil {
			return SendResult{}, err
		}
		if wait == nil {
			break
		}
		s.logger.Debug().Msg("send waiting for the conversation's messages")
		select {
		case <-wait:
		case <-s.done:
			return SendResult{}, ErrStopped
		case <-ctx.Done():
			return SendResult{}, ctx.Err()
		}
	}
	if opErr != nil {
		return SendResult{}, opErr
	}
	if plan == nil {
		s.logger.Debug().Msg("send ignored, another send is pending")
		return SendResult{}, nil
	}

	userMessage := plan.userMessage
	res := SendResult{
		Accepted:       true,
		ConversationID: plan.conversationID,
		UserMessage:    &userMessage,
	}
	log := s.logger.With().
		Str("conversation_id", plan.conversationID).
		Str("message_id", userMessage.ID).
		Logger()

	if err := s.persistUserMessage(ctx, plan); err != nil {
		log.Warn().Err(err).Msg("could not persist user message, rolling back")
		if xerr := s.exec(context.WithoutCancel(ctx), func(st *state) {
			var stash *messageStash
			if plan.created != nil {
				stash = &plan.stash
				st.abandon(*plan.created)
			}
			s.rollback(st, plan.tx, plan.conversationID, stash)
			st.pending = false
			st.lastError = err
		}); xerr != nil {
			return res, xerr
		}
		return res, err
	}

	if err := s.remote.UpdateConversationMeta(ctx, plan.conversationID, plan.meta); err != nil {
		log.Warn().Err(err).Msg("could not update conversation metadata")
		res.MetaError = &conversation.PersistenceError{Stage: conversation.StageConversationMeta, Err: err}
	}
	if err := s.exec(context.WithoutCancel(ctx), func(st *state) {
		if res.MetaError != nil {
			plan.tx.drop(plan.metaMutation)
			st.lastError = res.MetaError
		}
		plan.tx.committed = true
		s.refresh(st)
	}); err != nil {
		return res, err
	}
	res.UserCommitted = true

	log.Debug().Int("turns", len(plan.history)).Msg("requesting completion")
	reply, err := s.completer.Complete(ctx, s.directive, plan.history)
	if err == nil {
		reply, err = conversation.ValidateContent(reply)
	}
	if err != nil {
		cerr := &conversation.CompletionError{Err: err}
		log.Warn().Err(err).Msg("completion failed, user message kept")
		if xerr := s.exec(context.WithoutCancel(ctx), func(st *state) {
			st.pending = false
			st.lastError = cerr
		}); xerr != nil {
			return res, xerr
		}
		return res, cerr
	}

	var (
		assistant conversation.Message
		meta      remote.MetaUpdate
		bump      mutation
		tx        *transaction
	)
	err = s.exec(context.WithoutCancel(ctx), func(st *state) {
		createdAt := s.timestamp(userMessage.CreatedAt)
		assistant = conversation.Message{
			ID:             s.ids.NewID(),
			ConversationID: plan.conversationID,
			Role:           conversation.RoleAssistant,
			Content:        reply,
			CreatedAt:      createdAt,
		}
		updatedAt := maxTime(createdAt, plan.meta.UpdatedAt)
		if c, ok := st.conversation(plan.conversationID); ok {
			updatedAt = maxTime(updatedAt, c.UpdatedAt)
		}
		meta = remote.MetaUpdate{UpdatedAt: updatedAt}
		bump = mutateUpdateMeta(plan.conversationID, meta)
		tx = newTransaction("append_assistant_message", mutateAppendMessage(assistant), bump)
		st.begin(tx)
		st.project(s.logger)
	})
	if err != nil {
		return res, err
	}

	log = log.With().Str("assistant_message_id", assistant.ID).Logger()
	if err := s.remote.AppendMessage(ctx, plan.conversationID, assistant); err != nil {
		perr := &conversation.PersistenceError{Stage: conversation.StageAssistantMessage, Err: err}
		log.Warn().Err(err).Msg("could not persist assistant message, user message kept")
		if xerr := s.exec(context.WithoutCancel(ctx), func(st *state) {
			s.rollback(st, tx, plan.conversationID, nil)
			st.pending = false
			st.lastError = perr
		}); xerr != nil {
			return res, xerr
		}
		return res, perr
	}

	bumpFailed := false
	if err := s.remote.UpdateConversationMeta(ctx, plan.conversationID, meta); err != nil {
		log.Warn().Err(err).Msg("could not bump conversation timestamp")
		bumpFailed = true
		if res.MetaError == nil {
			res.MetaError = &conversation.PersistenceError{Stage: conversation.StageConversationMeta, Err: err}
		}
	}
	if err := s.exec(context.WithoutCancel(ctx), func(st *state) {
		if bumpFailed {
			tx.drop(bump)
		}
		tx.committed = true
		st.pending = false
		st.lastError = nil
		if res.MetaError != nil {
			st.lastError = res.MetaError
		}
		s.refresh(st)
	}); err != nil {
		return res, err
	}

	res.AssistantMessage = &assistant
	log.Debug().Msg("message exchange completed")
	return res, nil
}

// beginSend is the first loop step of SendMessage. It returns a nil plan when
// another send is pending, and a channel to wait on when the active
// conversation's messages have not arrived yet.
func (s *Store) beginSend(st *state, text string) (*sendPlan, <-chan struct{}, error) {
	if st.pending {
		return nil, nil, nil
	}
	content, err := conversation.ValidateContent(text)
	if err != nil {
		st.lastError = err
		return nil, nil, err
	}
	if !st.messagesSettled() {
		return nil, st.awaitMessages(), nil
	}

	plan := &sendPlan{conversationID: st.activeID}
	var mutations []mutation
	if plan.conversationID == "" {
		conv := conversation.NewConversation(s.ids.NewID(), s.now(), conversation.WithOwner(st.ownerID))
		plan.created = &conv
		plan.conversationID = conv.ID
		plan.stash = st.stashMessages()
		mutations = append(mutations, mutateCreateConversation(conv))
		s.activate(st, conv.ID)
		st.project(s.logger)
	}

	var floor time.Time
	if n := len(st.messages); n > 0 {
		floor = st.messages[n-1].CreatedAt
	}
	isFirstUserMessage := !conversation.HasUserMessage(st.messages)
	if plan.created != nil {
		isFirstUserMessage = true
	}

	createdAt := s.timestamp(floor)
	user, err := conversation.NewMessage(s.ids.NewID(), plan.conversationID, conversation.RoleUser, content, createdAt)
	if err != nil {
		st.lastError = err
		return nil, nil, err
	}
	plan.userMessage = user

	meta := remote.MetaUpdate{UpdatedAt: createdAt}
	conv, ok := st.conversation(plan.conversationID)
	if plan.created != nil {
		conv, ok = *plan.created, true
	}
	if ok {
		meta.UpdatedAt = maxTime(createdAt, conv.UpdatedAt)
		if isFirstUserMessage && conv.HasDefaultTitle() {
			title := conversation.DeriveTitle(content)
			meta.Title = &title
		}
	}
	plan.meta = meta
	plan.metaMutation = mutateUpdateMeta(plan.conversationID, meta)

	mutations = append(mutations, mutateAppendMessage(user), plan.metaMutation)
	plan.tx = newTransaction("send_user_message", mutations...)
	st.begin(plan.tx)
	st.pending = true
	st.project(s.logger)

	plan.history = conversation.History(st.messages)
	return plan, nil, nil
}

func (s *Store) persistUserMessage(ctx context.Context, plan *sendPlan) error {
	if plan.created != nil {
		if err := s.remote.CreateConversation(ctx, *plan.created); err != nil {
			return &conversation.PersistenceError{Stage: conversation.StageCreateConversation, Err: err}
		}
	}
	if err := s.remote.AppendMessage(ctx, plan.conversationID, plan.userMessage); err != nil {
		return &conversation.PersistenceError{Stage: conversation.StageUserMessage, Err: err}
	}
	return nil
}

// rollback reverts tx. When stash is set and the optimistic conversation is
// still active, the selection it replaced is restored as well.
func (s *Store) rollback(st *state, tx *transaction, conversationID string, stash *messageStash) {
	st.remove(tx)
	if stash != nil && st.activeID == conversationID {
		s.restore(st, *stash)
	}
	s.refresh(st)
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
