package conversation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")

	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindPersistence, KindOf(&PersistenceError{Stage: StageUserMessage, Err: cause}))
	assert.Equal(t, KindCompletion, KindOf(&CompletionError{Err: cause}))
	assert.Equal(t, KindSubscription, KindOf(&SubscriptionError{Stream: "messages", Err: cause}))
	assert.Equal(t, KindValidation, KindOf(&ValidationError{Field: "content", Reason: "empty"}))
	assert.Equal(t, KindPersistence, KindOf(fmt.Errorf("wrapped: %w", &PersistenceError{Err: cause})))
}

func TestTypedErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &PersistenceError{Stage: StageAssistantMessage, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NotErrorIs(t, err, ErrCompletion)
	assert.Contains(t, err.Error(), "assistant_message")

	var pe *PersistenceError
	assert.True(t, errors.As(fmt.Errorf("x: %w", err), &pe))
	assert.Equal(t, StageAssistantMessage, pe.Stage)
}
