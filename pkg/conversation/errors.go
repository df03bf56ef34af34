package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrPersistence  = errors.New("persistence error")
	ErrCompletion   = errors.New("completion error")
	ErrSubscription = errors.New("subscription error")
)

// ErrorKind classifies the last failure surfaced to the presentation layer.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindValidation
	KindPersistence
	KindCompletion
	KindSubscription
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	case KindCompletion:
		return "completion"
	case KindSubscription:
		return "subscription"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Stage names the remote write that failed.
type Stage string

const (
	StageCreateConversation Stage = "create_conversation"
	StageUserMessage        Stage = "user_message"
	StageAssistantMessage   Stage = "assistant_message"
	StageConversationMeta   Stage = "conversation_meta"
)

// PersistenceError reports a failed remote write. The optimistic change that
// triggered it has already been rolled back when the caller sees it.
type PersistenceError struct {
	Stage Stage
	Err   error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ErrPersistence.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", ErrPersistence, e.Stage)
	}
	return fmt.Sprintf("%s (%s): %v", ErrPersistence, e.Stage, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
func (e *PersistenceError) Unwrap() error        { return e.Err }

// CompletionError reports that no assistant reply could be obtained.
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	if e == nil || e.Err == nil {
		return ErrCompletion.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCompletion, e.Err)
}

func (e *CompletionError) Is(target error) bool { return target == ErrCompletion }
func (e *CompletionError) Unwrap() error        { return e.Err }

// SubscriptionError reports a change stream that could not be established or was interrupted.
type SubscriptionError struct {
	Stream string
	Err    error
}

func (e *SubscriptionError) Error() string {
	if e == nil {
		return ErrSubscription.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", ErrSubscription, e.Stream)
	}
	return fmt.Sprintf("%s (%s): %v", ErrSubscription, e.Stream, e.Err)
}

func (e *SubscriptionError) Is(target error) bool { return target == ErrSubscription }
func (e *SubscriptionError) Unwrap() error        { return e.Err }

// ValidationError reports invalid user input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// KindOf classifies err. A nil error is KindNone.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrCompletion):
		return KindCompletion
	case errors.Is(err, ErrSubscription):
		return KindSubscription
	case errors.Is(err, ErrValidation):
		return KindValidation
	}
	return KindNone
}
