package remote

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
	ErrInvalid  = errors.New("invalid record")
	ErrConflict = errors.New("conflicting record")
	ErrRemote   = errors.New("remote store error")
)

// StatusError reports a non-success response from a networked store.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ErrRemote.Error()
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: %s returned status %d", ErrRemote, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s returned status %d: %s", ErrRemote, e.Op, e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	if target == ErrRemote {
		return true
	}
	if e == nil {
		return false
	}
	switch e.StatusCode {
	case 404:
		return target == ErrNotFound
	case 400, 422:
		return target == ErrInvalid
	case 409:
		return target == ErrConflict
	}
	return false
}

// ValidateConversation checks the fields every store requires.
func ValidateConversation(ownerID, id string) error {
	if id == "" {
		return fmt.Errorf("%w: conversation id is empty", ErrInvalid)
	}
	if ownerID == "" {
		return fmt.Errorf("%w: conversation %s has no owner", ErrInvalid, id)
	}
	return nil
}
