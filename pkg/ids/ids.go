// Package ids generates the client-side identifiers given to conversations and
// messages before a remote store has seen them. Because the id is chosen
// locally, the optimistic record and the record echoed back by the store
// unify without a rename step.
package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
)

type Generator interface {
	NewID() string
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func() string

func (f GeneratorFunc) NewID() string { return f() }

// TimeOrdered produces UUIDv7 ids, which sort by creation time.
type TimeOrdered struct{}

func (TimeOrdered) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		return uuid.NewString()
	}
	return id.String()
}

// Random produces UUIDv4 ids.
type Random struct{}

func (Random) NewID() string { return uuid.NewString() }

// Short produces compact base57 ids.
type Short struct{}

func (Short) NewID() string { return shortuuid.New() }

// Sequence produces prefix-1, prefix-2, ... and is safe for concurrent use.
type Sequence struct {
	Prefix string
	n      atomic.Int64
}

func NewSequence(prefix string) *Sequence {
	return &Sequence{Prefix: prefix}
}

func (s *Sequence) NewID() string {
	return fmt.Sprintf("%s-%d", s.Prefix, s.n.Add(1))
}

const (
	KindUUIDv7 = "uuidv7"
	KindUUIDv4 = "uuidv4"
	KindShort  = "short"
)

// New returns the generator configured by kind. An empty kind selects KindUUIDv7.
func New(kind string) (Generator, error) {
	switch kind {
	case "", KindUUIDv7:
		return TimeOrdered{}, nil
	case KindUUIDv4:
		return Random{}, nil
	case KindShort:
		return Short{}, nil
	}
	return nil, errors.Errorf("unknown id kind %q", kind)
}
