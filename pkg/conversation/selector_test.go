package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func conversations(ids ...string) []Conversation {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ret := make([]Conversation, 0, len(ids))
	for i, id := range ids {
		ret = append(ret, NewConversation(id, base.Add(-time.Duration(i)*time.Minute)))
	}
	return ret
}

func TestSelectActiveKeepsPresentID(t *testing.T) {
	list := conversations("A", "B", "C")
	assert.Equal(t, "B", SelectActive(list, "B"))
}

func TestSelectActiveFallsBackToFirst(t *testing.T) {
	list := conversations("A", "B", "C")
	without := []Conversation{list[0], list[2]}
	assert.Equal(t, "A", SelectActive(without, "B"))
}

func TestSelectActiveEmptyList(t *testing.T) {
	assert.Equal(t, "", SelectActive(nil, "B"))
	assert.Equal(t, "", SelectActive([]Conversation{}, ""))
}

func TestSelectActiveNoPreviousSelection(t *testing.T) {
	assert.Equal(t, "A", SelectActive(conversations("A", "B"), ""))
}

func TestSelectActiveIdempotent(t *testing.T) {
	list := conversations("A", "B", "C")
	first := SelectActive(list[1:], "A")
	assert.Equal(t, first, SelectActive(list[1:], first))
}
