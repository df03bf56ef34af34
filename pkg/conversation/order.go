package conversation

import "sort"

// SortConversations orders conversations newest-updated first.
// Ties fall back to CreatedAt (newest first) and then ID, so the order is total.
func SortConversations(conversations []Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversationLess(conversations[i], conversations[j])
	})
}

func conversationLess(a, b Conversation) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages orders messages by CreatedAt ascending, keeping insertion order on ties.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

// DedupeConversations keeps the last occurrence of every ID, at the position of its first occurrence.
func DedupeConversations(conversations []Conversation) []Conversation {
	index := make(map[string]int, len(conversations))
	ret := make([]Conversation, 0, len(conversations))
	for _, c := range conversations {
		if i, ok := index[c.ID]; ok {
			ret[i] = c
			continue
		}
		index[c.ID] = len(ret)
		ret = append(ret, c)
	}
	return ret
}

// DedupeMessages keeps the last occurrence of every ID, at the position of its first occurrence.
func DedupeMessages(messages []Message) []Message {
	index := make(map[string]int, len(messages))
	ret := make([]Message, 0, len(messages))
	for _, m := range messages {
		if i, ok := index[m.ID]; ok {
			ret[i] = m
			continue
		}
		index[m.ID] = len(ret)
		ret = append(ret, m)
	}
	return ret
}

// NormalizeConversations returns a deduplicated copy sorted by SortConversations.
func NormalizeConversations(conversations []Conversation) []Conversation {
	ret := DedupeConversations(conversations)
	SortConversations(ret)
	return ret
}

// NormalizeMessages returns a deduplicated copy sorted by SortMessages.
func NormalizeMessages(messages []Message) []Message {
	ret := DedupeMessages(messages)
	SortMessages(ret)
	return ret
}

func IndexOfConversation(conversations []Conversation, id string) int {
	for i, c := range conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func IndexOfMessage(messages []Message, id string) int {
	for i, m := range messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}
