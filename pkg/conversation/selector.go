package conversation

// SelectActive picks the active conversation id for the given list.
// It keeps previousID while it is still listed, falls back to the first
// entry, and returns "" for an empty list.
func SelectActive(conversations []Conversation, previousID string) string {
	if previousID != "" && IndexOfConversation(conversations, previousID) >= 0 {
		return previousID
	}
	if len(conversations) == 0 {
		return ""
	}
	return conversations[0].ID
}
