package conversation

import "strings"

const (
	// MaxTitleLength is counted in runes.
	MaxTitleLength = 48
	TitleEllipsis  = "…"
)

// DeriveTitle turns the first user message into a conversation title.
// Internal whitespace is collapsed, long text is cut to MaxTitleLength runes
// followed by TitleEllipsis, and blank text yields DefaultTitle.
func DeriveTitle(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return DefaultTitle
	}
	runes := []rune(collapsed)
	if len(runes) <= MaxTitleLength {
		return collapsed
	}
	return string(runes[:MaxTitleLength]) + TitleEllipsis
}
