package relay

import (
	"html"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ericfitz/docsync/internal/unicodecheck"
)

// Sanitizer cleans user supplied titles and chat messages. Markup is stripped
// entirely; both fields are rendered as plain text by clients.
type Sanitizer struct {
	policy *bluemonday.Policy
	title  unicodecheck.Policy
	chat   unicodecheck.Policy
}

// NewSanitizer creates a sanitizer with the given rune limits
func NewSanitizer(maxTitle, maxChat int) *Sanitizer {
	return &Sanitizer{
		policy: bluemonday.StrictPolicy(),
		title:  unicodecheck.TitlePolicy(maxTitle),
		chat:   unicodecheck.ChatPolicy(maxChat),
	}
}

// Title returns the cleaned title or the reason it was rejected
func (s *Sanitizer) Title(title string) (string, error) {
	return s.clean(title, s.title)
}

// Chat returns the cleaned chat message or the reason it was rejected
func (s *Sanitizer) Chat(message string) (string, error) {
	return s.clean(message, s.chat)
}

func (s *Sanitizer) clean(text string, p unicodecheck.Policy) (string, error) {
	// Markup goes first so limits apply to the text that is stored and
	// broadcast. StrictPolicy escapes entities; the result is plain text.
	stripped := html.UnescapeString(s.policy.Sanitize(text))
	return unicodecheck.Clean(stripped, p)
}
