// Package unicodecheck cleans and vets user supplied text, such as document
// titles and chat messages, before the relay stores or broadcasts it.
package unicodecheck

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrEmpty is returned for text that is blank after cleaning.
	ErrEmpty = errors.New("text is empty")
	// ErrTooLong is returned for text over the rune limit.
	ErrTooLong = errors.New("text too long")
	// ErrInvalidUTF8 is returned for byte sequences that are not UTF-8.
	ErrInvalidUTF8 = errors.New("text is not valid UTF-8")
	// ErrBidiOverride is returned for text carrying directional overrides.
	ErrBidiOverride = errors.New("text contains bidirectional overrides")
	// ErrControlChars is returned for text carrying control characters.
	ErrControlChars = errors.New("text contains control characters")
	// ErrCombiningMarks is returned for runs of stacked combining marks.
	ErrCombiningMarks = errors.New("text contains excessive combining marks")
	// ErrNoncharacter is returned for private use, surrogate or noncharacter code points.
	ErrNoncharacter = errors.New("text contains reserved code points")
)

// MaxConsecutiveCombining bounds stacked combining marks on one base rune.
const MaxConsecutiveCombining = 4

// Zero-width characters are stripped; they are invisible and only useful for spoofing.
var zeroWidthChars = []rune{
	'\u200B', // Zero Width Space
	'\u200C', // Zero Width Non-Joiner
	'\u200D', // Zero Width Joiner
	'\u200E', // Left-to-Right Mark
	'\u200F', // Right-to-Left Mark
	'\u2060', // Word Joiner
	'\uFEFF', // Byte Order Mark
	'\u3164', // Hangul Filler
	'\uFFA0', // Halfwidth Hangul Filler
}

// Bidirectional text override characters that can reorder displayed text.
var bidiOverrideChars = []rune{
	'\u202A', '\u202B', '\u202C', '\u202D', '\u202E',
	'\u2066', '\u2067', '\u2068', '\u2069',
}

// Policy describes what a field accepts.
type Policy struct {
	// MaxRunes limits the cleaned length; 0 means unlimited.
	MaxRunes int
	// AllowNewlines keeps \n and \t; \r\n is folded to \n.
	AllowNewlines bool
}

// TitlePolicy returns the policy for document titles.
func TitlePolicy(maxRunes int) Policy {
	return Policy{MaxRunes: maxRunes}
}

// ChatPolicy returns the policy for chat messages.
func ChatPolicy(maxRunes int) Policy {
	return Policy{MaxRunes: maxRunes, AllowNewlines: true}
}

// Clean normalises s to NFC, strips zero-width characters, trims surrounding
// whitespace and rejects anything p does not allow.
func Clean(s string, p Policy) (string, error) {
	if !utf8.ValidString(s) {
		return "", ErrInvalidUTF8
	}
	s = norm.NFC.String(s)
	if p.AllowNewlines {
		s = strings.ReplaceAll(s, "\r\n", "\n")
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case isZeroWidth(r):
			continue
		case isBidiOverride(r):
			return "", ErrBidiOverride
		case isReserved(r):
			return "", ErrNoncharacter
		case r == '\n' || r == '\t':
			if !p.AllowNewlines {
				return "", fmt.Errorf("%w: %U", ErrControlChars, r)
			}
		case unicode.IsControl(r):
			return "", fmt.Errorf("%w: %U", ErrControlChars, r)
		}
		b.WriteRune(r)
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", ErrEmpty
	}
	if HasExcessiveCombiningMarks(out, MaxConsecutiveCombining) {
		return "", ErrCombiningMarks
	}
	if n := utf8.RuneCountInString(out); p.MaxRunes > 0 && n > p.MaxRunes {
		return "", fmt.Errorf("%w: %d runes, limit %d", ErrTooLong, n, p.MaxRunes)
	}
	return out, nil
}

// HasExcessiveCombiningMarks reports whether s stacks more than max
// nonspacing marks on one base rune ("Zalgo" text).
func HasExcessiveCombiningMarks(s string, max int) bool {
	run := 0
	for _, r := range s {
		if unicode.Is(unicode.Mn, r) {
			run++
			if run > max {
				return true
			}
			continue
		}
		run = 0
	}
	return false
}

// IsNFCNormalized checks whether the string is in NFC (Canonical Composition) form.
func IsNFCNormalized(s string) bool {
	return norm.NFC.IsNormalString(s)
}

// SanitizeForLogging makes untrusted text safe to embed in a log line.
// Replaces control characters with [CTRL] and zero-width characters with [ZW].
func SanitizeForLogging(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
			result.WriteString("[CTRL]")
		case isZeroWidth(r):
			result.WriteString("[ZW]")
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}

func isZeroWidth(r rune) bool {
	return slices.Contains(zeroWidthChars, r)
}

func isBidiOverride(r rune) bool {
	return slices.Contains(bidiOverrideChars, r)
}

// isReserved matches Private Use, surrogates and noncharacters.
func isReserved(r rune) bool {
	return unicode.Is(unicode.Co, r) ||
		unicode.Is(unicode.Cs, r) ||
		(r >= 0xFDD0 && r <= 0xFDEF) ||
		r&0xFFFF == 0xFFFE || r&0xFFFF == 0xFFFF
}
