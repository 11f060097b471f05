package textutil

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const defaultMaxNoteRunes = 1000

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

func notePolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// SanitizeNote strips all markup from operator supplied free text, collapses whitespace and truncates
// the result to maxRunes (a non-positive value selects the default limit).
func SanitizeNote(input string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = defaultMaxNoteRunes
	}
	cleaned := notePolicy().Sanitize(input)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) <= maxRunes {
		return cleaned
	}
	runes := []rune(cleaned)
	return strings.TrimSpace(string(runes[:maxRunes]))
}
