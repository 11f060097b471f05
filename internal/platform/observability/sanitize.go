package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	routeLimit  = 180
	methodLimit = 10
	idLimit     = 64
)

// clean drops control characters and caps the result at limit runes so client supplied values
// cannot forge log lines.
func clean(value string, limit int) string {
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clean(route, routeLimit)
}

func SanitizeMethod(method string) string {
	return strings.ToUpper(clean(method, methodLimit))
}

// SanitizeUserID bounds shopper and operator identifiers written to logs and events.
func SanitizeUserID(uid string) string {
	return clean(strings.TrimSpace(uid), idLimit)
}
