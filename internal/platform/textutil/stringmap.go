package textutil

import "strings"

// CompactStringMap trims keys and values and drops entries where either side is blank. Gateway notes
// reject empty values, so callers pass user supplied maps through here first.
func CompactStringMap(values map[string]string) map[string]string {
	var result map[string]string
	for key, value := range values {
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if result == nil {
			result = make(map[string]string, len(values))
		}
		result[key] = value
	}
	return result
}
