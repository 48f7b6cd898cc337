package textutil

import "strings"

// NormalizeStringMap trims whitespace from keys and values and drops entries
// whose key trims to empty. A map with nothing left collapses to nil so
// callers can store the field as absent.
func NormalizeStringMap(values map[string]string) map[string]string {
	var cleaned map[string]string
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if cleaned == nil {
			cleaned = make(map[string]string, len(values))
		}
		cleaned[key] = strings.TrimSpace(value)
	}
	return cleaned
}
