package observability

import (
	"strings"
	"unicode"
)

const (
	defaultFieldLimit = 256
	routeFieldLimit   = 180
	methodFieldLimit  = 10
	userFieldLimit    = 64
)

// sanitizeField strips control characters and caps the length so attacker
// supplied values cannot break log lines apart.
func sanitizeField(value string, limit int) string {
	if limit <= 0 {
		limit = defaultFieldLimit
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, value)
	runes := []rune(cleaned)
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}

// SanitizeRoute bounds a route pattern for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeField(route, routeFieldLimit)
}

// SanitizeMethod bounds an HTTP method for logging.
func SanitizeMethod(method string) string {
	return sanitizeField(method, methodFieldLimit)
}

// SanitizeUserID bounds a user identifier before it reaches the logs.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return sanitizeField(uid, userFieldLimit)
}
