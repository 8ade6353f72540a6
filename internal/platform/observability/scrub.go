package observability

import (
	"strings"
	"unicode"
)

// Field-specific length caps keep log lines bounded even with hostile input.
const (
	methodLimit = 10
	routeLimit  = 180
	actorLimit  = 64
)

// scrub strips control characters (newlines and tabs included) and truncates
// the value so attacker-controlled strings cannot forge log records.
func scrub(value string, limit int) string {
	if limit <= 0 || value == "" {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
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

func scrubMethod(method string) string {
	return scrub(method, methodLimit)
}

func scrubRoute(route string) string {
	if route == "" {
		return "/"
	}
	return scrub(route, routeLimit)
}

func scrubActorID(id string) string {
	return scrub(id, actorLimit)
}
