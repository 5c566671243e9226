package textutil

import (
	"strings"
	"unicode"
)

// SanitizeToken lowercases value and replaces every rune outside
// [a-z0-9_-] with an underscore. Empty results become "unknown".
func SanitizeToken(value string) string {
	mapped := strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.TrimSpace(value))
	if out := strings.Trim(mapped, "_-"); out != "" {
		return out
	}
	return "unknown"
}
