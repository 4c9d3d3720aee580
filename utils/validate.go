package utils

import (
	"net"
	"regexp"
	"strings"
)

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsCanonicalUUID accepts only the dashed 36-char form. Everything else is
// treated as hostile input; ids become store keys, so colons, wildcards,
// brackets, and whitespace must never pass.
func IsCanonicalUUID(s string) bool {
	return uuidRe.MatchString(s)
}

// SanitizeIP parses ip and rewrites the characters that would collide with
// the store key syntax. Returns "" for unparseable input.
func SanitizeIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	return strings.ReplaceAll(parsed.String(), ":", "_")
}
