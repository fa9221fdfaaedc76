package identity

import (
	"regexp"
	"strings"
)

// Usernames appear in URL paths (/user_lists/chat_user/{username}), so they are
// restricted to a path-safe alphabet.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidUsername reports whether s, as typed, is an acceptable username.
func ValidUsername(s string) bool {
	return usernamePattern.MatchString(s)
}

// NormalizeUsername is the case-insensitive key used for uniqueness and lookups.
// The username as typed is kept for display.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeEmail lowercases the whole address. Local parts are treated as
// case-insensitive, matching how accounts were deduplicated before.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
