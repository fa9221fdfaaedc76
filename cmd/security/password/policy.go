package password

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"
)

// commonPasswords are rejected outright when RejectVeryWeak is set.
var commonPasswords = []string{
	"password", "password123", "123456", "123456789", "qwerty", "qwerty123",
	"11111111", "letmein", "iloveyou", "texter123", "welcome1", "changeme",
}

// Validate checks password policy. Lengths are counted in runes.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)

	switch {
	case n < c.Policy.MinLength:
		return &PolicyError{Err: ErrPasswordTooShort, Limit: c.Policy.MinLength}
	case n > c.Policy.MaxLength:
		return &PolicyError{Err: ErrPasswordTooLong, Limit: c.Policy.MaxLength}
	case c.Policy.RejectVeryWeak && looksVeryWeak(password):
		return &PolicyError{Err: ErrWeakPassword}
	}
	return nil
}

// looksVeryWeak catches a single repeated character, short digit-only PINs and
// a handful of well-known passwords. It is not a strength estimator.
func looksVeryWeak(pw string) bool {
	runes := []rune(strings.TrimSpace(pw))
	if len(runes) == 0 {
		return true
	}
	if len(lo.Uniq(runes)) == 1 {
		return true
	}
	if len(runes) < 12 && lo.EveryBy(runes, unicode.IsDigit) {
		return true
	}
	return lo.Contains(commonPasswords, strings.ToLower(string(runes)))
}
