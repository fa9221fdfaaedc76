package password

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Policy violations arrive wrapped in *PolicyError.
var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrWeakPassword     = errors.New("weak password")
	ErrInvalidHash      = errors.New("invalid password hash")
)

// PolicyError is a policy violation together with the bound it broke.
// Limit is zero for ErrWeakPassword.
type PolicyError struct {
	Err   error
	Limit int
}

func (e *PolicyError) Error() string {
	switch {
	case errors.Is(e.Err, ErrPasswordTooShort):
		return fmt.Sprintf("password must be at least %d characters", e.Limit)
	case errors.Is(e.Err, ErrPasswordTooLong):
		return fmt.Sprintf("password must be at most %d characters", e.Limit)
	default:
		return "password is too easy to guess"
	}
}

func (e *PolicyError) Unwrap() error { return e.Err }
