package session

import "errors"

var (
	// ErrInvalidToken covers every verification failure, including a user that no longer exists.
	// Callers must not distinguish between causes.
	ErrInvalidToken = errors.New("session: invalid token")

	// ErrDirectoryUnavailable means the token could not be checked against the user directory.
	ErrDirectoryUnavailable = errors.New("session: user directory unavailable")

	// ErrConfig is returned for an unusable Config.
	ErrConfig = errors.New("session: invalid config")

	// ErrIncompleteIdentity is returned by Issue when the user id or username is missing.
	ErrIncompleteIdentity = errors.New("session: incomplete identity")
)
