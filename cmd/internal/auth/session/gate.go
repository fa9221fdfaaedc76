package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"texter/cmd/identity"
)

// Identity is the user admitted by the gate.
type Identity struct {
	UserID   int64
	Username string
}

// UserDirectory resolves a username to its current user id.
// A missing user is reported with an error matching identity.ErrNotFound.
type UserDirectory interface {
	UserIDByUsername(ctx context.Context, username string) (int64, error)
}

// Gate maps opaque access tokens to identities.
type Gate struct {
	tokens AccessTokenManager
	users  UserDirectory
	now    func() time.Time
}

// NewGate wires a token manager to the user directory.
func NewGate(tokens AccessTokenManager, users UserDirectory) (*Gate, error) {
	if tokens == nil || users == nil {
		return nil, errors.New("session: gate requires tokens and users")
	}
	return &Gate{tokens: tokens, users: users, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Resolve verifies token and confirms that its user still exists.
// Token failures and directory misses are ErrInvalidToken; a directory that
// cannot answer yields an error wrapping ErrDirectoryUnavailable.
func (g *Gate) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	claims, err := g.tokens.Verify(token, g.now())
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	id, err := g.users.UserIDByUsername(ctx, claims.Username)
	switch {
	case identity.IsNotFound(err), identity.IsInvalidInput(err):
		return Identity{}, ErrInvalidToken
	case err != nil:
		return Identity{}, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	case id <= 0:
		return Identity{}, ErrInvalidToken
	}
	// A recreated account with the same username must not inherit old tokens.
	if claims.UserID != 0 && claims.UserID != id {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: id, Username: claims.Username}, nil
}

// Issue mints an access token for a freshly authenticated user.
func (g *Gate) Issue(userID int64, username string) (string, time.Time, error) {
	return g.tokens.Issue(userID, username, g.now())
}
