package identity

import (
	"context"
	"strings"
	"time"
)

// Roles a user can have.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// User is a registered chat account.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	Email     string
	Role      string
	CreatedAt time.Time
}

// CreateUserInput describes a registration request.
// Role defaults to RoleUser.
type CreateUserInput struct {
	Username  string
	FirstName string
	LastName  string
	Email     string
	Password  string
	Role      string
	Now       time.Time
}

// Store is the user directory boundary.
//
// UserIDByUsername lets a Store serve as the websocket gate's directory.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	UserIDByUsername(ctx context.Context, username string) (int64, error)
	// GetUsersByID returns the users that exist among ids, ordered by username.
	GetUsersByID(ctx context.Context, ids []int64) ([]User, error)
	// ListUsers returns every user except excludeUsername, ordered by username.
	ListUsers(ctx context.Context, excludeUsername string) ([]User, error)
	// Authenticate returns ErrInvalidCredentials for an unknown user or a wrong password.
	Authenticate(ctx context.Context, username, password string) (User, error)
}

// normalized is a validated CreateUserInput.
type normalized struct {
	CreateUserInput
	usernameNorm string
	emailNorm    string
}

func (in CreateUserInput) normalize(op string) (normalized, error) {
	out := normalized{CreateUserInput: in}
	out.Username = strings.TrimSpace(in.Username)
	out.Email = strings.TrimSpace(in.Email)
	out.FirstName = strings.TrimSpace(in.FirstName)
	out.LastName = strings.TrimSpace(in.LastName)
	out.usernameNorm = NormalizeUsername(in.Username)
	out.emailNorm = NormalizeEmail(in.Email)

	switch {
	case out.Username == "":
		return normalized{}, invalid(op, "username is required")
	case !ValidUsername(out.Username):
		return normalized{}, invalid(op, "username may only contain letters, digits, '_', '.' and '-'")
	case out.Email == "":
		return normalized{}, invalid(op, "email is required")
	case in.Password == "":
		return normalized{}, invalid(op, "password is required")
	}

	switch out.Role {
	case "":
		out.Role = RoleUser
	case RoleUser, RoleBot:
	default:
		return normalized{}, invalid(op, "unknown role")
	}

	if out.Now.IsZero() {
		out.Now = time.Now().UTC()
	}
	out.Now = out.Now.UTC()
	return out, nil
}
