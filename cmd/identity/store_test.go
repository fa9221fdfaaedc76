package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"texter/cmd/security/password"
)

func testHasher(t *testing.T) *Argon2idHasher {
	t.Helper()

	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	h, err := NewHasher(cfg)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return h
}

// storeFactories lets the memory and Postgres stores share one behavioural suite.
type storeFactory func(t *testing.T) Store

func memoryFactory(t *testing.T) Store { return NewMemoryStore(testHasher(t)) }

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("create and lookup", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := context.Background()

		now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		u, err := s.CreateUser(ctx, CreateUserInput{
			Username: " Alice ", FirstName: "Alice", LastName: "Liddell",
			Email: "Alice@Example.com", Password: "wonderland", Now: now,
		})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if u.ID <= 0 || u.Username != "Alice" || u.Role != RoleUser || !u.CreatedAt.Equal(now) {
			t.Fatalf("unexpected user: %+v", u)
		}

		got, err := s.GetUserByUsername(ctx, "alice")
		if err != nil || got.ID != u.ID || got.Email != "Alice@Example.com" {
			t.Fatalf("GetUserByUsername: %+v, %v", got, err)
		}
		id, err := s.UserIDByUsername(ctx, "ALICE")
		if err != nil || id != u.ID {
			t.Fatalf("UserIDByUsername: %d, %v", id, err)
		}
		if _, err := s.GetUserByUsername(ctx, "nobody"); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("conflicts", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.CreateUser(ctx, CreateUserInput{Username: "navid", Email: "n@example.com", Password: "password-1"}); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}

		tests := []struct {
			name  string
			in    CreateUserInput
			field string
		}{
			{"username case-insensitive", CreateUserInput{Username: "NAVID", Email: "other@example.com", Password: "password-2"}, "username"},
			{"email case-insensitive", CreateUserInput{Username: "other", Email: "N@Example.com", Password: "password-2"}, "email"},
		}
		for _, tc := range tests {
			_, err := s.CreateUser(ctx, tc.in)
			var ce ConflictError
			if !errors.As(err, &ce) || ce.Field != tc.field || !errors.Is(err, ErrConflict) {
				t.Fatalf("%s: expected %s conflict, got %v", tc.name, tc.field, err)
			}
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := context.Background()

		for name, in := range map[string]CreateUserInput{
			"no username":    {Email: "a@example.com", Password: "password-1"},
			"no email":       {Username: "a", Password: "password-1"},
			"no password":    {Username: "a", Email: "a@example.com"},
			"short password": {Username: "a", Email: "a@example.com", Password: "short"},
			"bad role":       {Username: "a", Email: "a@example.com", Password: "password-1", Role: "admin"},
			"path unsafe":    {Username: "a/b", Email: "a@example.com", Password: "password-1"},
		} {
			if _, err := s.CreateUser(ctx, in); !IsInvalidInput(err) {
				t.Fatalf("%s: expected invalid input, got %v", name, err)
			}
		}
	})

	t.Run("listing", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := context.Background()

		ids := map[string]int64{}
		for _, name := range []string{"carol", "Alice", "bob", "TexterBot"} {
			role := RoleUser
			if name == "TexterBot" {
				role = RoleBot
			}
			u, err := s.CreateUser(ctx, CreateUserInput{
				Username: name, Email: strings.ToLower(name) + "@example.com", Password: "password-1", Role: role,
			})
			if err != nil {
				t.Fatalf("CreateUser %s: %v", name, err)
			}
			ids[name] = u.ID
		}

		all, err := s.ListUsers(ctx, "BOB")
		if err != nil {
			t.Fatalf("ListUsers: %v", err)
		}
		if got := usernames(all); got != "Alice,carol,TexterBot" {
			t.Fatalf("ListUsers order: %s", got)
		}

		some, err := s.GetUsersByID(ctx, []int64{ids["carol"], 99999, ids["bob"], ids["carol"]})
		if err != nil {
			t.Fatalf("GetUsersByID: %v", err)
		}
		if got := usernames(some); got != "bob,carol" {
			t.Fatalf("GetUsersByID: %s", got)
		}

		none, err := s.GetUsersByID(ctx, nil)
		if err != nil || len(none) != 0 {
			t.Fatalf("GetUsersByID(nil): %v, %v", none, err)
		}
	})

	t.Run("authenticate", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := context.Background()

		u, err := s.CreateUser(ctx, CreateUserInput{Username: "dave", Email: "dave@example.com", Password: "open-the-pod-bay"})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}

		got, err := s.Authenticate(ctx, "Dave", "open-the-pod-bay")
		if err != nil || got.ID != u.ID {
			t.Fatalf("Authenticate: %+v, %v", got, err)
		}
		if _, err := s.Authenticate(ctx, "dave", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("wrong password: got %v", err)
		}
		if _, err := s.Authenticate(ctx, "hal", "open-the-pod-bay"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("unknown user: got %v", err)
		}
	})
}

func usernames(users []User) string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return strings.Join(names, ",")
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, memoryFactory)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(testHasher(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.ListUsers(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		kind error
		msg  string
	}{
		{OpError{Op: "identity.X", Kind: ErrInvalidInput, Msg: "bad"}, ErrInvalidInput, "identity.X: invalid_input: bad"},
		{ConflictError{Op: "identity.X", Field: "email"}, ErrConflict, "identity.X: conflict: email"},
		{NotFoundError{Op: "identity.X"}, ErrNotFound, "identity.X: not_found"},
	}
	for _, tc := range tests {
		if !errors.Is(tc.err, tc.kind) {
			t.Fatalf("%v does not unwrap to %v", tc.err, tc.kind)
		}
		if tc.err.Error() != tc.msg {
			t.Fatalf("Error() = %q, want %q", tc.err.Error(), tc.msg)
		}
	}
}
