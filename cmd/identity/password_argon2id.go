package identity

import (
	"errors"
	"sync"

	"texter/cmd/security/password"
)

// Hasher hashes and verifies account passwords.
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(encoded, plain string) (bool, error)
}

// Argon2idHasher adapts security/password to Hasher.
type Argon2idHasher struct {
	cfg password.Config

	dummyOnce sync.Once
	dummy     string
}

// NewHasher validates cfg and returns an Argon2id hasher.
func NewHasher(cfg password.Config) (*Argon2idHasher, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &Argon2idHasher{cfg: cfg}, nil
}

// DefaultHasher uses password.DefaultConfig.
func DefaultHasher() *Argon2idHasher {
	return &Argon2idHasher{cfg: password.DefaultConfig()}
}

// Hash applies the password policy, then hashes.
// Policy failures are reported as ErrInvalidInput.
func (h *Argon2idHasher) Hash(plain string) (string, error) {
	enc, err := h.cfg.Hash(plain)
	if err != nil {
		switch {
		case errors.Is(err, password.ErrPasswordTooShort),
			errors.Is(err, password.ErrPasswordTooLong),
			errors.Is(err, password.ErrWeakPassword):
			return "", invalid("identity.HashPassword", err.Error())
		default:
			return "", err
		}
	}
	return enc, nil
}

// Verify compares plain against encoded in constant time.
func (h *Argon2idHasher) Verify(encoded, plain string) (bool, error) {
	return h.cfg.Verify(encoded, plain)
}

// burn spends one verification's worth of work so unknown usernames take as
// long to reject as wrong passwords.
func (h *Argon2idHasher) burn(plain string) {
	h.dummyOnce.Do(func() {
		cfg := h.cfg
		cfg.Policy.MinLength = 1
		h.dummy, _ = cfg.Hash("texter-dummy-password")
	})
	if h.dummy != "" {
		_, _ = h.cfg.Verify(h.dummy, plain)
	}
}

// checkPassword is shared by the stores' Authenticate.
func checkPassword(h Hasher, op string, u User, encoded string, found bool, plain string) (User, error) {
	if !found {
		if b, ok := h.(interface{ burn(string) }); ok {
			b.burn(plain)
		}
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}
	ok, err := h.Verify(encoded, plain)
	if err != nil && !errors.Is(err, password.ErrInvalidHash) {
		return User{}, err
	}
	if !ok {
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}
	return u, nil
}
