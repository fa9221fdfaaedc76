package session

import "time"

// AccessClaims is the minimal identity envelope carried by an access token.
type AccessClaims struct {
	// UserID may be zero for tokens that only carry a username.
	UserID    int64
	Username  string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// AccessTokenManager issues and verifies access tokens.
type AccessTokenManager interface {
	Issue(userID int64, username string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
}

// NewAccessTokenManager returns the manager selected by cfg.Format.
func NewAccessTokenManager(cfg Config) (AccessTokenManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Format {
	case FormatPaseto:
		return NewPasetoV4PublicManager(cfg)
	default:
		return NewJWTManager(cfg)
	}
}
