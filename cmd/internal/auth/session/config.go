package session

import (
	"encoding/hex"
	"strings"
	"time"
)

// Token formats.
const (
	FormatJWT    = "jwt"
	FormatPaseto = "paseto"
)

// minJWTSecretBytes is the HS256 key floor (RFC 7518 §3.2: key size >= hash output).
const minJWTSecretBytes = 32

// Config defines the runtime configuration of the Auth Gate.
type Config struct {
	// Format selects the access token implementation: FormatJWT or FormatPaseto.
	Format string

	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// AccessTokenTTL defines the lifetime of access tokens.
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// JWTSecret is the HS256 signing key (FormatJWT).
	JWTSecret string

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key
	// used to sign PASETO v4.public access tokens (FormatPaseto).
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns defaults suitable for development. Secrets are left empty.
func DefaultConfig() Config {
	return Config{
		Format:         FormatJWT,
		Issuer:         "texter",
		AccessTokenTTL: 24 * time.Hour,
		ClockSkew:      30 * time.Second,
	}
}

// Validate reports ErrConfig when the selected format lacks a usable key or a duration is invalid.
func (c Config) Validate() error {
	if c.AccessTokenTTL <= 0 || c.ClockSkew < 0 {
		return ErrConfig
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return ErrConfig
	}

	switch c.Format {
	case FormatJWT:
		if len(c.JWTSecret) < minJWTSecretBytes {
			return ErrConfig
		}
	case FormatPaseto:
		b, err := hex.DecodeString(strings.TrimSpace(c.PasetoV4SecretKeyHex))
		if err != nil || len(b) != 64 {
			return ErrConfig
		}
	default:
		return ErrConfig
	}
	return nil
}
