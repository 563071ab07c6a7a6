// Package auth implements bearer-token authentication for the gateway.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/bastion/internal"
)

// Config holds the bearer-token validation parameters.
type Config struct {
	Secret    string
	Algorithm string // default HS256
	Audience  string // empty disables audience checking
	Issuer    string // empty disables issuer checking
}

// JWTAuthenticator validates HS256 (by default) bearer tokens and attaches
// the decoded claim set to the request context. It implements
// gateway.Authenticator.
type JWTAuthenticator struct {
	cfg          Config
	keyfunc      jwt.Keyfunc
	validMethods []string
}

// New creates a JWTAuthenticator from cfg, defaulting Algorithm to HS256.
func New(cfg Config) *JWTAuthenticator {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "HS256"
	}
	secret := []byte(cfg.Secret)
	return &JWTAuthenticator{
		cfg:          cfg,
		validMethods: []string{cfg.Algorithm},
		keyfunc: func(t *jwt.Token) (any, error) {
			return secret, nil
		},
	}
}

// Authenticate implements gateway.Authenticator. Bypass paths (e.g. /health)
// are handled by the caller (the server's middleware composition), not here.
func (a *JWTAuthenticator) Authenticate(_ context.Context, r *http.Request) (*gateway.Claims, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return nil, gateway.ErrMissingBearer
	}
	raw := header[len(prefix):]

	opts := []jwt.ParserOption{jwt.WithValidMethods(a.validMethods)}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, a.keyfunc, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, gateway.ErrTokenExpired
		case isValidationFailure(err):
			return nil, gateway.ErrTokenInvalid
		default:
			return nil, fmt.Errorf("%w: %s", gateway.ErrAuthInternal, err)
		}
	}
	if !token.Valid {
		return nil, gateway.ErrTokenInvalid
	}

	sub, _ := claims.GetSubject()
	iss, _ := claims.GetIssuer()
	var exp int64
	if t, err := claims.GetExpirationTime(); err == nil && t != nil {
		exp = t.Unix()
	}
	return &gateway.Claims{
		Subject:   sub,
		Issuer:    iss,
		Audience:  a.cfg.Audience,
		ExpiresAt: exp,
	}, nil
}

// isValidationFailure reports whether err represents any bad-signature,
// wrong-issuer/audience, or malformed-structure failure -- everything the
// spec maps to "Token invalid" other than expiry.
func isValidationFailure(err error) bool {
	return errors.Is(err, jwt.ErrTokenMalformed) ||
		errors.Is(err, jwt.ErrTokenSignatureInvalid) ||
		errors.Is(err, jwt.ErrTokenUnverifiable) ||
		errors.Is(err, jwt.ErrTokenNotValidYet) ||
		errors.Is(err, jwt.ErrTokenInvalidAudience) ||
		errors.Is(err, jwt.ErrTokenInvalidIssuer) ||
		errors.Is(err, jwt.ErrTokenInvalidClaims) ||
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued)
}
