package gateway

import "errors"

// Sentinel errors for the gateway domain. errorStatus in internal/server
// maps each to its HTTP status.
var (
	ErrMissingBearer = errors.New("missing or invalid authorization header")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenInvalid  = errors.New("token invalid")
	ErrAuthInternal  = errors.New("auth error")
	ErrRateLimited   = errors.New("too many requests")
	ErrBadGateway    = errors.New("bad gateway")
	ErrNotFound      = errors.New("not found")
)
