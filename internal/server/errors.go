package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/bastion/internal"
)

// detailResponse is the JSON shape every error response uses: {"detail": "..."}.
type detailResponse struct {
	Detail string `json:"detail"`
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc that
// Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, detailResponse{Detail: detail})
}

// errorStatus maps the gateway sentinel errors to HTTP status codes. The
// authenticate middleware uses it; the rate-limit middleware, the admin
// handlers and the proxy package write their 429, 500 and 502 statuses
// directly.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrMissingBearer), errors.Is(err, gateway.ErrTokenExpired), errors.Is(err, gateway.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBadGateway):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrAuthInternal):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// authErrorDetail maps an authentication error to its client-facing detail
// text (distinct from the generic errorStatus mapping, since the internal
// failure case interpolates the underlying message).
func authErrorDetail(err error) string {
	switch {
	case errors.Is(err, gateway.ErrMissingBearer):
		return "Missing or invalid Authorization header"
	case errors.Is(err, gateway.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, gateway.ErrTokenInvalid):
		return "Token invalid"
	default:
		return "Auth error: " + err.Error()
	}
}
