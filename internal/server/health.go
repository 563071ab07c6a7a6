package server

import "net/http"

// healthBody is the fixed response body for the bypass health endpoint:
// never authenticated, never rate-limited, never cached.
var healthBody = []byte(`{"status":"healthy"}`)

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(healthBody)
}
