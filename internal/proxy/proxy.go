package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// requestTimeout bounds every forwarded request.
const requestTimeout = 30 * time.Second

// hopByHop headers are never forwarded in either direction.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Proxy forwards every request verbatim to a single downstream origin.
// Unlike a routing reverse proxy, it never rewrites the path, never load
// balances, and never inspects the body.
type Proxy struct {
	downstreamURL string
	client        *http.Client
}

// New creates a Proxy forwarding to downstreamURL (no trailing slash
// assumed; callers pass the raw DOWNSTREAM_URL config value).
func New(downstreamURL string, transport http.RoundTripper) *Proxy {
	return &Proxy{
		downstreamURL: strings.TrimSuffix(downstreamURL, "/"),
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}
}

// ServeHTTP builds the downstream URL by joining the configured origin with
// the incoming request's path and query, forwards method/headers/body
// unchanged (dropping Host and hop-by-hop headers), and passes the
// downstream response straight back to the caller.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := p.downstreamURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeBadGateway(w)
		return
	}
	for key, vals := range r.Header {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		outReq.Header[key] = vals
	}
	outReq.Host = ""

	resp, err := p.client.Do(outReq)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "downstream request failed",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		writeBadGateway(w)
		return
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// writeBadGateway reports a downstream transport failure.
func writeBadGateway(w http.ResponseWriter) {
	data, _ := json.Marshal(map[string]string{"detail": "Bad Gateway"})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	w.Write(data)
}
