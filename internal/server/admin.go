package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleCacheStats serves GET /admin/cache/stats.
func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats(r.Context()))
}

type deletedResponse struct {
	Deleted int64 `json:"deleted"`
}

// handleCacheFlush serves DELETE /admin/cache: flush every entry.
func (s *server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Cache.FlushAll(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "cache flush failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}

// handleCacheInvalidate serves DELETE /admin/cache/{pattern}: remove
// entries whose fingerprint matches the glob pattern.
func (s *server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	pattern := chi.URLParam(r, "pattern")
	n, err := s.deps.Cache.InvalidatePattern(r.Context(), pattern)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "cache invalidate failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}
