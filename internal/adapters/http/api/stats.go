package api

import (
	"context"
	"net/http"

	"github.com/okian/photdb/internal/domain/types"
)

// StatsProvider reports catalog counts and pipeline state.
type StatsProvider interface {
	GetStats(ctx context.Context) (types.Stats, error)
}

// StatsHandler serves GET /stats.
type StatsHandler struct {
	provider StatsProvider
}

// NewStatsHandler returns a StatsHandler backed by p.
func NewStatsHandler(p StatsProvider) *StatsHandler {
	return &StatsHandler{provider: p}
}

// HandleStats writes a fresh snapshot; responses are never cached since the
// queue and worker figures change between requests.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.provider.GetStats(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, st)
}
