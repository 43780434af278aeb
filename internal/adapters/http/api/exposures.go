package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/internal/domain/types"
)

// maxBatchBytes bounds a POST /exposures body.
const maxBatchBytes = 32 << 20

// ExposureDependencies defines what the exposure handlers need.
type ExposureDependencies interface {
	// Submit queues a batch. It returns false on backpressure.
	Submit(ctx context.Context, b catalog.Batch) (types.IngestAck, bool)
	GetExposure(ctx context.Context, id string) (model.Exposure, error)
	ListExposures(ctx context.Context, filter string) ([]string, error)
	SetZeroPoint(ctx context.Context, id string, zp float64) error
	ExposureVisits(ctx context.Context, id string) (catalog.ExposureVisits, error)
}

// ExposureHandler handles exposure requests.
type ExposureHandler struct {
	deps ExposureDependencies
}

// NewExposureHandler creates a new exposure handler.
func NewExposureHandler(deps ExposureDependencies) *ExposureHandler {
	return &ExposureHandler{deps: deps}
}

// HandlePostExposure handles POST /exposures. The body is a batch in JSON or
// YAML; it is validated here and ingested asynchronously.
func (h *ExposureHandler) HandlePostExposure(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_exposure"
	b, err := catalog.DecodeBatch(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, err))
		return
	}
	if _, err := b.Exposure.Exposure(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, err))
		return
	}

	ack, ok := h.deps.Submit(r.Context(), b)
	if !ok {
		writeError(w, http.StatusTooManyRequests, "backpressure", model.NewKind(op, ErrBackpressure))
		return
	}
	if ack.Duplicate {
		writeJSON(w, http.StatusOK, ack)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

type exposureList struct {
	Filter string   `json:"filter"`
	IDs    []string `json:"ids"`
}

// HandleListExposures handles GET /exposures?filter=.
func (h *ExposureHandler) HandleListExposures(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("missing filter"))
		return
	}
	ids, err := h.deps.ListExposures(r.Context(), filter)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, exposureList{Filter: filter, IDs: ids})
}

// HandleGetExposure handles GET /exposures/{id}.
func (h *ExposureHandler) HandleGetExposure(w http.ResponseWriter, r *http.Request) {
	e, err := h.deps.GetExposure(r.Context(), r.PathValue("id"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// HandleExposureVisits handles GET /exposures/{id}/visits.
func (h *ExposureHandler) HandleExposureVisits(w http.ResponseWriter, r *http.Request) {
	ev, err := h.deps.ExposureVisits(r.Context(), r.PathValue("id"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type zeroPointRequest struct {
	ZeroPoint *float64 `json:"photzp"`
}

// HandlePutZeroPoint handles PUT /exposures/{id}/zeropoint.
func (h *ExposureHandler) HandlePutZeroPoint(w http.ResponseWriter, r *http.Request) {
	const op = "api.put_zeropoint"
	var req zeroPointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, err))
		return
	}
	if req.ZeroPoint == nil || math.IsNaN(*req.ZeroPoint) || math.IsInf(*req.ZeroPoint, 0) {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, errors.New("missing photzp")))
		return
	}
	id := r.PathValue("id")
	if err := h.deps.SetZeroPoint(r.Context(), id, *req.ZeroPoint); err != nil {
		writeKindError(w, err)
		return
	}
	e, err := h.deps.GetExposure(r.Context(), id)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
