package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/okian/photdb/internal/domain/model"
)

// ReconcileDependencies defines what the reconcile handler needs.
type ReconcileDependencies interface {
	Reconcile(ctx context.Context, toleranceArcsec float64, batchSize, workers int) (catalog.Report, error)
}

// ReconcileHandler triggers reconciliation runs.
type ReconcileHandler struct {
	deps ReconcileDependencies
}

// NewReconcileHandler creates a new reconcile handler.
func NewReconcileHandler(deps ReconcileDependencies) *ReconcileHandler {
	return &ReconcileHandler{deps: deps}
}

// reconcileRequest overrides the configured run settings. Every field is optional.
type reconcileRequest struct {
	Tolerance float64 `json:"tolerance_arcsec"`
	BatchSize int     `json:"batch_size"`
	Workers   int     `json:"workers"`
}

func (req reconcileRequest) validate() error {
	switch {
	case req.Tolerance < 0:
		return errors.New("tolerance_arcsec must not be negative")
	case req.BatchSize < 0:
		return errors.New("batch_size must not be negative")
	case req.Workers < 0:
		return errors.New("workers must not be negative")
	}
	return nil
}

// HandleReconcile handles POST /reconcile and blocks until the run ends.
func (h *ReconcileHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	const op = "api.reconcile"
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, err))
		return
	}
	rep, err := h.deps.Reconcile(r.Context(), req.Tolerance, req.BatchSize, req.Workers)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
