// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/okian/photdb/internal/domain/model"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	ExposureDependencies
	ObjectDependencies
	ReconcileDependencies
	StatsProvider
}

// Server wires HTTP routes for the catalog API.
type Server struct {
	healthHandler    *HealthHandler
	statsHandler     *StatsHandler
	exposureHandler  *ExposureHandler
	objectHandler    *ObjectHandler
	reconcileHandler *ReconcileHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies) *Server {
	return &Server{
		healthHandler:    NewHealthHandler(),
		statsHandler:     NewStatsHandler(deps),
		exposureHandler:  NewExposureHandler(deps),
		objectHandler:    NewObjectHandler(deps),
		reconcileHandler: NewReconcileHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /metrics", s.healthHandler.HandleMetrics)
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /exposures", MetricsMiddleware(s.exposureHandler.HandlePostExposure, "exposures"))
	mux.HandleFunc("GET /exposures", MetricsMiddleware(s.exposureHandler.HandleListExposures, "exposures"))
	mux.HandleFunc("GET /exposures/{id}", MetricsMiddleware(s.exposureHandler.HandleGetExposure, "exposure"))
	mux.HandleFunc("PUT /exposures/{id}/zeropoint", MetricsMiddleware(s.exposureHandler.HandlePutZeroPoint, "zeropoint"))
	mux.HandleFunc("GET /exposures/{id}/visits", MetricsMiddleware(s.exposureHandler.HandleExposureVisits, "exposure_visits"))

	// literal segments win over {id}
	mux.HandleFunc("GET /objects", MetricsMiddleware(s.objectHandler.HandleListObjects, "objects"))
	mux.HandleFunc("GET /objects/match", MetricsMiddleware(s.objectHandler.HandleMatch, "match"))
	mux.HandleFunc("GET /objects/candidates", MetricsMiddleware(s.objectHandler.HandleCandidates, "candidates"))
	mux.HandleFunc("GET /objects/{id}", MetricsMiddleware(s.objectHandler.HandleGetObject, "object"))

	mux.HandleFunc("POST /reconcile", MetricsMiddleware(s.reconcileHandler.HandleReconcile, "reconcile"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeKindError maps a catalog error kind onto an HTTP status.
func writeKindError(w http.ResponseWriter, err error) {
	switch model.KindOf(err) {
	case model.ErrMalformedInput:
		writeError(w, http.StatusBadRequest, "malformed_input", err)
	case model.ErrNotFound:
		writeError(w, http.StatusNotFound, "not_found", err)
	case model.ErrIntegrity:
		writeError(w, http.StatusConflict, "integrity_violation", err)
	case model.ErrTransport:
		writeError(w, http.StatusServiceUnavailable, "transport_failure", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

// floatParam reads a required float query parameter.
func floatParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, errors.New("missing " + name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("invalid " + name + "; must be a number")
	}
	return v, nil
}

// optionalFloat reads an optional float query parameter, zero when absent.
func optionalFloat(r *http.Request, name string) (float64, error) {
	if r.URL.Query().Get(name) == "" {
		return 0, nil
	}
	return floatParam(r, name)
}
