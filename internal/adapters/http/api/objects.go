package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/internal/domain/types"
)

// ObjectDependencies defines what the object handlers need.
type ObjectDependencies interface {
	Match(ctx context.Context, ra, dec, toleranceArcsec float64) (types.MatchResult, error)
	Candidates(ctx context.Context, ra, dec, radiusArcsec float64) ([]model.ReferenceObject, error)
	Object(ctx context.Context, id int64, q catalog.VisitQuery) (catalog.Summary, error)
	Objects(ctx context.Context, minID, maxID int64) ([]model.ReferenceObject, error)
}

// ObjectHandler handles reference object requests.
type ObjectHandler struct {
	deps ObjectDependencies
}

// NewObjectHandler creates a new object handler.
func NewObjectHandler(deps ObjectDependencies) *ObjectHandler {
	return &ObjectHandler{deps: deps}
}

func position(r *http.Request) (float64, float64, error) {
	ra, err := floatParam(r, "ra")
	if err != nil {
		return 0, 0, err
	}
	dec, err := floatParam(r, "dec")
	if err != nil {
		return 0, 0, err
	}
	return ra, dec, nil
}

// HandleMatch handles GET /objects/match?ra=&dec=&tol=.
func (h *ObjectHandler) HandleMatch(w http.ResponseWriter, r *http.Request) {
	const op = "api.match"
	ra, dec, err := position(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, err))
		return
	}
	tol, err := optionalFloat(r, "tol")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, err))
		return
	}
	res, err := h.deps.Match(r.Context(), ra, dec, tol)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleCandidates handles GET /objects/candidates?ra=&dec=&radius=.
func (h *ObjectHandler) HandleCandidates(w http.ResponseWriter, r *http.Request) {
	const op = "api.candidates"
	ra, dec, err := position(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, err))
		return
	}
	radius, err := optionalFloat(r, "radius")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, err))
		return
	}
	objs, err := h.deps.Candidates(r.Context(), ra, dec, radius)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if objs == nil {
		objs = []model.ReferenceObject{}
	}
	writeJSON(w, http.StatusOK, objs)
}

// HandleGetObject handles GET /objects/{id}?min_visits=&filter=&exposure=.
// exposure may be repeated to restrict the light curve to several exposures.
func (h *ObjectHandler) HandleGetObject(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_object"
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, errors.New("invalid object id")))
		return
	}
	qs := r.URL.Query()
	q := catalog.VisitQuery{Filter: qs.Get("filter"), ExposureIDs: qs["exposure"]}
	if raw := qs.Get("min_visits"); raw != "" {
		if q.MinVisits, err = strconv.Atoi(raw); err != nil || q.MinVisits < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, errors.New("invalid min_visits")))
			return
		}
	}
	sum, err := h.deps.Object(r.Context(), id, q)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// HandleListObjects handles GET /objects?min_id=&max_id=. Both bounds are
// inclusive.
func (h *ObjectHandler) HandleListObjects(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_objects"
	var bounds [2]int64
	for i, name := range []string{"min_id", "max_id"} {
		raw := r.URL.Query().Get(name)
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", model.WrapKind(op, ErrBadRequest, errors.New("invalid "+name)))
			return
		}
		bounds[i] = v
	}
	objs, err := h.deps.Objects(r.Context(), bounds[0], bounds[1])
	if err != nil {
		writeKindError(w, err)
		return
	}
	if objs == nil {
		objs = []model.ReferenceObject{}
	}
	writeJSON(w, http.StatusOK, objs)
}
