package api

import (
	"errors"
	"net/http"

	"github.com/loomhq/loom/internal/knowledge"
	"github.com/loomhq/loom/internal/log"
)

type specHandler struct {
	store  *knowledge.Store
	logger log.Logger
}

type createSpecRequest struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int32  `json:"dimension"`
	Metric    string `json:"metric"`
}

// create handles POST /api/embedding-specs. Specs are system-wide, so only
// admins may register them.
func (h *specHandler) create(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if !p.IsAdmin() {
		writeJSON(h.logger, w, http.StatusForbidden, errorBody{Error: "admin only"})
		return
	}

	var req createSpecRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, err)
		return
	}
	if req.Provider == "" || req.Model == "" {
		writeError(h.logger, w, errors.Join(errBadRequest,
			errors.New("provider and model required")))
		return
	}
	if req.Metric == "" {
		req.Metric = knowledge.MetricCosine
	}

	spec := &knowledge.EmbeddingSpec{
		Provider:  req.Provider,
		Model:     req.Model,
		Dimension: req.Dimension,
		Metric:    req.Metric,
	}
	if err := h.store.CreateSpec(r.Context(), spec); err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusCreated, spec)
}

// list handles GET /api/embedding-specs.
func (h *specHandler) list(w http.ResponseWriter, r *http.Request) {
	specs, err := h.store.ListSpecs(r.Context())
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if specs == nil {
		specs = []knowledge.EmbeddingSpec{}
	}
	writeJSON(h.logger, w, http.StatusOK, specs)
}
