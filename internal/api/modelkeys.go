package api

import (
	"errors"
	"net/http"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/log"
)

type modelKeyHandler struct {
	guard  *authz.Guard
	logger log.Logger
}

type createModelKeyRequest struct {
	Alias    string `json:"alias"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Purpose  string `json:"purpose"`
	APIKey   string `json:"api_key"`
	Endpoint string `json:"endpoint"`
	IsPublic bool   `json:"is_public"`
}

// create handles POST /api/model-keys. The secret is accepted here and never
// serialized back.
func (h *modelKeyHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createModelKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, err)
		return
	}
	if req.Provider == "" || req.Model == "" || req.APIKey == "" {
		writeError(h.logger, w, errors.Join(errBadRequest,
			errors.New("provider, model, and api_key required")))
		return
	}

	key := &authz.ModelKey{
		Alias:    req.Alias,
		Provider: req.Provider,
		Model:    req.Model,
		Purpose:  req.Purpose,
		APIKey:   req.APIKey,
		Endpoint: req.Endpoint,
		IsPublic: req.IsPublic,
	}
	if err := h.guard.CreateModelKey(r.Context(), principalFrom(r.Context()), key); err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusCreated, key)
}

// list handles GET /api/model-keys.
func (h *modelKeyHandler) list(w http.ResponseWriter, r *http.Request) {
	keys, err := h.guard.ListModelKeys(r.Context(), principalFrom(r.Context()))
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if keys == nil {
		keys = []authz.ModelKey{}
	}
	writeJSON(h.logger, w, http.StatusOK, keys)
}

// delete handles DELETE /api/model-keys/{id}.
func (h *modelKeyHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if err := h.guard.DeleteModelKey(r.Context(), principalFrom(r.Context()), id); err != nil {
		writeError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
