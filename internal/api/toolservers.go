package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/mcp"
)

type toolServerHandler struct {
	guard        *authz.Guard
	bridge       *mcp.Bridge
	probeTimeout time.Duration
	logger       log.Logger
}

type createToolServerRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Transport   string            `json:"transport"`
	Endpoint    string            `json:"endpoint"`
	Headers     map[string]string `json:"headers"`
	IsPublic    bool              `json:"is_public"`
}

// create handles POST /api/tool-servers. Transport and endpoint are validated
// up front; reachability is not, a dead server can be registered and probed
// later.
func (h *toolServerHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createToolServerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, err)
		return
	}
	if req.Name == "" {
		writeError(h.logger, w, errors.Join(errBadRequest, errors.New("name required")))
		return
	}

	cfg := mcp.ServerConfig{
		Name:      req.Name,
		Transport: req.Transport,
		Endpoint:  req.Endpoint,
		Headers:   req.Headers,
	}
	if err := cfg.Validate(); err != nil {
		writeError(h.logger, w, err)
		return
	}

	srv := &authz.ToolServer{
		Name:        req.Name,
		Description: req.Description,
		Transport:   req.Transport,
		Endpoint:    req.Endpoint,
		Headers:     req.Headers,
		IsPublic:    req.IsPublic,
	}
	if err := h.guard.CreateToolServer(r.Context(), principalFrom(r.Context()), srv); err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusCreated, srv)
}

// list handles GET /api/tool-servers.
func (h *toolServerHandler) list(w http.ResponseWriter, r *http.Request) {
	servers, err := h.guard.ListToolServers(r.Context(), principalFrom(r.Context()))
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if servers == nil {
		servers = []authz.ToolServer{}
	}
	writeJSON(h.logger, w, http.StatusOK, servers)
}

// get handles GET /api/tool-servers/{id}.
func (h *toolServerHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	srv, err := h.guard.GetToolServer(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, srv)
}

// update handles PATCH /api/tool-servers/{id}: a partial update of the
// registration. A changed endpoint is re-validated against the stored
// transport before anything is written.
func (h *toolServerHandler) update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	var req authz.ToolServerUpdate
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, err)
		return
	}
	p := principalFrom(r.Context())

	if req.Endpoint != nil {
		srv, err := h.guard.GetToolServer(r.Context(), p, id)
		if err != nil {
			writeError(h.logger, w, err)
			return
		}
		cfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Endpoint:  *req.Endpoint,
			Headers:   srv.Headers,
		}
		if err := cfg.Validate(); err != nil {
			writeError(h.logger, w, err)
			return
		}
	}

	srv, err := h.guard.UpdateToolServer(r.Context(), p, id, req)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, srv)
}

// delete handles DELETE /api/tool-servers/{id}.
func (h *toolServerHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if err := h.guard.DeleteToolServer(r.Context(), principalFrom(r.Context()), id); err != nil {
		writeError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// probe handles POST /api/tool-servers/{id}/probe: a reachability check that
// always answers 200 with the probe outcome.
func (h *toolServerHandler) probe(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	srv, err := h.guard.GetToolServer(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}

	result := h.bridge.Probe(r.Context(), mcp.ServerConfig{
		Name:      srv.Name,
		Transport: srv.Transport,
		Endpoint:  srv.Endpoint,
		Headers:   srv.Headers,
	}, h.probeTimeout)
	writeJSON(h.logger, w, http.StatusOK, result)
}
