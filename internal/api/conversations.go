package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/transcript"
)

type conversationHandler struct {
	store  *transcript.Store
	guard  *authz.Guard
	logger log.Logger
}

type createConversationRequest struct {
	Title             string          `json:"title"`
	DefaultModelKeyID *int64          `json:"default_model_key_id"`
	DefaultParams     json.RawMessage `json:"default_params"`
	ToolServerIDs     []int64         `json:"tool_server_ids"`
}

// create handles POST /api/conversations. Tool server links are
// authorized as a batch before anything persists.
func (h *conversationHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, err)
		return
	}
	p := principalFrom(r.Context())

	if len(req.ToolServerIDs) > 0 {
		if _, err := h.guard.AuthorizeToolServers(r.Context(), p, req.ToolServerIDs); err != nil {
			writeError(h.logger, w, err)
			return
		}
	}

	conv, err := h.store.CreateConversation(r.Context(), p.UserID, req.Title,
		req.DefaultModelKeyID, req.DefaultParams)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}

	if len(req.ToolServerIDs) > 0 {
		if err := h.store.LinkToolServers(r.Context(), conv.ID, req.ToolServerIDs); err != nil {
			writeError(h.logger, w, err)
			return
		}
	}
	writeJSON(h.logger, w, http.StatusCreated, conv)
}

// list handles GET /api/conversations.
func (h *conversationHandler) list(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	limit, offset := pageParams(r, 50)

	convs, err := h.store.ListConversations(r.Context(), p.UserID, limit, offset)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if convs == nil {
		convs = []transcript.Conversation{}
	}
	writeJSON(h.logger, w, http.StatusOK, convs)
}

// messages handles GET /api/conversations/{id}/messages.
func (h *conversationHandler) messages(w http.ResponseWriter, r *http.Request) {
	conv, err := h.load(r)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}

	limit, _ := pageParams(r, 1000)
	turns, err := h.store.History(r.Context(), conv.ID, limit)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if turns == nil {
		turns = []transcript.Turn{}
	}
	writeJSON(h.logger, w, http.StatusOK, turns)
}

// get handles GET /api/conversations/{id}.
func (h *conversationHandler) get(w http.ResponseWriter, r *http.Request) {
	conv, err := h.load(r)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, conv)
}

// delete handles DELETE /api/conversations/{id}.
func (h *conversationHandler) delete(w http.ResponseWriter, r *http.Request) {
	conv, err := h.load(r)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if err := h.store.DeleteConversation(r.Context(), conv.ID); err != nil {
		writeError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// load fetches the conversation and checks ownership. Other users'
// conversations read as missing.
func (h *conversationHandler) load(r *http.Request) (*transcript.Conversation, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		return nil, err
	}
	p := principalFrom(r.Context())
	if conv.UserID != p.UserID && !p.IsAdmin() {
		return nil, fmt.Errorf("conversation %d: %w", id, transcript.ErrConversationNotFound)
	}
	return conv, nil
}

// pageParams reads limit/offset query parameters with a handler default.
func pageParams(r *http.Request, defaultLimit int32) (limit, offset int32) {
	limit = defaultLimit
	if v, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 32); err == nil && v > 0 {
		limit = int32(v)
	}
	if v, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 32); err == nil && v > 0 {
		offset = int32(v)
	}
	return limit, offset
}
