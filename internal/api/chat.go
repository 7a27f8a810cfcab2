package api

import (
	"context"
	"net/http"

	"github.com/loomhq/loom/internal/chat"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
)

// ChatService is the orchestrator interface the handlers need.
// *chat.Service satisfies it.
type ChatService interface {
	Stream(ctx context.Context, req chat.StreamRequest, emit func(chat.Event) error) error
	Invoke(ctx context.Context, req chat.StreamRequest) (*chat.InvokeResult, error)
}

type chatHandler struct {
	svc    ChatService
	logger log.Logger
}

type chatRequest struct {
	ConversationID int64                  `json:"conversation_id"`
	Message        string                 `json:"message"`
	ModelKeyID     int64                  `json:"model_key_id"`
	Params         llm.Params             `json:"params"`
	SystemPrompt   string                 `json:"system_prompt"`
	ToolServerIDs  []int64                `json:"tool_server_ids"`
	Retrieval      *chat.RetrievalRequest `json:"retrieval_request"`
}

func (cr chatRequest) toStreamRequest(r *http.Request) chat.StreamRequest {
	return chat.StreamRequest{
		Principal:      principalFrom(r.Context()),
		ConversationID: cr.ConversationID,
		Message:        cr.Message,
		ModelKeyID:     cr.ModelKeyID,
		Params:         cr.Params,
		SystemPrompt:   cr.SystemPrompt,
		ToolServerIDs:  cr.ToolServerIDs,
		Retrieval:      cr.Retrieval,
	}
}

// invoke handles POST /api/chat: one blocking chat turn.
func (h *chatHandler) invoke(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, err)
		return
	}

	result, err := h.svc.Invoke(r.Context(), req.toStreamRequest(r))
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, result)
}

// stream handles POST /api/chat/stream: server-sent events. Setup failures
// arrive before any event, so they still map onto JSON error responses; once
// the stream is open, failures travel as error events.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, err)
		return
	}

	var sw *sseWriter
	emit := func(ev chat.Event) error {
		if sw == nil {
			var err error
			sw, err = newSSEWriter(w)
			if err != nil {
				return err
			}
		}
		return sw.send(ev.Name, ev.Payload)
	}

	err := h.svc.Stream(r.Context(), req.toStreamRequest(r), emit)
	if err == nil {
		return
	}
	if sw == nil {
		writeError(h.logger, w, err)
		return
	}
	// Headers are gone; the client most likely disconnected.
	h.logger.Debug("stream delivery stopped",
		"error", err, "request_id", requestIDFrom(r.Context()))
}
