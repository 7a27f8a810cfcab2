package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/chat"
	"github.com/loomhq/loom/internal/knowledge"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/transcript"
)

// writeJSON writes a JSON response. Encoding happens into a buffer first so
// a failure can still produce a clean 500.
func writeJSON(logger log.Logger, w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		logger.Error("encoding response failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Debug("writing response body failed", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps a domain error to an HTTP status and writes it.
func writeError(logger log.Logger, w http.ResponseWriter, err error) {
	status := errorStatus(err)

	var upstream *llm.UpstreamError
	if errors.As(err, &upstream) {
		// The response carries only the correlation id; the cause goes to logs.
		logger.Error("upstream call failed",
			"provider", upstream.Provider, "ref", upstream.CorrelationID, "error", upstream.Unwrap())
		writeJSON(logger, w, status, errorBody{Error: upstream.Error()})
		return
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		// Internal details stay out of the response.
		writeJSON(logger, w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(logger, w, status, errorBody{Error: err.Error()})
}

// errorStatus maps sentinel errors onto HTTP statuses. Denials that mask
// resource existence surface as 404, batch tool-server denial as 403.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, authz.ErrForbidden):
		return http.StatusForbidden

	case errors.Is(err, authz.ErrModelKeyNotFound),
		errors.Is(err, authz.ErrCollectionNotFound),
		errors.Is(err, authz.ErrToolServerNotFound),
		errors.Is(err, transcript.ErrConversationNotFound),
		errors.Is(err, knowledge.ErrCollectionNotFound),
		errors.Is(err, knowledge.ErrSpecNotFound),
		errors.Is(err, knowledge.ErrDocumentNotFound):
		return http.StatusNotFound

	case errors.Is(err, authz.ErrNameTaken):
		return http.StatusConflict

	case isUpstream(err):
		return http.StatusBadGateway

	case errors.Is(err, authz.ErrWrongPurpose),
		errors.Is(err, chat.ErrNoModelKey),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, knowledge.ErrModelMismatch),
		errors.Is(err, knowledge.ErrDimensionMismatch),
		errors.Is(err, knowledge.ErrUnknownMetric),
		errors.Is(err, knowledge.ErrEmptyQuery),
		errors.Is(err, llm.ErrUnknownProvider),
		errors.Is(err, mcp.ErrUnsupportedTransport),
		errors.Is(err, mcp.ErrInvalidEndpoint),
		errors.Is(err, transcript.ErrInvalidTurn),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

func isUpstream(err error) bool {
	var upstream *llm.UpstreamError
	return errors.As(err, &upstream)
}

// errBadRequest wraps malformed input detected in handlers.
var errBadRequest = errors.New("bad request")

// decodeBody decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// pathID parses the {id} path segment as int64.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, errors.Join(errBadRequest, err)
	}
	return id, nil
}
