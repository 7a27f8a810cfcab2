package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/knowledge"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
)

type collectionHandler struct {
	store    *knowledge.Store
	guard    *authz.Guard
	registry *llm.Registry
	logger   log.Logger
}

type createCollectionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPublic    bool   `json:"is_public"`
	EmbeddingID int64  `json:"embedding_id"`
}

// create handles POST /api/collections.
func (h *collectionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, err)
		return
	}
	if req.Name == "" {
		writeError(h.logger, w, errors.Join(errBadRequest, errors.New("name required")))
		return
	}

	spec, err := h.store.SpecByID(r.Context(), req.EmbeddingID)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}

	p := principalFrom(r.Context())
	coll := &knowledge.Collection{
		Name:        req.Name,
		Description: req.Description,
		IsPublic:    req.IsPublic,
		OwnerID:     p.UserID,
		EmbeddingID: spec.ID,
	}
	if err := h.store.CreateCollection(r.Context(), coll, spec); err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusCreated, coll)
}

// list handles GET /api/collections.
func (h *collectionHandler) list(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	colls, err := h.store.ListCollections(r.Context(), p.UserID, p.IsAdmin())
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if colls == nil {
		colls = []knowledge.Collection{}
	}
	writeJSON(h.logger, w, http.StatusOK, colls)
}

type collectionDetail struct {
	knowledge.Collection
	Documents int64 `json:"documents"`
	Chunks    int64 `json:"chunks"`
}

// get handles GET /api/collections/{id}. The detail view includes content
// counts; the list view does not, to keep it one query.
func (h *collectionHandler) get(w http.ResponseWriter, r *http.Request) {
	coll, _, err := h.authorize(r, false)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	files, chunks, err := h.store.CountDocuments(r.Context(), coll)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, collectionDetail{
		Collection: *coll, Documents: files, Chunks: chunks,
	})
}

// delete handles DELETE /api/collections/{id}.
func (h *collectionHandler) delete(w http.ResponseWriter, r *http.Request) {
	coll, _, err := h.authorize(r, true)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if err := h.store.DeleteCollection(r.Context(), coll.ID); err != nil {
		writeError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ingestRequest struct {
	ModelKeyID int64                `json:"model_key_id"`
	Documents  []knowledge.Document `json:"documents"`
}

type ingestResponse struct {
	FileID   uuid.UUID `json:"file_id,omitempty"`
	Ingested int       `json:"ingested"`
}

// ingest handles POST /api/collections/{id}/documents. The supplied key must
// identify exactly the collection's bound embedding model; there is no
// auto-resolution on the write path.
func (h *collectionHandler) ingest(w http.ResponseWriter, r *http.Request) {
	coll, spec, err := h.authorize(r, true)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}

	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, err)
		return
	}

	p := principalFrom(r.Context())
	key, err := h.guard.LoadModelKey(r.Context(), p, req.ModelKeyID, authz.PurposeEmbedding)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if !spec.Matches(key.Provider, key.Model) {
		writeError(h.logger, w, knowledge.ErrModelMismatch)
		return
	}

	embedder, err := h.embedder(r.Context(), key)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}

	fileID, count, err := h.store.Ingest(r.Context(), coll, spec, embedder, req.Documents)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, ingestResponse{FileID: fileID, Ingested: count})
}

// documents handles GET /api/collections/{id}/documents: per-file chunk
// summaries.
func (h *collectionHandler) documents(w http.ResponseWriter, r *http.Request) {
	coll, _, err := h.authorize(r, false)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	files, err := h.store.ListDocuments(r.Context(), coll)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if files == nil {
		files = []knowledge.FileInfo{}
	}
	writeJSON(h.logger, w, http.StatusOK, files)
}

// deleteDocument handles DELETE /api/collections/{id}/documents/{file_id}.
func (h *collectionHandler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	coll, _, err := h.authorize(r, true)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	fileID, err := uuid.Parse(r.PathValue("file_id"))
	if err != nil {
		writeError(h.logger, w, errors.Join(errBadRequest, err))
		return
	}
	if _, err := h.store.DeleteFile(r.Context(), coll, fileID); err != nil {
		writeError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteChunk handles DELETE /api/collections/{id}/chunks/{chunk_id}.
func (h *collectionHandler) deleteChunk(w http.ResponseWriter, r *http.Request) {
	coll, _, err := h.authorize(r, true)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	chunkID, err := strconv.ParseInt(r.PathValue("chunk_id"), 10, 64)
	if err != nil {
		writeError(h.logger, w, errors.Join(errBadRequest, err))
		return
	}
	if err := h.store.DeleteChunk(r.Context(), coll, chunkID); err != nil {
		writeError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clearDocuments handles DELETE /api/collections/{id}/documents.
func (h *collectionHandler) clearDocuments(w http.ResponseWriter, r *http.Request) {
	coll, _, err := h.authorize(r, true)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	removed, err := h.store.ClearDocuments(r.Context(), coll)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]int64{"removed": removed})
}

type searchRequest struct {
	Query      string               `json:"query"`
	Mode       knowledge.SearchMode `json:"mode"`
	Limit      int                  `json:"limit"`
	Filter     map[string]any       `json:"filter"`
	ModelKeyID int64                `json:"model_key_id"`
}

type searchResponse struct {
	Results []knowledge.SearchResult `json:"results"`
}

// search handles POST /api/collections/{id}/search. Keyword mode needs no
// embedder. For semantic and hybrid modes, a supplied key that does not match
// the collection's model is replaced by a visible key that does; with no key
// supplied, resolution runs directly.
func (h *collectionHandler) search(w http.ResponseWriter, r *http.Request) {
	coll, spec, err := h.authorize(r, false)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}

	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, err)
		return
	}
	if req.Mode == "" {
		req.Mode = knowledge.ModeHybrid
	}

	var embedder llm.Embedder
	if req.Mode != knowledge.ModeKeyword {
		key, err := h.resolveSearchKey(r.Context(), principalFrom(r.Context()), spec, req.ModelKeyID)
		if err != nil {
			writeError(h.logger, w, err)
			return
		}
		embedder, err = h.embedder(r.Context(), key)
		if err != nil {
			writeError(h.logger, w, err)
			return
		}
	}

	results, err := h.store.Search(r.Context(), coll, spec, embedder,
		req.Query, req.Mode, req.Filter, req.Limit)
	if err != nil {
		writeError(h.logger, w, err)
		return
	}
	if results == nil {
		results = []knowledge.SearchResult{}
	}
	writeJSON(h.logger, w, http.StatusOK, searchResponse{Results: results})
}

// resolveSearchKey picks an embedding key matching the collection's spec.
func (h *collectionHandler) resolveSearchKey(ctx context.Context, p authz.Principal, spec *knowledge.EmbeddingSpec, keyID int64) (*authz.ModelKey, error) {
	if keyID != 0 {
		key, err := h.guard.LoadModelKey(ctx, p, keyID, authz.PurposeEmbedding)
		if err != nil {
			return nil, err
		}
		if spec.Matches(key.Provider, key.Model) {
			return key, nil
		}
		h.logger.Debug("search key does not match collection model, resolving",
			"key_id", keyID, "want", spec.Provider+"/"+spec.Model)
	}
	return h.guard.FindModelKey(ctx, p, spec.Provider, spec.Model, authz.PurposeEmbedding)
}

func (h *collectionHandler) embedder(ctx context.Context, key *authz.ModelKey) (llm.Embedder, error) {
	return h.registry.Embedder(ctx, key.Provider, llm.Credentials{
		APIKey:   key.APIKey,
		Endpoint: key.Endpoint,
		Model:    key.Model,
	})
}

// authorize checks collection access and loads the row plus its spec.
func (h *collectionHandler) authorize(r *http.Request, write bool) (*knowledge.Collection, *knowledge.EmbeddingSpec, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return nil, nil, errors.Join(errBadRequest, err)
	}

	p := principalFrom(r.Context())
	if _, err := h.guard.AuthorizeCollection(r.Context(), p, id, write); err != nil {
		return nil, nil, err
	}

	coll, err := h.store.GetCollection(r.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	spec, err := h.store.SpecByID(r.Context(), coll.EmbeddingID)
	if err != nil {
		return nil, nil, err
	}
	return coll, spec, nil
}
