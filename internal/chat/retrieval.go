package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/knowledge"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
)

// RetrievalRequest asks for grounding context from a collection before the
// model runs. Query defaults to the user message, Mode to hybrid.
type RetrievalRequest struct {
	CollectionID uuid.UUID            `json:"collection_id"`
	Query        string               `json:"query,omitempty"`
	Mode         knowledge.SearchMode `json:"mode,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
	Filter       map[string]any       `json:"filter,omitempty"`
	ModelKeyID   int64                `json:"model_key_id,omitempty"`
}

// Snippet is one retrieved context block with its source identifier.
type Snippet struct {
	Source  string
	Content string
}

// Retriever serves retrieval requests for the orchestrator.
// *KnowledgeRetriever satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, p authz.Principal, req RetrievalRequest) ([]Snippet, error)
}

// retrievalLimit bounds context snippets injected into the prompt when the
// request does not set one.
const retrievalLimit = 5

// KnowledgeRetriever runs authorized searches against the knowledge store.
type KnowledgeRetriever struct {
	store    *knowledge.Store
	guard    *authz.Guard
	registry *llm.Registry
	logger   log.Logger
}

// NewKnowledgeRetriever creates the store-backed retriever.
func NewKnowledgeRetriever(store *knowledge.Store, guard *authz.Guard, registry *llm.Registry, logger log.Logger) *KnowledgeRetriever {
	return &KnowledgeRetriever{store: store, guard: guard, registry: registry, logger: logger}
}

// Retrieve authorizes the collection, resolves an embedding key when the mode
// needs one, and returns the top matches as snippets.
func (kr *KnowledgeRetriever) Retrieve(ctx context.Context, p authz.Principal, req RetrievalRequest) ([]Snippet, error) {
	if _, err := kr.guard.AuthorizeCollection(ctx, p, req.CollectionID, false); err != nil {
		return nil, err
	}
	coll, err := kr.store.GetCollection(ctx, req.CollectionID)
	if err != nil {
		return nil, err
	}
	spec, err := kr.store.SpecByID(ctx, coll.EmbeddingID)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = knowledge.ModeHybrid
	}
	limit := req.Limit
	if limit <= 0 {
		limit = retrievalLimit
	}

	var embedder llm.Embedder
	if mode != knowledge.ModeKeyword {
		key, err := kr.resolveKey(ctx, p, spec, req.ModelKeyID)
		if err != nil {
			return nil, err
		}
		embedder, err = kr.registry.Embedder(ctx, key.Provider, llm.Credentials{
			APIKey:   key.APIKey,
			Endpoint: key.Endpoint,
			Model:    key.Model,
		})
		if err != nil {
			return nil, err
		}
	}

	results, err := kr.store.Search(ctx, coll, spec, embedder, req.Query, mode, req.Filter, limit)
	if err != nil {
		return nil, err
	}

	snippets := make([]Snippet, len(results))
	for i, r := range results {
		snippets[i] = Snippet{Source: snippetSource(r), Content: r.Content}
	}
	return snippets, nil
}

// resolveKey picks an embedding key matching the collection's spec. An
// explicit key that names a different model is replaced, never an error:
// this is the read path.
func (kr *KnowledgeRetriever) resolveKey(ctx context.Context, p authz.Principal, spec *knowledge.EmbeddingSpec, keyID int64) (*authz.ModelKey, error) {
	if keyID != 0 {
		key, err := kr.guard.LoadModelKey(ctx, p, keyID, authz.PurposeEmbedding)
		if err != nil {
			return nil, err
		}
		if spec.Matches(key.Provider, key.Model) {
			return key, nil
		}
		kr.logger.Debug("retrieval key does not match collection model, resolving",
			"key_id", keyID, "want", spec.Provider+"/"+spec.Model)
	}
	return kr.guard.FindModelKey(ctx, p, spec.Provider, spec.Model, authz.PurposeEmbedding)
}

// snippetSource prefers the ingested source path over the row id.
func snippetSource(r knowledge.SearchResult) string {
	if len(r.Metadata) > 0 {
		var meta map[string]any
		if json.Unmarshal(r.Metadata, &meta) == nil {
			if src, ok := meta["source"].(string); ok && src != "" {
				return src
			}
		}
	}
	return "chunk " + strconv.FormatInt(r.ID, 10)
}

// contextBlock renders snippets into one system message. The block is rebuilt
// on every request and never written to the transcript.
func contextBlock(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Retrieved context:")
	for _, sn := range snippets {
		fmt.Fprintf(&b, "\n[%s] %s", sn.Source, truncateRunes(sn.Content, maxPayloadRunes))
	}
	return b.String()
}
