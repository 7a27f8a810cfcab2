// Package knowledge stores document collections with hybrid retrieval:
// pgvector similarity search plus PostgreSQL full-text search.
//
// Each collection owns a dedicated content table named after the collection
// ID, created when the collection is registered. The collection is bound to
// an embedding spec (provider, model, dimension, metric) at creation; all
// ingested vectors must come from that model.
package knowledge

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCollectionNotFound indicates the collection row does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrSpecNotFound indicates no embedding spec matches the lookup.
	ErrSpecNotFound = errors.New("embedding spec not found")

	// ErrModelMismatch indicates the supplied embedding key does not match
	// the collection's bound embedding model.
	ErrModelMismatch = errors.New("embedding model mismatch")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// collection's spec.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrUnknownMetric indicates a distance metric outside the known set.
	ErrUnknownMetric = errors.New("unknown distance metric")

	// ErrEmptyQuery indicates a search with no usable query text.
	ErrEmptyQuery = errors.New("empty query")

	// ErrDocumentNotFound indicates no chunk rows match the file or chunk id.
	ErrDocumentNotFound = errors.New("document not found")
)

// Distance metrics supported by pgvector.
const (
	MetricCosine = "cosine"
	MetricL2     = "l2"
	MetricIP     = "ip"
)

// SearchMode selects the retrieval strategy.
type SearchMode string

const (
	ModeKeyword  SearchMode = "keyword"
	ModeSemantic SearchMode = "semantic"
	ModeHybrid   SearchMode = "hybrid"
)

// EmbeddingSpec describes an embedding model registered in the system.
type EmbeddingSpec struct {
	ID        int64  `json:"id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int32  `json:"dimension"`
	Metric    string `json:"metric"`
	IsActive  bool   `json:"is_active"`
}

// Matches reports whether a model key identifies the spec's model.
func (s *EmbeddingSpec) Matches(provider, model string) bool {
	return s.Provider == provider && s.Model == model
}

// Collection is a named document set bound to one embedding spec.
type Collection struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsPublic    bool      `json:"is_public"`
	OwnerID     int64     `json:"owner_id"`
	EmbeddingID int64     `json:"embedding_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Document is one pre-chunked ingestion row. FileID groups the chunks of one
// source document; when left zero, Ingest assigns a shared id for the batch
// and numbers the chunks in order.
type Document struct {
	FileID     uuid.UUID      `json:"file_id,omitempty"`
	ChunkIndex int32          `json:"chunk_index"`
	Source     string         `json:"source,omitempty"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FileInfo summarizes the chunks stored for one source document.
type FileInfo struct {
	FileID    uuid.UUID `json:"file_id"`
	Source    string    `json:"source,omitempty"`
	Chunks    int64     `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is one retrieval hit. Score is nil for substring-fallback
// keyword matches, which have no rank.
type SearchResult struct {
	ID       int64           `json:"id"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Score    *float64        `json:"score"`
}
