package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
)

// DB is the database interface required by the store. Transactions are
// needed for collection provisioning, ingestion atomicity, and the SET LOCAL
// used by semantic search. *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store manages embedding specs, collections, and their content tables.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a knowledge store.
func NewStore(db DB, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// SpecByID loads an embedding spec.
func (s *Store) SpecByID(ctx context.Context, id int64) (*EmbeddingSpec, error) {
	const query = `
		SELECT id, provider, model, dimension, distance, is_active
		FROM embedding_specs
		WHERE id = $1`
	return s.scanSpec(s.db.QueryRow(ctx, query, id), fmt.Sprintf("spec %d", id))
}

// SpecByModel finds the active spec for a provider/model pair.
func (s *Store) SpecByModel(ctx context.Context, provider, model string) (*EmbeddingSpec, error) {
	const query = `
		SELECT id, provider, model, dimension, distance, is_active
		FROM embedding_specs
		WHERE provider = $1 AND model = $2 AND is_active`
	return s.scanSpec(s.db.QueryRow(ctx, query, provider, model),
		fmt.Sprintf("spec %s/%s", provider, model))
}

func (s *Store) scanSpec(row pgx.Row, desc string) (*EmbeddingSpec, error) {
	var spec EmbeddingSpec
	err := row.Scan(&spec.ID, &spec.Provider, &spec.Model,
		&spec.Dimension, &spec.Metric, &spec.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", desc, ErrSpecNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", desc, err)
	}
	return &spec, nil
}

// CreateCollection registers a collection and provisions its content table
// with the index layout implied by the spec's dimension and metric. The row
// insert and the DDL run in one transaction.
func (s *Store) CreateCollection(ctx context.Context, c *Collection, spec *EmbeddingSpec) error {
	if spec.ID != c.EmbeddingID {
		return fmt.Errorf("collection bound to spec %d, got %d: %w",
			c.EmbeddingID, spec.ID, ErrModelMismatch)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `
		INSERT INTO collections (name, description, is_public, owner_id, embedding_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	var desc pgtype.Text
	if c.Description != "" {
		desc = pgtype.Text{String: c.Description, Valid: true}
	}
	err = tx.QueryRow(ctx, insert, c.Name, desc, c.IsPublic, c.OwnerID, c.EmbeddingID).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting collection: %w", err)
	}

	table := TableName(c.ID)
	if _, err := tx.Exec(ctx, createTableDDL(table, spec.Dimension)); err != nil {
		return fmt.Errorf("creating content table: %w", err)
	}
	indexes, err := indexDDL(table, spec.Dimension, spec.Metric)
	if err != nil {
		return err
	}
	for _, stmt := range indexes {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing collection: %w", err)
	}

	s.logger.Info("collection created",
		"collection_id", c.ID, "table", table,
		"dimension", spec.Dimension, "metric", spec.Metric)
	return nil
}

// GetCollection loads a collection row.
func (s *Store) GetCollection(ctx context.Context, id uuid.UUID) (*Collection, error) {
	const query = `
		SELECT id, name, description, is_public, owner_id, embedding_id, created_at
		FROM collections
		WHERE id = $1`

	var (
		c    Collection
		desc pgtype.Text
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.Name, &desc, &c.IsPublic, &c.OwnerID, &c.EmbeddingID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", id, ErrCollectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading collection %s: %w", id, err)
	}
	c.Description = desc.String
	return &c, nil
}

// ListCollections returns the collections visible to a user: owned ones plus
// public ones, or everything for admins.
func (s *Store) ListCollections(ctx context.Context, userID int64, admin bool) ([]Collection, error) {
	query := `
		SELECT id, name, description, is_public, owner_id, embedding_id, created_at
		FROM collections`
	var args []any
	if !admin {
		query += ` WHERE is_public OR owner_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		var (
			c    Collection
			desc pgtype.Text
		)
		if err := rows.Scan(&c.ID, &c.Name, &desc, &c.IsPublic,
			&c.OwnerID, &c.EmbeddingID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		c.Description = desc.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCollection drops the content table and removes the collection row in
// one transaction.
func (s *Store) DeleteCollection(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, dropTableDDL(TableName(id))); err != nil {
		return fmt.Errorf("dropping content table: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting collection row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("collection %s: %w", id, ErrCollectionNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Info("collection deleted", "collection_id", id)
	return nil
}

// Ingest embeds chunk rows and inserts them into the collection's content
// table in one batched transaction: a dimension mismatch or insert failure
// writes nothing. Rows without a FileID share one generated id and are
// numbered in input order; the returned id is that generated one (zero when
// every row carried its own).
func (s *Store) Ingest(ctx context.Context, c *Collection, spec *EmbeddingSpec, embedder llm.Embedder, docs []Document) (uuid.UUID, int, error) {
	if len(docs) == 0 {
		return uuid.Nil, 0, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("embedding %d documents: %w", len(docs), err)
	}
	if len(vectors) != len(docs) {
		return uuid.Nil, 0, fmt.Errorf("got %d vectors for %d documents", len(vectors), len(docs))
	}
	for i, v := range vectors {
		if int32(len(v)) != spec.Dimension {
			return uuid.Nil, 0, fmt.Errorf("document %d: got %d dimensions, collection expects %d: %w",
				i, len(v), spec.Dimension, ErrDimensionMismatch)
		}
	}

	var assigned uuid.UUID
	for i := range docs {
		if docs[i].FileID == uuid.Nil {
			if assigned == uuid.Nil {
				assigned = uuid.New()
			}
			docs[i].FileID = assigned
			docs[i].ChunkIndex = int32(i)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := fmt.Sprintf(
		`INSERT INTO %s (file_id, chunk_index, source, content, metadata, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		TableName(c.ID))

	batch := &pgx.Batch{}
	for i, d := range docs {
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			return uuid.Nil, 0, fmt.Errorf("document %d: encoding metadata: %w", i, err)
		}
		if d.Metadata == nil {
			meta = []byte(`{}`)
		}
		var source pgtype.Text
		if d.Source != "" {
			source = pgtype.Text{String: d.Source, Valid: true}
		}
		batch.Queue(insert, d.FileID, d.ChunkIndex, source, d.Content, meta,
			pgvector.NewVector(vectors[i]))
	}

	results := tx.SendBatch(ctx, batch)
	for i := range docs {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return uuid.Nil, 0, fmt.Errorf("document %d: inserting: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return uuid.Nil, 0, fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, 0, fmt.Errorf("committing ingest: %w", err)
	}

	s.logger.Info("documents ingested",
		"collection_id", c.ID, "file_id", assigned, "count", len(docs))
	return assigned, len(docs), nil
}
