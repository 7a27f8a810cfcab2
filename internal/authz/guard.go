package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/loomhq/loom/internal/log"
)

// Querier is the database interface required by the guard. Transactions back
// the row-locked tool server update.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Guard answers visibility questions against the database.
type Guard struct {
	db     Querier
	logger log.Logger
}

// NewGuard creates a guard.
func NewGuard(db Querier, logger log.Logger) *Guard {
	return &Guard{db: db, logger: logger}
}

// LoadModelKey resolves a model key the principal may use for the given
// purpose and returns it with the secret populated.
//
// The lookup happens in two phases: first the metadata row without the
// secret, so visibility and purpose are decided before any credential leaves
// the database; only then is the api_key column fetched. Invisible and
// missing keys are indistinguishable to the caller.
func (g *Guard) LoadModelKey(ctx context.Context, p Principal, keyID int64, purpose string) (*ModelKey, error) {
	const metaQuery = `
		SELECT id, alias, provider, model, purpose, endpoint,
		       is_public, is_active, owner_id
		FROM model_api_keys
		WHERE id = $1`

	var (
		key      ModelKey
		alias    pgtype.Text
		endpoint pgtype.Text
	)
	err := g.db.QueryRow(ctx, metaQuery, keyID).Scan(
		&key.ID, &alias, &key.Provider, &key.Model, &key.Purpose, &endpoint,
		&key.IsPublic, &key.IsActive, &key.OwnerID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("model key %d: %w", keyID, ErrModelKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading model key %d: %w", keyID, err)
	}
	key.Alias = alias.String
	key.Endpoint = endpoint.String

	if !key.IsActive || !p.canSee(key.OwnerID, key.IsPublic) {
		g.logger.Warn("model key denied",
			"key_id", keyID, "user_id", p.UserID, "active", key.IsActive)
		return nil, fmt.Errorf("model key %d: %w", keyID, ErrModelKeyNotFound)
	}

	if key.Purpose != purpose {
		return nil, fmt.Errorf("model key %d is for %q, need %q: %w",
			keyID, key.Purpose, purpose, ErrWrongPurpose)
	}

	const secretQuery = `SELECT api_key FROM model_api_keys WHERE id = $1`
	if err := g.db.QueryRow(ctx, secretQuery, keyID).Scan(&key.APIKey); err != nil {
		return nil, fmt.Errorf("loading model key %d secret: %w", keyID, err)
	}

	return &key, nil
}

// AuthorizeToolServers resolves a batch of tool server IDs the principal may
// attach to a conversation. The batch fails closed: if any requested ID is
// missing or invisible, the whole request is rejected with ErrForbidden and
// the response does not reveal which IDs exist.
func (g *Guard) AuthorizeToolServers(ctx context.Context, p Principal, requested []int64) ([]ToolServer, error) {
	if len(requested) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, name, description, transport, endpoint, headers,
		       is_public, owner_id, created_at
		FROM tool_servers
		WHERE id = ANY($1)`
	args := []any{requested}
	if !p.IsAdmin() {
		query += ` AND (is_public OR owner_id = $2)`
		args = append(args, p.UserID)
	}
	query += ` ORDER BY id`

	rows, err := g.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading tool servers: %w", err)
	}
	defer rows.Close()

	var servers []ToolServer
	for rows.Next() {
		var (
			srv        ToolServer
			desc       pgtype.Text
			rawHeaders []byte
		)
		if err := rows.Scan(
			&srv.ID, &srv.Name, &desc, &srv.Transport, &srv.Endpoint, &rawHeaders,
			&srv.IsPublic, &srv.OwnerID, &srv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning tool server: %w", err)
		}
		srv.Description = desc.String
		srv.Headers, err = decodeHeaders(rawHeaders)
		if err != nil {
			return nil, fmt.Errorf("decoding headers for tool server %d: %w", srv.ID, err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if missing := missingIDs(requested, servers); len(missing) > 0 {
		g.logger.Warn("tool server batch denied",
			"user_id", p.UserID, "requested", len(requested), "visible", len(servers))
		return nil, fmt.Errorf("%d of %d tool servers not accessible: %w",
			len(missing), len(requested), ErrForbidden)
	}

	return servers, nil
}

// missingIDs returns the requested IDs not present in the visible set.
func missingIDs(requested []int64, visible []ToolServer) []int64 {
	seen := make(map[int64]bool, len(visible))
	for _, s := range visible {
		seen[s.ID] = true
	}
	var missing []int64
	for _, id := range requested {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// CollectionAccess is the visibility metadata needed by retrieval.
type CollectionAccess struct {
	ID          uuid.UUID
	Name        string
	OwnerID     int64
	IsPublic    bool
	EmbeddingID int64
}

// AuthorizeCollection checks that the principal may use a collection.
// Writes (ingestion) require ownership or admin; reads also allow public
// collections. Either failure is reported as not-found.
func (g *Guard) AuthorizeCollection(ctx context.Context, p Principal, id uuid.UUID, write bool) (*CollectionAccess, error) {
	const query = `
		SELECT id, name, owner_id, is_public, embedding_id
		FROM collections
		WHERE id = $1`

	var c CollectionAccess
	err := g.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.OwnerID, &c.IsPublic, &c.EmbeddingID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", id, ErrCollectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading collection %s: %w", id, err)
	}

	allowed := p.IsAdmin() || c.OwnerID == p.UserID || (!write && c.IsPublic)
	if !allowed {
		g.logger.Warn("collection denied",
			"collection_id", id, "user_id", p.UserID, "write", write)
		return nil, fmt.Errorf("collection %s: %w", id, ErrCollectionNotFound)
	}

	return &c, nil
}
