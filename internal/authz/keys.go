package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// CreateModelKey registers a provider credential owned by the principal.
func (g *Guard) CreateModelKey(ctx context.Context, p Principal, key *ModelKey) error {
	if key.Purpose != PurposeChat && key.Purpose != PurposeEmbedding {
		return fmt.Errorf("%w: purpose %q", ErrWrongPurpose, key.Purpose)
	}

	const query = `
		INSERT INTO model_api_keys
			(alias, provider, model, purpose, api_key, endpoint, is_public, is_active, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8)
		RETURNING id`

	var alias, endpoint pgtype.Text
	if key.Alias != "" {
		alias = pgtype.Text{String: key.Alias, Valid: true}
	}
	if key.Endpoint != "" {
		endpoint = pgtype.Text{String: key.Endpoint, Valid: true}
	}

	err := g.db.QueryRow(ctx, query,
		alias, key.Provider, key.Model, key.Purpose,
		key.APIKey, endpoint, key.IsPublic, p.UserID,
	).Scan(&key.ID)
	if err != nil {
		return fmt.Errorf("creating model key: %w", err)
	}

	key.OwnerID = p.UserID
	key.IsActive = true
	g.logger.Info("model key created",
		"key_id", key.ID, "provider", key.Provider, "model", key.Model,
		"purpose", key.Purpose, "owner_id", p.UserID)
	return nil
}

// ListModelKeys returns the keys visible to the principal, secrets omitted.
func (g *Guard) ListModelKeys(ctx context.Context, p Principal) ([]ModelKey, error) {
	query := `
		SELECT id, alias, provider, model, purpose, endpoint,
		       is_public, is_active, owner_id
		FROM model_api_keys`
	var args []any
	if !p.IsAdmin() {
		query += ` WHERE is_public OR owner_id = $1`
		args = append(args, p.UserID)
	}
	query += ` ORDER BY id`

	rows, err := g.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing model keys: %w", err)
	}
	defer rows.Close()

	var keys []ModelKey
	for rows.Next() {
		var (
			k        ModelKey
			alias    pgtype.Text
			endpoint pgtype.Text
		)
		if err := rows.Scan(&k.ID, &alias, &k.Provider, &k.Model, &k.Purpose,
			&endpoint, &k.IsPublic, &k.IsActive, &k.OwnerID); err != nil {
			return nil, fmt.Errorf("scanning model key: %w", err)
		}
		k.Alias = alias.String
		k.Endpoint = endpoint.String
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteModelKey removes a key. Only the owner or an admin may delete;
// anything else is reported as not-found.
func (g *Guard) DeleteModelKey(ctx context.Context, p Principal, keyID int64) error {
	query := `DELETE FROM model_api_keys WHERE id = $1`
	args := []any{keyID}
	if !p.IsAdmin() {
		query += ` AND owner_id = $2`
		args = append(args, p.UserID)
	}

	tag, err := g.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting model key %d: %w", keyID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("model key %d: %w", keyID, ErrModelKeyNotFound)
	}
	return nil
}

// FindModelKey resolves a visible active key for a provider/model/purpose
// triple, preferring the principal's own key over public ones. Used by
// retrieval to pick a usable embedding credential when the caller's key does
// not match the collection's model.
func (g *Guard) FindModelKey(ctx context.Context, p Principal, provider, model, purpose string) (*ModelKey, error) {
	const query = `
		SELECT id
		FROM model_api_keys
		WHERE provider = $1 AND model = $2 AND purpose = $3 AND is_active
		  AND (is_public OR owner_id = $4 OR $5)
		ORDER BY (owner_id = $4) DESC, id
		LIMIT 1`

	var keyID int64
	err := g.db.QueryRow(ctx, query, provider, model, purpose, p.UserID, p.IsAdmin()).
		Scan(&keyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no usable key for %s/%s (%s): %w",
			provider, model, purpose, ErrModelKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding model key: %w", err)
	}

	return g.LoadModelKey(ctx, p, keyID, purpose)
}
