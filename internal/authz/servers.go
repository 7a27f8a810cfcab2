package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrToolServerNotFound indicates the tool server does not exist or is not
// visible to the principal.
var ErrToolServerNotFound = errors.New("tool server not found")

// ErrNameTaken indicates another tool server of the same owner already uses
// the requested name.
var ErrNameTaken = errors.New("tool server name already in use")

// CreateToolServer registers an MCP endpoint owned by the principal.
// Transport and endpoint validation happens in the mcp package before this
// is called.
func (g *Guard) CreateToolServer(ctx context.Context, p Principal, srv *ToolServer) error {
	const query = `
		INSERT INTO tool_servers
			(name, description, transport, endpoint, headers, is_public, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	var desc pgtype.Text
	if srv.Description != "" {
		desc = pgtype.Text{String: srv.Description, Valid: true}
	}
	var headers []byte
	if len(srv.Headers) > 0 {
		var err error
		headers, err = json.Marshal(srv.Headers)
		if err != nil {
			return fmt.Errorf("encoding headers: %w", err)
		}
	}

	err := g.db.QueryRow(ctx, query,
		srv.Name, desc, srv.Transport, srv.Endpoint, headers, srv.IsPublic, p.UserID,
	).Scan(&srv.ID, &srv.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating tool server: %w", err)
	}

	srv.OwnerID = p.UserID
	g.logger.Info("tool server created",
		"server_id", srv.ID, "name", srv.Name, "transport", srv.Transport,
		"owner_id", p.UserID)
	return nil
}

// GetToolServer loads one visible tool server.
func (g *Guard) GetToolServer(ctx context.Context, p Principal, id int64) (*ToolServer, error) {
	servers, err := g.AuthorizeToolServers(ctx, p, []int64{id})
	if err != nil {
		return nil, fmt.Errorf("tool server %d: %w", id, ErrToolServerNotFound)
	}
	return &servers[0], nil
}

// ListToolServers returns the tool servers visible to the principal.
func (g *Guard) ListToolServers(ctx context.Context, p Principal) ([]ToolServer, error) {
	query := `
		SELECT id, name, description, transport, endpoint, headers,
		       is_public, owner_id, created_at
		FROM tool_servers`
	var args []any
	if !p.IsAdmin() {
		query += ` WHERE is_public OR owner_id = $1`
		args = append(args, p.UserID)
	}
	query += ` ORDER BY id`

	rows, err := g.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tool servers: %w", err)
	}
	defer rows.Close()

	var servers []ToolServer
	for rows.Next() {
		var (
			srv        ToolServer
			desc       pgtype.Text
			rawHeaders []byte
		)
		if err := rows.Scan(&srv.ID, &srv.Name, &desc, &srv.Transport, &srv.Endpoint,
			&rawHeaders, &srv.IsPublic, &srv.OwnerID, &srv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning tool server: %w", err)
		}
		srv.Description = desc.String
		srv.Headers, err = decodeHeaders(rawHeaders)
		if err != nil {
			return nil, fmt.Errorf("decoding headers for tool server %d: %w", srv.ID, err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// ToolServerUpdate carries the mutable registration fields. Nil pointers
// leave the current value unchanged.
type ToolServerUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Endpoint    *string `json:"endpoint"`
	IsPublic    *bool   `json:"is_public"`
}

// UpdateToolServer applies a partial update. The row is locked for the
// duration so two concurrent renames cannot both pass the duplicate-name
// check. Only the owner or an admin may update; anything else is reported as
// not-found.
func (g *Guard) UpdateToolServer(ctx context.Context, p Principal, id int64, upd ToolServerUpdate) (*ToolServer, error) {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const lock = `
		SELECT id, name, description, transport, endpoint, headers,
		       is_public, owner_id, created_at
		FROM tool_servers
		WHERE id = $1
		FOR UPDATE`

	var (
		srv        ToolServer
		desc       pgtype.Text
		rawHeaders []byte
	)
	err = tx.QueryRow(ctx, lock, id).Scan(
		&srv.ID, &srv.Name, &desc, &srv.Transport, &srv.Endpoint, &rawHeaders,
		&srv.IsPublic, &srv.OwnerID, &srv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tool server %d: %w", id, ErrToolServerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("locking tool server %d: %w", id, err)
	}
	srv.Description = desc.String
	srv.Headers, err = decodeHeaders(rawHeaders)
	if err != nil {
		return nil, fmt.Errorf("decoding headers for tool server %d: %w", id, err)
	}

	if !p.IsAdmin() && srv.OwnerID != p.UserID {
		g.logger.Warn("tool server update denied",
			"server_id", id, "user_id", p.UserID)
		return nil, fmt.Errorf("tool server %d: %w", id, ErrToolServerNotFound)
	}

	if upd.Name != nil && *upd.Name != srv.Name {
		var taken bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM tool_servers
				WHERE owner_id = $1 AND name = $2 AND id <> $3)`,
			srv.OwnerID, *upd.Name, id,
		).Scan(&taken)
		if err != nil {
			return nil, fmt.Errorf("checking name %q: %w", *upd.Name, err)
		}
		if taken {
			return nil, fmt.Errorf("name %q: %w", *upd.Name, ErrNameTaken)
		}
		srv.Name = *upd.Name
	}
	if upd.Description != nil {
		srv.Description = *upd.Description
	}
	if upd.Endpoint != nil {
		srv.Endpoint = *upd.Endpoint
	}
	if upd.IsPublic != nil {
		srv.IsPublic = *upd.IsPublic
	}

	var newDesc pgtype.Text
	if srv.Description != "" {
		newDesc = pgtype.Text{String: srv.Description, Valid: true}
	}
	_, err = tx.Exec(ctx,
		`UPDATE tool_servers
		 SET name = $2, description = $3, endpoint = $4, is_public = $5
		 WHERE id = $1`,
		id, srv.Name, newDesc, srv.Endpoint, srv.IsPublic)
	if err != nil {
		return nil, fmt.Errorf("updating tool server %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}

	g.logger.Info("tool server updated",
		"server_id", id, "name", srv.Name, "user_id", p.UserID)
	return &srv, nil
}

// DeleteToolServer removes a registration. Only the owner or an admin may
// delete; anything else is reported as not-found.
func (g *Guard) DeleteToolServer(ctx context.Context, p Principal, id int64) error {
	query := `DELETE FROM tool_servers WHERE id = $1`
	args := []any{id}
	if !p.IsAdmin() {
		query += ` AND owner_id = $2`
		args = append(args, p.UserID)
	}

	tag, err := g.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting tool server %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tool server %d: %w", id, ErrToolServerNotFound)
	}
	return nil
}
