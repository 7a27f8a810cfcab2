package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/loomhq/loom/internal/log"
)

// Querier is the database interface required by the store.
// Both *pgxpool.Pool and pgx.Tx satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists conversations and turns.
type Store struct {
	db     Querier
	logger log.Logger
}

// NewStore creates a transcript store.
func NewStore(db Querier, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateConversation starts a new conversation for a user.
func (s *Store) CreateConversation(ctx context.Context, userID int64, title string, modelKeyID *int64, params json.RawMessage) (*Conversation, error) {
	const query = `
		INSERT INTO conversations (user_id, title, default_model_key_id, default_params)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	conv := &Conversation{
		UserID:            userID,
		Title:             title,
		DefaultModelKeyID: modelKeyID,
		DefaultParams:     params,
	}

	var titleArg pgtype.Text
	if title != "" {
		titleArg = pgtype.Text{String: title, Valid: true}
	}

	err := s.db.QueryRow(ctx, query, userID, titleArg, modelKeyID, params).
		Scan(&conv.ID, &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "user_id", userID)
	return conv, nil
}

// GetConversation loads a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	const query = `
		SELECT id, user_id, title, default_model_key_id, default_params,
		       created_at, updated_at
		FROM conversations
		WHERE id = $1`

	var (
		conv      Conversation
		title     pgtype.Text
		keyID     pgtype.Int8
		params    []byte
		updatedAt pgtype.Timestamptz
	)

	err := s.db.QueryRow(ctx, query, id).Scan(
		&conv.ID, &conv.UserID, &title, &keyID, &params,
		&conv.CreatedAt, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrConversationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %d: %w", id, err)
	}

	conv.Title = title.String
	if keyID.Valid {
		conv.DefaultModelKeyID = &keyID.Int64
	}
	conv.DefaultParams = params
	if updatedAt.Valid {
		t := updatedAt.Time
		conv.UpdatedAt = &t
	}
	return &conv, nil
}

// ListConversations returns a user's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, userID int64, limit, offset int32) ([]Conversation, error) {
	const query = `
		SELECT id, user_id, title, default_model_key_id, default_params,
		       created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			conv      Conversation
			title     pgtype.Text
			keyID     pgtype.Int8
			params    []byte
			updatedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&conv.ID, &conv.UserID, &title, &keyID, &params,
			&conv.CreatedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		conv.Title = title.String
		if keyID.Valid {
			conv.DefaultModelKeyID = &keyID.Int64
		}
		conv.DefaultParams = params
		if updatedAt.Valid {
			t := updatedAt.Time
			conv.UpdatedAt = &t
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation; turns and tool server links
// cascade.
func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %d: %w", id, ErrConversationNotFound)
	}
	return nil
}

// Touch bumps a conversation's updated_at timestamp.
func (s *Store) Touch(ctx context.Context, id int64) error {
	const query = `UPDATE conversations SET updated_at = now() WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("touching conversation %d: %w", id, err)
	}
	return nil
}

// LinkToolServers replaces the set of tool servers attached to a conversation.
func (s *Store) LinkToolServers(ctx context.Context, conversationID int64, serverIDs []int64) error {
	const del = `DELETE FROM conversation_tool_servers WHERE conversation_id = $1`
	if _, err := s.db.Exec(ctx, del, conversationID); err != nil {
		return fmt.Errorf("clearing tool server links: %w", err)
	}

	const ins = `
		INSERT INTO conversation_tool_servers (conversation_id, tool_server_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	for _, id := range serverIDs {
		if _, err := s.db.Exec(ctx, ins, conversationID, id); err != nil {
			return fmt.Errorf("linking tool server %d: %w", id, err)
		}
	}
	return nil
}

// ToolServerIDs returns the tool servers attached to a conversation.
func (s *Store) ToolServerIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	const query = `
		SELECT tool_server_id
		FROM conversation_tool_servers
		WHERE conversation_id = $1
		ORDER BY tool_server_id`

	rows, err := s.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing tool server links: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tool server link: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Append persists a turn and fills in its ID and CreatedAt.
func (s *Store) Append(ctx context.Context, t *Turn) error {
	if err := t.Validate(); err != nil {
		return err
	}

	const query = `
		INSERT INTO conversation_turns (
			conversation_id, role, content,
			tool_name, tool_call_id, tool_input, tool_output, error,
			model_key_id, model_provider, model_name, params,
			input_tokens, output_tokens, latency_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at`

	err := s.db.QueryRow(ctx, query,
		t.ConversationID, t.Kind.String(), nullText(t.Content),
		nullText(t.ToolName), nullText(t.ToolCallID), rawJSON(t.ToolInput), rawJSON(t.ToolOutput), nullText(t.Error),
		t.ModelKeyID, nullText(t.ModelProvider), nullText(t.ModelName), rawJSON(t.Params),
		t.InputTokens, t.OutputTokens, t.LatencyMS,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending %s turn: %w", t.Kind, err)
	}
	return nil
}

// History returns the most recent limit turns of a conversation in
// chronological order. The inner query selects from the tail so long
// conversations stay bounded.
func (s *Store) History(ctx context.Context, conversationID int64, limit int32) ([]Turn, error) {
	const query = `
		SELECT id, conversation_id, role, content,
		       tool_name, tool_call_id, tool_input, tool_output, error,
		       model_key_id, model_provider, model_name, params,
		       input_tokens, output_tokens, latency_ms, created_at
		FROM (
			SELECT *
			FROM conversation_turns
			WHERE conversation_id = $1
			ORDER BY id DESC
			LIMIT $2
		) tail
		ORDER BY id ASC`

	rows, err := s.db.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func scanTurn(row pgx.Row) (Turn, error) {
	var (
		t          Turn
		role       string
		content    pgtype.Text
		toolName   pgtype.Text
		toolCallID pgtype.Text
		errText    pgtype.Text
		keyID      pgtype.Int8
		provider   pgtype.Text
		model      pgtype.Text
		inTok      pgtype.Int4
		outTok     pgtype.Int4
		latency    pgtype.Int4
		toolInput  []byte
		toolOutput []byte
		params     []byte
	)

	err := row.Scan(
		&t.ID, &t.ConversationID, &role, &content,
		&toolName, &toolCallID, &toolInput, &toolOutput, &errText,
		&keyID, &provider, &model, &params,
		&inTok, &outTok, &latency, &t.CreatedAt,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("scanning turn: %w", err)
	}

	t.Kind, err = ParseKind(role, len(toolOutput) > 0 || errText.String != "")
	if err != nil {
		return Turn{}, err
	}

	t.Content = content.String
	t.ToolName = toolName.String
	t.ToolCallID = toolCallID.String
	t.ToolInput = toolInput
	t.ToolOutput = toolOutput
	t.Error = errText.String
	if keyID.Valid {
		t.ModelKeyID = &keyID.Int64
	}
	t.ModelProvider = provider.String
	t.ModelName = model.String
	t.Params = params
	if inTok.Valid {
		t.InputTokens = &inTok.Int32
	}
	if outTok.Valid {
		t.OutputTokens = &outTok.Int32
	}
	if latency.Valid {
		t.LatencyMS = &latency.Int32
	}
	return t, nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// rawJSON passes JSONB values through, mapping empty to SQL NULL.
func rawJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
