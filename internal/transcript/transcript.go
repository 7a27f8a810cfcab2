// Package transcript persists conversations and their append-only turn log.
//
// A conversation is a sequence of turns: user inputs, assistant replies, and
// tool invocations. Tool turns carry the call identifier assigned by the
// model so the message builder can reattach results to the assistant turn
// that requested them.
package transcript

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrConversationNotFound indicates the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidTurn indicates a turn that fails validation before insert.
	ErrInvalidTurn = errors.New("invalid turn")
)

// Conversation is a chat thread owned by a single user.
type Conversation struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	Title             string          `json:"title,omitempty"`
	DefaultModelKeyID *int64          `json:"default_model_key_id,omitempty"`
	DefaultParams     json.RawMessage `json:"default_params,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         *time.Time      `json:"updated_at,omitempty"`
}

// Turn is one entry in a conversation's log.
//
// Kind decides which fields are meaningful: user and system turns carry only
// Content; assistant turns carry Content plus model identity and usage; tool
// turns carry the tool fields and an optional Error.
type Turn struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Kind           Kind   `json:"role"`
	Content        string `json:"content,omitempty"`

	// Tool invocation (the tool variants, and recorded on the assistant turn
	// that issued the calls).
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	Error      string          `json:"error,omitempty"`

	// Model identity and usage (KindAssistant).
	ModelKeyID    *int64          `json:"model_key_id,omitempty"`
	ModelProvider string          `json:"model_provider,omitempty"`
	ModelName     string          `json:"model_name,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	InputTokens   *int32          `json:"input_tokens,omitempty"`
	OutputTokens  *int32          `json:"output_tokens,omitempty"`
	LatencyMS     *int32          `json:"latency_ms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks kind-specific field requirements.
func (t *Turn) Validate() error {
	if t.ConversationID <= 0 {
		return errors.Join(ErrInvalidTurn, errors.New("conversation id required"))
	}
	if !t.Kind.Valid() {
		return errors.Join(ErrInvalidTurn, ErrUnknownRole)
	}
	if t.Kind.IsTool() && t.ToolName == "" {
		return errors.Join(ErrInvalidTurn, errors.New("tool turn requires tool name"))
	}
	return nil
}
