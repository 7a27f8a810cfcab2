// Package llm defines the provider-agnostic model interfaces and the factory
// registry that maps provider codes to concrete clients.
//
// Credentials are per-request: every model call carries the key resolved for
// the requesting user, so clients are constructed on demand rather than held
// as process-wide singletons.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownProvider indicates a provider code with no registered factory.
var ErrUnknownProvider = errors.New("unknown model provider")

// Role identifies the author of a message sent to a model.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Message is one entry of the model input.
//
// ToolCalls is set on assistant messages that requested tools; ToolCallID and
// ToolName are set on tool messages carrying a result back.
type Message struct {
	Role      Role
	Content   string
	ToolCalls []ToolCall

	ToolCallID string
	ToolName   string
}

// ToolDef describes a callable tool offered to the model. InputSchema is a
// JSON Schema object.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Params are per-call sampling settings. Nil fields use provider defaults.
type Params struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Request is one model invocation.
type Request struct {
	Messages []Message
	Tools    []ToolDef
	Params   Params
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int32
	OutputTokens int32
}

// Response is the model's complete reply after streaming finishes.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// StreamFunc receives text deltas as the model produces them. Returning an
// error aborts the stream.
type StreamFunc func(ctx context.Context, token string) error

// ChatModel generates replies, streaming text through onToken and returning
// the assembled response. onToken may be nil when streaming is not needed.
type ChatModel interface {
	Generate(ctx context.Context, req Request, onToken StreamFunc) (*Response, error)
}

// Embedder maps texts to vectors. All returned vectors share one dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Credentials configure one client instance for one user key.
type Credentials struct {
	APIKey   string
	Endpoint string
	Model    string
}

// ChatFactory builds a chat client for one credential set.
type ChatFactory func(ctx context.Context, creds Credentials) (ChatModel, error)

// EmbedFactory builds an embedding client for one credential set.
type EmbedFactory func(ctx context.Context, creds Credentials) (Embedder, error)

// Registry maps provider codes to factories. It is populated explicitly at
// wiring time; there is no package-level registration.
type Registry struct {
	chat  map[string]ChatFactory
	embed map[string]EmbedFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		chat:  make(map[string]ChatFactory),
		embed: make(map[string]EmbedFactory),
	}
}

// RegisterChat adds a chat factory for a provider code.
func (r *Registry) RegisterChat(provider string, f ChatFactory) {
	r.chat[provider] = f
}

// RegisterEmbed adds an embedding factory for a provider code.
func (r *Registry) RegisterEmbed(provider string, f EmbedFactory) {
	r.embed[provider] = f
}

// ChatModel constructs a chat client for the provider.
func (r *Registry) ChatModel(ctx context.Context, provider string, creds Credentials) (ChatModel, error) {
	f, ok := r.chat[provider]
	if !ok {
		return nil, fmt.Errorf("chat provider %q: %w", provider, ErrUnknownProvider)
	}
	return f(ctx, creds)
}

// Embedder constructs an embedding client for the provider.
func (r *Registry) Embedder(ctx context.Context, provider string, creds Credentials) (Embedder, error) {
	f, ok := r.embed[provider]
	if !ok {
		return nil, fmt.Errorf("embedding provider %q: %w", provider, ErrUnknownProvider)
	}
	return f(ctx, creds)
}
