// Package googleai implements the llm interfaces on the Gemini API.
package googleai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/loomhq/loom/internal/llm"
)

// Provider is the code used in model key records.
const Provider = "googleai"

// Register installs the Gemini factories into a registry.
func Register(r *llm.Registry) {
	r.RegisterChat(Provider, NewChatModel)
	r.RegisterEmbed(Provider, NewEmbedder)
}

type chatModel struct {
	client *genai.Client
	model  string
}

// NewChatModel creates a Gemini chat client for one credential set.
func NewChatModel(ctx context.Context, creds llm.Credentials) (llm.ChatModel, error) {
	client, err := newClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &chatModel{client: client, model: creds.Model}, nil
}

func newClient(ctx context.Context, creds llm.Credentials) (*genai.Client, error) {
	cfg := &genai.ClientConfig{APIKey: creds.APIKey}
	if creds.Endpoint != "" {
		cfg.HTTPOptions.BaseURL = creds.Endpoint
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return client, nil
}

func (m *chatModel) Generate(ctx context.Context, req llm.Request, onToken llm.StreamFunc) (*llm.Response, error) {
	contents, system := buildContents(req.Messages)
	config := buildConfig(req, system)

	var (
		text  strings.Builder
		calls []llm.ToolCall
		usage llm.Usage
	)

	for chunk, err := range m.client.Models.GenerateContentStream(ctx, m.model, contents, config) {
		if err != nil {
			return nil, llm.Upstream(Provider, fmt.Errorf("gemini stream: %w", err))
		}
		if chunk.UsageMetadata != nil {
			usage.InputTokens = chunk.UsageMetadata.PromptTokenCount
			usage.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
			continue
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
				if onToken != nil {
					if err := onToken(ctx, part.Text); err != nil {
						return nil, err
					}
				}
			}
			if part.FunctionCall != nil {
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					return nil, fmt.Errorf("encoding function call args: %w", err)
				}
				id := part.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", len(calls))
				}
				calls = append(calls, llm.ToolCall{
					ID:        id,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}

	return &llm.Response{Text: text.String(), ToolCalls: calls, Usage: usage}, nil
}

// buildContents converts messages to Gemini contents, splitting out the
// system instruction. Multiple system messages merge into one instruction so
// an injected context block does not displace the base prompt.
func buildContents(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	var (
		contents []*genai.Content
		system   *genai.Content
	)
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			if system == nil {
				system = genai.NewContentFromText(msg.Content, genai.RoleUser)
			} else {
				system.Parts = append(system.Parts, &genai.Part{Text: msg.Content})
			}

		case llm.RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))

		case llm.RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		case llm.RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.ToolName,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})
		}
	}
	return contents, system
}

func buildConfig(req llm.Request, system *genai.Content) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{SystemInstruction: system}

	if req.Params.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Params.Temperature))
	}
	if req.Params.TopP != nil {
		config.TopP = genai.Ptr(float32(*req.Params.TopP))
	}
	if req.Params.MaxTokens != nil {
		config.MaxOutputTokens = int32(*req.Params.MaxTokens)
	}

	for _, t := range req.Tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toSchema(t.InputSchema),
			}},
		})
	}
	return config
}

// toSchema converts a JSON Schema document to the Gemini schema type.
// Unsupported keywords are dropped rather than rejected.
func toSchema(raw json.RawMessage) *genai.Schema {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return mapToSchema(m)
}

func mapToSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = mapToSchema(pm)
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = mapToSchema(items)
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

type embedder struct {
	client *genai.Client
	model  string
}

// NewEmbedder creates a Gemini embedding client for one credential set.
func NewEmbedder(ctx context.Context, creds llm.Credentials) (llm.Embedder, error) {
	client, err := newClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &embedder{client: client, model: creds.Model}, nil
}

func (e *embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, llm.Upstream(Provider, fmt.Errorf("gemini embed: %w", err))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, llm.Upstream(Provider, fmt.Errorf("gemini embed: got %d embeddings for %d texts",
			len(resp.Embeddings), len(texts)))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}
