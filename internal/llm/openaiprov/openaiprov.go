// Package openaiprov implements the llm interfaces on the OpenAI chat and
// embeddings APIs. A custom endpoint in the credentials points the client at
// any OpenAI-compatible server.
package openaiprov

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/internal/llm"
)

// Provider is the code used in model key records.
const Provider = "openai"

// Register installs the OpenAI factories into a registry.
func Register(r *llm.Registry) {
	r.RegisterChat(Provider, NewChatModel)
	r.RegisterEmbed(Provider, NewEmbedder)
}

func newClient(creds llm.Credentials) *openai.Client {
	cfg := openai.DefaultConfig(creds.APIKey)
	if creds.Endpoint != "" {
		cfg.BaseURL = creds.Endpoint
	}
	return openai.NewClientWithConfig(cfg)
}

type chatModel struct {
	client *openai.Client
	model  string
}

// NewChatModel creates an OpenAI chat client for one credential set.
func NewChatModel(_ context.Context, creds llm.Credentials) (llm.ChatModel, error) {
	return &chatModel{client: newClient(creds), model: creds.Model}, nil
}

func (m *chatModel) Generate(ctx context.Context, req llm.Request, onToken llm.StreamFunc) (*llm.Response, error) {
	oreq := openai.ChatCompletionRequest{
		Model:         m.model,
		Messages:      buildMessages(req.Messages),
		Tools:         buildTools(req.Tools),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Params.Temperature != nil {
		oreq.Temperature = float32(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		oreq.TopP = float32(*req.Params.TopP)
	}
	if req.Params.MaxTokens != nil {
		oreq.MaxTokens = *req.Params.MaxTokens
	}

	stream, err := m.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, llm.Upstream(Provider, fmt.Errorf("openai stream: %w", err))
	}
	defer stream.Close()

	var (
		text  strings.Builder
		acc   = newToolCallAccumulator()
		usage llm.Usage
	)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, llm.Upstream(Provider, fmt.Errorf("openai stream: %w", err))
		}

		if chunk.Usage != nil {
			usage.InputTokens = int32(chunk.Usage.PromptTokens)
			usage.OutputTokens = int32(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onToken != nil {
				if err := onToken(ctx, delta.Content); err != nil {
					return nil, err
				}
			}
		}
		acc.add(delta.ToolCalls)
	}

	return &llm.Response{Text: text.String(), ToolCalls: acc.finish(), Usage: usage}, nil
}

// toolCallAccumulator reassembles tool calls from stream deltas, which arrive
// fragmented by index with the arguments split across chunks.
type toolCallAccumulator struct {
	order []int
	parts map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{parts: make(map[int]*partialCall)}
}

func (a *toolCallAccumulator) add(deltas []openai.ToolCall) {
	for _, d := range deltas {
		idx := 0
		if d.Index != nil {
			idx = *d.Index
		}
		p, ok := a.parts[idx]
		if !ok {
			p = &partialCall{}
			a.parts[idx] = p
			a.order = append(a.order, idx)
		}
		if d.ID != "" {
			p.id = d.ID
		}
		if d.Function.Name != "" {
			p.name = d.Function.Name
		}
		p.args.WriteString(d.Function.Arguments)
	}
}

func (a *toolCallAccumulator) finish() []llm.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	calls := make([]llm.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		p := a.parts[idx]
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, llm.ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}

func buildMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		if msg.Role == llm.RoleTool {
			m.ToolCallID = msg.ToolCallID
			m.Name = msg.ToolName
		}
		out = append(out, m)
	}
	return out
}

func buildTools(tools []llm.ToolDef) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

type embedder struct {
	client *openai.Client
	model  string
}

// NewEmbedder creates an OpenAI embedding client for one credential set.
func NewEmbedder(_ context.Context, creds llm.Credentials) (llm.Embedder, error) {
	return &embedder{client: newClient(creds), model: creds.Model}, nil
}

func (e *embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, llm.Upstream(Provider, fmt.Errorf("openai embed: %w", err))
	}
	if len(resp.Data) != len(texts) {
		return nil, llm.Upstream(Provider, fmt.Errorf("openai embed: got %d embeddings for %d texts",
			len(resp.Data), len(texts)))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
