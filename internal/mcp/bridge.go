// Package mcp bridges remote MCP tool servers into the conversation engine.
// It connects over streamable HTTP or SSE, lists the tools a server offers,
// and routes tool calls back to the session that owns them.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
)

// Transports accepted for remote servers. Stdio is deliberately absent: the
// engine never spawns processes on behalf of users.
const (
	TransportStreamableHTTP = "streamable_http"
	TransportSSE            = "sse"
)

var (
	// ErrUnsupportedTransport indicates a transport outside the allowed set.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrInvalidEndpoint indicates a missing or non-HTTP endpoint URL.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrToolFailed indicates the remote tool ran and reported an error.
	ErrToolFailed = errors.New("tool execution failed")
)

// ServerConfig describes one remote server to connect to.
type ServerConfig struct {
	Name      string
	Transport string
	Endpoint  string
	Headers   map[string]string
}

// Validate checks transport and endpoint before any connection attempt.
func (c ServerConfig) Validate() error {
	switch c.Transport {
	case TransportStreamableHTTP, TransportSSE:
	default:
		return fmt.Errorf("%w: %q (allowed: %s, %s)",
			ErrUnsupportedTransport, c.Transport, TransportStreamableHTTP, TransportSSE)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || c.Endpoint == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, c.Endpoint)
	}
	return nil
}

// Bridge creates client sessions to remote servers.
type Bridge struct {
	impl   *mcp.Implementation
	logger log.Logger
}

// NewBridge creates a bridge identifying itself with the given name and
// version during the MCP handshake.
func NewBridge(name, version string, logger log.Logger) *Bridge {
	return &Bridge{
		impl:   &mcp.Implementation{Name: name, Version: version},
		logger: logger,
	}
}

// headerTransport injects per-server headers into every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

func httpClient(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &headerTransport{base: http.DefaultTransport, headers: headers},
	}
}

// Connect opens a session to one server.
func (b *Bridge) Connect(ctx context.Context, cfg ServerConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var transport mcp.Transport
	switch cfg.Transport {
	case TransportStreamableHTTP:
		transport = &mcp.StreamableClientTransport{
			Endpoint:   cfg.Endpoint,
			HTTPClient: httpClient(cfg.Headers),
		}
	case TransportSSE:
		transport = &mcp.SSEClientTransport{
			Endpoint:   cfg.Endpoint,
			HTTPClient: httpClient(cfg.Headers),
		}
	}

	client := mcp.NewClient(b.impl, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Name, err)
	}

	b.logger.Debug("mcp session opened", "server", cfg.Name, "transport", cfg.Transport)
	return &Session{name: cfg.Name, session: session}, nil
}

// Session is an open connection to one tool server.
type Session struct {
	name    string
	session *mcp.ClientSession
}

// Name returns the server's registered name.
func (s *Session) Name() string { return s.name }

// Close tears down the session.
func (s *Session) Close() error { return s.session.Close() }

// Tools lists the server's tools as model-facing definitions.
func (s *Session) Tools(ctx context.Context) ([]llm.ToolDef, error) {
	result, err := s.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("listing tools on %s: %w", s.name, err)
	}

	defs := make([]llm.ToolDef, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encoding schema for %s/%s: %w", s.name, t.Name, err)
		}
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return defs, nil
}

// Call invokes a tool and returns its textual output. A result the server
// flags as an error is returned as ErrToolFailed with the output attached.
func (s *Session) Call(ctx context.Context, tool string, args json.RawMessage) (string, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("decoding arguments for %s/%s: %w", s.name, tool, err)
		}
	}

	result, err := s.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: arguments,
	})
	if err != nil {
		return "", fmt.Errorf("calling %s/%s: %w", s.name, tool, err)
	}

	var out strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			out.WriteString(text.Text)
		}
	}

	if result.IsError {
		return "", fmt.Errorf("%s/%s: %s: %w", s.name, tool, out.String(), ErrToolFailed)
	}
	return out.String(), nil
}

// Toolset aggregates the tools of several sessions and routes calls by tool
// name. On a name collision the first server wins; later duplicates are
// skipped so the model never sees an ambiguous tool list.
type Toolset struct {
	defs     []llm.ToolDef
	route    map[string]*Session
	sessions []*Session
}

// BuildToolset connects to all servers and collects their tools. Sessions
// stay open until Close.
func (b *Bridge) BuildToolset(ctx context.Context, configs []ServerConfig) (*Toolset, error) {
	ts := &Toolset{route: make(map[string]*Session)}

	for _, cfg := range configs {
		session, err := b.Connect(ctx, cfg)
		if err != nil {
			ts.Close()
			return nil, err
		}
		ts.sessions = append(ts.sessions, session)
		defs, err := session.Tools(ctx)
		if err != nil {
			ts.Close()
			return nil, err
		}
		for _, def := range defs {
			if _, taken := ts.route[def.Name]; taken {
				b.logger.Warn("duplicate tool name skipped",
					"tool", def.Name, "server", cfg.Name)
				continue
			}
			ts.route[def.Name] = session
			ts.defs = append(ts.defs, def)
		}
	}
	return ts, nil
}

// Defs returns the aggregated tool definitions.
func (ts *Toolset) Defs() []llm.ToolDef { return ts.defs }

// Call routes a tool call to the owning session.
func (ts *Toolset) Call(ctx context.Context, tool string, args json.RawMessage) (string, error) {
	session, ok := ts.route[tool]
	if !ok {
		return "", fmt.Errorf("no server offers tool %q", tool)
	}
	return session.Call(ctx, tool, args)
}

// Close closes every underlying session.
func (ts *Toolset) Close() {
	for _, s := range ts.sessions {
		_ = s.Close()
	}
	ts.sessions = nil
}
