package mcp

import (
	"context"
	"time"
)

// ProbeResult reports whether a server answered the MCP handshake.
type ProbeResult struct {
	Reachable bool   `json:"reachable"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// Probe checks reachability of a server within the timeout. It never returns
// an error: registration of an unreachable server is allowed, the result just
// records why the probe failed.
func (b *Bridge) Probe(ctx context.Context, cfg ServerConfig, timeout time.Duration) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := b.Connect(ctx, cfg)
	if err != nil {
		return ProbeResult{Error: err.Error()}
	}
	defer func() { _ = session.Close() }()

	defs, err := session.Tools(ctx)
	if err != nil {
		return ProbeResult{Error: err.Error()}
	}

	return ProbeResult{Reachable: true, ToolCount: len(defs)}
}
