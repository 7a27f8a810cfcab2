package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type nopChat struct{}

func (nopChat) Generate(context.Context, Request, StreamFunc) (*Response, error) {
	return &Response{}, nil
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RegisterChat("fake", func(context.Context, Credentials) (ChatModel, error) {
		return nopChat{}, nil
	})

	if _, err := r.ChatModel(t.Context(), "fake", Credentials{}); err != nil {
		t.Fatalf("ChatModel(fake): %v", err)
	}

	if _, err := r.ChatModel(t.Context(), "anthropic", Credentials{}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("ChatModel(anthropic) error = %v, want ErrUnknownProvider", err)
	}
	if _, err := r.Embedder(t.Context(), "fake", Credentials{}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Embedder(fake) error = %v, want ErrUnknownProvider", err)
	}
}

func TestUpstreamErrorOpaque(t *testing.T) {
	t.Parallel()

	if Upstream("openai", nil) != nil {
		t.Error("Upstream(nil) should be nil")
	}

	cause := errors.New("401 invalid api key sk-secret")
	err := Upstream("openai", cause)

	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("err %T is not an UpstreamError", err)
	}
	if len(upstream.CorrelationID) != 8 {
		t.Errorf("correlation id %q, want 8 hex chars", upstream.CorrelationID)
	}
	if msg := err.Error(); strings.Contains(msg, "sk-secret") || !strings.Contains(msg, upstream.CorrelationID) {
		t.Errorf("message %q leaks the cause or drops the ref", msg)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}

	wrapped := fmt.Errorf("model call: %w", err)
	var again *UpstreamError
	if !errors.As(wrapped, &again) || again.CorrelationID != upstream.CorrelationID {
		t.Error("UpstreamError lost through wrapping")
	}
}
