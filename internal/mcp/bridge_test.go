package mcp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/log"
)

func TestServerConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr error
	}{
		{
			name: "streamable http",
			cfg:  ServerConfig{Transport: TransportStreamableHTTP, Endpoint: "https://tools.example.com/mcp"},
		},
		{
			name: "sse",
			cfg:  ServerConfig{Transport: TransportSSE, Endpoint: "http://localhost:9000/sse"},
		},
		{
			name:    "stdio rejected",
			cfg:     ServerConfig{Transport: "stdio", Endpoint: "https://tools.example.com/mcp"},
			wantErr: ErrUnsupportedTransport,
		},
		{
			name:    "missing endpoint",
			cfg:     ServerConfig{Transport: TransportSSE},
			wantErr: ErrInvalidEndpoint,
		},
		{
			name:    "non-http scheme",
			cfg:     ServerConfig{Transport: TransportSSE, Endpoint: "ftp://tools.example.com"},
			wantErr: ErrInvalidEndpoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHeaderTransportInjection(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	client := httpClient(map[string]string{"Authorization": "Bearer token123"})
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if got.Get("Authorization") != "Bearer token123" {
		t.Errorf("Authorization header = %q, want injected bearer", got.Get("Authorization"))
	}
}

func TestProbeUnreachable(t *testing.T) {
	t.Parallel()

	bridge := NewBridge("loom-test", "0.0.1", log.NewNop())

	// Closed port: the probe must report failure, not return an error.
	result := bridge.Probe(t.Context(), ServerConfig{
		Name:      "down",
		Transport: TransportStreamableHTTP,
		Endpoint:  "http://127.0.0.1:1",
	}, 2*time.Second)

	if result.Reachable {
		t.Error("probe of closed port reported reachable")
	}
	if result.Error == "" {
		t.Error("probe of closed port returned empty error message")
	}
}

func TestProbeInvalidConfig(t *testing.T) {
	t.Parallel()

	bridge := NewBridge("loom-test", "0.0.1", log.NewNop())
	result := bridge.Probe(t.Context(), ServerConfig{
		Name:      "bad",
		Transport: "stdio",
		Endpoint:  "https://tools.example.com",
	}, time.Second)

	if result.Reachable || result.Error == "" {
		t.Errorf("probe of invalid config = %+v, want unreachable with message", result)
	}
}
