package llm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// UpstreamError tags a failed provider call with an opaque correlation id.
// Error() is safe to show to clients; the cause stays behind Unwrap for logs.
type UpstreamError struct {
	Provider      string
	CorrelationID string
	cause         error
}

// Upstream wraps a provider call failure. Returns nil for a nil error.
func Upstream(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{
		Provider:      provider,
		CorrelationID: correlationID(),
		cause:         err,
	}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s call failed (ref %s)", e.Provider, e.CorrelationID)
}

func (e *UpstreamError) Unwrap() error { return e.cause }

func correlationID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}
