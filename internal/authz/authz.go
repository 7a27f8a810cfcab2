// Package authz enforces resource visibility for model keys, tool servers,
// and collections.
//
// The rules are uniform: a resource is visible to its owner, to admins, and
// to everyone when marked public. Denials for single resources are reported
// as not-found so callers cannot probe for the existence of other tenants'
// resources.
package authz

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrForbidden indicates the principal may not use the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrModelKeyNotFound indicates the model key does not exist, is
	// inactive, or is not visible to the principal.
	ErrModelKeyNotFound = errors.New("model key not found")

	// ErrWrongPurpose indicates a key registered for a different purpose
	// (chat vs embedding) than the caller requires.
	ErrWrongPurpose = errors.New("model key has wrong purpose")

	// ErrCollectionNotFound indicates the collection does not exist or is
	// not visible to the principal.
	ErrCollectionNotFound = errors.New("collection not found")
)

// Role values stored on users.
const (
	RoleUser   = "user"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Principal identifies the authenticated caller.
type Principal struct {
	UserID int64
	Role   string
}

// IsAdmin reports whether the principal bypasses ownership checks.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin || p.Role == RoleSystem
}

// canSee reports the uniform visibility rule.
func (p Principal) canSee(ownerID int64, isPublic bool) bool {
	return p.IsAdmin() || isPublic || ownerID == p.UserID
}

// Purpose values for model keys.
const (
	PurposeChat      = "chat"
	PurposeEmbedding = "embedding"
)

// ModelKey is a provider credential registered by a user. APIKey is only
// populated by LoadModelKey after the visibility check passes.
type ModelKey struct {
	ID       int64  `json:"id"`
	Alias    string `json:"alias,omitempty"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Purpose  string `json:"purpose"`
	Endpoint string `json:"endpoint,omitempty"`
	IsPublic bool   `json:"is_public"`
	IsActive bool   `json:"is_active"`
	OwnerID  int64  `json:"owner_id"`

	APIKey string `json:"-"`
}

// ToolServer is a registered MCP endpoint.
type ToolServer struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Transport   string            `json:"transport"`
	Endpoint    string            `json:"endpoint"`
	Headers     map[string]string `json:"headers,omitempty"`
	IsPublic    bool              `json:"is_public"`
	OwnerID     int64             `json:"owner_id"`
	CreatedAt   time.Time         `json:"created_at"`
}

// decodeHeaders unmarshals the stored JSONB header map, tolerating NULL.
func decodeHeaders(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, err
	}
	return h, nil
}
