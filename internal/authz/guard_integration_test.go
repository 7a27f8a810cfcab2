package authz_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/testutil"
)

func TestGuardModelKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	db := testutil.SetupDB(t)
	guard := authz.NewGuard(db.Pool, log.NewNop())

	ownerID := db.SeedUser(t, "owner@example.com", "user")
	otherID := db.SeedUser(t, "other@example.com", "user")
	adminID := db.SeedUser(t, "admin@example.com", "admin")

	owner := authz.Principal{UserID: ownerID, Role: authz.RoleUser}
	other := authz.Principal{UserID: otherID, Role: authz.RoleUser}
	admin := authz.Principal{UserID: adminID, Role: authz.RoleAdmin}

	key := &authz.ModelKey{
		Provider: "googleai",
		Model:    "gemini-2.5-flash",
		Purpose:  authz.PurposeChat,
		APIKey:   "secret-1",
	}
	if err := guard.CreateModelKey(ctx, owner, key); err != nil {
		t.Fatalf("creating key: %v", err)
	}

	t.Run("owner loads with secret", func(t *testing.T) {
		got, err := guard.LoadModelKey(ctx, owner, key.ID, authz.PurposeChat)
		if err != nil {
			t.Fatalf("LoadModelKey: %v", err)
		}
		if got.APIKey != "secret-1" {
			t.Errorf("secret = %q", got.APIKey)
		}
	})

	t.Run("stranger denied as not found", func(t *testing.T) {
		_, err := guard.LoadModelKey(ctx, other, key.ID, authz.PurposeChat)
		if !errors.Is(err, authz.ErrModelKeyNotFound) {
			t.Errorf("err = %v, want ErrModelKeyNotFound", err)
		}
	})

	t.Run("admin bypasses ownership", func(t *testing.T) {
		if _, err := guard.LoadModelKey(ctx, admin, key.ID, authz.PurposeChat); err != nil {
			t.Errorf("admin load: %v", err)
		}
	})

	t.Run("wrong purpose rejected", func(t *testing.T) {
		_, err := guard.LoadModelKey(ctx, owner, key.ID, authz.PurposeEmbedding)
		if !errors.Is(err, authz.ErrWrongPurpose) {
			t.Errorf("err = %v, want ErrWrongPurpose", err)
		}
	})

	t.Run("list omits secrets", func(t *testing.T) {
		keys, err := guard.ListModelKeys(ctx, owner)
		if err != nil {
			t.Fatalf("ListModelKeys: %v", err)
		}
		if len(keys) != 1 || keys[0].APIKey != "" {
			t.Errorf("keys = %+v", keys)
		}
	})

	t.Run("find prefers owned over public", func(t *testing.T) {
		public := &authz.ModelKey{
			Provider: "googleai",
			Model:    "gemini-embedding-001",
			Purpose:  authz.PurposeEmbedding,
			APIKey:   "public-secret",
			IsPublic: true,
		}
		if err := guard.CreateModelKey(ctx, other, public); err != nil {
			t.Fatalf("creating public key: %v", err)
		}
		owned := &authz.ModelKey{
			Provider: "googleai",
			Model:    "gemini-embedding-001",
			Purpose:  authz.PurposeEmbedding,
			APIKey:   "owned-secret",
		}
		if err := guard.CreateModelKey(ctx, owner, owned); err != nil {
			t.Fatalf("creating owned key: %v", err)
		}

		got, err := guard.FindModelKey(ctx, owner, "googleai", "gemini-embedding-001", authz.PurposeEmbedding)
		if err != nil {
			t.Fatalf("FindModelKey: %v", err)
		}
		if got.ID != owned.ID {
			t.Errorf("resolved key %d, want owned %d", got.ID, owned.ID)
		}
	})
}

func TestGuardToolServerBatchFailsClosed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	db := testutil.SetupDB(t)
	guard := authz.NewGuard(db.Pool, log.NewNop())

	ownerID := db.SeedUser(t, "owner@example.com", "user")
	otherID := db.SeedUser(t, "other@example.com", "user")
	owner := authz.Principal{UserID: ownerID, Role: authz.RoleUser}
	other := authz.Principal{UserID: otherID, Role: authz.RoleUser}

	srv := &authz.ToolServer{
		Name:      "private",
		Transport: "sse",
		Endpoint:  "http://tools.internal/mcp",
		Headers:   map[string]string{"Authorization": "Bearer t"},
	}
	if err := guard.CreateToolServer(ctx, owner, srv); err != nil {
		t.Fatalf("creating tool server: %v", err)
	}

	servers, err := guard.AuthorizeToolServers(ctx, owner, []int64{srv.ID})
	if err != nil {
		t.Fatalf("owner batch: %v", err)
	}
	if len(servers) != 1 || servers[0].Headers["Authorization"] != "Bearer t" {
		t.Errorf("servers = %+v", servers)
	}

	// One invisible ID poisons the whole batch.
	if _, err := guard.AuthorizeToolServers(ctx, other, []int64{srv.ID}); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("stranger batch err = %v, want ErrForbidden", err)
	}
	if _, err := guard.AuthorizeToolServers(ctx, owner, []int64{srv.ID, srv.ID + 999}); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("missing id batch err = %v, want ErrForbidden", err)
	}
}

func TestGuardToolServerUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	db := testutil.SetupDB(t)
	guard := authz.NewGuard(db.Pool, log.NewNop())

	ownerID := db.SeedUser(t, "owner@example.com", "user")
	otherID := db.SeedUser(t, "other@example.com", "user")
	owner := authz.Principal{UserID: ownerID, Role: authz.RoleUser}
	other := authz.Principal{UserID: otherID, Role: authz.RoleUser}

	first := &authz.ToolServer{
		Name: "alpha", Transport: "sse", Endpoint: "http://tools.internal/a",
	}
	second := &authz.ToolServer{
		Name: "beta", Transport: "sse", Endpoint: "http://tools.internal/b",
	}
	for _, srv := range []*authz.ToolServer{first, second} {
		if err := guard.CreateToolServer(ctx, owner, srv); err != nil {
			t.Fatalf("creating %s: %v", srv.Name, err)
		}
	}

	t.Run("rename and repoint", func(t *testing.T) {
		name := "alpha-v2"
		endpoint := "http://tools.internal/a2"
		got, err := guard.UpdateToolServer(ctx, owner, first.ID, authz.ToolServerUpdate{
			Name: &name, Endpoint: &endpoint,
		})
		if err != nil {
			t.Fatalf("UpdateToolServer: %v", err)
		}
		if got.Name != "alpha-v2" || got.Endpoint != endpoint {
			t.Errorf("updated = %+v", got)
		}
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		name := "beta"
		_, err := guard.UpdateToolServer(ctx, owner, first.ID, authz.ToolServerUpdate{Name: &name})
		if !errors.Is(err, authz.ErrNameTaken) {
			t.Errorf("err = %v, want ErrNameTaken", err)
		}
	})

	t.Run("stranger denied as not found", func(t *testing.T) {
		name := "hijacked"
		_, err := guard.UpdateToolServer(ctx, other, first.ID, authz.ToolServerUpdate{Name: &name})
		if !errors.Is(err, authz.ErrToolServerNotFound) {
			t.Errorf("err = %v, want ErrToolServerNotFound", err)
		}
	})
}
