package authz

import "testing"

func TestPrincipalCanSee(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		p        Principal
		ownerID  int64
		isPublic bool
		want     bool
	}{
		{"owner sees own private", Principal{UserID: 1, Role: RoleUser}, 1, false, true},
		{"stranger blocked from private", Principal{UserID: 2, Role: RoleUser}, 1, false, false},
		{"stranger sees public", Principal{UserID: 2, Role: RoleUser}, 1, true, true},
		{"admin sees everything", Principal{UserID: 99, Role: RoleAdmin}, 1, false, true},
		{"system sees everything", Principal{UserID: 99, Role: RoleSystem}, 1, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.p.canSee(tt.ownerID, tt.isPublic); got != tt.want {
				t.Errorf("canSee(%d, %v) = %v, want %v", tt.ownerID, tt.isPublic, got, tt.want)
			}
		})
	}
}

func TestMissingIDs(t *testing.T) {
	t.Parallel()

	visible := []ToolServer{{ID: 1}, {ID: 3}}

	if got := missingIDs([]int64{1, 3}, visible); len(got) != 0 {
		t.Errorf("missingIDs full overlap = %v, want empty", got)
	}
	got := missingIDs([]int64{1, 2, 3, 4}, visible)
	if len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Errorf("missingIDs = %v, want [2 4]", got)
	}
}

func TestDecodeHeaders(t *testing.T) {
	t.Parallel()

	h, err := decodeHeaders(nil)
	if err != nil || h != nil {
		t.Errorf("decodeHeaders(nil) = %v, %v; want nil, nil", h, err)
	}

	h, err = decodeHeaders([]byte(`{"Authorization":"Bearer x"}`))
	if err != nil {
		t.Fatalf("decodeHeaders: %v", err)
	}
	if h["Authorization"] != "Bearer x" {
		t.Errorf("decodeHeaders = %v", h)
	}

	if _, err := decodeHeaders([]byte(`[1,2]`)); err == nil {
		t.Error("decodeHeaders accepted non-object JSON")
	}
}
