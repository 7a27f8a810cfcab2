package database

import (
	"testing"
)

func TestToMigrateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "postgres scheme rewritten",
			in:   "postgres://loom:pw@localhost:5432/loom?sslmode=disable",
			want: "pgx5://loom:pw@localhost:5432/loom?sslmode=disable",
		},
		{
			name: "postgresql scheme rewritten",
			in:   "postgresql://loom@localhost/loom",
			want: "pgx5://loom@localhost/loom",
		},
		{
			name: "pgx5 passes through",
			in:   "pgx5://loom@localhost/loom",
			want: "pgx5://loom@localhost/loom",
		},
		{
			name:    "mysql rejected",
			in:      "mysql://root@localhost/loom",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := toMigrateURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("toMigrateURL(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("toMigrateURL(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("toMigrateURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
