package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresUser:    "loom",
		PostgresDBName:  "loom",
		PostgresSSLMode: "disable",
		MaxTurns:        5,
		HistoryLimit:    1000,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }, ErrInvalidListenAddr},
		{"empty host", func(c *Config) { c.PostgresHost = "" }, ErrInvalidPostgresHost},
		{"port too high", func(c *Config) { c.PostgresPort = 70000 }, ErrInvalidPostgresPort},
		{"port zero", func(c *Config) { c.PostgresPort = 0 }, ErrInvalidPostgresPort},
		{"empty dbname", func(c *Config) { c.PostgresDBName = "" }, ErrInvalidPostgresDBName},
		{"bad sslmode", func(c *Config) { c.PostgresSSLMode = "maybe" }, ErrInvalidPostgresSSLMode},
		{"zero max turns", func(c *Config) { c.MaxTurns = 0 }, ErrInvalidMaxTurns},
		{"excessive max turns", func(c *Config) { c.MaxTurns = 51 }, ErrInvalidMaxTurns},
		{"zero history limit", func(c *Config) { c.HistoryLimit = 0 }, ErrInvalidHistoryLimit},
		{"history limit over max", func(c *Config) { c.HistoryLimit = MaxHistoryLimit + 1 }, ErrInvalidHistoryLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPostgresConnectionStringQuotesPassword(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PostgresPassword = "p'ass word"

	dsn := cfg.PostgresConnectionString()
	if !strings.Contains(dsn, `password='p\'ass word'`) {
		t.Errorf("DSN does not quote password: %s", dsn)
	}
}

func TestPostgresURLEncodesCredentials(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PostgresUser = "user@corp"
	cfg.PostgresPassword = "p@ss/word"

	url := cfg.PostgresURL()
	if strings.Contains(url, "p@ss/word") {
		t.Errorf("URL leaks unencoded password: %s", url)
	}
	if !strings.HasPrefix(url, "postgres://") {
		t.Errorf("URL scheme: %s", url)
	}
	if !strings.Contains(url, "sslmode=disable") {
		t.Errorf("URL missing sslmode: %s", url)
	}
}

func TestConfigJSONMasksPassword(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PostgresPassword = "supersecret"

	out, err := cfg.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "supersecret") {
		t.Errorf("marshaled config leaks password: %s", out)
	}
	if !strings.Contains(string(out), `"postgres_password":"***"`) {
		t.Errorf("marshaled config missing mask: %s", out)
	}
}
