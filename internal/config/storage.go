package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// quoteDSNValue quotes a value for PostgreSQL key=value DSN format.
// Within single quotes, backslashes and single quotes are escaped.
func quoteDSNValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// PostgresConnectionString returns the PostgreSQL DSN for the pgx driver.
// Password is single-quoted to handle special characters (spaces, =, quotes).
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresUser,
		quoteDSNValue(c.PostgresPassword),
		c.PostgresDBName,
		c.PostgresSSLMode,
	)
}

// PostgresURL returns the PostgreSQL URL for golang-migrate.
// Uses url.URL for proper encoding of special characters in credentials.
func (c *Config) PostgresURL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:     c.PostgresDBName,
		RawQuery: fmt.Sprintf("sslmode=%s", c.PostgresSSLMode),
	}
	return u.String()
}

// parseDatabaseURL parses the DATABASE_URL environment variable and overrides
// individual postgres_* settings. Commonly used in cloud deployments.
func (c *Config) parseDatabaseURL() error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil
	}

	parsed, err := url.Parse(dbURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL format: %w", err)
	}

	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://, got %q", parsed.Scheme)
	}

	if host := parsed.Hostname(); host != "" {
		c.PostgresHost = host
	}
	if portStr := parsed.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid port in DATABASE_URL: %w", err)
		}
		c.PostgresPort = port
	}
	if user := parsed.User.Username(); user != "" {
		c.PostgresUser = user
	}
	if pass, ok := parsed.User.Password(); ok {
		c.PostgresPassword = pass
	}
	if db := strings.TrimPrefix(parsed.Path, "/"); db != "" {
		c.PostgresDBName = db
	}
	if ssl := parsed.Query().Get("sslmode"); ssl != "" {
		c.PostgresSSLMode = ssl
	}
	return nil
}
