package postgres

import (
	"fmt"
	"net/url"
)

// Config contains PostgreSQL connection options for the cluster.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// connString builds a PostgreSQL URL with proper escaping, scoped to the
// given database. An empty database falls back to the configured one.
func (c Config) connString(database string) string {
	if database == "" {
		database = c.Database
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort()
	}

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		port,
		url.QueryEscape(database),
		sslMode,
	)
}
