// Package postgres adapts jackc/pgx to the dspool driver interface.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dataplane-io/dspool/pkg/driver"
	"github.com/dataplane-io/dspool/pkg/dserrors"
)

// closeTimeout bounds connection teardown so pool shutdown cannot hang
// on an unresponsive server.
const closeTimeout = 5 * time.Second

// Driver opens PostgreSQL connections from postgres:// and postgresql:// URLs.
type Driver struct{}

// Open establishes a single physical PostgreSQL connection.
func (d *Driver) Open(ctx context.Context, rawURL, username, password string) (driver.Conn, error) {
	cfg, err := pgx.ParseConfig(rawURL)
	if err != nil {
		return nil, dserrors.Wrap(err, dserrors.ErrorTypeInvalidConfig, "malformed postgres URL")
	}

	if username != "" {
		cfg.User = username
	}
	if password != "" {
		cfg.Password = password
	}

	raw, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &conn{raw: raw}, nil
}

type conn struct {
	raw *pgx.Conn
}

func (c *conn) Ping(ctx context.Context) error {
	return c.raw.Ping(ctx)
}

func (c *conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.raw.Close(ctx)
}
