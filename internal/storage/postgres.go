package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
)

// PostgresOptions tunes the Postgres connection.
type PostgresOptions struct {
	// DialAddress, when set, replaces the host the driver would otherwise
	// resolve. It may be "ip" (port taken from the DSN) or "ip:port". TLS
	// verification still uses the host named in the DSN.
	DialAddress string
	DialTimeout time.Duration
	MaxConns    int
}

// OpenPostgres connects to the Postgres database described by dsn and runs
// pending migrations.
func OpenPostgres(dsn string, opts PostgresOptions) (*Store, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.DialAddress != "" {
		connector.Dialer(&pinnedDialer{
			addr:   opts.DialAddress,
			dialer: net.Dialer{Timeout: timeout},
		})
	}

	db := sql.OpenDB(connector)
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, dialect: dialectPostgres}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// pinnedDialer implements pq.Dialer and pq.DialerContext, sending every
// connection to a fixed address regardless of the host in the DSN.
type pinnedDialer struct {
	addr   string
	dialer net.Dialer
}

// target keeps the port of the requested address unless addr carries its own.
func (d *pinnedDialer) target(address string) string {
	if _, _, err := net.SplitHostPort(d.addr); err == nil {
		return d.addr
	}
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return d.addr
	}
	return net.JoinHostPort(d.addr, port)
}

func (d *pinnedDialer) Dial(network, address string) (net.Conn, error) {
	return d.dialer.Dial(network, d.target(address))
}

func (d *pinnedDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	nd := d.dialer
	nd.Timeout = timeout
	return nd.Dial(network, d.target(address))
}

func (d *pinnedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, network, d.target(address))
}
