// Package mariadb reads user-confirmed face labels straight from PhotoPrism's MariaDB.
package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kozaktomas/photo-faces/internal/logging"
)

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second
)

// Pool is a small read-only connection pool to PhotoPrism's database.
type Pool struct {
	db *sql.DB
}

// NewPool connects with dsn (e.g. photoprism:secret@tcp(mariadb:3306)/photoprism) and
// verifies the connection. Timestamps are parsed and dial/read timeouts applied regardless
// of what the DSN says.
func NewPool(dsn string) (*Pool, error) {
	if dsn == "" {
		return nil, errors.New("MariaDB DSN is required")
	}

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MariaDB DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Timeout = connectTimeout
	cfg.ReadTimeout = readTimeout

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure MariaDB: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MariaDB at %s: %w", cfg.Addr, err)
	}

	logging.Component("mariadb").WithFields(logging.Fields{
		"addr":     cfg.Addr,
		"database": cfg.DBName,
	}).Debug("Connected to PhotoPrism database")
	return &Pool{db: db}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p.db == nil {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("closing MariaDB connection: %w", err)
	}
	return nil
}
