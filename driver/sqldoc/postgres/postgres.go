// Package postgres is the PostgreSQL dialect of the sqldoc driver, connecting
// through the pgx stdlib adapter.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/sqldoc"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Dialect implements sqldoc.Dialect for PostgreSQL.
type Dialect struct{}

var _ sqldoc.Dialect = Dialect{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Placeholder() sq.PlaceholderFormat { return sq.Dollar }

func (Dialect) CreateTable(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table + " (seq BIGSERIAL, id TEXT PRIMARY KEY, doc TEXT NOT NULL)"
}

func (Dialect) OrderColumn() string { return "seq" }

func (Dialect) LockSuffix() string { return "FOR UPDATE" }

// HandleError maps unique violations to core.ErrDuplicateKey and
// serialization failures to core.ErrTransactionConflict.
func (Dialect) HandleError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", core.ErrDuplicateKey, pgErr.Detail)
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", core.ErrTransactionConflict, pgErr.Message)
		}
	}
	return fmt.Errorf("sql error: %w", err)
}

// Config holds connection pool settings.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Open opens a pool for uri and wraps it in a sqldoc driver. Call Connect to
// wait for the server.
func Open(uri string, cfg Config, options ...sqldoc.Option) (*sqldoc.Driver, error) {
	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return sqldoc.New(db, Dialect{}, options...), nil
}
