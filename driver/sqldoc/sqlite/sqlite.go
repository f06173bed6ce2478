// Package sqlite is the SQLite dialect of the sqldoc driver, backed by the pure
// Go modernc.org/sqlite engine.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/sqldoc"
)

// Dialect implements sqldoc.Dialect for SQLite.
type Dialect struct{}

var _ sqldoc.Dialect = Dialect{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (Dialect) CreateTable(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table + " (id TEXT PRIMARY KEY, doc TEXT NOT NULL)"
}

func (Dialect) OrderColumn() string { return "rowid" }

// LockSuffix is empty: transactions take the database lock when they begin
// (see PrepareDSN).
func (Dialect) LockSuffix() string { return "" }

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

// HandleError maps constraint violations to core.ErrDuplicateKey and lock
// contention to core.ErrTransactionConflict.
func (Dialect) HandleError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			return fmt.Errorf("%w: %s", core.ErrDuplicateKey, sqliteErr.Error())
		}
		if _, busy := busyErrors[sqliteErr.Code()]; busy {
			return fmt.Errorf("%w: %s", core.ErrTransactionConflict, sqliteErr.Error())
		}
	}
	return fmt.Errorf("sql error: %w", err)
}

// PrepareDSN adds defaults for journal mode, busy timeout and transaction
// locking to a raw DSN unless it sets them already.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}
		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}
	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// Open opens the database at uri and wraps it in a sqldoc driver. The pool is
// limited to one connection, which serializes access the way SQLite does
// anyway.
func Open(uri string, options ...sqldoc.Option) (*sqldoc.Driver, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	return sqldoc.New(db, Dialect{}, options...), nil
}
