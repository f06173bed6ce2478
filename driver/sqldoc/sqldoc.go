// Package sqldoc implements core.Driver on top of a SQL database.
//
// Every collection is a table of (id, doc) rows where doc holds the document
// as canonical extended JSON, so identifiers, dates and numeric types survive
// the round trip. Lookups by _id are pushed down to the id column; every other
// filter is evaluated in process with the eval package. Statements are built
// with squirrel; dialects (see the postgres and sqlite subpackages) supply DDL,
// placeholders and error mapping.
package sqldoc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/logger"
)

var tracer = otel.Tracer("knect/driver/sqldoc")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqldoc."+name)
}

// ErrInvalidCollection is returned for collection names that cannot be used as
// table names.
var ErrInvalidCollection = errors.New("invalid collection name")

var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect adapts the driver to one SQL backend.
type Dialect interface {
	// Name identifies the dialect in logs.
	Name() string
	// Placeholder is the bind parameter format of the backend.
	Placeholder() sq.PlaceholderFormat
	// CreateTable returns the DDL creating a document table if it is missing.
	// The table has a unique text column id and a text column doc.
	CreateTable(table string) string
	// OrderColumn orders rows by insertion.
	OrderColumn() string
	// LockSuffix is appended to selects that precede writes in a
	// transaction ("FOR UPDATE"), or "" when the backend locks otherwise.
	LockSuffix() string
	// HandleError maps backend errors to core errors. It returns nil for nil.
	HandleError(err error) error
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithTablePrefix prefixes every table name.
func WithTablePrefix(prefix string) Option {
	return func(d *Driver) { d.prefix = prefix }
}

// WithConnectTimeout bounds how long Connect retries the initial ping.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.connectTimeout = timeout }
}

// Driver stores documents in SQL tables. It may be shared by multiple
// goroutines.
type Driver struct {
	db             *sql.DB
	dialect        Dialect
	stbl           sq.StatementBuilderType
	logger         logger.Logger
	prefix         string
	connectTimeout time.Duration

	mu     sync.Mutex
	tables map[string]bool // GUARDED_BY(mu)
}

var _ core.Driver = (*Driver)(nil)

// New returns a driver over db. The caller keeps ownership of the dialect;
// Close closes db.
func New(db *sql.DB, dialect Dialect, options ...Option) *Driver {
	d := &Driver{
		db:             db,
		dialect:        dialect,
		stbl:           sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder()),
		logger:         logger.NewNoopLogger(),
		connectTimeout: time.Minute,
		tables:         make(map[string]bool),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// DB returns the underlying database handle.
func (d *Driver) DB() *sql.DB { return d.db }

// Connect waits for the database to answer a ping, retrying with exponential
// backoff.
func (d *Driver) Connect(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = d.connectTimeout
	attempt := 1
	err := backoff.Retry(func() error {
		err := d.db.PingContext(ctx)
		if err != nil {
			d.logger.Info("waiting for database", zap.String("dialect", d.dialect.Name()), zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// Ping checks that the database answers.
func (d *Driver) Ping(ctx context.Context) error {
	return d.dialect.HandleError(d.db.PingContext(ctx))
}

// Close closes the database handle.
func (d *Driver) Close(ctx context.Context) error {
	return d.db.Close()
}

// runner is what *sql.DB and *sql.Tx have in common.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type transaction struct {
	driver *Driver
	tx     *sql.Tx
}

// Transaction begins a SQL transaction.
func (d *Driver) Transaction(ctx context.Context) (core.Transaction, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, d.dialect.HandleError(err)
	}
	return &transaction{driver: d, tx: tx}, nil
}

func (t *transaction) Commit(ctx context.Context) error {
	return t.driver.handleTxError(t.tx.Commit())
}

func (t *transaction) Rollback(ctx context.Context) error {
	return t.driver.handleTxError(t.tx.Rollback())
}

func (d *Driver) handleTxError(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return core.ErrTransactionDone
	}
	return d.dialect.HandleError(err)
}

func (d *Driver) transactionFrom(ctx context.Context) *transaction {
	tx, ok := core.TransactionFrom(ctx).(*transaction)
	if !ok || tx.driver != d {
		return nil
	}
	return tx
}

// reader returns the runner reads use: the transaction in ctx or the pool.
func (d *Driver) reader(ctx context.Context) (runner, bool) {
	if tx := d.transactionFrom(ctx); tx != nil {
		return tx.tx, true
	}
	return d.db, false
}

// within runs fn inside the transaction carried by ctx, or inside a new one
// that commits when fn succeeds.
func (d *Driver) within(ctx context.Context, fn func(r runner) error) error {
	if tx := d.transactionFrom(ctx); tx != nil {
		return fn(tx.tx)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return d.dialect.HandleError(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return d.handleTxError(tx.Commit())
}

// table returns the quoted table of collection, creating it on first use.
// Creation inside a transaction is not cached, since a rollback undoes it on
// backends with transactional DDL.
func (d *Driver) table(ctx context.Context, r runner, inTx bool, collection string) (string, error) {
	if !collectionPattern.MatchString(collection) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCollection, collection)
	}
	table := `"` + d.prefix + collection + `"`

	d.mu.Lock()
	known := d.tables[table]
	d.mu.Unlock()
	if known {
		return table, nil
	}

	if _, err := r.ExecContext(ctx, d.dialect.CreateTable(table)); err != nil {
		return "", d.dialect.HandleError(err)
	}
	if !inTx {
		d.mu.Lock()
		d.tables[table] = true
		d.mu.Unlock()
		d.logger.Debug("table ready", zap.String("table", table), zap.String("dialect", d.dialect.Name()))
	}
	return table, nil
}
