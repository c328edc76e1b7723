package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/rzpsarthak13/likebatch/internal/core"
)

// Compile-time interface check.
var _ core.Database = (*SQLDatabase)(nil)

// SQLDatabase implements core.Database on top of database/sql.
type SQLDatabase struct {
	db      *sql.DB
	dialect core.Dialect
	logger  *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

// MySQLOptions holds the connection settings for NewMySQLDatabase.
type MySQLOptions struct {
	Host              string
	Port              int
	Database          string
	Username          string
	Password          string
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	ConnectionTimeout time.Duration
}

// NewMySQLDatabase opens and pings a MySQL connection pool.
func NewMySQLDatabase(opts MySQLOptions, logger *logrus.Logger) (*SQLDatabase, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=%s",
		opts.Username, opts.Password, opts.Host, opts.Port, opts.Database, opts.ConnectionTimeout)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newSQLDatabase(db, core.DialectMySQL, logger), nil
}

// NewSQLiteDatabase opens a SQLite database at dsn. Use ":memory:" for a
// private in-memory database.
//
// The pool is limited to a single connection: SQLite serialises writers
// anyway, and every connection to ":memory:" would otherwise see its own
// empty database.
func NewSQLiteDatabase(dsn string, logger *logrus.Logger) (*SQLDatabase, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return newSQLDatabase(db, core.DialectSQLite, logger), nil
}

func newSQLDatabase(db *sql.DB, dialect core.Dialect, logger *logrus.Logger) *SQLDatabase {
	return &SQLDatabase{
		db:      db,
		dialect: dialect,
		logger:  logger.WithField("component", "database").WithField("dialect", dialect),
	}
}

func (d *SQLDatabase) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// Query executes a SELECT query and returns rows.
func (d *SQLDatabase) Query(ctx context.Context, query string, args ...interface{}) (core.Rows, error) {
	if d.isClosed() {
		return nil, core.ErrStoreClosed
	}
	d.logger.Debugf("query: %s args: %v", query, args)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return &sqlRows{rows: rows}, nil
}

// QueryRow executes a query that returns at most one row.
func (d *SQLDatabase) QueryRow(ctx context.Context, query string, args ...interface{}) core.Row {
	if d.isClosed() {
		return errRow{err: core.ErrStoreClosed}
	}
	d.logger.Debugf("query row: %s args: %v", query, args)
	return d.db.QueryRowContext(ctx, query, args...)
}

// Exec executes a non-query statement and returns a result.
func (d *SQLDatabase) Exec(ctx context.Context, query string, args ...interface{}) (core.Result, error) {
	if d.isClosed() {
		return nil, core.ErrStoreClosed
	}
	d.logger.Debugf("exec: %s args: %v", query, args)
	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}
	return result, nil
}

// BeginTx starts a new transaction.
func (d *SQLDatabase) BeginTx(ctx context.Context) (core.Transaction, error) {
	if d.isClosed() {
		return nil, core.ErrStoreClosed
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTransaction{tx: tx}, nil
}

// Dialect returns the SQL flavour of the database.
func (d *SQLDatabase) Dialect() core.Dialect {
	return d.dialect
}

// Close closes the database connection.
func (d *SQLDatabase) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// sqlRows wraps sql.Rows to implement core.Rows.
type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool {
	return r.rows.Next()
}

func (r *sqlRows) Scan(dest ...interface{}) error {
	return r.rows.Scan(dest...)
}

func (r *sqlRows) Close() error {
	return r.rows.Close()
}

func (r *sqlRows) Err() error {
	return r.rows.Err()
}

type errRow struct {
	err error
}

func (r errRow) Scan(dest ...interface{}) error {
	return r.err
}

// sqlTransaction wraps sql.Tx to implement core.Transaction.
type sqlTransaction struct {
	tx *sql.Tx
}

func (t *sqlTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTransaction) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func (t *sqlTransaction) Query(ctx context.Context, query string, args ...interface{}) (core.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}

func (t *sqlTransaction) QueryRow(ctx context.Context, query string, args ...interface{}) core.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqlTransaction) Exec(ctx context.Context, query string, args ...interface{}) (core.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}
