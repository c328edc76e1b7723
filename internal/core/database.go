package core

import (
	"context"
	"database/sql"
)

// ErrNoRows is returned by Row.Scan when the query matched nothing.
var ErrNoRows = sql.ErrNoRows

// Dialect identifies the SQL flavour of a Database.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// Database is the subset of a SQL connection pool the stores rely on.
type Database interface {
	// Query executes a SELECT query and returns rows.
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, query string, args ...interface{}) Row

	// Exec executes a non-query statement.
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// BeginTx starts a new transaction.
	BeginTx(ctx context.Context) (Transaction, error)

	// Dialect returns the SQL flavour spoken by the database.
	Dialect() Dialect

	// Close closes the connection pool.
	Close() error
}

// Transaction is a database transaction. Rollback after Commit is a no-op.
type Transaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Commit() error
	Rollback() error
}

// Rows is an iterator over a query result.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is a single-row query result.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarises an executed statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
