package session

import "context"

// SessionCallback runs inside a session or transaction scope.
type SessionCallback func(session Session) error

// Session is one logical unit of work against the store. Atomic runs
// the callback inside a transaction; calling Atomic again from inside
// opens a savepoint, so an inner failure rolls back to the savepoint
// without poisoning the outer transaction.
type Session interface {
	Context() context.Context
	Atomic(callback SessionCallback) error
}

// SessionPoolCallback runs with a session checked out of the pool.
type SessionPoolCallback func(session Session) error

// SessionPool hands out sessions bound to pooled connections. The
// connection is returned to the pool when the callback returns.
type SessionPool interface {
	Session(ctx context.Context, callback SessionPoolCallback) error
}

// Result is the outcome of a statement. Key generation happens in Go
// and database-generated sequence numbers are read back with
// RETURNING, so the affected row count is all a statement reports.
type Result interface {
	RowsAffected() (int64, error)
}

// Rows is a forward-only cursor over a result set.
type Rows interface {
	Close() error
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// Row is a single-row result. Scan returns the driver's no-rows error
// when the query matched nothing.
type Row interface {
	Scan(dest ...any) error
}

type DbExecutor interface {
	Exec(query string, args ...any) (Result, error)
}

type DbQuerier interface {
	Query(query string, args ...any) (Rows, error)
}

type DbSingleQuerier interface {
	QueryRow(query string, args ...any) Row
}

// DbConnection is the statement surface of a database session.
type DbConnection interface {
	DbExecutor
	DbQuerier
	DbSingleQuerier
}

// DbSession is a session with direct statement access.
type DbSession interface {
	Session
	Connection() DbConnection
}

// QueryEvaluator is a self-contained query that runs itself against a
// session, keeping the statement and its parameter marshaling
// together.
type QueryEvaluator interface {
	Evaluate(session DbSession) (Result, error)
}
