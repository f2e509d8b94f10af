package pgx

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/session"
	"github.com/krew-solutions/whizbang-go/whizbang/session/result"
)

type executor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Session is a unit of work bound to one pooled connection, outside
// any transaction until Atomic is called.
type Session struct {
	ctx  context.Context
	exec executor
}

func NewSession(ctx context.Context, exec executor) *Session {
	return &Session{ctx: ctx, exec: exec}
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Atomic(callback session.SessionCallback) error {
	tx, err := s.exec.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start transaction")
	}
	err = callback(NewTransactionSession(s.ctx, tx))
	if err != nil {
		if txErr := tx.Rollback(s.ctx); txErr != nil {
			err = multierror.Append(err, txErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(s.ctx), "failed to commit transaction")
}

func (s *Session) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.exec}
}

// TransactionSession is a unit of work inside an open transaction.
// Atomic opens a savepoint.
type TransactionSession struct {
	ctx context.Context
	tx  pgx.Tx
}

func NewTransactionSession(ctx context.Context, tx pgx.Tx) *TransactionSession {
	return &TransactionSession{ctx: ctx, tx: tx}
}

func (s *TransactionSession) Context() context.Context {
	return s.ctx
}

func (s *TransactionSession) Atomic(callback session.SessionCallback) error {
	nested, err := s.tx.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start savepoint")
	}
	err = callback(NewSavepointSession(s.ctx, nested))
	if err != nil {
		if txErr := nested.Rollback(s.ctx); txErr != nil {
			err = multierror.Append(err, txErr)
		}
		return err
	}
	return errors.Wrap(nested.Commit(s.ctx), "failed to release savepoint")
}

func (s *TransactionSession) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.tx}
}

// SavepointSession is a unit of work inside a savepoint. Atomic nests
// a deeper savepoint.
type SavepointSession struct {
	ctx context.Context
	tx  pgx.Tx
}

func NewSavepointSession(ctx context.Context, tx pgx.Tx) *SavepointSession {
	return &SavepointSession{ctx: ctx, tx: tx}
}

func (s *SavepointSession) Context() context.Context {
	return s.ctx
}

func (s *SavepointSession) Atomic(callback session.SessionCallback) error {
	nested, err := s.tx.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start savepoint")
	}
	err = callback(NewSavepointSession(s.ctx, nested))
	if err != nil {
		if txErr := nested.Rollback(s.ctx); txErr != nil {
			err = multierror.Append(err, txErr)
		}
		return err
	}
	return errors.Wrap(nested.Commit(s.ctx), "failed to release savepoint")
}

func (s *SavepointSession) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.tx}
}

type connection struct {
	ctx  context.Context
	exec executor
}

func (c *connection) Exec(query string, args ...any) (session.Result, error) {
	tag, err := c.exec.Exec(c.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return result.NewResult(tag.RowsAffected()), nil
}

func (c *connection) Query(query string, args ...any) (session.Rows, error) {
	rows, err := c.exec.Query(c.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &rowsAdapter{rows: rows}, nil
}

func (c *connection) QueryRow(query string, args ...any) session.Row {
	return &rowAdapter{row: c.exec.QueryRow(c.ctx, query, args...)}
}
