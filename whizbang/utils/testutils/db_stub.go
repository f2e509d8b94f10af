package testutils

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/session"
	"github.com/krew-solutions/whizbang-go/whizbang/session/result"
)

// DbSessionStub is a canned-result session for unit tests. It records
// every statement it receives and serves the scripted Rows to each
// query.
type DbSessionStub struct {
	Rows          *RowsStub
	ActualQueries []string
	ActualParams  [][]any
}

func (s *DbSessionStub) Context() context.Context {
	return context.Background()
}

func (s *DbSessionStub) Atomic(callback session.SessionCallback) error {
	return callback(s)
}

func (s *DbSessionStub) Connection() session.DbConnection {
	return &connectionStub{session: s}
}

func (s *DbSessionStub) record(query string, params []any) {
	s.ActualQueries = append(s.ActualQueries, query)
	s.ActualParams = append(s.ActualParams, params)
}

type connectionStub struct {
	session *DbSessionStub
}

func (c *connectionStub) Exec(query string, args ...any) (session.Result, error) {
	c.session.record(query, args)
	return result.NewResult(1), nil
}

func (c *connectionStub) Query(query string, args ...any) (session.Rows, error) {
	c.session.record(query, args)
	if c.session.Rows == nil {
		return &RowsStub{}, nil
	}
	return c.session.Rows, nil
}

func (c *connectionStub) QueryRow(query string, args ...any) session.Row {
	c.session.record(query, args)
	return &RowStub{Rows: c.session.Rows}
}

// RowsStub serves scripted rows. Each row is a positional value list
// matching the select list of the query under test.
type RowsStub struct {
	Values [][]any
	cursor int
}

func (r *RowsStub) Close() error {
	return nil
}

func (r *RowsStub) Err() error {
	return nil
}

func (r *RowsStub) Next() bool {
	return r.cursor < len(r.Values)
}

func (r *RowsStub) Scan(dest ...any) error {
	row := r.Values[r.cursor]
	r.cursor++
	for i, value := range row {
		if err := assign(dest[i], value); err != nil {
			return err
		}
	}
	return nil
}

// RowStub adapts scripted rows to single-row scans, reporting the
// driver's no-rows message when the script is exhausted.
type RowStub struct {
	Rows *RowsStub
}

func (r *RowStub) Scan(dest ...any) error {
	if r.Rows == nil || !r.Rows.Next() {
		return errors.New("no rows in result set")
	}
	return r.Rows.Scan(dest...)
}

func assign(dest, value any) error {
	switch d := dest.(type) {
	case *string:
		*d = value.(string)
	case **string:
		if value == nil {
			*d = nil
		} else {
			held := value.(string)
			*d = &held
		}
	case *int:
		*d = toInt(value)
	case *int32:
		*d = int32(toInt(value))
	case *int64:
		*d = toInt64(value)
	case *float64:
		*d = value.(float64)
	case *bool:
		*d = value.(bool)
	case *[]byte:
		if value == nil {
			*d = nil
		} else {
			*d = value.([]byte)
		}
	case *time.Time:
		*d = value.(time.Time)
	case **time.Time:
		if value == nil {
			*d = nil
		} else {
			held := value.(time.Time)
			*d = &held
		}
	default:
		if scanner, ok := dest.(sql.Scanner); ok {
			return scanner.Scan(value)
		}
		return errors.Errorf("rows stub: unsupported scan destination %T", dest)
	}
	return nil
}

func toInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		panic(errors.Errorf("rows stub: cannot convert %T to int", value))
	}
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	default:
		panic(errors.Errorf("rows stub: cannot convert %T to int64", value))
	}
}
