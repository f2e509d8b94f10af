package pgx

import (
	"github.com/jackc/pgx/v5"
)

// pgx closes rows without an error return; the adapters re-shape the
// driver types to the session contract.

type rowsAdapter struct {
	rows pgx.Rows
}

func (a *rowsAdapter) Close() error {
	a.rows.Close()
	return nil
}

func (a *rowsAdapter) Next() bool {
	return a.rows.Next()
}

func (a *rowsAdapter) Scan(dest ...any) error {
	return a.rows.Scan(dest...)
}

func (a *rowsAdapter) Err() error {
	return a.rows.Err()
}

type rowAdapter struct {
	row pgx.Row
}

func (a *rowAdapter) Scan(dest ...any) error {
	return a.row.Scan(dest...)
}
