package store

import (
	"fmt"
	"time"

	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/session"
)

// eventInsertQuery appends one event to its stream. The version is
// computed inside the statement as max(version)+1 for the stream;
// together with the UNIQUE (stream_id, version) constraint this is
// the optimistic concurrency check: a concurrent writer to the same
// stream makes one of the transactions fail with a unique violation.
type eventInsertQuery struct {
	table         string
	eventID       ident.ID
	streamID      ident.ID
	aggregateType string
	payload       []byte
	createdAt     time.Time
}

func (q *eventInsertQuery) Evaluate(sess session.DbSession) (session.Result, error) {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s ("event_id", "stream_id", "aggregate_type", "version", "payload", "created_at")
		SELECT $1, $2, $3, COALESCE(MAX("version"), 0) + 1, $4, $5
		FROM %[1]s
		WHERE "stream_id" = $2
	`, q.table)
	return sess.Connection().Exec(
		query,
		q.eventID.String(),
		q.streamID.String(),
		q.aggregateType,
		q.payload,
		q.createdAt,
	)
}
