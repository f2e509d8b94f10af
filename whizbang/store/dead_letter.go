package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/session"
)

// deadLetter takes a message out of retry circulation after the row
// was already marked failed. Under MarkTerminal the row stays where it
// is with its retry budget exhausted and no retry scheduled; under
// MoveTable it moves to the queue's dead letter table.
func (s *PgStore) deadLetter(db session.DbSession, table, deadTable, queue string, messageID ident.ID, now time.Time) error {
	conn := db.Connection()

	if s.cfg.DeadLetterPolicy == MarkTerminal {
		query := fmt.Sprintf(`
			UPDATE %s SET "retry_count" = GREATEST("retry_count", $2), "next_retry_at" = NULL
			WHERE "message_id" = $1
		`, table)
		if _, err := conn.Exec(query, messageID.String(), s.cfg.MaxRetries); err != nil {
			return errors.Wrapf(err, "unable to dead-letter %s message", queue)
		}
	} else {
		var moveQuery string
		if queue == "outbox" {
			moveQuery = fmt.Sprintf(`
				INSERT INTO %s ("message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "sequence_order", "topic", "payload", "is_event", "status", "retry_count", "last_error", "created_at", "dead_lettered_at")
				SELECT "message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "sequence_order", "topic", "payload", "is_event", "status", "retry_count", "last_error", "created_at", $2
				FROM %s WHERE "message_id" = $1
				ON CONFLICT ("message_id") DO NOTHING
			`, deadTable, table)
		} else {
			moveQuery = fmt.Sprintf(`
				INSERT INTO %s ("message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "sequence_order", "source_topic", "payload", "status", "retry_count", "last_error", "received_at", "dead_lettered_at")
				SELECT "message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "sequence_order", "source_topic", "payload", "status", "retry_count", "last_error", "received_at", $2
				FROM %s WHERE "message_id" = $1
				ON CONFLICT ("message_id") DO NOTHING
			`, deadTable, table)
		}
		if _, err := conn.Exec(moveQuery, messageID.String(), now); err != nil {
			return errors.Wrapf(err, "unable to dead-letter %s message", queue)
		}
		deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE "message_id" = $1`, table)
		if _, err := conn.Exec(deleteQuery, messageID.String()); err != nil {
			return errors.Wrapf(err, "unable to remove dead-lettered %s message", queue)
		}
	}

	s.cfg.Logger.Warn("dead_lettered",
		"queue", queue,
		"message_id", messageID.String(),
		"policy", s.cfg.DeadLetterPolicy.String(),
	)
	return nil
}

func (s *PgStore) ListDeadLetteredOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	query, args := s.deadLetterListQuery(outboxColumns, s.tables.Outbox, s.tables.OutboxDeadLetter, `"created_at"`, limit)

	var listed []OutboxRow
	err := s.sessionPool.Session(ctx, func(sess session.Session) error {
		db, err := asDbSession(sess)
		if err != nil {
			return err
		}
		rows, err := db.Connection().Query(query, args...)
		if err != nil {
			return errors.Wrap(err, "unable to list dead-lettered outbox messages")
		}
		defer func() {
			_ = rows.Close()
		}()

		for rows.Next() {
			row, err := scanOutboxRow(rows)
			if err != nil {
				return err
			}
			listed = append(listed, row)
		}
		return errors.Wrap(rows.Err(), "unable to list dead-lettered outbox messages")
	})
	if err != nil {
		return nil, err
	}
	return listed, nil
}

func (s *PgStore) ListDeadLetteredInbox(ctx context.Context, limit int) ([]InboxRow, error) {
	query, args := s.deadLetterListQuery(inboxColumns, s.tables.Inbox, s.tables.InboxDeadLetter, `"received_at"`, limit)

	var listed []InboxRow
	err := s.sessionPool.Session(ctx, func(sess session.Session) error {
		db, err := asDbSession(sess)
		if err != nil {
			return err
		}
		rows, err := db.Connection().Query(query, args...)
		if err != nil {
			return errors.Wrap(err, "unable to list dead-lettered inbox messages")
		}
		defer func() {
			_ = rows.Close()
		}()

		for rows.Next() {
			row, err := scanInboxRow(rows)
			if err != nil {
				return err
			}
			listed = append(listed, row)
		}
		return errors.Wrap(rows.Err(), "unable to list dead-lettered inbox messages")
	})
	if err != nil {
		return nil, err
	}
	return listed, nil
}

func (s *PgStore) deadLetterListQuery(columns, table, deadTable, timeColumn string, limit int) (string, []any) {
	if limit <= 0 {
		limit = 100
	}
	if s.cfg.DeadLetterPolicy == MarkTerminal {
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE "status" = $1 AND "retry_count" >= $2 AND "next_retry_at" IS NULL
			ORDER BY %s DESC
			LIMIT $3
		`, columns, table, timeColumn)
		return query, []any{int(StatusFailed), s.cfg.MaxRetries, limit}
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		ORDER BY "dead_lettered_at" DESC
		LIMIT $1
	`, columns, deadTable)
	return query, []any{limit}
}

func (s *PgStore) RequeueOutbox(ctx context.Context, ids []ident.ID) (int64, error) {
	return s.requeue(ctx, s.tables.Outbox, s.tables.OutboxDeadLetter, "outbox", ids)
}

func (s *PgStore) RequeueInbox(ctx context.Context, ids []ident.ID) (int64, error) {
	return s.requeue(ctx, s.tables.Inbox, s.tables.InboxDeadLetter, "inbox", ids)
}

// requeue puts dead-lettered messages back in play with a cleared
// retry budget. The original sequence order is kept, so a requeued
// message goes back to its old place in the claim order rather than
// jumping the line.
func (s *PgStore) requeue(ctx context.Context, table, deadTable, queue string, ids []ident.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var requeued int64
	err := s.sessionPool.Session(ctx, func(sess session.Session) error {
		return sess.Atomic(func(atomicSession session.Session) error {
			db, err := asDbSession(atomicSession)
			if err != nil {
				return err
			}
			conn := db.Connection()

			if s.cfg.DeadLetterPolicy == MarkTerminal {
				query := fmt.Sprintf(`
					UPDATE %s SET "status" = $2, "retry_count" = 0, "next_retry_at" = NULL, "last_error" = NULL, "instance_id" = NULL, "lease_expiry" = NULL
					WHERE "message_id" = ANY($1) AND "status" = $3
				`, table)
				res, err := conn.Exec(query, idStrings(ids), int(StatusStored), int(StatusFailed))
				if err != nil {
					return errors.Wrapf(err, "unable to requeue %s messages", queue)
				}
				requeued, err = res.RowsAffected()
				return err
			}

			var moveQuery string
			if queue == "outbox" {
				moveQuery = fmt.Sprintf(`
					INSERT INTO %s ("message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "sequence_order", "topic", "payload", "is_event", "status", "retry_count", "created_at")
					SELECT "message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "sequence_order", "topic", "payload", "is_event", $2, 0, "created_at"
					FROM %s WHERE "message_id" = ANY($1)
					ON CONFLICT ("message_id") DO NOTHING
				`, table, deadTable)
			} else {
				moveQuery = fmt.Sprintf(`
					INSERT INTO %s ("message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "sequence_order", "source_topic", "payload", "status", "retry_count", "received_at")
					SELECT "message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "sequence_order", "source_topic", "payload", $2, 0, "received_at"
					FROM %s WHERE "message_id" = ANY($1)
					ON CONFLICT ("message_id") DO NOTHING
				`, table, deadTable)
			}
			res, err := conn.Exec(moveQuery, idStrings(ids), int(StatusStored))
			if err != nil {
				return errors.Wrapf(err, "unable to requeue %s messages", queue)
			}
			if requeued, err = res.RowsAffected(); err != nil {
				return err
			}

			deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE "message_id" = ANY($1)`, deadTable)
			if _, err := conn.Exec(deleteQuery, idStrings(ids)); err != nil {
				return errors.Wrapf(err, "unable to clear requeued %s dead letters", queue)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}
