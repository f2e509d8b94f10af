package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/envelope"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/session"
	"github.com/krew-solutions/whizbang-go/whizbang/signals"
)

// PgStore is the Postgres work store. All writes of one batch happen
// inside a single transaction on a single session, in a fixed order:
// acknowledgements first, then new work, then the event log and
// checkpoints, then lease renewals, partition assignment and finally
// the claim.
type PgStore struct {
	sessionPool  session.SessionPool
	tables       TableSet
	cfg          Config
	onWorkStored signals.Signal[WorkStoredEvent]
	now          func() time.Time
}

func NewPgStore(sessionPool session.SessionPool, tables TableSet, cfg Config) *PgStore {
	return &PgStore{
		sessionPool:  sessionPool,
		tables:       tables.withDefaults(),
		cfg:          cfg.withDefaults(),
		onWorkStored: signals.NewSignal[WorkStoredEvent](),
		now:          time.Now,
	}
}

func (s *PgStore) OnWorkStored() signals.Signal[WorkStoredEvent] {
	return s.onWorkStored
}

func (s *PgStore) ProcessWorkBatch(ctx context.Context, batch WorkBatch) (*BatchResult, error) {
	batch = s.applyTuningDefaults(batch)
	now := s.now().UTC()

	var result *BatchResult
	err := s.sessionPool.Session(ctx, func(sess session.Session) error {
		return sess.Atomic(func(atomicSession session.Session) error {
			db, err := asDbSession(atomicSession)
			if err != nil {
				return err
			}
			result, err = s.processBatch(db, batch, now)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	// Notify only after the transaction committed: observers must not
	// wake for work that can still roll back.
	if len(result.StoredPartitions) > 0 {
		s.onWorkStored.Notify(WorkStoredEvent{
			Partitions: result.StoredPartitions,
			Count:      result.StoredOutbox,
		})
	}
	return result, nil
}

func (s *PgStore) processBatch(db session.DbSession, batch WorkBatch, now time.Time) (*BatchResult, error) {
	if err := s.deleteCompletedOutbox(db, batch.OutboxCompletions); err != nil {
		return nil, err
	}
	if err := s.failMessages(db, s.tables.Outbox, s.tables.OutboxDeadLetter, "outbox", batch.OutboxFailures, now); err != nil {
		return nil, err
	}
	insertedInbox, err := s.insertInbox(db, batch, now)
	if err != nil {
		return nil, err
	}
	if err := s.completeInbox(db, batch.InboxCompletions); err != nil {
		return nil, err
	}
	if err := s.failMessages(db, s.tables.Inbox, s.tables.InboxDeadLetter, "inbox", batch.InboxFailures, now); err != nil {
		return nil, err
	}
	insertedOutbox, storedPartitions, err := s.insertOutbox(db, batch, now)
	if err != nil {
		return nil, err
	}
	if err := s.appendEvents(db, batch.NewOutboxMessages, insertedOutbox, now); err != nil {
		return nil, err
	}
	if err := s.upsertReceptorStatus(db, batch, now); err != nil {
		return nil, err
	}
	if err := s.advanceCheckpoints(db, batch, now); err != nil {
		return nil, err
	}

	leaseExpiry := now.Add(time.Duration(batch.LeaseSeconds) * time.Second)
	if err := s.renewLeases(db, s.tables.Outbox, batch.RenewOutboxLeases, batch.Instance.ID, leaseExpiry); err != nil {
		return nil, err
	}
	if err := s.renewLeases(db, s.tables.Inbox, batch.RenewInboxLeases, batch.Instance.ID, leaseExpiry); err != nil {
		return nil, err
	}

	if err := s.sweepStaleClaims(db, batch, now); err != nil {
		return nil, err
	}
	partitions, err := s.assignPartitions(db, batch, now)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		AssignedPartitions: partitions,
		InsertedInbox:      insertedInbox,
		StoredOutbox:       len(insertedOutbox),
		StoredPartitions:   storedPartitions,
		LeaseExpiry:        leaseExpiry,
	}
	if batch.Flags.Has(FlagSkipClaim) || len(partitions) == 0 {
		return result, nil
	}

	if result.ClaimedOutbox, err = s.claimOutbox(db, batch, partitions, now, leaseExpiry); err != nil {
		return nil, err
	}
	if result.ClaimedInbox, err = s.claimInbox(db, batch, partitions, now, leaseExpiry); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PgStore) applyTuningDefaults(batch WorkBatch) WorkBatch {
	if batch.PartitionCount == 0 {
		batch.PartitionCount = s.cfg.PartitionCount
	}
	if batch.MaxPartitionsPerInstance == 0 {
		batch.MaxPartitionsPerInstance = s.cfg.MaxPartitionsPerInstance
	}
	if batch.LeaseSeconds == 0 {
		batch.LeaseSeconds = s.cfg.LeaseSeconds
	}
	if batch.StaleThresholdSeconds == 0 {
		batch.StaleThresholdSeconds = s.cfg.StaleThresholdSeconds
	}
	return batch
}

func (s *PgStore) deleteCompletedOutbox(db session.DbSession, completions []Completion) error {
	if len(completions) == 0 {
		return nil
	}
	ids := make([]string, len(completions))
	for i, completion := range completions {
		ids[i] = completion.MessageID.String()
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE "message_id" = ANY($1)`, s.tables.Outbox)
	if _, err := db.Connection().Exec(query, ids); err != nil {
		return errors.Wrap(err, "unable to delete completed outbox messages")
	}
	return nil
}

// completeInbox keeps the rows: completed inbox entries are the
// deduplication memory for the retention window.
func (s *PgStore) completeInbox(db session.DbSession, completions []Completion) error {
	if len(completions) == 0 {
		return nil
	}
	ids := make([]string, len(completions))
	for i, completion := range completions {
		ids[i] = completion.MessageID.String()
	}
	query := fmt.Sprintf(
		`UPDATE %s SET "status" = $1, "instance_id" = NULL, "lease_expiry" = NULL WHERE "message_id" = ANY($2)`,
		s.tables.Inbox,
	)
	if _, err := db.Connection().Exec(query, int(StatusCompleted), ids); err != nil {
		return errors.Wrap(err, "unable to complete inbox messages")
	}
	return nil
}

func (s *PgStore) failMessages(db session.DbSession, table, deadTable, queue string, failures []Failure, now time.Time) error {
	if len(failures) == 0 {
		return nil
	}
	markQuery := fmt.Sprintf(`
		UPDATE %s SET
			"status" = $2,
			"instance_id" = NULL,
			"lease_expiry" = NULL,
			"retry_count" = "retry_count" + 1,
			"last_error" = $3,
			"next_retry_at" = NULL
		WHERE "message_id" = $1
		RETURNING "retry_count"
	`, table)
	scheduleQuery := fmt.Sprintf(
		`UPDATE %s SET "next_retry_at" = $2 WHERE "message_id" = $1`,
		table,
	)

	conn := db.Connection()
	for _, failure := range failures {
		var retryCount int
		err := conn.QueryRow(markQuery, failure.MessageID.String(), int(StatusFailed), failure.Reason).Scan(&retryCount)
		if err != nil {
			// Reports can outlive their row, e.g. after an operator
			// purged it. Nothing to update then.
			if isNoRows(err) {
				continue
			}
			return errors.Wrapf(err, "unable to mark %s message failed", queue)
		}

		if failure.Permanent || retryCount >= s.cfg.MaxRetries {
			if err := s.deadLetter(db, table, deadTable, queue, failure.MessageID, now); err != nil {
				return err
			}
			continue
		}

		retryAt := now.Add(nextRetryDelay(retryCount, s.cfg.RetryBackoffBase, s.cfg.RetryBackoffFactor, s.cfg.RetryBackoffJitter))
		if _, err := conn.Exec(scheduleQuery, failure.MessageID.String(), retryAt); err != nil {
			return errors.Wrapf(err, "unable to schedule %s retry", queue)
		}
	}
	return nil
}

func (s *PgStore) insertInbox(db session.DbSession, batch WorkBatch, now time.Time) ([]ident.ID, error) {
	if len(batch.NewInboxMessages) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s ("message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "source_topic", "payload", "status", "retry_count", "received_at")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)
		ON CONFLICT ("message_id") DO NOTHING
	`, s.tables.Inbox)

	conn := db.Connection()
	inserted := make([]ident.ID, 0, len(batch.NewInboxMessages))
	for _, msg := range batch.NewInboxMessages {
		partition := ident.PartitionFor(msg.partitionKey(), batch.PartitionCount)
		res, err := conn.Exec(query,
			msg.MessageID.String(),
			msg.CorrelationID.String(),
			optionalIDString(msg.CausationID),
			msg.MessageType,
			msg.StreamID.String(),
			partition,
			msg.SourceTopic,
			msg.Payload,
			int(StatusStored),
			now,
		)
		if err != nil {
			return nil, errors.Wrap(err, "unable to insert inbox message")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "unable to read inbox insert result")
		}
		if affected == 0 {
			s.cfg.Logger.Debug("inbox_deduplicated",
				"message_id", msg.MessageID.String(),
				"source_topic", msg.SourceTopic,
			)
			continue
		}
		inserted = append(inserted, msg.MessageID)
	}
	return inserted, nil
}

func (s *PgStore) insertOutbox(db session.DbSession, batch WorkBatch, now time.Time) (map[ident.ID]bool, []int, error) {
	if len(batch.NewOutboxMessages) == 0 {
		return nil, nil, nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s ("message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "topic", "payload", "is_event", "status", "retry_count", "created_at")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11)
		ON CONFLICT ("message_id") DO NOTHING
	`, s.tables.Outbox)

	conn := db.Connection()
	inserted := make(map[ident.ID]bool, len(batch.NewOutboxMessages))
	partitionSet := map[int]bool{}
	for _, msg := range batch.NewOutboxMessages {
		partition := ident.PartitionFor(msg.partitionKey(), batch.PartitionCount)
		res, err := conn.Exec(query,
			msg.MessageID.String(),
			msg.CorrelationID.String(),
			optionalIDString(msg.CausationID),
			msg.MessageType,
			msg.StreamID.String(),
			partition,
			msg.Topic,
			msg.Payload,
			msg.IsEvent,
			int(StatusStored),
			now,
		)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to insert outbox message")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to read outbox insert result")
		}
		if affected == 0 {
			continue
		}
		inserted[msg.MessageID] = true
		partitionSet[partition] = true
	}
	return inserted, sortedKeys(partitionSet), nil
}

// appendEvents writes the event-sourced subset of the freshly stored
// outbox messages to the event log. Only rows that actually inserted
// count; a deduplicated outbox message must not append its event a
// second time.
func (s *PgStore) appendEvents(db session.DbSession, messages []NewOutboxMessage, inserted map[ident.ID]bool, now time.Time) error {
	for _, msg := range messages {
		if !inserted[msg.MessageID] || !msg.IsEvent || !envelope.IsEventType(msg.MessageType, s.cfg.EventSuffix) {
			continue
		}
		query := &eventInsertQuery{
			table:         s.tables.Events,
			eventID:       msg.MessageID,
			streamID:      msg.StreamID,
			aggregateType: envelope.AggregateType(msg.MessageType, s.cfg.EventSuffix),
			payload:       msg.Payload,
			createdAt:     now,
		}
		if _, err := query.Evaluate(db); err != nil {
			if isUniqueViolation(err) {
				return &ConcurrencyError{StreamID: msg.StreamID, Err: err}
			}
			return errors.Wrap(err, "unable to append event")
		}
	}
	return nil
}

func (s *PgStore) upsertReceptorStatus(db session.DbSession, batch WorkBatch, now time.Time) error {
	if len(batch.ReceptorCompletions) == 0 && len(batch.ReceptorFailures) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s ("event_id", "receptor_name", "status", "last_error", "updated_at")
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ("event_id", "receptor_name") DO UPDATE SET
			"status" = EXCLUDED."status",
			"last_error" = EXCLUDED."last_error",
			"updated_at" = EXCLUDED."updated_at"
	`, s.tables.Receptors)

	conn := db.Connection()
	var noError *string
	for _, completion := range batch.ReceptorCompletions {
		if _, err := conn.Exec(query, completion.EventID.String(), completion.ReceptorName, int(StatusCompleted), noError, now); err != nil {
			return errors.Wrap(err, "unable to record receptor completion")
		}
	}
	for _, failure := range batch.ReceptorFailures {
		reason := failure.Reason
		if _, err := conn.Exec(query, failure.EventID.String(), failure.ReceptorName, int(StatusFailed), &reason, now); err != nil {
			return errors.Wrap(err, "unable to record receptor failure")
		}
	}
	return nil
}

// advanceCheckpoints moves perspective checkpoints forward. The guard
// makes the upsert order-insensitive: a stale completion arriving
// after a newer one cannot move the pointer backwards.
func (s *PgStore) advanceCheckpoints(db session.DbSession, batch WorkBatch, now time.Time) error {
	if len(batch.PerspectiveCompletions) == 0 && len(batch.PerspectiveFailures) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s ("stream_id", "perspective_name", "last_event_id", "last_sequence_number", "status", "updated_at")
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ("stream_id", "perspective_name") DO UPDATE SET
			"last_event_id" = CASE
				WHEN EXCLUDED."last_sequence_number" >= %[1]s."last_sequence_number" THEN EXCLUDED."last_event_id"
				ELSE %[1]s."last_event_id"
			END,
			"last_sequence_number" = GREATEST(%[1]s."last_sequence_number", EXCLUDED."last_sequence_number"),
			"status" = EXCLUDED."status",
			"updated_at" = EXCLUDED."updated_at"
	`, s.tables.Checkpoints)

	conn := db.Connection()
	for _, completion := range batch.PerspectiveCompletions {
		if _, err := conn.Exec(query, completion.StreamID.String(), completion.PerspectiveName, completion.EventID.String(), completion.SequenceNumber, int(StatusCompleted), now); err != nil {
			return errors.Wrap(err, "unable to advance perspective checkpoint")
		}
	}
	for _, failure := range batch.PerspectiveFailures {
		if _, err := conn.Exec(query, failure.StreamID.String(), failure.PerspectiveName, failure.EventID.String(), failure.SequenceNumber, int(StatusFailed), now); err != nil {
			return errors.Wrap(err, "unable to record perspective failure")
		}
	}
	return nil
}

// renewLeases extends leases this instance still owns. Leases lost to
// another instance are silently not renewed; the caller finds out by
// the row count staying behind, and more importantly by no longer
// being the owner on the next claim.
func (s *PgStore) renewLeases(db session.DbSession, table string, ids []ident.ID, instanceID ident.InstanceID, leaseExpiry time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`UPDATE %s SET "lease_expiry" = $1 WHERE "message_id" = ANY($2) AND "instance_id" = $3 AND "status" = $4`,
		table,
	)
	if _, err := db.Connection().Exec(query, leaseExpiry, idStrings(ids), instanceID.String(), int(StatusClaimed)); err != nil {
		return errors.Wrap(err, "unable to renew leases")
	}
	return nil
}

func (s *PgStore) Setup(ctx context.Context) error {
	return s.sessionPool.Session(ctx, func(sess session.Session) error {
		return sess.Atomic(func(atomicSession session.Session) error {
			db, err := asDbSession(atomicSession)
			if err != nil {
				return err
			}
			conn := db.Connection()
			for _, query := range s.setupQueries() {
				if _, err := conn.Exec(query); err != nil {
					return errors.Wrap(err, "unable to set up work store")
				}
			}
			return nil
		})
	})
}

func (s *PgStore) setupQueries() []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				"message_id" TEXT PRIMARY KEY,
				"correlation_id" TEXT NOT NULL,
				"causation_id" TEXT NULL,
				"message_type" TEXT NOT NULL,
				"stream_id" TEXT NOT NULL,
				"partition_number" INT NOT NULL,
				"sequence_order" BIGSERIAL,
				"topic" TEXT NOT NULL,
				"payload" BYTEA NOT NULL,
				"is_event" BOOLEAN NOT NULL DEFAULT FALSE,
				"status" INT NOT NULL,
				"instance_id" TEXT NULL,
				"lease_expiry" TIMESTAMPTZ NULL,
				"retry_count" INT NOT NULL DEFAULT 0,
				"next_retry_at" TIMESTAMPTZ NULL,
				"last_error" TEXT NULL,
				"created_at" TIMESTAMPTZ NOT NULL
			)
		`, s.tables.Outbox),
		fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS "%[1]s_claim_idx" ON %[1]s ("status", "partition_number", "sequence_order")`,
			s.tables.Outbox,
		),
		fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS "%[1]s_lease_idx" ON %[1]s ("instance_id", "lease_expiry") WHERE "instance_id" IS NOT NULL`,
			s.tables.Outbox,
		),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				"message_id" TEXT PRIMARY KEY,
				"correlation_id" TEXT NOT NULL,
				"causation_id" TEXT NULL,
				"message_type" TEXT NOT NULL,
				"stream_id" TEXT NOT NULL,
				"partition_number" INT NOT NULL,
				"sequence_order" BIGSERIAL,
				"source_topic" TEXT NOT NULL,
				"payload" BYTEA NOT NULL,
				"status" INT NOT NULL,
				"instance_id" TEXT NULL,
				"lease_expiry" TIMESTAMPTZ NULL,
				"retry_count" INT NOT NULL DEFAULT 0,
				"next_retry_at" TIMESTAMPTZ NULL,
				"last_error" TEXT NULL,
				"received_at" TIMESTAMPTZ NOT NULL
			)
		`, s.tables.Inbox),
		fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS "%[1]s_claim_idx" ON %[1]s ("status", "partition_number", "sequence_order")`,
			s.tables.Inbox,
		),
		fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS "%[1]s_retention_idx" ON %[1]s ("status", "received_at")`,
			s.tables.Inbox,
		),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				"event_id" TEXT PRIMARY KEY,
				"stream_id" TEXT NOT NULL,
				"aggregate_type" TEXT NOT NULL,
				"version" BIGINT NOT NULL,
				"payload" BYTEA NOT NULL,
				"created_at" TIMESTAMPTZ NOT NULL,
				UNIQUE ("stream_id", "version")
			)
		`, s.tables.Events),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				"event_id" TEXT NOT NULL,
				"receptor_name" TEXT NOT NULL,
				"status" INT NOT NULL,
				"last_error" TEXT NULL,
				"updated_at" TIMESTAMPTZ NOT NULL,
				PRIMARY KEY ("event_id", "receptor_name")
			)
		`, s.tables.Receptors),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				"stream_id" TEXT NOT NULL,
				"perspective_name" TEXT NOT NULL,
				"last_event_id" TEXT NOT NULL,
				"last_sequence_number" BIGINT NOT NULL,
				"status" INT NOT NULL,
				"updated_at" TIMESTAMPTZ NOT NULL,
				PRIMARY KEY ("stream_id", "perspective_name")
			)
		`, s.tables.Checkpoints),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				"message_id" TEXT PRIMARY KEY,
				"correlation_id" TEXT NOT NULL,
				"causation_id" TEXT NULL,
				"message_type" TEXT NOT NULL,
				"stream_id" TEXT NOT NULL,
				"partition_number" INT NOT NULL,
				"sequence_order" BIGINT NOT NULL,
				"topic" TEXT NOT NULL,
				"payload" BYTEA NOT NULL,
				"is_event" BOOLEAN NOT NULL DEFAULT FALSE,
				"status" INT NOT NULL,
				"retry_count" INT NOT NULL,
				"last_error" TEXT NULL,
				"created_at" TIMESTAMPTZ NOT NULL,
				"dead_lettered_at" TIMESTAMPTZ NOT NULL
			)
		`, s.tables.OutboxDeadLetter),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				"message_id" TEXT PRIMARY KEY,
				"correlation_id" TEXT NOT NULL,
				"causation_id" TEXT NULL,
				"message_type" TEXT NOT NULL,
				"stream_id" TEXT NOT NULL,
				"partition_number" INT NOT NULL,
				"sequence_order" BIGINT NOT NULL,
				"source_topic" TEXT NOT NULL,
				"payload" BYTEA NOT NULL,
				"status" INT NOT NULL,
				"retry_count" INT NOT NULL,
				"last_error" TEXT NULL,
				"received_at" TIMESTAMPTZ NOT NULL,
				"dead_lettered_at" TIMESTAMPTZ NOT NULL
			)
		`, s.tables.InboxDeadLetter),
	}
}

func (s *PgStore) PurgeInbox(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	var purged int64
	err := s.sessionPool.Session(ctx, func(sess session.Session) error {
		db, err := asDbSession(sess)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(
			`DELETE FROM %s WHERE "status" = $1 AND "received_at" < $2`,
			s.tables.Inbox,
		)
		res, err := db.Connection().Exec(query, int(StatusCompleted), cutoff)
		if err != nil {
			return errors.Wrap(err, "unable to purge inbox")
		}
		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.cfg.Logger.Info("inbox_purged", "rows", purged, "cutoff", cutoff)
	}
	return purged, nil
}

func asDbSession(sess session.Session) (session.DbSession, error) {
	db, ok := sess.(session.DbSession)
	if !ok {
		return nil, errors.New("session does not provide database access")
	}
	return db, nil
}

func sortedKeys(set map[int]bool) []int {
	if len(set) == 0 {
		return nil
	}
	keys := make([]int, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	return keys
}
