package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/session"
)

// sweepStaleClaims returns messages stuck in claimed state long past
// their lease to the stored pool. The regular claim predicate already
// steals expired leases; the sweep catches rows whose partition no
// instance is looking at anymore.
func (s *PgStore) sweepStaleClaims(db session.DbSession, batch WorkBatch, now time.Time) error {
	cutoff := now.Add(-time.Duration(batch.StaleThresholdSeconds) * time.Second)
	query := `UPDATE %s SET "status" = $1, "instance_id" = NULL, "lease_expiry" = NULL WHERE "status" = $2 AND "lease_expiry" IS NOT NULL AND "lease_expiry" < $3`

	conn := db.Connection()
	for _, table := range []string{s.tables.Outbox, s.tables.Inbox} {
		if _, err := conn.Exec(fmt.Sprintf(query, table), int(StatusStored), int(StatusClaimed), cutoff); err != nil {
			return errors.Wrap(err, "unable to sweep stale claims")
		}
	}
	return nil
}

// assignPartitions computes the partition set this instance owns going
// forward: everything it already holds live leases on, plus partitions
// with pending work that no other live instance holds, lowest numbers
// first, capped at the per-instance maximum.
func (s *PgStore) assignPartitions(db session.DbSession, batch WorkBatch, now time.Time) ([]int, error) {
	heldByMe := map[int]bool{}
	heldByOthers := map[int]bool{}
	pending := map[int]bool{}

	ownID := batch.Instance.ID.String()
	for _, table := range []string{s.tables.Outbox, s.tables.Inbox} {
		if err := s.collectLiveHolders(db, table, ownID, now, heldByMe, heldByOthers); err != nil {
			return nil, err
		}
		if err := s.collectPendingPartitions(db, table, now, pending); err != nil {
			return nil, err
		}
	}

	return mergeAssignments(heldByMe, heldByOthers, pending, batch.MaxPartitionsPerInstance), nil
}

func (s *PgStore) collectLiveHolders(db session.DbSession, table, ownID string, now time.Time, heldByMe, heldByOthers map[int]bool) error {
	query := fmt.Sprintf(`
		SELECT DISTINCT "partition_number", "instance_id"
		FROM %s
		WHERE "status" = $1 AND "instance_id" IS NOT NULL AND "lease_expiry" > $2
	`, table)

	rows, err := db.Connection().Query(query, int(StatusClaimed), now)
	if err != nil {
		return errors.Wrap(err, "unable to read live partition holders")
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			partition  int
			instanceID string
		)
		if err := rows.Scan(&partition, &instanceID); err != nil {
			return errors.Wrap(err, "unable to scan partition holder")
		}
		if instanceID == ownID {
			heldByMe[partition] = true
		} else {
			heldByOthers[partition] = true
		}
	}
	return errors.Wrap(rows.Err(), "unable to read live partition holders")
}

func (s *PgStore) collectPendingPartitions(db session.DbSession, table string, now time.Time, pending map[int]bool) error {
	query := fmt.Sprintf(`
		SELECT DISTINCT "partition_number"
		FROM %s
		WHERE ("status" = $1 AND "instance_id" IS NULL)
			OR ("status" = $2 AND ("lease_expiry" IS NULL OR "lease_expiry" < $3))
			OR ("status" = $4 AND "retry_count" < $5 AND "next_retry_at" IS NOT NULL AND "next_retry_at" <= $3)
	`, table)

	rows, err := db.Connection().Query(query, int(StatusStored), int(StatusClaimed), now, int(StatusFailed), s.cfg.MaxRetries)
	if err != nil {
		return errors.Wrap(err, "unable to read pending partitions")
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var partition int
		if err := rows.Scan(&partition); err != nil {
			return errors.Wrap(err, "unable to scan pending partition")
		}
		pending[partition] = true
	}
	return errors.Wrap(rows.Err(), "unable to read pending partitions")
}

func mergeAssignments(heldByMe, heldByOthers, pending map[int]bool, limit int) []int {
	candidates := map[int]bool{}
	for partition := range heldByMe {
		candidates[partition] = true
	}
	for partition := range pending {
		if !heldByOthers[partition] {
			candidates[partition] = true
		}
	}

	assigned := make([]int, 0, len(candidates))
	for partition := range candidates {
		assigned = append(assigned, partition)
	}
	sort.Ints(assigned)
	if limit > 0 && len(assigned) > limit {
		assigned = assigned[:limit]
	}
	return assigned
}

// The claim updates rows through a SKIP LOCKED subselect: concurrent
// claimers pass over each other's locked rows instead of serializing
// on them, so two instances can claim from the same table at once
// without deadlocking.

func (s *PgStore) claimOutbox(db session.DbSession, batch WorkBatch, partitions []int, now, leaseExpiry time.Time) ([]OutboxRow, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET "status" = $1, "instance_id" = $2, "lease_expiry" = $3
		WHERE "message_id" IN (
			SELECT "message_id"
			FROM %[1]s
			WHERE "partition_number" = ANY($4)
				AND (("status" = $5 AND "instance_id" IS NULL)
					OR ("status" = $1 AND ("lease_expiry" IS NULL OR "lease_expiry" < $6))
					OR ("status" = $7 AND "retry_count" < $8 AND "next_retry_at" IS NOT NULL AND "next_retry_at" <= $6))
			ORDER BY "sequence_order"
			LIMIT %[2]d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[3]s
	`, s.tables.Outbox, s.cfg.MaxClaimBatch, outboxColumns)

	rows, err := db.Connection().Query(query,
		int(StatusClaimed), batch.Instance.ID.String(), leaseExpiry,
		partitions, int(StatusStored), now, int(StatusFailed), s.cfg.MaxRetries,
	)
	if err != nil {
		return nil, errors.Wrap(err, "unable to claim outbox messages")
	}
	defer func() {
		_ = rows.Close()
	}()

	var claimed []OutboxRow
	for rows.Next() {
		row, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "unable to claim outbox messages")
	}

	// RETURNING carries no order guarantee.
	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].SequenceOrder < claimed[j].SequenceOrder
	})
	return claimed, nil
}

func (s *PgStore) claimInbox(db session.DbSession, batch WorkBatch, partitions []int, now, leaseExpiry time.Time) ([]InboxRow, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET "status" = $1, "instance_id" = $2, "lease_expiry" = $3
		WHERE "message_id" IN (
			SELECT "message_id"
			FROM %[1]s
			WHERE "partition_number" = ANY($4)
				AND (("status" = $5 AND "instance_id" IS NULL)
					OR ("status" = $1 AND ("lease_expiry" IS NULL OR "lease_expiry" < $6))
					OR ("status" = $7 AND "retry_count" < $8 AND "next_retry_at" IS NOT NULL AND "next_retry_at" <= $6))
			ORDER BY "sequence_order"
			LIMIT %[2]d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[3]s
	`, s.tables.Inbox, s.cfg.MaxClaimBatch, inboxColumns)

	rows, err := db.Connection().Query(query,
		int(StatusClaimed), batch.Instance.ID.String(), leaseExpiry,
		partitions, int(StatusStored), now, int(StatusFailed), s.cfg.MaxRetries,
	)
	if err != nil {
		return nil, errors.Wrap(err, "unable to claim inbox messages")
	}
	defer func() {
		_ = rows.Close()
	}()

	var claimed []InboxRow
	for rows.Next() {
		row, err := scanInboxRow(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "unable to claim inbox messages")
	}

	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].SequenceOrder < claimed[j].SequenceOrder
	})
	return claimed, nil
}
