package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	svcerrors "github.com/darkpool-network/control-plane/internal/errors"
)

// QueueMessage is one polled message: its payload plus the deletion handle
// a consumer must present to remove it.
type QueueMessage struct {
	DeletionID int64
	GroupID    string
	DedupID    string
	Payload    ChainEventPayload
}

// Queue implements an ordered FIFO-with-groups abstraction on top of a
// Postgres table, so it survives process restart without introducing a
// separate broker (the indexer is Postgres-backed throughout already).
type Queue struct {
	store             *Store
	visibilityTimeout time.Duration
}

func NewQueue(store *Store, visibilityTimeout time.Duration) *Queue {
	return &Queue{store: store, visibilityTimeout: visibilityTimeout}
}

// Send appends message to group_id's queue, unless a message with the same
// dedup_id already exists, in which case it is a no-op. dedup_id is a
// unique column and deleted rows are kept, so a dedup_id whose message
// was already deleted is never appended again either.
func (q *Queue) Send(ctx context.Context, payload ChainEventPayload, dedupID, groupID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return svcerrors.SerdeError("queue message payload", err)
	}

	var exists bool
	err = q.store.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM indexer_queue_messages
			WHERE dedup_id = $1 AND deleted_at IS NULL
		)
	`, dedupID).Scan(&exists)
	if err != nil {
		return svcerrors.DatabaseError("queue dedup check", err)
	}
	if exists {
		return nil
	}

	_, err = q.store.db.ExecContext(ctx, `
		INSERT INTO indexer_queue_messages (group_id, dedup_id, payload, polled, visible_at, created_at)
		VALUES ($1, $2, $3, false, now(), now())
		ON CONFLICT (dedup_id) DO NOTHING
	`, groupID, dedupID, body)
	if err != nil {
		return svcerrors.DatabaseError("queue send", err)
	}
	return nil
}

// Poll returns up to maxPerGroup messages from each group that currently
// has no in-flight (polled-but-undeleted) message, marking them polled
// with a visibility deadline. Groups with an in-flight message are hidden
// entirely, guaranteeing per-object serialization.
func (q *Queue) Poll(ctx context.Context, maxGroups, maxPerGroup int) (map[string][]QueueMessage, error) {
	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, svcerrors.DatabaseError("queue poll begin", err)
	}
	defer tx.Rollback()

	// Groups with a currently in-flight message (polled, not deleted, and
	// still within its visibility window) are invisible entirely.
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT group_id FROM indexer_queue_messages
		WHERE deleted_at IS NULL
		  AND group_id NOT IN (
		      SELECT group_id FROM indexer_queue_messages
		      WHERE deleted_at IS NULL AND polled = true AND visible_at > now()
		  )
		ORDER BY group_id
		LIMIT $1
	`, maxGroups)
	if err != nil {
		return nil, svcerrors.DatabaseError("queue poll groups", err)
	}
	var groupIDs []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			rows.Close()
			return nil, svcerrors.DatabaseError("queue poll group scan", err)
		}
		groupIDs = append(groupIDs, g)
	}
	rows.Close()

	result := make(map[string][]QueueMessage, len(groupIDs))
	visibleUntil := time.Now().Add(q.visibilityTimeout)

	for _, groupID := range groupIDs {
		msgRows, err := tx.QueryContext(ctx, `
			SELECT id, dedup_id, payload FROM indexer_queue_messages
			WHERE group_id = $1 AND deleted_at IS NULL
			ORDER BY id ASC
			LIMIT $2
		`, groupID, maxPerGroup)
		if err != nil {
			return nil, svcerrors.DatabaseError("queue poll messages", err)
		}

		var msgs []QueueMessage
		var ids []int64
		for msgRows.Next() {
			var id int64
			var dedupID string
			var body []byte
			if err := msgRows.Scan(&id, &dedupID, &body); err != nil {
				msgRows.Close()
				return nil, svcerrors.DatabaseError("queue poll message scan", err)
			}
			var payload ChainEventPayload
			if err := json.Unmarshal(body, &payload); err != nil {
				msgRows.Close()
				return nil, svcerrors.SerdeError("queue message payload", err)
			}
			msgs = append(msgs, QueueMessage{DeletionID: id, GroupID: groupID, DedupID: dedupID, Payload: payload})
			ids = append(ids, id)
		}
		msgRows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE indexer_queue_messages SET polled = true, visible_at = $2 WHERE id = $1
			`, id, visibleUntil); err != nil {
				return nil, svcerrors.DatabaseError("queue poll mark", err)
			}
		}
		if len(msgs) > 0 {
			result[groupID] = msgs
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, svcerrors.DatabaseError("queue poll commit", err)
	}
	return result, nil
}

// Delete permanently removes a message. Idempotent.
func (q *Queue) Delete(ctx context.Context, deletionID int64) error {
	_, err := q.store.db.ExecContext(ctx, `
		UPDATE indexer_queue_messages SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL
	`, deletionID)
	if err != nil && err != sql.ErrNoRows {
		return svcerrors.DatabaseError("queue delete", err)
	}
	return nil
}

// Release clears a message's in-flight marker without deleting it, used
// when a transition errors with Redeliver=true (ChainRPC/DataCorruption/
// Serde errors): the group becomes visible again immediately rather
// than waiting out the full visibility timeout.
func (q *Queue) Release(ctx context.Context, deletionID int64) error {
	_, err := q.store.db.ExecContext(ctx, `
		UPDATE indexer_queue_messages SET polled = false WHERE id = $1 AND deleted_at IS NULL
	`, deletionID)
	if err != nil {
		return svcerrors.DatabaseError("queue release", err)
	}
	return nil
}

// DedupID computes keccak(kind || identifier || tx_hash), the key every
// queue message is deduplicated on before insertion.
func DedupID(kind QueueMessageKind, identifier, txHash string) string {
	return fmt.Sprintf("%x", keccak(fmt.Sprintf("%s:%s:%s", kind, identifier, txHash)))
}
