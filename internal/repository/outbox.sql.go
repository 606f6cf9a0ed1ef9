package repository

import (
	"context"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
)

func (q *Queries) InsertCallbackEvent(ctx context.Context, arg InsertCallbackEventParams) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO callback_outbox (transaction_id, payload, status, next_attempt_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4, $4)
RETURNING id`, arg.TransactionID, arg.Payload, domain.CallbackStatusPending, arg.CreatedAt).Scan(&id)
	return id, wrapErr("insert callback event", err)
}

// RecoverStaleCallbacks puts rows stuck in SENDING since before the cutoff
// back to PENDING. A worker that crashed mid-publish leaves such rows.
func (q *Queries) RecoverStaleCallbacks(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE callback_outbox
SET status = $1, updated_at = NOW()
WHERE status = $2 AND updated_at < $3`, domain.CallbackStatusPending, domain.CallbackStatusSending, before)
	if err != nil {
		return 0, wrapErr("recover stale callbacks", err)
	}
	return tag.RowsAffected(), nil
}

const claimCallbackEvents = `WITH claimed AS (
    SELECT id FROM callback_outbox
    WHERE status = $1 AND next_attempt_at <= $2
    ORDER BY id
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE callback_outbox o
SET status = $4, updated_at = $2
FROM claimed
WHERE o.id = claimed.id
RETURNING o.id, o.transaction_id, o.payload, o.status, o.attempts, o.next_attempt_at, o.last_error, o.created_at, o.delivered_at`

// ClaimCallbackEvents moves due PENDING rows to SENDING and returns them.
// Concurrent claimers never receive the same row.
func (q *Queries) ClaimCallbackEvents(ctx context.Context, now time.Time, limit int32) ([]models.CallbackEvent, error) {
	rows, err := q.db.Query(ctx, claimCallbackEvents, domain.CallbackStatusPending, now, limit, domain.CallbackStatusSending)
	if err != nil {
		return nil, wrapErr("claim callback events", err)
	}
	defer rows.Close()

	var out []models.CallbackEvent
	for rows.Next() {
		var e models.CallbackEvent
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Payload, &e.Status, &e.Attempts, &e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.DeliveredAt); err != nil {
			return nil, wrapErr("scan callback event", err)
		}
		out = append(out, e)
	}
	return out, wrapErr("iterate callback events", rows.Err())
}

func (q *Queries) MarkCallbackDelivered(ctx context.Context, id int64, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE callback_outbox
SET status = $2, delivered_at = $3, last_error = NULL, updated_at = $3
WHERE id = $1 AND status = $4`, id, domain.CallbackStatusDelivered, at, domain.CallbackStatusSending)
	if err != nil {
		return 0, wrapErr("mark callback delivered", err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) MarkCallbackRetry(ctx context.Context, arg MarkCallbackRetryParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE callback_outbox
SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5, updated_at = NOW()
WHERE id = $1 AND status = $6`, arg.ID, arg.Status, arg.Attempts, arg.NextAttemptAt, arg.LastError, domain.CallbackStatusSending)
	if err != nil {
		return 0, wrapErr("mark callback retry", err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) error {
	_, err := q.db.Exec(ctx, `INSERT INTO audit_log (entity_type, entity_id, actor_id, action, prev_state, next_state, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		arg.EntityType, arg.EntityID, arg.ActorID, arg.Action, arg.PrevState, arg.NextState, arg.Metadata)
	return wrapErr("insert audit log", err)
}
