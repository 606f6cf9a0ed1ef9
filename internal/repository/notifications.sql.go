package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const notificationColumns = `id, device_id, package_name, message, metadata, is_processed, processed_reason,
	matched_transaction_id, attempts, last_error, created_at, processed_at`

func scanNotification(row interface{ Scan(...any) error }, n *models.Notification) error {
	var metadata []byte
	if err := row.Scan(
		&n.ID, &n.DeviceID, &n.PackageName, &n.Message, &metadata, &n.IsProcessed, &n.ProcessedReason,
		&n.MatchedTransactionID, &n.Attempts, &n.LastError, &n.CreatedAt, &n.ProcessedAt,
	); err != nil {
		return err
	}
	if len(metadata) == 0 {
		return nil
	}
	if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
		return fmt.Errorf("decode notification metadata: %w", err)
	}
	return nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (q *Queries) CreateNotification(ctx context.Context, n models.Notification) error {
	metadata, err := encodeMetadata(n.Metadata)
	if err != nil {
		return fmt.Errorf("encode notification metadata: %w", err)
	}
	_, err = q.db.Exec(ctx, `INSERT INTO notifications (`+notificationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID, n.DeviceID, n.PackageName, n.Message, metadata, n.IsProcessed, n.ProcessedReason,
		n.MatchedTransactionID, n.Attempts, n.LastError, n.CreatedAt, n.ProcessedAt,
	)
	return wrapErr("create notification", err)
}

func (q *Queries) GetNotification(ctx context.Context, id uuid.UUID) (models.Notification, error) {
	var n models.Notification
	err := scanNotification(q.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id), &n)
	return n, wrapErr("get notification", err)
}

// ListUnprocessedNotifications returns pending notifications, fewest failed
// attempts first and oldest first within that.
func (q *Queries) ListUnprocessedNotifications(ctx context.Context, limit int32) ([]models.Notification, error) {
	rows, err := q.db.Query(ctx, `SELECT `+notificationColumns+`
FROM notifications
WHERE NOT is_processed
ORDER BY attempts ASC, created_at ASC, id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, wrapErr("list unprocessed notifications", err)
	}
	return collectNotifications(rows)
}

func collectNotifications(rows pgx.Rows) ([]models.Notification, error) {
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := scanNotification(rows, &n); err != nil {
			return nil, wrapErr("scan notification", err)
		}
		out = append(out, n)
	}
	return out, wrapErr("iterate notifications", rows.Err())
}

const markNotificationProcessed = `UPDATE notifications
SET is_processed = TRUE, processed_reason = $2, matched_transaction_id = $3, metadata = $4, processed_at = $5
WHERE id = $1 AND NOT is_processed`

// MarkNotificationProcessed flips the processed flag once. A second call
// affects zero rows.
func (q *Queries) MarkNotificationProcessed(ctx context.Context, arg MarkNotificationProcessedParams) (int64, error) {
	metadata, err := encodeMetadata(arg.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode notification metadata: %w", err)
	}
	tag, err := q.db.Exec(ctx, markNotificationProcessed, arg.ID, arg.Reason, arg.MatchedTransactionID, metadata, arg.ProcessedAt)
	if err != nil {
		return 0, wrapErr("mark notification processed", err)
	}
	return tag.RowsAffected(), nil
}

const recordNotificationFailure = `UPDATE notifications
SET attempts = attempts + 1, last_error = $2
WHERE id = $1 AND NOT is_processed
RETURNING attempts`

// RecordNotificationFailure counts a failed processing attempt and returns the
// new total. Zero means the notification is missing or already processed.
func (q *Queries) RecordNotificationFailure(ctx context.Context, id uuid.UUID, lastError string) (int32, error) {
	var attempts int32
	err := q.db.QueryRow(ctx, recordNotificationFailure, id, lastError).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return attempts, wrapErr("record notification failure", err)
}
