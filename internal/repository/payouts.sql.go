package repository

import (
	"context"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const payoutColumns = `id, merchant_id, trader_id, amount, amount_usdt, total, total_usdt, status, accepted_at,
	expire_at, cancel_reason, previous_trader_ids, created_at, updated_at`

func scanPayout(row interface{ Scan(...any) error }, p *models.Payout) error {
	var previous []string
	if err := row.Scan(
		&p.ID, &p.MerchantID, &p.TraderID, &p.Amount, &p.AmountUsdt, &p.Total, &p.TotalUsdt, &p.Status, &p.AcceptedAt,
		&p.ExpireAt, &p.CancelReason, &previous, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return err
	}
	ids, err := parseUUIDs(previous)
	if err != nil {
		return err
	}
	p.PreviousTraderIDs = ids
	return nil
}

func collectPayouts(rows pgx.Rows, op string) ([]models.Payout, error) {
	defer rows.Close()
	var out []models.Payout
	for rows.Next() {
		var p models.Payout
		if err := scanPayout(rows, &p); err != nil {
			return nil, wrapErr(op, err)
		}
		out = append(out, p)
	}
	return out, wrapErr(op, rows.Err())
}

const createPayout = `INSERT INTO payouts (` + payoutColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

func (q *Queries) CreatePayout(ctx context.Context, p models.Payout) error {
	_, err := q.db.Exec(ctx, createPayout,
		p.ID, p.MerchantID, p.TraderID, p.Amount, p.AmountUsdt, p.Total, p.TotalUsdt, p.Status, p.AcceptedAt,
		p.ExpireAt, p.CancelReason, uuidStrings(p.PreviousTraderIDs), p.CreatedAt, p.UpdatedAt,
	)
	return wrapErr("create payout", err)
}

func (q *Queries) GetPayout(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	var p models.Payout
	err := scanPayout(q.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id), &p)
	return p, wrapErr("get payout", err)
}

func (q *Queries) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	var p models.Payout
	err := scanPayout(q.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id), &p)
	return p, wrapErr("lock payout", err)
}

// ListUnassignedPayouts returns the unexpired pool, oldest first.
func (q *Queries) ListUnassignedPayouts(ctx context.Context, now time.Time, limit int32) ([]models.Payout, error) {
	rows, err := q.db.Query(ctx, `SELECT `+payoutColumns+`
FROM payouts
WHERE status = $1 AND trader_id IS NULL AND (expire_at IS NULL OR expire_at > $2)
ORDER BY created_at ASC, id ASC
LIMIT $3`, domain.PayoutStatusCreated, now, limit)
	if err != nil {
		return nil, wrapErr("list unassigned payouts", err)
	}
	return collectPayouts(rows, "scan unassigned payout")
}

// ListExpiredPayouts returns pooled payouts whose expire_at has passed.
func (q *Queries) ListExpiredPayouts(ctx context.Context, now time.Time, limit int32) ([]models.Payout, error) {
	rows, err := q.db.Query(ctx, `SELECT `+payoutColumns+`
FROM payouts
WHERE status = $1 AND trader_id IS NULL AND expire_at <= $2
ORDER BY expire_at ASC, id ASC
LIMIT $3`, domain.PayoutStatusCreated, now, limit)
	if err != nil {
		return nil, wrapErr("list expired payouts", err)
	}
	return collectPayouts(rows, "scan expired payout")
}

func (q *Queries) ListStalePayouts(ctx context.Context, acceptedBefore time.Time, limit int32) ([]models.Payout, error) {
	rows, err := q.db.Query(ctx, `SELECT `+payoutColumns+`
FROM payouts
WHERE status = $1 AND accepted_at < $2
ORDER BY accepted_at ASC, id ASC
LIMIT $3`, domain.PayoutStatusActive, acceptedBefore, limit)
	if err != nil {
		return nil, wrapErr("list stale payouts", err)
	}
	return collectPayouts(rows, "scan stale payout")
}

const assignPayout = `UPDATE payouts
SET trader_id = $2, status = $3, accepted_at = $4, cancel_reason = NULL, updated_at = $4
WHERE id = $1 AND status = $5 AND trader_id IS NULL`

// AssignPayout binds a pooled payout to a trader. Zero affected rows means the
// payout left the pool since it was read.
func (q *Queries) AssignPayout(ctx context.Context, arg AssignPayoutParams) (int64, error) {
	tag, err := q.db.Exec(ctx, assignPayout, arg.ID, arg.TraderID, domain.PayoutStatusActive, arg.AcceptedAt, domain.PayoutStatusCreated)
	if err != nil {
		return 0, wrapErr("assign payout", err)
	}
	return tag.RowsAffected(), nil
}

const releasePayout = `UPDATE payouts
SET trader_id = NULL, status = $3, accepted_at = NULL, cancel_reason = $4, previous_trader_ids = $5::text[], updated_at = $6
WHERE id = $1 AND status = ANY($2::text[])`

// ReleasePayout returns an assigned payout to the pool.
func (q *Queries) ReleasePayout(ctx context.Context, arg ReleasePayoutParams) (int64, error) {
	tag, err := q.db.Exec(ctx, releasePayout,
		arg.ID, arg.FromStatuses, domain.PayoutStatusCreated, arg.CancelReason, uuidStrings(arg.PreviousTraderIDs), arg.UpdatedAt,
	)
	if err != nil {
		return 0, wrapErr("release payout", err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) UpdatePayoutStatus(ctx context.Context, arg UpdatePayoutStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE payouts SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		arg.ID, arg.FromStatus, arg.ToStatus, arg.UpdatedAt)
	if err != nil {
		return 0, wrapErr("update payout status", err)
	}
	return tag.RowsAffected(), nil
}
