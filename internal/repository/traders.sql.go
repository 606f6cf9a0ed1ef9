package repository

import (
	"context"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/google/uuid"
)

const traderColumns = `id, name, trust_balance, frozen_usdt, payout_balance, frozen_payout_balance,
	profit_from_deals, profit_from_payouts, max_simultaneous_payouts, traffic_enabled, banned, created_at`

func scanTrader(row interface{ Scan(...any) error }, t *models.Trader) error {
	return row.Scan(
		&t.ID, &t.Name, &t.TrustBalance, &t.FrozenUsdt, &t.PayoutBalance, &t.FrozenPayoutBalance,
		&t.ProfitFromDeals, &t.ProfitFromPayouts, &t.MaxSimultaneousPayouts, &t.TrafficEnabled, &t.Banned, &t.CreatedAt,
	)
}

const createTrader = `INSERT INTO traders (` + traderColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func (q *Queries) CreateTrader(ctx context.Context, t models.Trader) error {
	_, err := q.db.Exec(ctx, createTrader,
		t.ID, t.Name, t.TrustBalance, t.FrozenUsdt, t.PayoutBalance, t.FrozenPayoutBalance,
		t.ProfitFromDeals, t.ProfitFromPayouts, t.MaxSimultaneousPayouts, t.TrafficEnabled, t.Banned, t.CreatedAt,
	)
	return wrapErr("create trader", err)
}

func (q *Queries) GetTrader(ctx context.Context, id uuid.UUID) (models.Trader, error) {
	var t models.Trader
	err := scanTrader(q.db.QueryRow(ctx, `SELECT `+traderColumns+` FROM traders WHERE id = $1`, id), &t)
	return t, wrapErr("get trader", err)
}

// GetTraderForUpdate locks the trader row for the rest of the transaction.
func (q *Queries) GetTraderForUpdate(ctx context.Context, id uuid.UUID) (models.Trader, error) {
	var t models.Trader
	err := scanTrader(q.db.QueryRow(ctx, `SELECT `+traderColumns+` FROM traders WHERE id = $1 FOR UPDATE`, id), &t)
	return t, wrapErr("lock trader", err)
}

const updateTraderBalances = `UPDATE traders
SET trust_balance = $2,
    frozen_usdt = $3,
    payout_balance = $4,
    frozen_payout_balance = $5,
    profit_from_deals = $6,
    profit_from_payouts = $7
WHERE id = $1`

func (q *Queries) UpdateTraderBalances(ctx context.Context, t models.Trader) (int64, error) {
	tag, err := q.db.Exec(ctx, updateTraderBalances,
		t.ID, t.TrustBalance, t.FrozenUsdt, t.PayoutBalance, t.FrozenPayoutBalance, t.ProfitFromDeals, t.ProfitFromPayouts,
	)
	if err != nil {
		return 0, wrapErr("update trader balances", err)
	}
	return tag.RowsAffected(), nil
}

const listPayoutTraders = `SELECT ` + traderColumns + `,
    (SELECT COUNT(*) FROM payouts p WHERE p.trader_id = t.id AND p.status IN ($1, $2))::int AS active_payouts
FROM traders t
WHERE NOT t.banned AND t.traffic_enabled AND t.payout_balance > 0`

func (q *Queries) ListPayoutTraders(ctx context.Context) ([]PayoutTraderRow, error) {
	rows, err := q.db.Query(ctx, listPayoutTraders, domain.PayoutStatusActive, domain.PayoutStatusChecking)
	if err != nil {
		return nil, wrapErr("list payout traders", err)
	}
	defer rows.Close()

	var out []PayoutTraderRow
	for rows.Next() {
		var r PayoutTraderRow
		t := &r.Trader
		if err := rows.Scan(
			&t.ID, &t.Name, &t.TrustBalance, &t.FrozenUsdt, &t.PayoutBalance, &t.FrozenPayoutBalance,
			&t.ProfitFromDeals, &t.ProfitFromPayouts, &t.MaxSimultaneousPayouts, &t.TrafficEnabled, &t.Banned, &t.CreatedAt,
			&r.ActivePayouts,
		); err != nil {
			return nil, wrapErr("scan payout trader", err)
		}
		out = append(out, r)
	}
	return out, wrapErr("iterate payout traders", rows.Err())
}

// ListEnabledMerchantRelations returns every (trader, merchant) pair with an
// enabled relation on any method.
func (q *Queries) ListEnabledMerchantRelations(ctx context.Context) ([]MerchantRelation, error) {
	rows, err := q.db.Query(ctx, `SELECT DISTINCT trader_id, merchant_id FROM trader_merchants WHERE is_enabled`)
	if err != nil {
		return nil, wrapErr("list merchant relations", err)
	}
	defer rows.Close()

	var out []MerchantRelation
	for rows.Next() {
		var r MerchantRelation
		if err := rows.Scan(&r.TraderID, &r.MerchantID); err != nil {
			return nil, wrapErr("scan merchant relation", err)
		}
		out = append(out, r)
	}
	return out, wrapErr("iterate merchant relations", rows.Err())
}

func (q *Queries) CreateMethod(ctx context.Context, m models.Method) error {
	_, err := q.db.Exec(ctx, `INSERT INTO methods (id, code, kkk_percent) VALUES ($1, $2, $3)`, m.ID, m.Code, m.KKKPercent)
	return wrapErr("create method", err)
}

func (q *Queries) GetMethod(ctx context.Context, id uuid.UUID) (models.Method, error) {
	var m models.Method
	err := q.db.QueryRow(ctx, `SELECT id, code, kkk_percent FROM methods WHERE id = $1`, id).Scan(&m.ID, &m.Code, &m.KKKPercent)
	return m, wrapErr("get method", err)
}

const upsertTraderMerchant = `INSERT INTO trader_merchants (trader_id, merchant_id, method_id, fee_in_percent, is_enabled)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (trader_id, merchant_id, method_id)
DO UPDATE SET fee_in_percent = EXCLUDED.fee_in_percent, is_enabled = EXCLUDED.is_enabled`

func (q *Queries) UpsertTraderMerchant(ctx context.Context, tm models.TraderMerchant) error {
	_, err := q.db.Exec(ctx, upsertTraderMerchant, tm.TraderID, tm.MerchantID, tm.MethodID, tm.FeeInPercent, tm.IsEnabled)
	return wrapErr("upsert trader merchant", err)
}

func (q *Queries) GetTraderMerchant(ctx context.Context, traderID, merchantID, methodID uuid.UUID) (models.TraderMerchant, error) {
	var tm models.TraderMerchant
	err := q.db.QueryRow(ctx, `SELECT trader_id, merchant_id, method_id, fee_in_percent, is_enabled
FROM trader_merchants WHERE trader_id = $1 AND merchant_id = $2 AND method_id = $3`, traderID, merchantID, methodID).
		Scan(&tm.TraderID, &tm.MerchantID, &tm.MethodID, &tm.FeeInPercent, &tm.IsEnabled)
	return tm, wrapErr("get trader merchant", err)
}

func (q *Queries) CreateDevice(ctx context.Context, d models.Device) error {
	_, err := q.db.Exec(ctx, `INSERT INTO devices (id, trader_id, is_online, is_working, last_active_at) VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.TraderID, d.IsOnline, d.IsWorking, d.LastActiveAt)
	return wrapErr("create device", err)
}

func (q *Queries) GetDevice(ctx context.Context, id uuid.UUID) (models.Device, error) {
	var d models.Device
	err := q.db.QueryRow(ctx, `SELECT id, trader_id, is_online, is_working, last_active_at FROM devices WHERE id = $1`, id).
		Scan(&d.ID, &d.TraderID, &d.IsOnline, &d.IsWorking, &d.LastActiveAt)
	return d, wrapErr("get device", err)
}

const bankDetailColumns = `id, trader_id, method_id, device_id, bank_type, card_number, min_amount, max_amount, is_archived, created_at`

func scanBankDetail(row interface{ Scan(...any) error }, b *models.BankDetail, extra ...any) error {
	dest := append([]any{
		&b.ID, &b.TraderID, &b.MethodID, &b.DeviceID, &b.BankType, &b.CardNumber, &b.MinAmount, &b.MaxAmount, &b.IsArchived, &b.CreatedAt,
	}, extra...)
	return row.Scan(dest...)
}

func (q *Queries) CreateBankDetail(ctx context.Context, b models.BankDetail) error {
	_, err := q.db.Exec(ctx, `INSERT INTO bank_details (`+bankDetailColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.TraderID, b.MethodID, b.DeviceID, b.BankType, b.CardNumber, b.MinAmount, b.MaxAmount, b.IsArchived, b.CreatedAt)
	return wrapErr("create bank detail", err)
}

func (q *Queries) GetBankDetail(ctx context.Context, id uuid.UUID) (models.BankDetail, error) {
	var b models.BankDetail
	err := scanBankDetail(q.db.QueryRow(ctx, `SELECT `+bankDetailColumns+` FROM bank_details WHERE id = $1`, id), &b)
	return b, wrapErr("get bank detail", err)
}

func (q *Queries) ListBankDetailsByDevice(ctx context.Context, deviceID uuid.UUID) ([]models.BankDetail, error) {
	rows, err := q.db.Query(ctx, `SELECT `+bankDetailColumns+` FROM bank_details WHERE device_id = $1 ORDER BY created_at, id`, deviceID)
	if err != nil {
		return nil, wrapErr("list device bank details", err)
	}
	defer rows.Close()

	var out []models.BankDetail
	for rows.Next() {
		var b models.BankDetail
		if err := scanBankDetail(rows, &b); err != nil {
			return nil, wrapErr("scan bank detail", err)
		}
		out = append(out, b)
	}
	return out, wrapErr("iterate bank details", rows.Err())
}

const listRequisiteCandidates = `SELECT b.id, b.trader_id, b.method_id, b.device_id, b.bank_type, b.card_number,
    b.min_amount, b.max_amount, b.is_archived, b.created_at,
    t.trust_balance, tm.fee_in_percent,
    (SELECT COUNT(*) FROM transactions x WHERE x.bank_detail_id = b.id AND x.status = $4)::int AS in_progress
FROM bank_details b
JOIN traders t ON t.id = b.trader_id
JOIN trader_merchants tm ON tm.trader_id = b.trader_id AND tm.merchant_id = $1 AND tm.method_id = b.method_id
LEFT JOIN devices d ON d.id = b.device_id
WHERE b.method_id = $2
  AND NOT b.is_archived
  AND NOT t.banned
  AND t.traffic_enabled
  AND tm.is_enabled
  AND b.min_amount <= $3
  AND (b.max_amount = 0 OR b.max_amount >= $3)
  AND (b.device_id IS NULL OR (d.is_online AND d.is_working))
ORDER BY in_progress ASC, b.created_at ASC, b.id ASC`

func (q *Queries) ListRequisiteCandidates(ctx context.Context, arg RequisiteCandidatesParams) ([]RequisiteCandidateRow, error) {
	rows, err := q.db.Query(ctx, listRequisiteCandidates, arg.MerchantID, arg.MethodID, arg.Amount, domain.TxStatusInProgress)
	if err != nil {
		return nil, wrapErr("list requisite candidates", err)
	}
	defer rows.Close()

	var out []RequisiteCandidateRow
	for rows.Next() {
		var r RequisiteCandidateRow
		if err := scanBankDetail(rows, &r.BankDetail, &r.TrustBalance, &r.FeeInPercent, &r.InProgress); err != nil {
			return nil, wrapErr("scan requisite candidate", err)
		}
		out = append(out, r)
	}
	return out, wrapErr("iterate requisite candidates", rows.Err())
}

const listTraderReservations = `SELECT t.id, t.frozen_usdt,
    COALESCE((SELECT SUM(x.frozen_usdt_amount + x.calculated_commission) FROM transactions x
              WHERE x.trader_id = t.id AND x.status = $1), 0) AS expected_frozen,
    t.frozen_payout_balance,
    COALESCE((SELECT SUM(p.total) FROM payouts p
              WHERE p.trader_id = t.id AND p.status IN ($2, $3)), 0) AS expected_frozen_payout
FROM traders t
ORDER BY t.id`

func (q *Queries) ListTraderReservations(ctx context.Context) ([]TraderReservationRow, error) {
	rows, err := q.db.Query(ctx, listTraderReservations, domain.TxStatusInProgress, domain.PayoutStatusActive, domain.PayoutStatusChecking)
	if err != nil {
		return nil, wrapErr("list trader reservations", err)
	}
	defer rows.Close()

	var out []TraderReservationRow
	for rows.Next() {
		var r TraderReservationRow
		if err := rows.Scan(&r.TraderID, &r.FrozenUsdt, &r.ExpectedFrozenUsdt, &r.FrozenPayoutBalance, &r.ExpectedFrozenPayout); err != nil {
			return nil, wrapErr("scan trader reservation", err)
		}
		out = append(out, r)
	}
	return out, wrapErr("iterate trader reservations", rows.Err())
}
