package repository

import (
	"context"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const transactionColumns = `id, merchant_id, method_id, trader_id, bank_detail_id, order_id, type, amount, rate,
	kkk_percent, fee_in_percent, frozen_usdt_amount, calculated_commission, status, expired_at, accepted_at,
	created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }, t *models.Transaction) error {
	return row.Scan(
		&t.ID, &t.MerchantID, &t.MethodID, &t.TraderID, &t.BankDetailID, &t.OrderID, &t.Type, &t.Amount, &t.Rate,
		&t.KKKPercent, &t.FeeInPercent, &t.FrozenUsdtAmount, &t.CalculatedCommission, &t.Status, &t.ExpiredAt, &t.AcceptedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
}

func collectTransactions(rows pgx.Rows, op string) ([]models.Transaction, error) {
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := scanTransaction(rows, &t); err != nil {
			return nil, wrapErr(op, err)
		}
		out = append(out, t)
	}
	return out, wrapErr(op, rows.Err())
}

const createTransaction = `INSERT INTO transactions (` + transactionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

func (q *Queries) CreateTransaction(ctx context.Context, t models.Transaction) error {
	_, err := q.db.Exec(ctx, createTransaction,
		t.ID, t.MerchantID, t.MethodID, t.TraderID, t.BankDetailID, t.OrderID, t.Type, t.Amount, t.Rate,
		t.KKKPercent, t.FeeInPercent, t.FrozenUsdtAmount, t.CalculatedCommission, t.Status, t.ExpiredAt, t.AcceptedAt,
		t.CreatedAt, t.UpdatedAt,
	)
	return wrapErr("create transaction", err)
}

func (q *Queries) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	var t models.Transaction
	err := scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id), &t)
	return t, wrapErr("get transaction", err)
}

func (q *Queries) GetTransactionByOrder(ctx context.Context, merchantID uuid.UUID, orderID string) (models.Transaction, error) {
	var t models.Transaction
	err := scanTransaction(q.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE merchant_id = $1 AND order_id = $2`, merchantID, orderID), &t)
	return t, wrapErr("get transaction by order", err)
}

const findPendingTransactions = `SELECT ` + transactionColumns + `
FROM transactions
WHERE bank_detail_id = ANY($1::uuid[])
  AND type = $2
  AND status IN ($3, $4)
  AND amount BETWEEN $5 AND $6
  AND created_at >= $7
ORDER BY created_at DESC, id ASC
LIMIT $8`

// FindPendingTransactions returns open incoming deals on the given requisites
// whose amount falls inside [MinAmount, MaxAmount], newest first.
func (q *Queries) FindPendingTransactions(ctx context.Context, arg FindPendingTransactionsParams) ([]models.Transaction, error) {
	rows, err := q.db.Query(ctx, findPendingTransactions,
		uuidStrings(arg.BankDetailIDs), domain.TxTypeIn, domain.TxStatusCreated, domain.TxStatusInProgress,
		arg.MinAmount, arg.MaxAmount, arg.CreatedAfter, arg.Limit,
	)
	if err != nil {
		return nil, wrapErr("find pending transactions", err)
	}
	return collectTransactions(rows, "scan pending transaction")
}

const updateTransactionStatus = `UPDATE transactions
SET status = $3,
    accepted_at = COALESCE($4, accepted_at),
    updated_at = $5
WHERE id = $1 AND status = ANY($2::text[])`

// UpdateTransactionStatus moves a transaction only when it is still in one of
// FromStatuses. Zero affected rows means another writer got there first.
func (q *Queries) UpdateTransactionStatus(ctx context.Context, arg UpdateTransactionStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateTransactionStatus, arg.ID, arg.FromStatuses, arg.ToStatus, arg.AcceptedAt, arg.UpdatedAt)
	if err != nil {
		return 0, wrapErr("update transaction status", err)
	}
	return tag.RowsAffected(), nil
}

const listExpiredTransactions = `SELECT ` + transactionColumns + `
FROM transactions
WHERE status IN ($1, $2) AND expired_at <= $3
ORDER BY expired_at ASC, id ASC
LIMIT $4`

func (q *Queries) ListExpiredTransactions(ctx context.Context, now time.Time, limit int32) ([]models.Transaction, error) {
	rows, err := q.db.Query(ctx, listExpiredTransactions, domain.TxStatusCreated, domain.TxStatusInProgress, now, limit)
	if err != nil {
		return nil, wrapErr("list expired transactions", err)
	}
	return collectTransactions(rows, "scan expired transaction")
}
