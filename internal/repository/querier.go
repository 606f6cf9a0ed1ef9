package repository

import (
	"context"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Querier is the ledger store contract. Methods that change rows return the
// affected row count so callers can detect lost conditional updates.
type Querier interface {
	CreateTrader(ctx context.Context, t models.Trader) error
	GetTrader(ctx context.Context, id uuid.UUID) (models.Trader, error)
	GetTraderForUpdate(ctx context.Context, id uuid.UUID) (models.Trader, error)
	UpdateTraderBalances(ctx context.Context, t models.Trader) (int64, error)
	ListPayoutTraders(ctx context.Context) ([]PayoutTraderRow, error)
	ListEnabledMerchantRelations(ctx context.Context) ([]MerchantRelation, error)

	CreateMethod(ctx context.Context, m models.Method) error
	GetMethod(ctx context.Context, id uuid.UUID) (models.Method, error)
	UpsertTraderMerchant(ctx context.Context, tm models.TraderMerchant) error
	GetTraderMerchant(ctx context.Context, traderID, merchantID, methodID uuid.UUID) (models.TraderMerchant, error)

	CreateDevice(ctx context.Context, d models.Device) error
	GetDevice(ctx context.Context, id uuid.UUID) (models.Device, error)
	CreateBankDetail(ctx context.Context, b models.BankDetail) error
	GetBankDetail(ctx context.Context, id uuid.UUID) (models.BankDetail, error)
	ListBankDetailsByDevice(ctx context.Context, deviceID uuid.UUID) ([]models.BankDetail, error)
	ListRequisiteCandidates(ctx context.Context, arg RequisiteCandidatesParams) ([]RequisiteCandidateRow, error)

	CreateTransaction(ctx context.Context, t models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	GetTransactionByOrder(ctx context.Context, merchantID uuid.UUID, orderID string) (models.Transaction, error)
	FindPendingTransactions(ctx context.Context, arg FindPendingTransactionsParams) ([]models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, arg UpdateTransactionStatusParams) (int64, error)
	ListExpiredTransactions(ctx context.Context, now time.Time, limit int32) ([]models.Transaction, error)

	CreatePayout(ctx context.Context, p models.Payout) error
	GetPayout(ctx context.Context, id uuid.UUID) (models.Payout, error)
	GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (models.Payout, error)
	ListUnassignedPayouts(ctx context.Context, now time.Time, limit int32) ([]models.Payout, error)
	ListExpiredPayouts(ctx context.Context, now time.Time, limit int32) ([]models.Payout, error)
	ListStalePayouts(ctx context.Context, acceptedBefore time.Time, limit int32) ([]models.Payout, error)
	AssignPayout(ctx context.Context, arg AssignPayoutParams) (int64, error)
	ReleasePayout(ctx context.Context, arg ReleasePayoutParams) (int64, error)
	UpdatePayoutStatus(ctx context.Context, arg UpdatePayoutStatusParams) (int64, error)

	CreateNotification(ctx context.Context, n models.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (models.Notification, error)
	ListUnprocessedNotifications(ctx context.Context, limit int32) ([]models.Notification, error)
	MarkNotificationProcessed(ctx context.Context, arg MarkNotificationProcessedParams) (int64, error)
	RecordNotificationFailure(ctx context.Context, id uuid.UUID, lastError string) (int32, error)

	InsertCallbackEvent(ctx context.Context, arg InsertCallbackEventParams) (int64, error)
	RecoverStaleCallbacks(ctx context.Context, before time.Time) (int64, error)
	ClaimCallbackEvents(ctx context.Context, now time.Time, limit int32) ([]models.CallbackEvent, error)
	MarkCallbackDelivered(ctx context.Context, id int64, at time.Time) (int64, error)
	MarkCallbackRetry(ctx context.Context, arg MarkCallbackRetryParams) (int64, error)

	InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) error
	ListTraderReservations(ctx context.Context) ([]TraderReservationRow, error)
}

// PayoutTraderRow is a payout-eligible trader with its open payout count.
type PayoutTraderRow struct {
	Trader        models.Trader
	ActivePayouts int32
}

// MerchantRelation is a trader enabled for at least one method of a merchant.
type MerchantRelation struct {
	TraderID   uuid.UUID
	MerchantID uuid.UUID
}

type RequisiteCandidatesParams struct {
	MerchantID uuid.UUID
	MethodID   uuid.UUID
	Amount     decimal.Decimal
}

// RequisiteCandidateRow is an eligible requisite with the load of its trader.
type RequisiteCandidateRow struct {
	BankDetail   models.BankDetail
	TrustBalance decimal.Decimal
	FeeInPercent decimal.Decimal
	InProgress   int32
}

type FindPendingTransactionsParams struct {
	BankDetailIDs []uuid.UUID
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	CreatedAfter  time.Time
	Limit         int32
}

type UpdateTransactionStatusParams struct {
	ID           uuid.UUID
	FromStatuses []string
	ToStatus     string
	AcceptedAt   *time.Time
	UpdatedAt    time.Time
}

type AssignPayoutParams struct {
	ID         uuid.UUID
	TraderID   uuid.UUID
	AcceptedAt time.Time
}

type ReleasePayoutParams struct {
	ID                uuid.UUID
	FromStatuses      []string
	CancelReason      string
	PreviousTraderIDs []uuid.UUID
	UpdatedAt         time.Time
}

type UpdatePayoutStatusParams struct {
	ID         uuid.UUID
	FromStatus string
	ToStatus   string
	UpdatedAt  time.Time
}

type MarkNotificationProcessedParams struct {
	ID                   uuid.UUID
	Reason               string
	MatchedTransactionID *uuid.UUID
	Metadata             map[string]string
	ProcessedAt          time.Time
}

type InsertCallbackEventParams struct {
	TransactionID uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type MarkCallbackRetryParams struct {
	ID            int64
	Status        string
	Attempts      int32
	NextAttemptAt time.Time
	LastError     string
}

type InsertAuditLogParams struct {
	EntityType string
	EntityID   uuid.UUID
	ActorID    *uuid.UUID
	Action     string
	PrevState  *string
	NextState  *string
	Metadata   []byte
}

// TraderReservationRow compares stored frozen balances with open obligations.
type TraderReservationRow struct {
	TraderID             uuid.UUID
	FrozenUsdt           decimal.Decimal
	ExpectedFrozenUsdt   decimal.Decimal
	FrozenPayoutBalance  decimal.Decimal
	ExpectedFrozenPayout decimal.Decimal
}
