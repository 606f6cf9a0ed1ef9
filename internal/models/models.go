package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Trader struct {
	ID                     uuid.UUID       `json:"id"`
	Name                   string          `json:"name"`
	TrustBalance           decimal.Decimal `json:"trust_balance"`
	FrozenUsdt             decimal.Decimal `json:"frozen_usdt"`
	PayoutBalance          decimal.Decimal `json:"payout_balance"`
	FrozenPayoutBalance    decimal.Decimal `json:"frozen_payout_balance"`
	ProfitFromDeals        decimal.Decimal `json:"profit_from_deals"`
	ProfitFromPayouts      decimal.Decimal `json:"profit_from_payouts"`
	MaxSimultaneousPayouts int32           `json:"max_simultaneous_payouts"`
	TrafficEnabled         bool            `json:"traffic_enabled"`
	Banned                 bool            `json:"banned"`
	CreatedAt              time.Time       `json:"created_at"`
}

// Method is a payment method with its rate adjustment.
type Method struct {
	ID         uuid.UUID       `json:"id"`
	Code       string          `json:"code"`
	KKKPercent decimal.Decimal `json:"kkk_percent"`
}

// TraderMerchant is the per trader, merchant and method fee relation.
type TraderMerchant struct {
	TraderID     uuid.UUID       `json:"trader_id"`
	MerchantID   uuid.UUID       `json:"merchant_id"`
	MethodID     uuid.UUID       `json:"method_id"`
	FeeInPercent decimal.Decimal `json:"fee_in_percent"`
	IsEnabled    bool            `json:"is_enabled"`
}

type Device struct {
	ID           uuid.UUID  `json:"id"`
	TraderID     uuid.UUID  `json:"trader_id"`
	IsOnline     bool       `json:"is_online"`
	IsWorking    bool       `json:"is_working"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// BankDetail is a trader requisite able to receive funds.
type BankDetail struct {
	ID         uuid.UUID       `json:"id"`
	TraderID   uuid.UUID       `json:"trader_id"`
	MethodID   uuid.UUID       `json:"method_id"`
	DeviceID   *uuid.UUID      `json:"device_id,omitempty"`
	BankType   string          `json:"bank_type"`
	CardNumber string          `json:"card_number"`
	MinAmount  decimal.Decimal `json:"min_amount"`
	MaxAmount  decimal.Decimal `json:"max_amount"`
	IsArchived bool            `json:"is_archived"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Transaction struct {
	ID                   uuid.UUID       `json:"id"`
	MerchantID           uuid.UUID       `json:"merchant_id"`
	MethodID             uuid.UUID       `json:"method_id"`
	TraderID             uuid.UUID       `json:"trader_id"`
	BankDetailID         uuid.UUID       `json:"bank_detail_id"`
	OrderID              string          `json:"order_id"`
	Type                 string          `json:"type"`
	Amount               decimal.Decimal `json:"amount"`
	Rate                 decimal.Decimal `json:"rate"`
	KKKPercent           decimal.Decimal `json:"kkk_percent"`
	FeeInPercent         decimal.Decimal `json:"fee_in_percent"`
	FrozenUsdtAmount     decimal.Decimal `json:"frozen_usdt_amount"`
	CalculatedCommission decimal.Decimal `json:"calculated_commission"`
	Status               string          `json:"status"`
	ExpiredAt            time.Time       `json:"expired_at"`
	AcceptedAt           *time.Time      `json:"accepted_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type Payout struct {
	ID                uuid.UUID       `json:"id"`
	MerchantID        uuid.UUID       `json:"merchant_id"`
	TraderID          *uuid.UUID      `json:"trader_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	AmountUsdt        decimal.Decimal `json:"amount_usdt"`
	Total             decimal.Decimal `json:"total"`
	TotalUsdt         decimal.Decimal `json:"total_usdt"`
	Status            string          `json:"status"`
	AcceptedAt        *time.Time      `json:"accepted_at,omitempty"`
	ExpireAt          *time.Time      `json:"expire_at,omitempty"`
	CancelReason      *string         `json:"cancel_reason,omitempty"`
	PreviousTraderIDs []uuid.UUID     `json:"previous_trader_ids"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type Notification struct {
	ID                   uuid.UUID         `json:"id"`
	DeviceID             uuid.UUID         `json:"device_id"`
	PackageName          string            `json:"package_name"`
	Message              string            `json:"message"`
	Metadata             map[string]string `json:"metadata"`
	IsProcessed          bool              `json:"is_processed"`
	ProcessedReason      *string           `json:"processed_reason,omitempty"`
	MatchedTransactionID *uuid.UUID        `json:"matched_transaction_id,omitempty"`
	Attempts             int32             `json:"attempts"`
	LastError            *string           `json:"last_error,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	ProcessedAt          *time.Time        `json:"processed_at,omitempty"`
}

// CallbackEvent is an outbox row waiting for delivery to the merchant notifier.
type CallbackEvent struct {
	ID            int64      `json:"id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	Payload       []byte     `json:"payload"`
	Status        string     `json:"status"`
	Attempts      int32      `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

// SettlementCallbackEvent is the payload handed to the callback gateway.
type SettlementCallbackEvent struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	OrderID       string          `json:"orderId"`
	MerchantID    uuid.UUID       `json:"merchantId"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
}
