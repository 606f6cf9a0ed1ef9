// Package testutil seeds ledger fixtures for package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Epoch is the fixed clock origin used by fixtures.
var Epoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// PayoutMerchantID owns the payouts from SeedPayout. Traders from
// SeedPayoutTrader are enabled for it.
var PayoutMerchantID = uuid.MustParse("6f1c2a52-8d4e-4a57-9b0e-3c1f5d7a9e21")

func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Fixture is a seeded trader with one method, merchant relation, device and
// requisite.
type Fixture struct {
	Trader     models.Trader
	Method     models.Method
	MerchantID uuid.UUID
	Device     models.Device
	BankDetail models.BankDetail
}

type FixtureOptions struct {
	TrustBalance  string
	PayoutBalance string
	KKKPercent    string
	FeeInPercent  string
	BankType      string
	MaxPayouts    int32
}

func (o FixtureOptions) withDefaults() FixtureOptions {
	if o.TrustBalance == "" {
		o.TrustBalance = "1000"
	}
	if o.PayoutBalance == "" {
		o.PayoutBalance = "0"
	}
	if o.KKKPercent == "" {
		o.KKKPercent = "2"
	}
	if o.FeeInPercent == "" {
		o.FeeInPercent = "1.5"
	}
	if o.BankType == "" {
		o.BankType = domain.BankTypeSberbank
	}
	if o.MaxPayouts == 0 {
		o.MaxPayouts = 5
	}
	return o
}

// SeedFixture writes a complete, eligible trader setup through q.
func SeedFixture(t testing.TB, q repository.Querier, opts FixtureOptions) Fixture {
	t.Helper()
	opts = opts.withDefaults()
	ctx := context.Background()

	f := Fixture{
		Trader: models.Trader{
			ID:                     uuid.New(),
			Name:                   "trader",
			TrustBalance:           Dec(opts.TrustBalance),
			PayoutBalance:          Dec(opts.PayoutBalance),
			MaxSimultaneousPayouts: opts.MaxPayouts,
			TrafficEnabled:         true,
			CreatedAt:              Epoch,
		},
		Method:     models.Method{ID: uuid.New(), Code: "card-" + uuid.NewString()[:8], KKKPercent: Dec(opts.KKKPercent)},
		MerchantID: uuid.New(),
	}
	require.NoError(t, q.CreateTrader(ctx, f.Trader))
	require.NoError(t, q.CreateMethod(ctx, f.Method))
	require.NoError(t, q.UpsertTraderMerchant(ctx, models.TraderMerchant{
		TraderID:     f.Trader.ID,
		MerchantID:   f.MerchantID,
		MethodID:     f.Method.ID,
		FeeInPercent: Dec(opts.FeeInPercent),
		IsEnabled:    true,
	}))

	lastActive := Epoch
	f.Device = models.Device{ID: uuid.New(), TraderID: f.Trader.ID, IsOnline: true, IsWorking: true, LastActiveAt: &lastActive}
	require.NoError(t, q.CreateDevice(ctx, f.Device))
	f.BankDetail = AddBankDetail(t, q, f, opts.BankType, Epoch)
	return f
}

// AddBankDetail attaches another requisite of bankType to the fixture device.
func AddBankDetail(t testing.TB, q repository.Querier, f Fixture, bankType string, createdAt time.Time) models.BankDetail {
	t.Helper()
	deviceID := f.Device.ID
	b := models.BankDetail{
		ID:         uuid.New(),
		TraderID:   f.Trader.ID,
		MethodID:   f.Method.ID,
		DeviceID:   &deviceID,
		BankType:   bankType,
		CardNumber: "2200000000000000",
		MinAmount:  Dec("100"),
		MaxAmount:  Dec("500000"),
		CreatedAt:  createdAt,
	}
	require.NoError(t, q.CreateBankDetail(context.Background(), b))
	return b
}

// SeedTransaction inserts an IN transaction on bankDetail without touching
// balances. Use it for matcher lookups where the freeze is irrelevant.
func SeedTransaction(t testing.TB, q repository.Querier, f Fixture, bankDetailID uuid.UUID, amount string, status string, createdAt time.Time) models.Transaction {
	t.Helper()
	tx := models.Transaction{
		ID:           uuid.New(),
		MerchantID:   f.MerchantID,
		MethodID:     f.Method.ID,
		TraderID:     f.Trader.ID,
		BankDetailID: bankDetailID,
		OrderID:      uuid.NewString(),
		Type:         domain.TxTypeIn,
		Amount:       Dec(amount),
		Rate:         Dec("100"),
		KKKPercent:   decimal.Zero,
		FeeInPercent: decimal.Zero,
		Status:       status,
		ExpiredAt:    createdAt.Add(time.Hour),
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	require.NoError(t, q.CreateTransaction(context.Background(), tx))
	return tx
}

// SeedPayoutTrader inserts a trader eligible for payouts only.
func SeedPayoutTrader(t testing.TB, q repository.Querier, payoutBalance string, maxPayouts int32) models.Trader {
	t.Helper()
	tr := models.Trader{
		ID:                     uuid.New(),
		Name:                   "payout-trader",
		PayoutBalance:          Dec(payoutBalance),
		MaxSimultaneousPayouts: maxPayouts,
		TrafficEnabled:         true,
		CreatedAt:              Epoch,
	}
	require.NoError(t, q.CreateTrader(context.Background(), tr))
	LinkMerchant(t, q, tr.ID, PayoutMerchantID, true)
	return tr
}

// LinkMerchant records a trader-merchant relation on a fresh method.
func LinkMerchant(t testing.TB, q repository.Querier, traderID, merchantID uuid.UUID, enabled bool) {
	t.Helper()
	ctx := context.Background()
	m := models.Method{ID: uuid.New(), Code: "payout-" + uuid.NewString(), KKKPercent: decimal.Zero}
	require.NoError(t, q.CreateMethod(ctx, m))
	require.NoError(t, q.UpsertTraderMerchant(ctx, models.TraderMerchant{
		TraderID:   traderID,
		MerchantID: merchantID,
		MethodID:   m.ID,
		IsEnabled:  enabled,
	}))
}

// SeedPayout inserts a pooled payout of total fiat units.
func SeedPayout(t testing.TB, q repository.Querier, total string, createdAt time.Time) models.Payout {
	t.Helper()
	return seedPayout(t, q, total, createdAt, nil)
}

// SeedExpiringPayout is SeedPayout with an expireAt.
func SeedExpiringPayout(t testing.TB, q repository.Querier, total string, createdAt, expireAt time.Time) models.Payout {
	t.Helper()
	return seedPayout(t, q, total, createdAt, &expireAt)
}

func seedPayout(t testing.TB, q repository.Querier, total string, createdAt time.Time, expireAt *time.Time) models.Payout {
	t.Helper()
	p := models.Payout{
		ID:         uuid.New(),
		MerchantID: PayoutMerchantID,
		Amount:     Dec(total),
		AmountUsdt: Dec(total).Div(Dec("100")),
		Total:      Dec(total),
		TotalUsdt:  Dec(total).Div(Dec("100")),
		Status:     domain.PayoutStatusCreated,
		ExpireAt:   expireAt,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	require.NoError(t, q.CreatePayout(context.Background(), p))
	return p
}

// SeedNotification stores an unprocessed device notification.
func SeedNotification(t testing.TB, q repository.Querier, deviceID uuid.UUID, pkg, message string, createdAt time.Time) models.Notification {
	t.Helper()
	n := models.Notification{
		ID:          uuid.New(),
		DeviceID:    deviceID,
		PackageName: pkg,
		Message:     message,
		Metadata:    map[string]string{},
		CreatedAt:   createdAt,
	}
	require.NoError(t, q.CreateNotification(context.Background(), n))
	return n
}
