package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sberPackage = "ru.sberbankmobile"

func TestMatcherToleranceBandPrefersNewest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})

	older := testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "10000", domain.TxStatusInProgress, testutil.Epoch.Add(time.Minute))
	newer := testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "9998", domain.TxStatusInProgress, testutil.Epoch.Add(2*time.Minute))
	n := testutil.SeedNotification(t, q, f.Device.ID, sberPackage, "Перевод 9999р от Иван И.", testutil.Epoch.Add(5*time.Minute))

	ranked, err := env.matcher.rankCandidates(ctx, n, []models.BankDetail{f.BankDetail}, testutil.Dec("9999"), domain.BankTypeSberbank)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, newer.ID, ranked[0].ID)
	assert.Equal(t, older.ID, ranked[1].ID)

	result, err := env.matcher.Process(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonMatched, result.Reason)
	requireDecimal(t, "9999", result.Amount)
	assert.Equal(t, domain.BankTypeSberbank, result.BankHint)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, newer.ID, result.Transaction.ID)

	assert.Equal(t, domain.TxStatusReady, env.transaction(t, newer.ID).Status)
	assert.Equal(t, domain.TxStatusInProgress, env.transaction(t, older.ID).Status)
}

func TestMatcherExactBeforeBand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})

	exact := testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "5000", domain.TxStatusInProgress, testutil.Epoch)
	testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "5001", domain.TxStatusInProgress, testutil.Epoch.Add(time.Minute))
	n := testutil.SeedNotification(t, q, f.Device.ID, sberPackage, "Перевод 5000р от Иван И.", testutil.Epoch.Add(2*time.Minute))

	result, err := env.matcher.Process(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, exact.ID, result.Transaction.ID)
}

func TestMatcherBankHintBreaksTies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{BankType: domain.BankTypeTBank})
	sber := testutil.AddBankDetail(t, q, f, domain.BankTypeSberbank, testutil.Epoch)

	testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "7000", domain.TxStatusInProgress, testutil.Epoch.Add(2*time.Minute))
	onSber := testutil.SeedTransaction(t, q, f, sber.ID, "7000", domain.TxStatusInProgress, testutil.Epoch.Add(time.Minute))

	n := models.Notification{
		ID:          uuid.New(),
		DeviceID:    f.Device.ID,
		PackageName: "com.unknown.bank",
		Message:     "Перевод 7000р от Иван И.",
		Metadata:    map[string]string{"bankName": "Сбер"},
		CreatedAt:   testutil.Epoch.Add(3 * time.Minute),
	}
	require.NoError(t, q.CreateNotification(ctx, n))

	result, err := env.matcher.Process(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BankTypeSberbank, result.BankHint)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, onSber.ID, result.Transaction.ID)

	stored, err := q.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "7000", stored.Metadata["extractedAmount"])
	assert.Equal(t, domain.BankTypeSberbank, stored.Metadata["resolvedBankType"])
}

func TestMatcherUnmatchedOutcomes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})

	bare := models.Device{ID: uuid.New(), TraderID: f.Trader.ID, IsOnline: true, IsWorking: true}
	require.NoError(t, q.CreateDevice(ctx, bare))

	tests := []struct {
		name   string
		device uuid.UUID
		text   string
		want   string
	}{
		{name: "no amount in text", device: f.Device.ID, text: "Ваш код подтверждения 1234", want: domain.ReasonExtractionFailed},
		{name: "device without requisites", device: bare.ID, text: "Перевод 3000р от Иван И.", want: domain.ReasonNoBankDetails},
		{name: "nothing pending", device: f.Device.ID, text: "Перевод 3000р от Иван И.", want: domain.ReasonNoCandidate},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := testutil.SeedNotification(t, q, tc.device, sberPackage, tc.text, testutil.Epoch)
			result, err := env.matcher.Process(ctx, n.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, result.Reason)
			assert.Nil(t, result.Transaction)

			stored, err := q.GetNotification(ctx, n.ID)
			require.NoError(t, err)
			assert.True(t, stored.IsProcessed)
			require.NotNil(t, stored.ProcessedReason)
			assert.Equal(t, tc.want, *stored.ProcessedReason)
		})
	}
}

func TestMatcherIgnoresTransactionsOutsideLookback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})

	testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "4000", domain.TxStatusInProgress, testutil.Epoch)
	n := testutil.SeedNotification(t, q, f.Device.ID, sberPackage, "Перевод 4000р от Иван И.", testutil.Epoch.Add(5*time.Hour))

	result, err := env.matcher.Process(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNoCandidate, result.Reason)
}

func TestMatcherReprocessingIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})

	tx := testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "2500", domain.TxStatusInProgress, testutil.Epoch)
	n := testutil.SeedNotification(t, q, f.Device.ID, sberPackage, "Перевод 2500р от Иван И.", testutil.Epoch.Add(time.Minute))

	first, err := env.matcher.Process(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonMatched, first.Reason)

	second, err := env.matcher.Process(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonMatched, second.Reason)
	assert.Nil(t, second.Transaction)

	assert.Len(t, env.callbacksFor(tx.ID), 1)
}

func TestMatchAndExpiryReleaseAtMostOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t)
		ctx := context.Background()
		q := env.store.Queries()
		f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})

		tx, err := env.freezing.CreateTransaction(ctx, createRequest(f, "10000", "order-race"))
		require.NoError(t, err)
		n := testutil.SeedNotification(t, q, f.Device.ID, sberPackage, "Перевод 10000р от Иван И.", testutil.Epoch.Add(time.Minute))
		env.expiry.now = fixedClock(testutil.Epoch.Add(time.Hour))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = env.matcher.Process(ctx, n.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = env.expiry.ExpireDue(ctx, 100)
		}()
		wg.Wait()

		final := env.transaction(t, tx.ID)
		tr := env.trader(t, f.Trader.ID)
		requireDecimal(t, "0", tr.FrozenUsdt)
		switch final.Status {
		case domain.TxStatusReady:
			requireDecimal(t, "998.5", tr.TrustBalance)
		case domain.TxStatusExpired:
			requireDecimal(t, "1000", tr.TrustBalance)
		default:
			t.Fatalf("unexpected status %s", final.Status)
		}
		require.Len(t, env.callbacksFor(tx.ID), 1)
	}
}

func TestProcessPendingSinksAndClosesFailingNotification(t *testing.T) {
	env := newTestEnv(t)
	env.matcher.WithMaxAttempts(2)
	ctx := context.Background()
	q := env.store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})

	// the trader never had this reservation frozen, so settling it always fails
	broken := models.Transaction{
		ID:               uuid.New(),
		MerchantID:       f.MerchantID,
		MethodID:         f.Method.ID,
		TraderID:         f.Trader.ID,
		BankDetailID:     f.BankDetail.ID,
		OrderID:          "broken",
		Type:             domain.TxTypeIn,
		Amount:           testutil.Dec("4000"),
		Rate:             testutil.Dec("100"),
		FrozenUsdtAmount: testutil.Dec("40"),
		Status:           domain.TxStatusInProgress,
		ExpiredAt:        testutil.Epoch.Add(time.Hour),
		CreatedAt:        testutil.Epoch,
		UpdatedAt:        testutil.Epoch,
	}
	require.NoError(t, q.CreateTransaction(ctx, broken))
	fresh := testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "1500", domain.TxStatusInProgress, testutil.Epoch)

	poison := testutil.SeedNotification(t, q, f.Device.ID, sberPackage, "Перевод 4000р от Иван И.", testutil.Epoch.Add(time.Minute))
	good := testutil.SeedNotification(t, q, f.Device.ID, sberPackage, "Перевод 1500р от Иван И.", testutil.Epoch.Add(2*time.Minute))

	handled, err := env.matcher.ProcessPending(ctx, 1, 1)
	require.NoError(t, err)
	assert.Zero(t, handled)
	failed, err := q.GetNotification(ctx, poison.ID)
	require.NoError(t, err)
	assert.False(t, failed.IsProcessed)
	assert.EqualValues(t, 1, failed.Attempts)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, domain.ErrBalanceInvariant.Error())

	// the failed notification sinks behind the newer one
	handled, err = env.matcher.ProcessPending(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	matched, err := q.GetNotification(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, matched.IsProcessed)
	assert.Equal(t, domain.TxStatusReady, env.transaction(t, fresh.ID).Status)

	handled, err = env.matcher.ProcessPending(ctx, 10, 1)
	require.NoError(t, err)
	assert.Zero(t, handled)
	closed, err := q.GetNotification(ctx, poison.ID)
	require.NoError(t, err)
	assert.True(t, closed.IsProcessed)
	require.NotNil(t, closed.ProcessedReason)
	assert.Equal(t, domain.ReasonFailed, *closed.ProcessedReason)
	assert.EqualValues(t, 2, closed.Attempts)
	assert.Equal(t, domain.TxStatusInProgress, env.transaction(t, broken.ID).Status)

	pending, err := q.ListUnprocessedNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIngestRequiresKnownDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.matcher.Ingest(ctx, IncomingNotification{DeviceID: uuid.New(), PackageName: sberPackage, Message: "Перевод 100р"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	f := testutil.SeedFixture(t, env.store.Queries(), testutil.FixtureOptions{})
	n, err := env.matcher.Ingest(ctx, IncomingNotification{DeviceID: f.Device.ID, PackageName: sberPackage, Message: "Перевод 100р"})
	require.NoError(t, err)
	assert.False(t, n.IsProcessed)

	done, err := env.matcher.ProcessPending(ctx, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
}
