package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/ayo6706/p2p-settlement/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRollsBackFailedTx(t *testing.T) {
	store := repository.NewMemoryStore()
	f := testutil.SeedFixture(t, store.Queries(), testutil.FixtureOptions{})
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.RunInTx(ctx, func(q repository.Querier) error {
		tr, err := q.GetTraderForUpdate(ctx, f.Trader.ID)
		require.NoError(t, err)
		tr.TrustBalance = testutil.Dec("1")
		_, err = q.UpdateTraderBalances(ctx, tr)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	tr, err := store.Queries().GetTrader(ctx, f.Trader.ID)
	require.NoError(t, err)
	assert.True(t, tr.TrustBalance.Equal(testutil.Dec("1000")))
}

func TestMemoryStoreRejectsNegativeBalance(t *testing.T) {
	store := repository.NewMemoryStore()
	f := testutil.SeedFixture(t, store.Queries(), testutil.FixtureOptions{})

	tr := f.Trader
	tr.TrustBalance = testutil.Dec("-0.01")
	_, err := store.Queries().UpdateTraderBalances(context.Background(), tr)
	require.ErrorIs(t, err, domain.ErrBalanceInvariant)
}

func TestMemoryStoreConditionalTransactionUpdate(t *testing.T) {
	store := repository.NewMemoryStore()
	q := store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})
	tx := testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "5000", domain.TxStatusInProgress, testutil.Epoch)
	ctx := context.Background()

	arg := repository.UpdateTransactionStatusParams{
		ID:           tx.ID,
		FromStatuses: []string{domain.TxStatusInProgress},
		ToStatus:     domain.TxStatusReady,
		UpdatedAt:    testutil.Epoch,
	}
	n, err := q.UpdateTransactionStatus(ctx, arg)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	arg.ToStatus = domain.TxStatusExpired
	n, err = q.UpdateTransactionStatus(ctx, arg)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	got, err := q.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusReady, got.Status)
}

func TestMemoryStoreFindPendingOrdersNewestFirst(t *testing.T) {
	store := repository.NewMemoryStore()
	q := store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})

	older := testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "1000", domain.TxStatusInProgress, testutil.Epoch)
	newer := testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "1000", domain.TxStatusInProgress, testutil.Epoch.Add(time.Minute))
	testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "1000", domain.TxStatusReady, testutil.Epoch.Add(2*time.Minute))
	testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "1002", domain.TxStatusInProgress, testutil.Epoch.Add(3*time.Minute))

	got, err := q.FindPendingTransactions(context.Background(), repository.FindPendingTransactionsParams{
		BankDetailIDs: []uuid.UUID{f.BankDetail.ID},
		MinAmount:     testutil.Dec("1000"),
		MaxAmount:     testutil.Dec("1000"),
		CreatedAfter:  testutil.Epoch.Add(-time.Hour),
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)
}

func TestMemoryStoreAssignPayoutOnlyFromPool(t *testing.T) {
	store := repository.NewMemoryStore()
	q := store.Queries()
	p := testutil.SeedPayout(t, q, "500", testutil.Epoch)
	ctx := context.Background()

	n, err := q.AssignPayout(ctx, repository.AssignPayoutParams{ID: p.ID, TraderID: uuid.New(), AcceptedAt: testutil.Epoch})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = q.AssignPayout(ctx, repository.AssignPayoutParams{ID: p.ID, TraderID: uuid.New(), AcceptedAt: testutil.Epoch})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestMemoryStorePoolSkipsExpiredPayouts(t *testing.T) {
	store := repository.NewMemoryStore()
	q := store.Queries()
	ctx := context.Background()

	open := testutil.SeedPayout(t, q, "500", testutil.Epoch)
	expiring := testutil.SeedExpiringPayout(t, q, "700", testutil.Epoch, testutil.Epoch)
	testutil.SeedExpiringPayout(t, q, "900", testutil.Epoch, testutil.Epoch.Add(time.Minute))

	pool, err := q.ListUnassignedPayouts(ctx, testutil.Epoch, 10)
	require.NoError(t, err)
	require.Len(t, pool, 2)
	assert.NotContains(t, []uuid.UUID{pool[0].ID, pool[1].ID}, expiring.ID)
	assert.Contains(t, []uuid.UUID{pool[0].ID, pool[1].ID}, open.ID)

	expired, err := q.ListExpiredPayouts(ctx, testutil.Epoch, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, expiring.ID, expired[0].ID)
}

func TestMemoryStoreListsEnabledMerchantRelations(t *testing.T) {
	store := repository.NewMemoryStore()
	q := store.Queries()
	merchantID := uuid.New()

	on := testutil.SeedPayoutTrader(t, q, "100", 1)
	testutil.LinkMerchant(t, q, on.ID, merchantID, true)
	testutil.LinkMerchant(t, q, on.ID, merchantID, false)
	off := testutil.SeedPayoutTrader(t, q, "100", 1)
	testutil.LinkMerchant(t, q, off.ID, merchantID, false)

	rels, err := q.ListEnabledMerchantRelations(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []repository.MerchantRelation{
		{TraderID: on.ID, MerchantID: testutil.PayoutMerchantID},
		{TraderID: on.ID, MerchantID: merchantID},
		{TraderID: off.ID, MerchantID: testutil.PayoutMerchantID},
	}, rels)
}

func TestMemoryStoreClaimCallbacksOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	q := store.Queries()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.InsertCallbackEvent(ctx, repository.InsertCallbackEventParams{
			TransactionID: uuid.New(),
			Payload:       []byte(`{}`),
			CreatedAt:     testutil.Epoch,
		})
		require.NoError(t, err)
	}

	first, err := q.ClaimCallbackEvents(ctx, testutil.Epoch, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, domain.CallbackStatusSending, first[0].Status)

	second, err := q.ClaimCallbackEvents(ctx, testutil.Epoch, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.EqualValues(t, 3, second[0].ID)

	recovered, err := q.RecoverStaleCallbacks(ctx, testutil.Epoch.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 3, recovered)
}

func TestMemoryStoreRequisiteCandidatesFilter(t *testing.T) {
	store := repository.NewMemoryStore()
	q := store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})
	ctx := context.Background()

	arg := repository.RequisiteCandidatesParams{MerchantID: f.MerchantID, MethodID: f.Method.ID, Amount: testutil.Dec("10000")}
	rows, err := q.ListRequisiteCandidates(ctx, arg)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].FeeInPercent.Equal(testutil.Dec("1.5")))

	arg.Amount = testutil.Dec("50")
	rows, err = q.ListRequisiteCandidates(ctx, arg)
	require.NoError(t, err)
	assert.Empty(t, rows)

	arg.Amount = testutil.Dec("10000")
	arg.MerchantID = uuid.New()
	rows, err = q.ListRequisiteCandidates(ctx, arg)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
