package repository_test

import (
	"context"
	"os"
	"testing"

	"github.com/ayo6706/p2p-settlement/internal/db"
	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/ayo6706/p2p-settlement/internal/testutil"
	"github.com/ayo6706/p2p-settlement/internal/testutil/dblock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgres(t *testing.T) *repository.Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	release := dblock.Acquire()
	t.Cleanup(release)

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE audit_log, callback_outbox, notifications, payouts, transactions,
		bank_details, devices, trader_merchants, methods, traders CASCADE`)
	require.NoError(t, err)
	return repository.NewStore(pool)
}

func TestPostgresCheckConstraintMapsToBalanceInvariant(t *testing.T) {
	store := setupPostgres(t)
	f := testutil.SeedFixture(t, store.Queries(), testutil.FixtureOptions{})

	tr := f.Trader
	tr.TrustBalance = testutil.Dec("-1")
	_, err := store.Queries().UpdateTraderBalances(context.Background(), tr)
	require.ErrorIs(t, err, domain.ErrBalanceInvariant)
}

func TestPostgresPayoutRoundTrip(t *testing.T) {
	store := setupPostgres(t)
	q := store.Queries()
	ctx := context.Background()
	tr := testutil.SeedPayoutTrader(t, q, "1000", 2)
	p := testutil.SeedPayout(t, q, "300", testutil.Epoch)

	n, err := q.AssignPayout(ctx, repository.AssignPayoutParams{ID: p.ID, TraderID: tr.ID, AcceptedAt: testutil.Epoch})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = q.ReleasePayout(ctx, repository.ReleasePayoutParams{
		ID:                p.ID,
		FromStatuses:      []string{domain.PayoutStatusActive},
		CancelReason:      domain.CancelReasonTraderPrefix + tr.ID.String(),
		PreviousTraderIDs: append(p.PreviousTraderIDs, tr.ID),
		UpdatedAt:         testutil.Epoch,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := q.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TraderID)
	assert.Equal(t, domain.PayoutStatusCreated, got.Status)
	require.Len(t, got.PreviousTraderIDs, 1)
	assert.Equal(t, tr.ID, got.PreviousTraderIDs[0])
}

func TestPostgresPayoutPoolFilters(t *testing.T) {
	store := setupPostgres(t)
	q := store.Queries()
	ctx := context.Background()
	tr := testutil.SeedPayoutTrader(t, q, "1000", 2)
	open := testutil.SeedPayout(t, q, "300", testutil.Epoch)
	expiring := testutil.SeedExpiringPayout(t, q, "400", testutil.Epoch, testutil.Epoch)

	pool, err := q.ListUnassignedPayouts(ctx, testutil.Epoch, 10)
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, open.ID, pool[0].ID)

	expired, err := q.ListExpiredPayouts(ctx, testutil.Epoch, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, expiring.ID, expired[0].ID)

	rels, err := q.ListEnabledMerchantRelations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []repository.MerchantRelation{{TraderID: tr.ID, MerchantID: testutil.PayoutMerchantID}}, rels)
}

func TestPostgresNotificationProcessedOnce(t *testing.T) {
	store := setupPostgres(t)
	q := store.Queries()
	ctx := context.Background()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})
	n := testutil.SeedNotification(t, q, f.Device.ID, "ru.sberbankmobileapp", "Перевод 100р", testutil.Epoch)

	arg := repository.MarkNotificationProcessedParams{ID: n.ID, Reason: domain.ReasonNoCandidate, ProcessedAt: testutil.Epoch}
	affected, err := q.MarkNotificationProcessed(ctx, arg)
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)

	affected, err = q.MarkNotificationProcessed(ctx, arg)
	require.NoError(t, err)
	assert.EqualValues(t, 0, affected)
}
