package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/bankpattern"
	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"github.com/ayo6706/p2p-settlement/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedistributionWorkerRunOnceAssigns(t *testing.T) {
	store := repository.NewMemoryStore()
	q := store.Queries()
	tr := testutil.SeedPayoutTrader(t, q, "5000", 2)
	p := testutil.SeedPayout(t, q, "1000", time.Now().UTC())

	w := NewRedistributionWorker(service.NewRedistributor(store))
	w.RunOnce(context.Background())

	got, err := q.GetPayout(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusActive, got.Status)
	require.NotNil(t, got.TraderID)
	assert.Equal(t, tr.ID, *got.TraderID)
}

func TestNotificationWorkerDrainsBatch(t *testing.T) {
	store := repository.NewMemoryStore()
	q := store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})
	now := time.Now().UTC()
	tx := testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "1500", domain.TxStatusInProgress, now.Add(-time.Minute))
	testutil.SeedNotification(t, q, f.Device.ID, "ru.sberbankmobile", "Перевод 1500р от Иван И.", now)
	testutil.SeedNotification(t, q, f.Device.ID, "ru.sberbankmobile", "Код 0000", now)

	w := NewNotificationWorker(service.NewMatcher(store, bankpattern.NewRegistry())).WithConcurrency(2)
	assert.Equal(t, 2, w.RunOnce(context.Background()))

	got, err := q.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusReady, got.Status)

	pending, err := q.ListUnprocessedNotifications(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExpirySchedulerRunOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	q := store.Queries()
	f := testutil.SeedFixture(t, q, testutil.FixtureOptions{})
	tx := testutil.SeedTransaction(t, q, f, f.BankDetail.ID, "1500", domain.TxStatusCreated, time.Now().UTC().Add(-2*time.Hour))

	s := NewExpiryScheduler(service.NewExpiryService(store), "", 0)
	s.RunOnce(context.Background())

	got, err := q.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusExpired, got.Status)
}

func TestExpirySchedulerRejectsBadSchedule(t *testing.T) {
	s := NewExpiryScheduler(service.NewExpiryService(repository.NewMemoryStore()), "every now and then", 10)
	require.Error(t, s.Start(context.Background()))
}

func TestWorkersStopIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := repository.NewMemoryStore()

	stops := []func(){
		NewRedistributionWorker(service.NewRedistributor(store)).WithInterval(time.Hour).Run(ctx),
		NewNotificationWorker(service.NewMatcher(store, bankpattern.NewRegistry())).WithInterval(time.Hour).Run(ctx),
		NewReconciliationWorker(service.NewReconciliationService(store)).WithInterval(time.Hour).Run(ctx),
	}
	for _, stop := range stops {
		stop()
		stop()
	}
}
