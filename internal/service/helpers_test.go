package service

import (
	"context"
	"testing"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/bankpattern"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/ayo6706/p2p-settlement/internal/settings"
	"github.com/ayo6706/p2p-settlement/internal/testutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store    *repository.MemoryStore
	freezing *FreezingService
	matcher  *Matcher
	expiry   *ExpiryService
	payouts  *PayoutService
	redist   *Redistributor
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	cache := settings.NewCache(nil, store.Queries(), time.Minute)

	env := &testEnv{
		store:    store,
		freezing: NewFreezingService(store, cache),
		matcher:  NewMatcher(store, bankpattern.NewRegistry()),
		expiry:   NewExpiryService(store),
		payouts:  NewPayoutService(store),
		redist:   NewRedistributor(store),
	}
	clock := fixedClock(testutil.Epoch)
	env.freezing.now = clock
	env.matcher.now = clock
	env.expiry.now = clock
	env.payouts.now = clock
	env.redist.now = clock
	return env
}

func (e *testEnv) trader(t *testing.T, id uuid.UUID) models.Trader {
	t.Helper()
	tr, err := e.store.Queries().GetTrader(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func (e *testEnv) transaction(t *testing.T, id uuid.UUID) models.Transaction {
	t.Helper()
	tx, err := e.store.Queries().GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func (e *testEnv) payout(t *testing.T, id uuid.UUID) models.Payout {
	t.Helper()
	p, err := e.store.Queries().GetPayout(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (e *testEnv) callbacksFor(id uuid.UUID) []models.CallbackEvent {
	var out []models.CallbackEvent
	for _, ev := range e.store.CallbackEvents() {
		if ev.TransactionID == id {
			out = append(out, ev)
		}
	}
	return out
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, testutil.Dec(want).Equal(got), "want %s, got %s", want, got)
}
