package settings

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLoader struct {
	methodCalls int
	feeCalls    int
	kkk         decimal.Decimal
	fee         decimal.Decimal
	err         error
}

func (l *countingLoader) GetMethod(_ context.Context, id uuid.UUID) (models.Method, error) {
	l.methodCalls++
	if l.err != nil {
		return models.Method{}, l.err
	}
	return models.Method{ID: id, KKKPercent: l.kkk}, nil
}

func (l *countingLoader) GetTraderMerchant(_ context.Context, traderID, merchantID, methodID uuid.UUID) (models.TraderMerchant, error) {
	l.feeCalls++
	if l.err != nil {
		return models.TraderMerchant{}, l.err
	}
	return models.TraderMerchant{TraderID: traderID, MerchantID: merchantID, MethodID: methodID, FeeInPercent: l.fee, IsEnabled: true}, nil
}

func TestCacheServesFromLocalUntilExpiry(t *testing.T) {
	loader := &countingLoader{kkk: decimal.RequireFromString("2")}
	c := NewCache(nil, loader, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	methodID := uuid.New()

	for i := 0; i < 3; i++ {
		kkk, err := c.KKKPercent(ctx, methodID)
		require.NoError(t, err)
		assert.True(t, kkk.Equal(decimal.RequireFromString("2")))
	}
	assert.Equal(t, 1, loader.methodCalls)

	now = now.Add(2 * time.Minute)
	_, err := c.KKKPercent(ctx, methodID)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.methodCalls)
}

func TestCacheInvalidateAndRefresh(t *testing.T) {
	loader := &countingLoader{fee: decimal.RequireFromString("1.5")}
	c := NewCache(nil, loader, time.Minute)
	ctx := context.Background()
	traderID, merchantID, methodID := uuid.New(), uuid.New(), uuid.New()

	fee, enabled, err := c.TraderFee(ctx, traderID, merchantID, methodID)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.True(t, fee.Equal(decimal.RequireFromString("1.5")))

	c.Invalidate(ctx, FeeKey(traderID, merchantID, methodID))
	_, _, err = c.TraderFee(ctx, traderID, merchantID, methodID)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.feeCalls)

	require.NoError(t, c.Refresh(ctx))
	_, _, err = c.TraderFee(ctx, traderID, merchantID, methodID)
	require.NoError(t, err)
	assert.Equal(t, 3, loader.feeCalls)
}

func TestCacheDoesNotStoreLoadErrors(t *testing.T) {
	loader := &countingLoader{err: domain.ErrNotFound}
	c := NewCache(nil, loader, time.Minute)
	methodID := uuid.New()

	_, err := c.KKKPercent(context.Background(), methodID)
	require.True(t, errors.Is(err, domain.ErrNotFound))

	loader.err = nil
	_, err = c.KKKPercent(context.Background(), methodID)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.methodCalls)
}

func TestCacheRedisSecondLevel(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	loader := &countingLoader{kkk: decimal.RequireFromString("3")}
	first := NewCache(rdb, loader, time.Minute)
	require.NoError(t, first.Refresh(ctx))
	methodID := uuid.New()

	_, err := first.KKKPercent(ctx, methodID)
	require.NoError(t, err)

	second := NewCache(rdb, loader, time.Minute)
	kkk, err := second.KKKPercent(ctx, methodID)
	require.NoError(t, err)
	assert.True(t, kkk.Equal(decimal.RequireFromString("3")))
	assert.Equal(t, 1, loader.methodCalls)
}
