// Package settings caches the rate adjustment and fee settings used when
// freezing trader balances. Balances themselves are never cached.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const redisKeyPrefix = "settings:"

// Loader reads settings from the ledger store.
type Loader interface {
	GetMethod(ctx context.Context, id uuid.UUID) (models.Method, error)
	GetTraderMerchant(ctx context.Context, traderID, merchantID, methodID uuid.UUID) (models.TraderMerchant, error)
}

// Entry is one cached settings value.
type Entry struct {
	KKKPercent   decimal.Decimal `json:"kkk_percent"`
	FeeInPercent decimal.Decimal `json:"fee_in_percent"`
	Enabled      bool            `json:"enabled"`
}

type localEntry struct {
	entry   Entry
	expires time.Time
}

// Cache is a two level cache: a process local map with TTL in front of an
// optional Redis.
type Cache struct {
	redis  redis.Cmdable
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	local map[string]localEntry
}

func NewCache(rdb redis.Cmdable, loader Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		redis:  rdb,
		loader: loader,
		ttl:    ttl,
		now:    time.Now,
		local:  map[string]localEntry{},
	}
}

func MethodKey(methodID uuid.UUID) string {
	return "method:" + methodID.String()
}

func FeeKey(traderID, merchantID, methodID uuid.UUID) string {
	return fmt.Sprintf("fee:%s:%s:%s", traderID, merchantID, methodID)
}

// KKKPercent returns the rate adjustment of a payment method.
func (c *Cache) KKKPercent(ctx context.Context, methodID uuid.UUID) (decimal.Decimal, error) {
	e, err := c.GetOrLoad(ctx, MethodKey(methodID), func(ctx context.Context) (Entry, error) {
		m, err := c.loader.GetMethod(ctx, methodID)
		if err != nil {
			return Entry{}, err
		}
		return Entry{KKKPercent: m.KKKPercent, Enabled: true}, nil
	})
	return e.KKKPercent, err
}

// TraderFee returns the fee of a trader-merchant-method relation and whether
// the relation is enabled.
func (c *Cache) TraderFee(ctx context.Context, traderID, merchantID, methodID uuid.UUID) (decimal.Decimal, bool, error) {
	e, err := c.GetOrLoad(ctx, FeeKey(traderID, merchantID, methodID), func(ctx context.Context) (Entry, error) {
		tm, err := c.loader.GetTraderMerchant(ctx, traderID, merchantID, methodID)
		if err != nil {
			return Entry{}, err
		}
		return Entry{FeeInPercent: tm.FeeInPercent, Enabled: tm.IsEnabled}, nil
	})
	return e.FeeInPercent, e.Enabled, err
}

// GetOrLoad returns the entry under key, consulting the local map, then Redis,
// then load. Loaded values are written back to both levels. Load errors are
// returned unchanged and nothing is cached.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load func(context.Context) (Entry, error)) (Entry, error) {
	if e, ok := c.getLocal(key); ok {
		observability.IncrementSettingsCache("local")
		return e, nil
	}

	if c.redis != nil {
		val, err := c.redis.Get(ctx, redisKeyPrefix+key).Result()
		if err == nil {
			var e Entry
			if json.Unmarshal([]byte(val), &e) == nil {
				observability.IncrementSettingsCache("redis")
				c.setLocal(key, e)
				return e, nil
			}
		} else if err != redis.Nil {
			zap.L().Warn("redis settings lookup failed", zap.String("key", key), zap.Error(err))
		}
	}

	e, err := load(ctx)
	if err != nil {
		return Entry{}, err
	}
	observability.IncrementSettingsCache("store")
	c.setLocal(key, e)
	c.setRedis(ctx, key, e)
	return e, nil
}

// Invalidate drops key from both levels.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		zap.L().Warn("redis settings invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// Refresh drops every cached entry on both levels.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.local = map[string]localEntry{}
	c.mu.Unlock()

	if c.redis == nil {
		return nil
	}
	iter := c.redis.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan settings keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete settings keys: %w", err)
	}
	return nil
}

func (c *Cache) getLocal(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	le, ok := c.local[key]
	if !ok || !c.now().Before(le.expires) {
		return Entry{}, false
	}
	return le.entry, true
}

func (c *Cache) setLocal(key string, e Entry) {
	c.mu.Lock()
	c.local[key] = localEntry{entry: e, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) setRedis(ctx context.Context, key string, e Entry) {
	if c.redis == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+key, payload, c.ttl).Err(); err != nil {
		zap.L().Warn("redis settings cache write failed", zap.String("key", key), zap.Error(err))
	}
}
