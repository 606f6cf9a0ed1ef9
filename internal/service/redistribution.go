package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultRedistributionBatch = 1000
	defaultAcceptTimeout       = 30 * time.Minute
	redistributionLeaseKey     = "settlement:redistribution:lease"
)

// ErrPassInFlight is returned when a redistribution pass is already running.
var ErrPassInFlight = errors.New("redistribution pass already running")

var (
	errPayoutTaken     = errors.New("payout left the pool")
	errTraderExhausted = errors.New("trader has no headroom")
)

// compare-and-delete so an instance only drops its own lease
const releaseLeaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`

// PassResult summarizes one redistribution pass.
type PassResult struct {
	Processed     int           `json:"processed"`
	Assigned      int           `json:"assigned"`
	ReturnedStale int           `json:"returned_stale"`
	Skipped       int           `json:"skipped"`
	Duration      time.Duration `json:"duration"`
}

// traderSlot is the in-memory view of one payout trader during a pass.
type traderSlot struct {
	id       uuid.UUID
	key      string
	headroom decimal.Decimal
	active   int32
	max      int32
}

// most headroom first, id breaks ties
func slotLess(a, b *traderSlot) bool {
	if c := a.headroom.Cmp(b.headroom); c != 0 {
		return c > 0
	}
	return a.key < b.key
}

// Redistributor assigns unassigned payouts to traders with payout headroom.
type Redistributor struct {
	store         QueryStore
	audit         *AuditService
	rdb           redis.Cmdable
	leaseTTL      time.Duration
	batch         int32
	acceptTimeout time.Duration
	retries       int
	now           func() time.Time

	running sync.Mutex
	mu      sync.Mutex
	last    PassResult
}

func NewRedistributor(store QueryStore) *Redistributor {
	return &Redistributor{
		store:         store,
		audit:         NewAuditService(),
		batch:         defaultRedistributionBatch,
		acceptTimeout: defaultAcceptTimeout,
		retries:       defaultRetryAttempts,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithLease makes passes exclusive across instances sharing rdb.
func (r *Redistributor) WithLease(rdb redis.Cmdable, ttl time.Duration) *Redistributor {
	r.rdb = rdb
	r.leaseTTL = ttl
	if r.leaseTTL <= 0 {
		r.leaseTTL = 30 * time.Second
	}
	return r
}

func (r *Redistributor) WithBatch(n int32) *Redistributor {
	if n > 0 {
		r.batch = n
	}
	return r
}

// WithAcceptTimeout sets how long an ACTIVE payout may wait before it is
// returned to the pool.
func (r *Redistributor) WithAcceptTimeout(d time.Duration) *Redistributor {
	if d > 0 {
		r.acceptTimeout = d
	}
	return r
}

// LastPass returns the result of the most recent completed pass.
func (r *Redistributor) LastPass() PassResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Redistribute runs one pass. A pass already running in this process, or
// holding the shared lease, makes it return ErrPassInFlight.
func (r *Redistributor) Redistribute(ctx context.Context) (PassResult, error) {
	if !r.running.TryLock() {
		observability.IncrementRedistributionSkipped()
		return PassResult{}, ErrPassInFlight
	}
	defer r.running.Unlock()

	release, err := r.acquireLease(ctx)
	if err != nil {
		return PassResult{}, err
	}
	defer release()

	ctx, span := observability.StartSpan(ctx, "settlement.redistribute")
	defer func() { observability.EndSpan(span, err) }()

	started := time.Now()
	var result PassResult
	result, err = r.pass(ctx)
	result.Duration = time.Since(started)
	r.mu.Lock()
	r.last = result
	r.mu.Unlock()

	span.SetAttributes(
		attribute.Int("processed", result.Processed),
		attribute.Int("assigned", result.Assigned),
		attribute.Int("returned_stale", result.ReturnedStale),
	)
	observability.ObserveRedistributionPass(result.Duration, result.Processed, result.Assigned, result.ReturnedStale)
	if err != nil {
		return result, err
	}
	if result.Processed > 0 || result.ReturnedStale > 0 {
		zap.L().Info("redistribution pass finished",
			zap.Int("processed", result.Processed),
			zap.Int("assigned", result.Assigned),
			zap.Int("returned_stale", result.ReturnedStale),
			zap.Int("skipped", result.Skipped),
			zap.Duration("duration", result.Duration),
		)
	}
	return result, nil
}

func (r *Redistributor) acquireLease(ctx context.Context) (func(), error) {
	if r.rdb == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, redistributionLeaseKey, token, r.leaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redistribution lease: %w", err)
	}
	if !ok {
		observability.IncrementRedistributionSkipped()
		return nil, ErrPassInFlight
	}
	return func() {
		// the pass context may already be canceled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.rdb.Eval(releaseCtx, releaseLeaseScript, []string{redistributionLeaseKey}, token).Err(); err != nil {
			zap.L().Warn("failed to release redistribution lease", zap.Error(err))
		}
	}, nil
}

func (r *Redistributor) pass(ctx context.Context) (PassResult, error) {
	var result PassResult

	returned, err := r.returnStale(ctx)
	result.ReturnedStale = returned
	if err != nil {
		return result, err
	}

	payouts, err := r.store.Queries().ListUnassignedPayouts(ctx, r.now(), r.batch)
	if err != nil {
		return result, fmt.Errorf("list unassigned payouts: %w", err)
	}
	if len(payouts) == 0 {
		return result, nil
	}

	traders, err := r.store.Queries().ListPayoutTraders(ctx)
	if err != nil {
		return result, fmt.Errorf("list payout traders: %w", err)
	}
	relations, err := r.store.Queries().ListEnabledMerchantRelations(ctx)
	if err != nil {
		return result, fmt.Errorf("list merchant relations: %w", err)
	}
	enabled := make(map[repository.MerchantRelation]struct{}, len(relations))
	for _, rel := range relations {
		enabled[rel] = struct{}{}
	}
	index := btree.NewBTreeG[*traderSlot](slotLess)
	for _, row := range traders {
		if row.ActivePayouts >= row.Trader.MaxSimultaneousPayouts {
			continue
		}
		index.Set(&traderSlot{
			id:       row.Trader.ID,
			key:      row.Trader.ID.String(),
			headroom: row.Trader.PayoutBalance,
			active:   row.ActivePayouts,
			max:      row.Trader.MaxSimultaneousPayouts,
		})
	}

	for _, p := range payouts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Processed++
		assigned, err := r.place(ctx, index, enabled, p)
		if err != nil {
			return result, err
		}
		if assigned {
			result.Assigned++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// place assigns p to the eligible trader with the most headroom. Eligible
// traders are enabled for p's merchant and are not the one that last returned
// it. It reports false when no trader can take the payout in this pass.
func (r *Redistributor) place(ctx context.Context, index *btree.BTreeG[*traderSlot], enabled map[repository.MerchantRelation]struct{}, p models.Payout) (bool, error) {
	excluded, hasExcluded := excludedTrader(p.CancelReason)
	eligible := func(traderID uuid.UUID) bool {
		if hasExcluded && traderID == excluded {
			return false
		}
		_, ok := enabled[repository.MerchantRelation{TraderID: traderID, MerchantID: p.MerchantID}]
		return ok
	}
	for {
		slot := pickSlot(index, p.Total, eligible)
		if slot == nil {
			zap.L().Debug("no eligible trader for payout", zap.String("payout_id", p.ID.String()), zap.String("total", p.Total.String()))
			return false, nil
		}

		err := withRetry(ctx, "assign_payout", r.retries, func() error {
			return r.store.RunInTx(ctx, func(qtx repository.Querier) error {
				return r.assign(ctx, qtx, p, slot.id)
			})
		})
		switch {
		case err == nil:
			index.Delete(slot)
			slot.headroom = slot.headroom.Sub(p.Total)
			slot.active++
			if slot.active < slot.max && slot.headroom.IsPositive() {
				index.Set(slot)
			}
			return true, nil
		case errors.Is(err, errPayoutTaken):
			return false, nil
		case errors.Is(err, errTraderExhausted):
			// stored balance moved since the pass started
			index.Delete(slot)
			continue
		default:
			return false, fmt.Errorf("assign payout %s: %w", p.ID, err)
		}
	}
}

func pickSlot(index *btree.BTreeG[*traderSlot], total decimal.Decimal, eligible func(uuid.UUID) bool) *traderSlot {
	var chosen *traderSlot
	index.Scan(func(s *traderSlot) bool {
		if s.headroom.LessThan(total) {
			return false
		}
		if !eligible(s.id) {
			return true
		}
		chosen = s
		return false
	})
	return chosen
}

func (r *Redistributor) assign(ctx context.Context, qtx repository.Querier, p models.Payout, traderID uuid.UUID) error {
	trader, err := qtx.GetTraderForUpdate(ctx, traderID)
	if err != nil {
		return fmt.Errorf("lock trader: %w", err)
	}
	if trader.Banned || !trader.TrafficEnabled || trader.PayoutBalance.LessThan(p.Total) {
		return errTraderExhausted
	}

	now := r.now()
	rows, err := qtx.AssignPayout(ctx, repository.AssignPayoutParams{
		ID:         p.ID,
		TraderID:   traderID,
		AcceptedAt: now,
	})
	if err != nil {
		return fmt.Errorf("assign payout: %w", err)
	}
	if rows == 0 {
		return errPayoutTaken
	}
	if _, err := applyBalance(ctx, qtx, traderID, "assign_payout", domain.AssignPayoutDelta(p.Total)); err != nil {
		observability.IncrementBalanceOp("assign_payout", "failed")
		return err
	}
	observability.IncrementBalanceOp("assign_payout", "success")
	return r.audit.Write(ctx, qtx, entityPayout, p.ID, nil, "assigned", domain.PayoutStatusCreated, domain.PayoutStatusActive, nil)
}

// returnStale puts ACTIVE payouts nobody acted on back into the pool.
func (r *Redistributor) returnStale(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.acceptTimeout)
	stale, err := r.store.Queries().ListStalePayouts(ctx, cutoff, r.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale payouts: %w", err)
	}
	returned := 0
	for _, p := range stale {
		if p.TraderID == nil {
			continue
		}
		traderID := *p.TraderID
		err := withRetry(ctx, "return_stale_payout", r.retries, func() error {
			return r.store.RunInTx(ctx, func(qtx repository.Querier) error {
				_, relErr := returnPayoutToPool(ctx, qtx, r.audit, payoutReturn{
					PayoutID: p.ID,
					TraderID: traderID,
					Reason:   "acceptance timeout",
					Action:   "timed_out",
					From:     []string{domain.PayoutStatusActive},
					At:       r.now(),
				})
				return relErr
			})
		})
		switch {
		case err == nil:
			returned++
		case errors.Is(err, domain.ErrNotAssigned), errors.Is(err, domain.ErrInvalidTransition):
			// trader acted on it in the meantime
		default:
			return returned, fmt.Errorf("return stale payout %s: %w", p.ID, err)
		}
	}
	return returned, nil
}
