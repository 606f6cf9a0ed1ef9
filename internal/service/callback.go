package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/gateway"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultCallbackMaxAttempts = 5
	defaultCallbackBaseBackoff = 5 * time.Second
	defaultCallbackStaleAfter  = 2 * time.Minute
)

// CallbackDispatcher delivers queued settlement callbacks to the publisher.
type CallbackDispatcher struct {
	store       QueryStore
	publisher   gateway.Publisher
	maxAttempts int32
	baseBackoff time.Duration
	staleAfter  time.Duration
	now         func() time.Time
}

func NewCallbackDispatcher(store QueryStore, publisher gateway.Publisher) *CallbackDispatcher {
	return &CallbackDispatcher{
		store:       store,
		publisher:   publisher,
		maxAttempts: defaultCallbackMaxAttempts,
		baseBackoff: defaultCallbackBaseBackoff,
		staleAfter:  defaultCallbackStaleAfter,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithBackoff sets the delay before the first retry; later retries double it.
func (d *CallbackDispatcher) WithBackoff(base time.Duration) *CallbackDispatcher {
	if base > 0 {
		d.baseBackoff = base
	}
	return d
}

// Dispatch claims up to limit due events, publishes them and records the
// outcome. It returns how many were delivered.
func (d *CallbackDispatcher) Dispatch(ctx context.Context, limit int32) (int, error) {
	now := d.now()
	recovered, err := d.store.Queries().RecoverStaleCallbacks(ctx, now.Add(-d.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("recover stale callbacks: %w", err)
	}
	if recovered > 0 {
		zap.L().Warn("recovered stale callback events", zap.Int64("count", recovered))
	}

	var claimed []models.CallbackEvent
	err = d.store.RunInTx(ctx, func(qtx repository.Querier) error {
		var claimErr error
		claimed, claimErr = qtx.ClaimCallbackEvents(ctx, now, limit)
		return claimErr
	})
	if err != nil {
		return 0, fmt.Errorf("claim callback events: %w", err)
	}

	delivered := 0
	for _, ev := range claimed {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		ok, err := d.deliver(ctx, ev)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

func (d *CallbackDispatcher) deliver(ctx context.Context, ev models.CallbackEvent) (bool, error) {
	pubErr := d.publisher.Publish(ctx, ev.TransactionID.String(), ev.Payload)
	if pubErr == nil {
		if _, err := d.store.Queries().MarkCallbackDelivered(ctx, ev.ID, d.now()); err != nil {
			return false, fmt.Errorf("mark callback %d delivered: %w", ev.ID, err)
		}
		observability.IncrementCallback("delivered")
		return true, nil
	}

	attempts := ev.Attempts + 1
	status := domain.CallbackStatusPending
	result := "retry"
	if attempts >= d.maxAttempts {
		status = domain.CallbackStatusFailed
		result = "failed"
	}
	if _, err := d.store.Queries().MarkCallbackRetry(ctx, repository.MarkCallbackRetryParams{
		ID:            ev.ID,
		Status:        status,
		Attempts:      attempts,
		NextAttemptAt: d.now().Add(d.backoff(attempts)),
		LastError:     pubErr.Error(),
	}); err != nil {
		return false, fmt.Errorf("mark callback %d retry: %w", ev.ID, err)
	}
	observability.IncrementCallback(result)
	zap.L().Warn("callback publish failed",
		zap.Int64("event_id", ev.ID),
		zap.String("transaction_id", ev.TransactionID.String()),
		zap.Int32("attempts", attempts),
		zap.String("status", status),
		zap.Error(pubErr),
	)
	return false, nil
}

func (d *CallbackDispatcher) backoff(attempts int32) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return d.baseBackoff * time.Duration(1<<(attempts-1))
}
