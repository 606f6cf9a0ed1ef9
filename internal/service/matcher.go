package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/bankpattern"
	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMatchLookback  = 4 * time.Hour
	defaultCandidateLimit = 50
	defaultMaxAttempts    = 5
)

var errNotificationTaken = errors.New("notification already processed")

// metadata keys read from device notifications
var bankHintKeys = []string{"bankType", "bank_type", "bankName", "bank_name", "bank"}

// MatchResult is the outcome of processing one notification.
type MatchResult struct {
	NotificationID uuid.UUID
	Reason         string
	Amount         decimal.Decimal
	BankHint       string
	Transaction    *models.Transaction
}

// IncomingNotification is a raw bank push received from a trader device.
type IncomingNotification struct {
	DeviceID    uuid.UUID
	PackageName string
	Message     string
	Metadata    map[string]string
}

// Matcher confirms inbound transactions from bank notifications.
type Matcher struct {
	store     QueryStore
	registry  *bankpattern.Registry
	audit     *AuditService
	lookback  time.Duration
	tolerance   decimal.Decimal
	retries     int
	maxAttempts int32
	now         func() time.Time
}

func NewMatcher(store QueryStore, registry *bankpattern.Registry) *Matcher {
	return &Matcher{
		store:     store,
		registry:  registry,
		audit:     NewAuditService(),
		lookback:  defaultMatchLookback,
		tolerance:   decimal.NewFromInt(1),
		retries:     defaultRetryAttempts,
		maxAttempts: defaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithMaxAttempts sets how many failed processing runs a notification gets
// before it is closed with reason "failed".
func (m *Matcher) WithMaxAttempts(n int32) *Matcher {
	if n > 0 {
		m.maxAttempts = n
	}
	return m
}

// WithTolerance sets the width of the fallback amount band on each side.
func (m *Matcher) WithTolerance(tolerance decimal.Decimal) *Matcher {
	if !tolerance.IsNegative() {
		m.tolerance = tolerance
	}
	return m
}

// WithLookback bounds how old a candidate transaction may be relative to the
// notification.
func (m *Matcher) WithLookback(d time.Duration) *Matcher {
	if d > 0 {
		m.lookback = d
	}
	return m
}

// Ingest stores a device notification for later processing.
func (m *Matcher) Ingest(ctx context.Context, in IncomingNotification) (models.Notification, error) {
	if strings.TrimSpace(in.Message) == "" {
		return models.Notification{}, errors.New("message is required")
	}
	if _, err := m.store.Queries().GetDevice(ctx, in.DeviceID); err != nil {
		return models.Notification{}, fmt.Errorf("load device: %w", err)
	}
	n := models.Notification{
		ID:          uuid.New(),
		DeviceID:    in.DeviceID,
		PackageName: strings.TrimSpace(in.PackageName),
		Message:     in.Message,
		Metadata:    in.Metadata,
		CreatedAt:   m.now(),
	}
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	if err := m.store.Queries().CreateNotification(ctx, n); err != nil {
		return models.Notification{}, err
	}
	return n, nil
}

// ProcessPending processes up to limit unprocessed notifications with at
// most workers in flight and returns how many were handled. Failures are
// counted on the notification, which sinks it behind fresh ones.
func (m *Matcher) ProcessPending(ctx context.Context, limit int32, workers int) (int, error) {
	pending, err := m.store.Queries().ListUnprocessedNotifications(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed notifications: %w", err)
	}
	if workers < 1 {
		workers = 1
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, n := range pending {
		id := n.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := m.Process(gctx, id); err != nil {
				zap.L().Error("notification processing failed", zap.String("notification_id", id.String()), zap.Error(err))
				if gctx.Err() == nil {
					m.recordFailure(gctx, id, err)
				}
				return nil
			}
			done.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(done.Load()), err
}

// Process runs the matching pipeline for one notification and marks it
// processed. Reprocessing an already processed notification returns its
// stored outcome without side effects.
func (m *Matcher) Process(ctx context.Context, notificationID uuid.UUID) (MatchResult, error) {
	ctx, span := observability.StartSpan(ctx, "settlement.match")
	var err error
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("notification_id", notificationID.String()))

	var result MatchResult
	err = withRetry(ctx, "match", m.retries, func() error {
		var procErr error
		result, procErr = m.process(ctx, notificationID)
		return procErr
	})
	if errors.Is(err, errNotificationTaken) {
		// A concurrent worker finished it; report the stored outcome.
		result, err = m.process(ctx, notificationID)
	}
	if err != nil {
		return MatchResult{}, err
	}
	span.SetAttributes(attribute.String("reason", result.Reason))
	return result, nil
}

func (m *Matcher) process(ctx context.Context, notificationID uuid.UUID) (MatchResult, error) {
	n, err := m.store.Queries().GetNotification(ctx, notificationID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("load notification: %w", err)
	}
	result := MatchResult{NotificationID: n.ID}
	if n.IsProcessed {
		if n.ProcessedReason != nil {
			result.Reason = *n.ProcessedReason
		}
		return result, nil
	}

	extraction, extractErr := m.registry.Extract(n.PackageName, n.Message)
	if extractErr != nil {
		result.Reason = domain.ReasonExtractionFailed
		return result, m.finish(ctx, n, result, nil)
	}
	result.Amount = extraction.Amount
	result.BankHint = m.bankHint(n, extraction)

	details, err := m.store.Queries().ListBankDetailsByDevice(ctx, n.DeviceID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("list device bank details: %w", err)
	}
	if len(details) == 0 {
		result.Reason = domain.ReasonNoBankDetails
		return result, m.finish(ctx, n, result, nil)
	}

	ranked, err := m.rankCandidates(ctx, n, details, extraction.Amount, result.BankHint)
	if err != nil {
		return MatchResult{}, err
	}

	for _, candidate := range ranked {
		var settled models.Transaction
		txErr := m.store.RunInTx(ctx, func(qtx repository.Querier) error {
			var relErr error
			settled, relErr = releaseTransaction(ctx, qtx, m.audit, releaseRequest{
				TransactionID: candidate.ID,
				Next:          domain.TxStatusReady,
				Action:        "matched",
				At:            m.now(),
			})
			if relErr != nil {
				return relErr
			}
			matched := result
			matched.Reason = domain.ReasonMatched
			return m.markProcessed(ctx, qtx, n, matched, &settled.ID)
		})
		if errors.Is(txErr, domain.ErrAlreadyTerminal) {
			// Another notification or the expiry sweep won this one.
			continue
		}
		if txErr != nil {
			return MatchResult{}, txErr
		}
		result.Reason = domain.ReasonMatched
		result.Transaction = &settled
		observability.IncrementNotification(result.Reason)
		zap.L().Info("notification matched",
			zap.String("notification_id", n.ID.String()),
			zap.String("transaction_id", settled.ID.String()),
			zap.String("amount", extraction.Amount.String()),
		)
		return result, nil
	}

	result.Reason = domain.ReasonNoCandidate
	return result, m.finish(ctx, n, result, nil)
}

// recordFailure counts a failed run and closes the notification once it has
// used up its attempts.
func (m *Matcher) recordFailure(ctx context.Context, id uuid.UUID, cause error) {
	attempts, err := m.store.Queries().RecordNotificationFailure(ctx, id, cause.Error())
	if err != nil {
		zap.L().Error("failed to record notification failure", zap.String("notification_id", id.String()), zap.Error(err))
		return
	}
	if attempts < m.maxAttempts {
		return
	}

	n, err := m.store.Queries().GetNotification(ctx, id)
	if err != nil {
		zap.L().Error("failed to load notification", zap.String("notification_id", id.String()), zap.Error(err))
		return
	}
	err = m.finish(ctx, n, MatchResult{NotificationID: id, Reason: domain.ReasonFailed}, nil)
	if err != nil && !errors.Is(err, errNotificationTaken) {
		zap.L().Error("failed to close notification", zap.String("notification_id", id.String()), zap.Error(err))
		return
	}
	zap.L().Warn("notification closed after repeated failures",
		zap.String("notification_id", id.String()),
		zap.Int32("attempts", attempts),
		zap.Error(cause),
	)
}

// rankCandidates returns pending transactions on the device's requisites in
// match preference order. Exact amount matches come before the tolerance
// band. Within a stage the bank hint wins, then the smaller amount
// difference, then the newer transaction, then the lower id.
func (m *Matcher) rankCandidates(ctx context.Context, n models.Notification, details []models.BankDetail, amount decimal.Decimal, hint string) ([]models.Transaction, error) {
	ids := make([]uuid.UUID, 0, len(details))
	bankTypes := make(map[uuid.UUID]string, len(details))
	for _, d := range details {
		ids = append(ids, d.ID)
		bankTypes[d.ID] = d.BankType
	}
	since := n.CreatedAt.Add(-m.lookback)

	exact, err := m.store.Queries().FindPendingTransactions(ctx, repository.FindPendingTransactionsParams{
		BankDetailIDs: ids,
		MinAmount:     amount,
		MaxAmount:     amount,
		CreatedAfter:  since,
		Limit:         defaultCandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("find exact candidates: %w", err)
	}
	band, err := m.store.Queries().FindPendingTransactions(ctx, repository.FindPendingTransactionsParams{
		BankDetailIDs: ids,
		MinAmount:     amount.Sub(m.tolerance),
		MaxAmount:     amount.Add(m.tolerance),
		CreatedAfter:  since,
		Limit:         defaultCandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("find tolerance candidates: %w", err)
	}

	seen := make(map[uuid.UUID]struct{}, len(exact))
	for _, tx := range exact {
		seen[tx.ID] = struct{}{}
	}
	var fallback []models.Transaction
	for _, tx := range band {
		if _, ok := seen[tx.ID]; !ok {
			fallback = append(fallback, tx)
		}
	}

	less := func(list []models.Transaction) func(i, j int) bool {
		return func(i, j int) bool {
			a, b := list[i], list[j]
			if hint != "" {
				ah, bh := bankTypes[a.BankDetailID] == hint, bankTypes[b.BankDetailID] == hint
				if ah != bh {
					return ah
				}
			}
			da, db := a.Amount.Sub(amount).Abs(), b.Amount.Sub(amount).Abs()
			if c := da.Cmp(db); c != 0 {
				return c < 0
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID.String() < b.ID.String()
		}
	}
	sort.SliceStable(exact, less(exact))
	sort.SliceStable(fallback, less(fallback))
	return append(exact, fallback...), nil
}

// bankHint resolves the bank type suggested by the notification. Explicit
// metadata wins over the bank owning the package name.
func (m *Matcher) bankHint(n models.Notification, extraction bankpattern.Extraction) string {
	for _, key := range bankHintKeys {
		if raw := n.Metadata[key]; raw != "" {
			if bankType, ok := m.registry.BankTypeFromHint(raw); ok {
				return bankType
			}
		}
	}
	if extraction.Known && extraction.Bank != bankpattern.SBP {
		return extraction.Bank.Type()
	}
	return ""
}

// finish marks an unmatched notification processed in its own transaction.
func (m *Matcher) finish(ctx context.Context, n models.Notification, result MatchResult, matchedID *uuid.UUID) error {
	err := m.store.RunInTx(ctx, func(qtx repository.Querier) error {
		return m.markProcessed(ctx, qtx, n, result, matchedID)
	})
	if err != nil {
		return err
	}
	observability.IncrementNotification(result.Reason)
	zap.L().Debug("notification not matched",
		zap.String("notification_id", n.ID.String()),
		zap.String("reason", result.Reason),
		zap.String("amount", result.Amount.String()),
	)
	return nil
}

func (m *Matcher) markProcessed(ctx context.Context, qtx repository.Querier, n models.Notification, result MatchResult, matchedID *uuid.UUID) error {
	metadata := make(map[string]string, len(n.Metadata)+2)
	for k, v := range n.Metadata {
		metadata[k] = v
	}
	if result.Amount.IsPositive() {
		metadata["extractedAmount"] = result.Amount.String()
	}
	if result.BankHint != "" {
		metadata["resolvedBankType"] = result.BankHint
	}
	rows, err := qtx.MarkNotificationProcessed(ctx, repository.MarkNotificationProcessedParams{
		ID:                   n.ID,
		Reason:               result.Reason,
		MatchedTransactionID: matchedID,
		Metadata:             metadata,
		ProcessedAt:          m.now(),
	})
	if err != nil {
		return fmt.Errorf("mark notification processed: %w", err)
	}
	if rows == 0 {
		return errNotificationTaken
	}
	return nil
}
