package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Querier with serializable transactions. One
// mutex guards all state; RunInTx works on a copy and swaps it in on success,
// so a failed callback leaves nothing behind.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type traderMerchantKey struct {
	traderID, merchantID, methodID uuid.UUID
}

type orderKey struct {
	merchantID uuid.UUID
	orderID    string
}

type memCallback struct {
	event     models.CallbackEvent
	updatedAt time.Time
}

type memState struct {
	traders         map[uuid.UUID]models.Trader
	methods         map[uuid.UUID]models.Method
	traderMerchants map[traderMerchantKey]models.TraderMerchant
	devices         map[uuid.UUID]models.Device
	bankDetails     map[uuid.UUID]models.BankDetail
	transactions    map[uuid.UUID]models.Transaction
	orders          map[orderKey]uuid.UUID
	payouts         map[uuid.UUID]models.Payout
	notifications   map[uuid.UUID]models.Notification
	callbacks       map[int64]memCallback
	callbackSeq     int64
	audit           []InsertAuditLogParams
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		traders:         map[uuid.UUID]models.Trader{},
		methods:         map[uuid.UUID]models.Method{},
		traderMerchants: map[traderMerchantKey]models.TraderMerchant{},
		devices:         map[uuid.UUID]models.Device{},
		bankDetails:     map[uuid.UUID]models.BankDetail{},
		transactions:    map[uuid.UUID]models.Transaction{},
		orders:          map[orderKey]uuid.UUID{},
		payouts:         map[uuid.UUID]models.Payout{},
		notifications:   map[uuid.UUID]models.Notification{},
		callbacks:       map[int64]memCallback{},
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		traders:         cloneMap(s.traders),
		methods:         cloneMap(s.methods),
		traderMerchants: cloneMap(s.traderMerchants),
		devices:         cloneMap(s.devices),
		bankDetails:     cloneMap(s.bankDetails),
		transactions:    cloneMap(s.transactions),
		orders:          cloneMap(s.orders),
		payouts:         cloneMap(s.payouts),
		notifications:   cloneMap(s.notifications),
		callbacks:       cloneMap(s.callbacks),
		callbackSeq:     s.callbackSeq,
		audit:           slices.Clone(s.audit),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Queries returns a Querier that locks the store for each call.
func (m *MemoryStore) Queries() Querier {
	return &memQuerier{store: m}
}

// RunInTx runs fn with exclusive access to a private copy of the store.
func (m *MemoryStore) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memQuerier{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// AuditEntries returns a copy of the audit log.
func (m *MemoryStore) AuditEntries() []InsertAuditLogParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.audit)
}

// CallbackEvents returns every outbox row ordered by id.
func (m *MemoryStore) CallbackEvents() []models.CallbackEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CallbackEvent, 0, len(m.state.callbacks))
	for _, c := range m.state.callbacks {
		out = append(out, c.event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memQuerier struct {
	store *MemoryStore
	state *memState
}

var _ Querier = (*memQuerier)(nil)

func (q *memQuerier) with(fn func(st *memState) error) error {
	if q.state != nil {
		return fn(q.state)
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	return fn(q.store.state)
}

func notFound(op string) error {
	return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
}

func checkBalances(t models.Trader) error {
	for _, v := range []decimal.Decimal{t.TrustBalance, t.FrozenUsdt, t.PayoutBalance, t.FrozenPayoutBalance} {
		if v.IsNegative() {
			return fmt.Errorf("update trader balances: %w", domain.ErrBalanceInvariant)
		}
	}
	return nil
}

func (q *memQuerier) CreateTrader(_ context.Context, t models.Trader) error {
	return q.with(func(st *memState) error {
		if _, ok := st.traders[t.ID]; ok {
			return fmt.Errorf("create trader %s: %w", t.ID, domain.ErrConflict)
		}
		if err := checkBalances(t); err != nil {
			return err
		}
		st.traders[t.ID] = t
		return nil
	})
}

func (q *memQuerier) GetTrader(_ context.Context, id uuid.UUID) (models.Trader, error) {
	var t models.Trader
	err := q.with(func(st *memState) error {
		var ok bool
		if t, ok = st.traders[id]; !ok {
			return notFound("get trader")
		}
		return nil
	})
	return t, err
}

func (q *memQuerier) GetTraderForUpdate(ctx context.Context, id uuid.UUID) (models.Trader, error) {
	return q.GetTrader(ctx, id)
}

func (q *memQuerier) UpdateTraderBalances(_ context.Context, t models.Trader) (int64, error) {
	var n int64
	err := q.with(func(st *memState) error {
		cur, ok := st.traders[t.ID]
		if !ok {
			return nil
		}
		if err := checkBalances(t); err != nil {
			return err
		}
		cur.TrustBalance = t.TrustBalance
		cur.FrozenUsdt = t.FrozenUsdt
		cur.PayoutBalance = t.PayoutBalance
		cur.FrozenPayoutBalance = t.FrozenPayoutBalance
		cur.ProfitFromDeals = t.ProfitFromDeals
		cur.ProfitFromPayouts = t.ProfitFromPayouts
		st.traders[t.ID] = cur
		n = 1
		return nil
	})
	return n, err
}

func (q *memQuerier) ListPayoutTraders(context.Context) ([]PayoutTraderRow, error) {
	var out []PayoutTraderRow
	err := q.with(func(st *memState) error {
		active := map[uuid.UUID]int32{}
		for _, p := range st.payouts {
			if p.TraderID != nil && (p.Status == domain.PayoutStatusActive || p.Status == domain.PayoutStatusChecking) {
				active[*p.TraderID]++
			}
		}
		for _, t := range st.traders {
			if t.Banned || !t.TrafficEnabled || !t.PayoutBalance.IsPositive() {
				continue
			}
			out = append(out, PayoutTraderRow{Trader: t, ActivePayouts: active[t.ID]})
		}
		return nil
	})
	return out, err
}

func (q *memQuerier) ListEnabledMerchantRelations(context.Context) ([]MerchantRelation, error) {
	var out []MerchantRelation
	err := q.with(func(st *memState) error {
		seen := map[MerchantRelation]bool{}
		for _, tm := range st.traderMerchants {
			r := MerchantRelation{TraderID: tm.TraderID, MerchantID: tm.MerchantID}
			if tm.IsEnabled && !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

func (q *memQuerier) CreateMethod(_ context.Context, m models.Method) error {
	return q.with(func(st *memState) error {
		st.methods[m.ID] = m
		return nil
	})
}

func (q *memQuerier) GetMethod(_ context.Context, id uuid.UUID) (models.Method, error) {
	var m models.Method
	err := q.with(func(st *memState) error {
		var ok bool
		if m, ok = st.methods[id]; !ok {
			return notFound("get method")
		}
		return nil
	})
	return m, err
}

func (q *memQuerier) UpsertTraderMerchant(_ context.Context, tm models.TraderMerchant) error {
	return q.with(func(st *memState) error {
		st.traderMerchants[traderMerchantKey{tm.TraderID, tm.MerchantID, tm.MethodID}] = tm
		return nil
	})
}

func (q *memQuerier) GetTraderMerchant(_ context.Context, traderID, merchantID, methodID uuid.UUID) (models.TraderMerchant, error) {
	var tm models.TraderMerchant
	err := q.with(func(st *memState) error {
		var ok bool
		if tm, ok = st.traderMerchants[traderMerchantKey{traderID, merchantID, methodID}]; !ok {
			return notFound("get trader merchant")
		}
		return nil
	})
	return tm, err
}

func (q *memQuerier) CreateDevice(_ context.Context, d models.Device) error {
	return q.with(func(st *memState) error {
		st.devices[d.ID] = d
		return nil
	})
}

func (q *memQuerier) GetDevice(_ context.Context, id uuid.UUID) (models.Device, error) {
	var d models.Device
	err := q.with(func(st *memState) error {
		var ok bool
		if d, ok = st.devices[id]; !ok {
			return notFound("get device")
		}
		return nil
	})
	return d, err
}

func (q *memQuerier) CreateBankDetail(_ context.Context, b models.BankDetail) error {
	return q.with(func(st *memState) error {
		st.bankDetails[b.ID] = b
		return nil
	})
}

func (q *memQuerier) GetBankDetail(_ context.Context, id uuid.UUID) (models.BankDetail, error) {
	var b models.BankDetail
	err := q.with(func(st *memState) error {
		var ok bool
		if b, ok = st.bankDetails[id]; !ok {
			return notFound("get bank detail")
		}
		return nil
	})
	return b, err
}

func (q *memQuerier) ListBankDetailsByDevice(_ context.Context, deviceID uuid.UUID) ([]models.BankDetail, error) {
	var out []models.BankDetail
	err := q.with(func(st *memState) error {
		for _, b := range st.bankDetails {
			if b.DeviceID != nil && *b.DeviceID == deviceID {
				out = append(out, b)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, err
}

func (q *memQuerier) ListRequisiteCandidates(_ context.Context, arg RequisiteCandidatesParams) ([]RequisiteCandidateRow, error) {
	var out []RequisiteCandidateRow
	err := q.with(func(st *memState) error {
		inProgress := map[uuid.UUID]int32{}
		for _, tx := range st.transactions {
			if tx.Status == domain.TxStatusInProgress {
				inProgress[tx.BankDetailID]++
			}
		}
		for _, b := range st.bankDetails {
			if b.MethodID != arg.MethodID || b.IsArchived {
				continue
			}
			t, ok := st.traders[b.TraderID]
			if !ok || t.Banned || !t.TrafficEnabled {
				continue
			}
			tm, ok := st.traderMerchants[traderMerchantKey{b.TraderID, arg.MerchantID, b.MethodID}]
			if !ok || !tm.IsEnabled {
				continue
			}
			if b.MinAmount.GreaterThan(arg.Amount) || (!b.MaxAmount.IsZero() && b.MaxAmount.LessThan(arg.Amount)) {
				continue
			}
			if b.DeviceID != nil {
				d, ok := st.devices[*b.DeviceID]
				if !ok || !d.IsOnline || !d.IsWorking {
					continue
				}
			}
			out = append(out, RequisiteCandidateRow{
				BankDetail:   b,
				TrustBalance: t.TrustBalance,
				FeeInPercent: tm.FeeInPercent,
				InProgress:   inProgress[b.ID],
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.InProgress != b.InProgress {
			return a.InProgress < b.InProgress
		}
		if !a.BankDetail.CreatedAt.Equal(b.BankDetail.CreatedAt) {
			return a.BankDetail.CreatedAt.Before(b.BankDetail.CreatedAt)
		}
		return a.BankDetail.ID.String() < b.BankDetail.ID.String()
	})
	return out, err
}

func (q *memQuerier) CreateTransaction(_ context.Context, t models.Transaction) error {
	return q.with(func(st *memState) error {
		key := orderKey{t.MerchantID, t.OrderID}
		if _, ok := st.orders[key]; ok {
			return fmt.Errorf("create transaction: order %q: %w", t.OrderID, domain.ErrConflict)
		}
		st.transactions[t.ID] = t
		st.orders[key] = t.ID
		return nil
	})
}

func (q *memQuerier) GetTransaction(_ context.Context, id uuid.UUID) (models.Transaction, error) {
	var t models.Transaction
	err := q.with(func(st *memState) error {
		var ok bool
		if t, ok = st.transactions[id]; !ok {
			return notFound("get transaction")
		}
		return nil
	})
	return t, err
}

func (q *memQuerier) GetTransactionByOrder(_ context.Context, merchantID uuid.UUID, orderID string) (models.Transaction, error) {
	var t models.Transaction
	err := q.with(func(st *memState) error {
		id, ok := st.orders[orderKey{merchantID, orderID}]
		if !ok {
			return notFound("get transaction by order")
		}
		t = st.transactions[id]
		return nil
	})
	return t, err
}

func sortNewestFirst(txs []models.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.After(txs[j].CreatedAt)
		}
		return txs[i].ID.String() < txs[j].ID.String()
	})
}

func (q *memQuerier) FindPendingTransactions(_ context.Context, arg FindPendingTransactionsParams) ([]models.Transaction, error) {
	var out []models.Transaction
	err := q.with(func(st *memState) error {
		for _, t := range st.transactions {
			if t.Type != domain.TxTypeIn || !slices.Contains(arg.BankDetailIDs, t.BankDetailID) {
				continue
			}
			if t.Status != domain.TxStatusCreated && t.Status != domain.TxStatusInProgress {
				continue
			}
			if t.Amount.LessThan(arg.MinAmount) || t.Amount.GreaterThan(arg.MaxAmount) || t.CreatedAt.Before(arg.CreatedAfter) {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	sortNewestFirst(out)
	if arg.Limit > 0 && len(out) > int(arg.Limit) {
		out = out[:arg.Limit]
	}
	return out, err
}

func (q *memQuerier) UpdateTransactionStatus(_ context.Context, arg UpdateTransactionStatusParams) (int64, error) {
	var n int64
	err := q.with(func(st *memState) error {
		t, ok := st.transactions[arg.ID]
		if !ok || !slices.Contains(arg.FromStatuses, t.Status) {
			return nil
		}
		t.Status = arg.ToStatus
		if arg.AcceptedAt != nil {
			at := *arg.AcceptedAt
			t.AcceptedAt = &at
		}
		t.UpdatedAt = arg.UpdatedAt
		st.transactions[arg.ID] = t
		n = 1
		return nil
	})
	return n, err
}

func (q *memQuerier) ListExpiredTransactions(_ context.Context, now time.Time, limit int32) ([]models.Transaction, error) {
	var out []models.Transaction
	err := q.with(func(st *memState) error {
		for _, t := range st.transactions {
			if (t.Status == domain.TxStatusCreated || t.Status == domain.TxStatusInProgress) && !t.ExpiredAt.After(now) {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiredAt.Equal(out[j].ExpiredAt) {
			return out[i].ExpiredAt.Before(out[j].ExpiredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > int(limit) {
		out = out[:limit]
	}
	return out, err
}

func clonePayout(p models.Payout) models.Payout {
	p.PreviousTraderIDs = slices.Clone(p.PreviousTraderIDs)
	return p
}

func (q *memQuerier) CreatePayout(_ context.Context, p models.Payout) error {
	return q.with(func(st *memState) error {
		if _, ok := st.payouts[p.ID]; ok {
			return fmt.Errorf("create payout %s: %w", p.ID, domain.ErrConflict)
		}
		st.payouts[p.ID] = clonePayout(p)
		return nil
	})
}

func (q *memQuerier) GetPayout(_ context.Context, id uuid.UUID) (models.Payout, error) {
	var p models.Payout
	err := q.with(func(st *memState) error {
		cur, ok := st.payouts[id]
		if !ok {
			return notFound("get payout")
		}
		p = clonePayout(cur)
		return nil
	})
	return p, err
}

func (q *memQuerier) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	return q.GetPayout(ctx, id)
}

func sortPayouts(ps []models.Payout, key func(models.Payout) time.Time) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := key(ps[i]), key(ps[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ps[i].ID.String() < ps[j].ID.String()
	})
}

func (q *memQuerier) ListUnassignedPayouts(_ context.Context, now time.Time, limit int32) ([]models.Payout, error) {
	var out []models.Payout
	err := q.with(func(st *memState) error {
		for _, p := range st.payouts {
			if p.Status == domain.PayoutStatusCreated && p.TraderID == nil && (p.ExpireAt == nil || p.ExpireAt.After(now)) {
				out = append(out, clonePayout(p))
			}
		}
		return nil
	})
	sortPayouts(out, func(p models.Payout) time.Time { return p.CreatedAt })
	if limit > 0 && len(out) > int(limit) {
		out = out[:limit]
	}
	return out, err
}

func (q *memQuerier) ListExpiredPayouts(_ context.Context, now time.Time, limit int32) ([]models.Payout, error) {
	var out []models.Payout
	err := q.with(func(st *memState) error {
		for _, p := range st.payouts {
			if p.Status == domain.PayoutStatusCreated && p.TraderID == nil && p.ExpireAt != nil && !p.ExpireAt.After(now) {
				out = append(out, clonePayout(p))
			}
		}
		return nil
	})
	sortPayouts(out, func(p models.Payout) time.Time { return *p.ExpireAt })
	if limit > 0 && len(out) > int(limit) {
		out = out[:limit]
	}
	return out, err
}

func (q *memQuerier) ListStalePayouts(_ context.Context, acceptedBefore time.Time, limit int32) ([]models.Payout, error) {
	var out []models.Payout
	err := q.with(func(st *memState) error {
		for _, p := range st.payouts {
			if p.Status == domain.PayoutStatusActive && p.AcceptedAt != nil && p.AcceptedAt.Before(acceptedBefore) {
				out = append(out, clonePayout(p))
			}
		}
		return nil
	})
	sortPayouts(out, func(p models.Payout) time.Time { return *p.AcceptedAt })
	if limit > 0 && len(out) > int(limit) {
		out = out[:limit]
	}
	return out, err
}

func (q *memQuerier) AssignPayout(_ context.Context, arg AssignPayoutParams) (int64, error) {
	var n int64
	err := q.with(func(st *memState) error {
		p, ok := st.payouts[arg.ID]
		if !ok || p.Status != domain.PayoutStatusCreated || p.TraderID != nil {
			return nil
		}
		traderID := arg.TraderID
		at := arg.AcceptedAt
		p.TraderID = &traderID
		p.Status = domain.PayoutStatusActive
		p.AcceptedAt = &at
		p.CancelReason = nil
		p.UpdatedAt = at
		st.payouts[arg.ID] = p
		n = 1
		return nil
	})
	return n, err
}

func (q *memQuerier) ReleasePayout(_ context.Context, arg ReleasePayoutParams) (int64, error) {
	var n int64
	err := q.with(func(st *memState) error {
		p, ok := st.payouts[arg.ID]
		if !ok || !slices.Contains(arg.FromStatuses, p.Status) {
			return nil
		}
		reason := arg.CancelReason
		p.TraderID = nil
		p.Status = domain.PayoutStatusCreated
		p.AcceptedAt = nil
		p.CancelReason = &reason
		p.PreviousTraderIDs = slices.Clone(arg.PreviousTraderIDs)
		p.UpdatedAt = arg.UpdatedAt
		st.payouts[arg.ID] = p
		n = 1
		return nil
	})
	return n, err
}

func (q *memQuerier) UpdatePayoutStatus(_ context.Context, arg UpdatePayoutStatusParams) (int64, error) {
	var n int64
	err := q.with(func(st *memState) error {
		p, ok := st.payouts[arg.ID]
		if !ok || p.Status != arg.FromStatus {
			return nil
		}
		p.Status = arg.ToStatus
		p.UpdatedAt = arg.UpdatedAt
		st.payouts[arg.ID] = p
		n = 1
		return nil
	})
	return n, err
}

func (q *memQuerier) CreateNotification(_ context.Context, n models.Notification) error {
	return q.with(func(st *memState) error {
		n.Metadata = cloneMap(n.Metadata)
		st.notifications[n.ID] = n
		return nil
	})
}

func (q *memQuerier) GetNotification(_ context.Context, id uuid.UUID) (models.Notification, error) {
	var n models.Notification
	err := q.with(func(st *memState) error {
		cur, ok := st.notifications[id]
		if !ok {
			return notFound("get notification")
		}
		n = cur
		n.Metadata = cloneMap(cur.Metadata)
		return nil
	})
	return n, err
}

func (q *memQuerier) ListUnprocessedNotifications(_ context.Context, limit int32) ([]models.Notification, error) {
	var out []models.Notification
	err := q.with(func(st *memState) error {
		for _, n := range st.notifications {
			if !n.IsProcessed {
				n.Metadata = cloneMap(n.Metadata)
				out = append(out, n)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > int(limit) {
		out = out[:limit]
	}
	return out, err
}

func (q *memQuerier) MarkNotificationProcessed(_ context.Context, arg MarkNotificationProcessedParams) (int64, error) {
	var affected int64
	err := q.with(func(st *memState) error {
		n, ok := st.notifications[arg.ID]
		if !ok || n.IsProcessed {
			return nil
		}
		reason := arg.Reason
		at := arg.ProcessedAt
		n.IsProcessed = true
		n.ProcessedReason = &reason
		n.MatchedTransactionID = arg.MatchedTransactionID
		n.Metadata = cloneMap(arg.Metadata)
		n.ProcessedAt = &at
		st.notifications[arg.ID] = n
		affected = 1
		return nil
	})
	return affected, err
}

func (q *memQuerier) RecordNotificationFailure(_ context.Context, id uuid.UUID, lastError string) (int32, error) {
	var attempts int32
	err := q.with(func(st *memState) error {
		n, ok := st.notifications[id]
		if !ok || n.IsProcessed {
			return nil
		}
		n.Attempts++
		n.LastError = &lastError
		st.notifications[id] = n
		attempts = n.Attempts
		return nil
	})
	return attempts, err
}

func (q *memQuerier) InsertCallbackEvent(_ context.Context, arg InsertCallbackEventParams) (int64, error) {
	var id int64
	err := q.with(func(st *memState) error {
		st.callbackSeq++
		id = st.callbackSeq
		st.callbacks[id] = memCallback{
			event: models.CallbackEvent{
				ID:            id,
				TransactionID: arg.TransactionID,
				Payload:       slices.Clone(arg.Payload),
				Status:        domain.CallbackStatusPending,
				NextAttemptAt: arg.CreatedAt,
				CreatedAt:     arg.CreatedAt,
			},
			updatedAt: arg.CreatedAt,
		}
		return nil
	})
	return id, err
}

func (q *memQuerier) RecoverStaleCallbacks(_ context.Context, before time.Time) (int64, error) {
	var n int64
	err := q.with(func(st *memState) error {
		for id, c := range st.callbacks {
			if c.event.Status == domain.CallbackStatusSending && c.updatedAt.Before(before) {
				c.event.Status = domain.CallbackStatusPending
				c.updatedAt = time.Now().UTC()
				st.callbacks[id] = c
				n++
			}
		}
		return nil
	})
	return n, err
}

func (q *memQuerier) ClaimCallbackEvents(_ context.Context, now time.Time, limit int32) ([]models.CallbackEvent, error) {
	var out []models.CallbackEvent
	err := q.with(func(st *memState) error {
		ids := make([]int64, 0, len(st.callbacks))
		for id, c := range st.callbacks {
			if c.event.Status == domain.CallbackStatusPending && !c.event.NextAttemptAt.After(now) {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		if limit > 0 && len(ids) > int(limit) {
			ids = ids[:limit]
		}
		for _, id := range ids {
			c := st.callbacks[id]
			c.event.Status = domain.CallbackStatusSending
			c.updatedAt = now
			st.callbacks[id] = c
			out = append(out, c.event)
		}
		return nil
	})
	return out, err
}

func (q *memQuerier) MarkCallbackDelivered(_ context.Context, id int64, at time.Time) (int64, error) {
	var n int64
	err := q.with(func(st *memState) error {
		c, ok := st.callbacks[id]
		if !ok || c.event.Status != domain.CallbackStatusSending {
			return nil
		}
		delivered := at
		c.event.Status = domain.CallbackStatusDelivered
		c.event.DeliveredAt = &delivered
		c.event.LastError = nil
		c.updatedAt = at
		st.callbacks[id] = c
		n = 1
		return nil
	})
	return n, err
}

func (q *memQuerier) MarkCallbackRetry(_ context.Context, arg MarkCallbackRetryParams) (int64, error) {
	var n int64
	err := q.with(func(st *memState) error {
		c, ok := st.callbacks[arg.ID]
		if !ok || c.event.Status != domain.CallbackStatusSending {
			return nil
		}
		lastErr := arg.LastError
		c.event.Status = arg.Status
		c.event.Attempts = arg.Attempts
		c.event.NextAttemptAt = arg.NextAttemptAt
		c.event.LastError = &lastErr
		c.updatedAt = time.Now().UTC()
		st.callbacks[arg.ID] = c
		n = 1
		return nil
	})
	return n, err
}

func (q *memQuerier) InsertAuditLog(_ context.Context, arg InsertAuditLogParams) error {
	return q.with(func(st *memState) error {
		st.audit = append(st.audit, arg)
		return nil
	})
}

func (q *memQuerier) ListTraderReservations(context.Context) ([]TraderReservationRow, error) {
	var out []TraderReservationRow
	err := q.with(func(st *memState) error {
		rows := map[uuid.UUID]*TraderReservationRow{}
		for id, t := range st.traders {
			rows[id] = &TraderReservationRow{TraderID: id, FrozenUsdt: t.FrozenUsdt, FrozenPayoutBalance: t.FrozenPayoutBalance}
		}
		for _, tx := range st.transactions {
			if r, ok := rows[tx.TraderID]; ok && tx.Status == domain.TxStatusInProgress {
				r.ExpectedFrozenUsdt = r.ExpectedFrozenUsdt.Add(tx.FrozenUsdtAmount).Add(tx.CalculatedCommission)
			}
		}
		for _, p := range st.payouts {
			if p.TraderID == nil || (p.Status != domain.PayoutStatusActive && p.Status != domain.PayoutStatusChecking) {
				continue
			}
			if r, ok := rows[*p.TraderID]; ok {
				r.ExpectedFrozenPayout = r.ExpectedFrozenPayout.Add(p.Total)
			}
		}
		for _, r := range rows {
			out = append(out, *r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TraderID.String() < out[j].TraderID.String() })
	return out, err
}
