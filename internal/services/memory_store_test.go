package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

// memoryStore is an in-process stand-in for the postgres registry. RunInTx serialises transactions
// with a single mutex and restores a snapshot when fn fails.
type memoryStore struct {
	mu          sync.Mutex
	products    map[string]domain.Product
	lensOptions map[string]domain.LensOption
	addresses   map[string]domain.Address
	coupons     map[string]domain.Coupon
	redemptions []domain.CouponRedemption
	orders      map[string]domain.Order
	history     []domain.OrderStatusChange
	payments    map[string]domain.PaymentRecord

	// paymentInsertErr fails PaymentRepository.Insert when set.
	paymentInsertErr error
}

type memoryTxKey struct{}

type memoryRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *memoryRepoError) Error() string       { return e.msg }
func (e *memoryRepoError) IsNotFound() bool    { return e.notFound }
func (e *memoryRepoError) IsConflict() bool    { return e.conflict }
func (e *memoryRepoError) IsUnavailable() bool { return e.unavailable }

func errNotFound(kind, id string) error {
	return &memoryRepoError{msg: fmt.Sprintf("%s %s not found", kind, id), notFound: true}
}

func errConflict(kind, id string) error {
	return &memoryRepoError{msg: fmt.Sprintf("%s %s already exists", kind, id), conflict: true}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		products:    map[string]domain.Product{},
		lensOptions: map[string]domain.LensOption{},
		addresses:   map[string]domain.Address{},
		coupons:     map[string]domain.Coupon{},
		orders:      map[string]domain.Order{},
		payments:    map[string]domain.PaymentRecord{},
	}
}

type memorySnapshot struct {
	products    map[string]domain.Product
	coupons     map[string]domain.Coupon
	redemptions []domain.CouponRedemption
	orders      map[string]domain.Order
	history     []domain.OrderStatusChange
	payments    map[string]domain.PaymentRecord
}

func (m *memoryStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(memoryTxKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := memorySnapshot{
		products:    maps.Clone(m.products),
		coupons:     maps.Clone(m.coupons),
		redemptions: slices.Clone(m.redemptions),
		orders:      maps.Clone(m.orders),
		history:     slices.Clone(m.history),
		payments:    maps.Clone(m.payments),
	}
	if err := fn(context.WithValue(ctx, memoryTxKey{}, true)); err != nil {
		m.products = snap.products
		m.coupons = snap.coupons
		m.redemptions = snap.redemptions
		m.orders = snap.orders
		m.history = snap.history
		m.payments = snap.payments
		return err
	}
	return nil
}

func (m *memoryStore) lock(ctx context.Context) func() {
	if ctx.Value(memoryTxKey{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memoryStore) Products() repositories.ProductRepository       { return memoryProducts{m} }
func (m *memoryStore) LensOptions() repositories.LensOptionRepository { return memoryLensOptions{m} }
func (m *memoryStore) Addresses() repositories.AddressRepository     { return memoryAddresses{m} }
func (m *memoryStore) Coupons() repositories.CouponRepository         { return memoryCoupons{m} }
func (m *memoryStore) Orders() repositories.OrderRepository           { return memoryOrders{m} }
func (m *memoryStore) Payments() repositories.PaymentRepository       { return memoryPayments{m} }

func (m *memoryStore) order(id string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memoryStore) product(id string) domain.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id]
}

func (m *memoryStore) coupon(id string) domain.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coupons[id]
}

func (m *memoryStore) paymentsFor(orderID string) []domain.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentRecord
	for _, rec := range m.payments {
		if rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	return out
}

func (m *memoryStore) historyFor(orderID string) []domain.OrderStatusChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OrderStatusChange
	for _, h := range m.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out
}

func (m *memoryStore) redemptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redemptions)
}

type memoryProducts struct{ s *memoryStore }

func (r memoryProducts) FindByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	defer r.s.lock(ctx)()
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := r.s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (r memoryProducts) DecrementStock(ctx context.Context, productID string, qty int64) error {
	defer r.s.lock(ctx)()
	p, ok := r.s.products[productID]
	if !ok {
		return repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, productID, nil)
	}
	if p.Stock < qty {
		return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, productID, nil)
	}
	p.Stock -= qty
	r.s.products[productID] = p
	return nil
}

type memoryLensOptions struct{ s *memoryStore }

func (r memoryLensOptions) FindByIDs(ctx context.Context, ids []string) (map[string]domain.LensOption, error) {
	defer r.s.lock(ctx)()
	out := make(map[string]domain.LensOption, len(ids))
	for _, id := range ids {
		if o, ok := r.s.lensOptions[id]; ok {
			out[id] = o
		}
	}
	return out, nil
}

type memoryAddresses struct{ s *memoryStore }

func (r memoryAddresses) FindByID(ctx context.Context, userID, addressID string) (domain.Address, error) {
	defer r.s.lock(ctx)()
	addr, ok := r.s.addresses[addressID]
	if !ok || addr.UserID != userID {
		return domain.Address{}, errNotFound("address", addressID)
	}
	return addr, nil
}

type memoryCoupons struct{ s *memoryStore }

func (r memoryCoupons) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	defer r.s.lock(ctx)()
	for _, c := range r.s.coupons {
		if c.Code == code {
			return c, nil
		}
	}
	return domain.Coupon{}, errNotFound("coupon", code)
}

func (r memoryCoupons) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	defer r.s.lock(ctx)()
	c, ok := r.s.coupons[couponID]
	if !ok {
		return domain.Coupon{}, errNotFound("coupon", couponID)
	}
	return c, nil
}

func (r memoryCoupons) CountUserRedemptions(ctx context.Context, couponID, userID string) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for _, red := range r.s.redemptions {
		if red.CouponID == couponID && red.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r memoryCoupons) IncrementUsage(ctx context.Context, couponID string) error {
	defer r.s.lock(ctx)()
	c, ok := r.s.coupons[couponID]
	if !ok || (c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit) {
		return &repositories.CouponError{Code: repositories.CouponErrorUsageLimitReached, CouponID: couponID}
	}
	c.UsedCount++
	r.s.coupons[couponID] = c
	return nil
}

func (r memoryCoupons) InsertRedemption(ctx context.Context, redemption domain.CouponRedemption) error {
	defer r.s.lock(ctx)()
	for _, red := range r.s.redemptions {
		if red.OrderID == redemption.OrderID {
			return &repositories.CouponError{Code: repositories.CouponErrorAlreadyRedeemed, CouponID: redemption.CouponID}
		}
	}
	r.s.redemptions = append(r.s.redemptions, redemption)
	return nil
}

type memoryOrders struct{ s *memoryStore }

func (r memoryOrders) Insert(ctx context.Context, order domain.Order) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.orders[order.ID]; ok {
		return errConflict("order", order.ID)
	}
	r.s.orders[order.ID] = order
	return nil
}

func (r memoryOrders) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	defer r.s.lock(ctx)()
	o, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, errNotFound("order", orderID)
	}
	return o, nil
}

func (r memoryOrders) Transition(ctx context.Context, t repositories.OrderTransition) (bool, error) {
	defer r.s.lock(ctx)()
	o, ok := r.s.orders[t.OrderID]
	if !ok || !slices.Contains(t.From, o.Status) {
		return false, nil
	}
	o.Status = t.To
	if t.PaymentStatus != nil {
		o.PaymentStatus = *t.PaymentStatus
	}
	if t.RefundRequired != nil {
		o.RefundRequired = *t.RefundRequired
	}
	o.UpdatedAt = t.At
	r.s.orders[t.OrderID] = o
	return true, nil
}

func (r memoryOrders) AppendStatusHistory(ctx context.Context, change domain.OrderStatusChange) error {
	defer r.s.lock(ctx)()
	r.s.history = append(r.s.history, change)
	return nil
}

func (r memoryOrders) ListStatusHistory(ctx context.Context, orderID string) ([]domain.OrderStatusChange, error) {
	defer r.s.lock(ctx)()
	var out []domain.OrderStatusChange
	for _, h := range r.s.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r memoryOrders) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	defer r.s.lock(ctx)()
	var ids []string
	for id, o := range r.s.orders {
		if o.Status == domain.OrderStatusPending && o.CreatedAt.Before(createdBefore) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type memoryPayments struct{ s *memoryStore }

func (r memoryPayments) Insert(ctx context.Context, record domain.PaymentRecord) error {
	defer r.s.lock(ctx)()
	if r.s.paymentInsertErr != nil {
		return r.s.paymentInsertErr
	}
	for _, existing := range r.s.payments {
		if existing.GatewayOrderID == record.GatewayOrderID {
			return errConflict("payment", record.GatewayOrderID)
		}
	}
	r.s.payments[record.ID] = record
	return nil
}

func (r memoryPayments) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.PaymentRecord, error) {
	defer r.s.lock(ctx)()
	for _, rec := range r.s.payments {
		if rec.GatewayOrderID == gatewayOrderID {
			return rec, nil
		}
	}
	return domain.PaymentRecord{}, errNotFound("payment", gatewayOrderID)
}

func (r memoryPayments) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentRecord, error) {
	defer r.s.lock(ctx)()
	var out []domain.PaymentRecord
	for _, rec := range r.s.payments {
		if rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r memoryPayments) Transition(ctx context.Context, t repositories.PaymentTransition) (bool, error) {
	defer r.s.lock(ctx)()
	rec, ok := r.s.payments[t.RecordID]
	if !ok || rec.Status != t.From {
		return false, nil
	}
	rec.Status = t.To
	if t.GatewayPaymentID != nil {
		rec.GatewayPaymentID = t.GatewayPaymentID
	}
	if t.SignatureDigest != nil {
		rec.SignatureDigest = t.SignatureDigest
	}
	rec.UpdatedAt = t.At
	r.s.payments[t.RecordID] = rec
	return true, nil
}

func (r memoryPayments) FailPendingByOrder(ctx context.Context, orderID string, at time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for id, rec := range r.s.payments {
		if rec.OrderID == orderID && rec.Status == domain.PaymentRecordPending {
			rec.Status = domain.PaymentRecordFailed
			rec.UpdatedAt = at
			r.s.payments[id] = rec
			n++
		}
	}
	return n, nil
}

// recordingPublisher captures published order events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) count(eventType string) int {
	n := 0
	for _, t := range p.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

// recordingMetrics captures settlement outcomes.
type recordingMetrics struct {
	mu       sync.Mutex
	checkout []string
	finalize []string
	swept    []int
}

func (m *recordingMetrics) RecordCheckout(_ context.Context, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkout = append(m.checkout, outcome)
}

func (m *recordingMetrics) RecordFinalize(_ context.Context, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalize = append(m.finalize, outcome)
}

func (m *recordingMetrics) RecordSweep(_ context.Context, expired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swept = append(m.swept, expired)
}

func (m *recordingMetrics) finalizeOutcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.finalize)
}

// recordingLogger captures logged event names.
type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.events, event)
}

var (
	_ repositories.ProductRepository    = memoryProducts{}
	_ repositories.LensOptionRepository = memoryLensOptions{}
	_ repositories.AddressRepository    = memoryAddresses{}
	_ repositories.CouponRepository     = memoryCoupons{}
	_ repositories.OrderRepository      = memoryOrders{}
	_ repositories.PaymentRepository    = memoryPayments{}
	_ repositories.UnitOfWork           = (*memoryStore)(nil)
	_ repositories.RepositoryError      = (*memoryRepoError)(nil)
)
