package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/payments"
	"github.com/cobalt-commerce/api/internal/promotions"
	"github.com/cobalt-commerce/api/internal/repositories"
)

type repoNotFoundError struct{ msg string }

func (e repoNotFoundError) Error() string       { return e.msg }
func (e repoNotFoundError) IsNotFound() bool    { return true }
func (e repoNotFoundError) IsConflict() bool    { return false }
func (e repoNotFoundError) IsUnavailable() bool { return false }

type memOrderRepo struct {
	orders map[string]domain.Order
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[string]domain.Order)}
}

func (r *memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) Update(_ context.Context, order domain.Order) error {
	if _, ok := r.orders[order.ID]; !ok {
		return repoNotFoundError{msg: "order " + order.ID}
	}
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repoNotFoundError{msg: "order " + orderID}
	}
	return order, nil
}

func (r *memOrderRepo) FindByCode(_ context.Context, code string) (domain.Order, error) {
	for _, order := range r.orders {
		if order.Code == code {
			return order, nil
		}
	}
	return domain.Order{}, repoNotFoundError{msg: "order code " + code}
}

func (r *memOrderRepo) List(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return domain.CursorPage[domain.Order]{}, nil
}

type captureHistoryRepo struct {
	entries []domain.HistoryEntry
}

func (r *captureHistoryRepo) Append(_ context.Context, entry domain.HistoryEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func (r *captureHistoryRepo) ListByOrder(context.Context, string, repositories.HistoryListFilter) (domain.CursorPage[domain.HistoryEntry], error) {
	return domain.CursorPage[domain.HistoryEntry]{}, nil
}

func (r *captureHistoryRepo) byType(entryType domain.HistoryEntryType) []domain.HistoryEntry {
	var out []domain.HistoryEntry
	for _, entry := range r.entries {
		if entry.Type == entryType {
			out = append(out, entry)
		}
	}
	return out
}

type stubPromotionRepo struct {
	promos []domain.Promotion
}

func (r *stubPromotionRepo) Insert(_ context.Context, promo domain.Promotion) error {
	r.promos = append(r.promos, promo)
	return nil
}

func (r *stubPromotionRepo) Update(context.Context, domain.Promotion) error { return nil }

func (r *stubPromotionRepo) Delete(context.Context, string) error { return nil }

func (r *stubPromotionRepo) FindByID(_ context.Context, id string) (domain.Promotion, error) {
	for _, promo := range r.promos {
		if promo.ID == id {
			return promo, nil
		}
	}
	return domain.Promotion{}, repoNotFoundError{msg: "promotion " + id}
}

func (r *stubPromotionRepo) FindByCouponCode(_ context.Context, code string) (domain.Promotion, error) {
	for _, promo := range r.promos {
		if promo.CouponCode == code {
			return promo, nil
		}
	}
	return domain.Promotion{}, repoNotFoundError{msg: "coupon " + code}
}

func (r *stubPromotionRepo) ListActive(context.Context, time.Time) ([]domain.Promotion, error) {
	return r.promos, nil
}

func (r *stubPromotionRepo) List(context.Context, repositories.PromotionListFilter) (domain.CursorPage[domain.Promotion], error) {
	return domain.CursorPage[domain.Promotion]{}, nil
}

type captureUsageRepo struct {
	counts   map[string]int
	recorded []string
}

func newCaptureUsageRepo() *captureUsageRepo {
	return &captureUsageRepo{counts: make(map[string]int)}
}

func (r *captureUsageRepo) CountUsage(_ context.Context, code string, customerID string) (int, error) {
	return r.counts[code+"|"+customerID], nil
}

func (r *captureUsageRepo) RecordUsage(_ context.Context, code string, customerID string, orderID string, _ time.Time) error {
	r.counts[code+"|"+customerID]++
	r.recorded = append(r.recorded, code+"|"+customerID+"|"+orderID)
	return nil
}

type captureMovementRepo struct {
	movements []domain.StockMovement
}

func (r *captureMovementRepo) Append(_ context.Context, movements []domain.StockMovement) error {
	r.movements = append(r.movements, movements...)
	return nil
}

func (r *captureMovementRepo) ListByVariant(context.Context, string, domain.Pagination) (domain.CursorPage[domain.StockMovement], error) {
	return domain.CursorPage[domain.StockMovement]{}, nil
}

func (r *captureMovementRepo) SumByVariant(_ context.Context, variantID string) (int64, error) {
	var sum int64
	for _, m := range r.movements {
		if m.VariantID == variantID {
			sum += int64(m.Quantity)
		}
	}
	return sum, nil
}

func (r *captureMovementRepo) byType(movementType domain.StockMovementType) []domain.StockMovement {
	var out []domain.StockMovement
	for _, m := range r.movements {
		if m.Type == movementType {
			out = append(out, m)
		}
	}
	return out
}

type stubCustomerRepo struct {
	customers map[string]domain.Customer
}

func (r *stubCustomerRepo) FindByID(_ context.Context, id string) (domain.Customer, error) {
	customer, ok := r.customers[id]
	if !ok {
		return domain.Customer{}, repoNotFoundError{msg: "customer " + id}
	}
	return customer, nil
}

func (r *stubCustomerRepo) FindByEmail(context.Context, string) (domain.Customer, error) {
	return domain.Customer{}, repoNotFoundError{msg: "customer"}
}

type stubVariantRepo struct {
	variants map[string]domain.ProductVariant
}

func (r *stubVariantRepo) FindByID(_ context.Context, id string) (domain.ProductVariant, error) {
	variant, ok := r.variants[id]
	if !ok {
		return domain.ProductVariant{}, repoNotFoundError{msg: "variant " + id}
	}
	return variant, nil
}

func (r *stubVariantRepo) FindByIDs(_ context.Context, ids []string) (map[string]domain.ProductVariant, error) {
	out := make(map[string]domain.ProductVariant, len(ids))
	for _, id := range ids {
		if variant, ok := r.variants[id]; ok {
			out[id] = variant
		}
	}
	return out, nil
}

type stubCounterRepo struct {
	next int64
}

func (r *stubCounterRepo) Next(context.Context, string, int64) (int64, error) {
	r.next++
	return r.next, nil
}

func (r *stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

type stubUnitOfWork struct{}

func (stubUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type captureOrderEvents struct {
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) byType(eventType string) []OrderEvent {
	var out []OrderEvent
	for _, event := range c.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type stubPaymentHandler struct {
	code        string
	authorizeFn func(context.Context, domain.Order, int64, map[string]string) (payments.HandlerResult, error)
	settleFn    func(context.Context, domain.Payment) (payments.HandlerResult, error)
	refundFn    func(context.Context, domain.Payment, int64) (payments.RefundResult, error)
}

func (h *stubPaymentHandler) Code() string { return h.code }

func (h *stubPaymentHandler) Authorize(ctx context.Context, order domain.Order, amount int64, metadata map[string]string) (payments.HandlerResult, error) {
	if h.authorizeFn != nil {
		return h.authorizeFn(ctx, order, amount, metadata)
	}
	return payments.HandlerResult{State: domain.PaymentStateAuthorized, TransactionID: "txn_auth"}, nil
}

func (h *stubPaymentHandler) Settle(ctx context.Context, payment domain.Payment) (payments.HandlerResult, error) {
	if h.settleFn != nil {
		return h.settleFn(ctx, payment)
	}
	return payments.HandlerResult{State: domain.PaymentStateSettled, TransactionID: payment.TransactionID}, nil
}

func (h *stubPaymentHandler) Refund(ctx context.Context, payment domain.Payment, amount int64) (payments.RefundResult, error) {
	if h.refundFn != nil {
		return h.refundFn(ctx, payment, amount)
	}
	return payments.RefundResult{State: domain.RefundStatePending}, nil
}

type orderFixture struct {
	t         *testing.T
	now       time.Time
	orders    *memOrderRepo
	history   *captureHistoryRepo
	movements *captureMovementRepo
	usage     *captureUsageRepo
	promos    *stubPromotionRepo
	events    *captureOrderEvents
	handler   *stubPaymentHandler
	svc       OrderService
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()

	f := &orderFixture{
		t:         t,
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		orders:    newMemOrderRepo(),
		history:   &captureHistoryRepo{},
		movements: &captureMovementRepo{},
		usage:     newCaptureUsageRepo(),
		promos:    &stubPromotionRepo{},
		events:    &captureOrderEvents{},
		handler:   &stubPaymentHandler{code: "card"},
	}

	registry := payments.NewRegistry()
	if err := registry.Register(f.handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	engine, err := promotions.NewEngine(promotions.EngineDeps{Registry: promotions.NewRegistry()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	seq := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:         f.orders,
		History:        f.history,
		Promotions:     f.promos,
		PromotionUsage: f.usage,
		StockMovements: f.movements,
		Customers: &stubCustomerRepo{customers: map[string]domain.Customer{
			"cust_1": {ID: "cust_1", Email: "ada@example.com", GroupIDs: []string{"grp_vip"}},
		}},
		Variants: &stubVariantRepo{variants: map[string]domain.ProductVariant{
			"vnt_tracked":   {ID: "vnt_tracked", Price: 5000, CurrencyCode: "USD", TrackInventory: true, FacetValueIDs: []string{"fct_sale"}, Enabled: true},
			"vnt_untracked": {ID: "vnt_untracked", Price: 3000, CurrencyCode: "USD", Enabled: true},
		}},
		Counters:       &stubCounterRepo{next: 41},
		UnitOfWork:     stubUnitOfWork{},
		Engine:         engine,
		PaymentMethods: registry,
		MaxOrderItems:  10,
		Clock:          func() time.Time { return f.now },
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("%07d", seq)
		},
		Events: f.events,
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	f.svc = svc
	return f
}

// placedOrder drives a fresh order through add, customer, checkout and an
// authorizing payment so follow-up tests start from PaymentAuthorized.
func (f *orderFixture) placedOrder(quantity int) Order {
	f.t.Helper()
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: quantity, CustomerID: "cust_1"})
	if err != nil {
		f.t.Fatalf("add item: %v", err)
	}
	if _, err := f.svc.TransitionToArrangingPayment(ctx, TransitionCommand{OrderID: order.ID}); err != nil {
		f.t.Fatalf("transition to arranging payment: %v", err)
	}
	order, err = f.svc.AddPayment(ctx, AddPaymentCommand{OrderID: order.ID, Method: "card"})
	if err != nil {
		f.t.Fatalf("add payment: %v", err)
	}
	return order
}

func (f *orderFixture) settledOrder(quantity int) Order {
	f.t.Helper()
	order := f.placedOrder(quantity)
	settled, err := f.svc.SettlePayment(context.Background(), SettlePaymentCommand{OrderID: order.ID, PaymentID: order.Payments[0].ID})
	if err != nil {
		f.t.Fatalf("settle payment: %v", err)
	}
	return settled
}

// twoLineSettledOrder builds a settled order with two tracked units on the
// first line and one untracked unit on the second.
func (f *orderFixture) twoLineSettledOrder() Order {
	f.t.Helper()
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 2, CustomerID: "cust_1"})
	if err != nil {
		f.t.Fatalf("add first line: %v", err)
	}
	order, err = f.svc.AddItem(ctx, AddItemCommand{OrderID: order.ID, VariantID: "vnt_untracked", Quantity: 1})
	if err != nil {
		f.t.Fatalf("add second line: %v", err)
	}
	if _, err := f.svc.TransitionToArrangingPayment(ctx, TransitionCommand{OrderID: order.ID}); err != nil {
		f.t.Fatalf("transition to arranging payment: %v", err)
	}
	order, err = f.svc.AddPayment(ctx, AddPaymentCommand{OrderID: order.ID, Method: "card"})
	if err != nil {
		f.t.Fatalf("add payment: %v", err)
	}
	settled, err := f.svc.SettlePayment(ctx, SettlePaymentCommand{OrderID: order.ID, PaymentID: order.Payments[0].ID})
	if err != nil {
		f.t.Fatalf("settle payment: %v", err)
	}
	return settled
}

func TestOrderServiceAddItemCreatesOrder(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.AddItem(context.Background(), AddItemCommand{VariantID: "vnt_tracked", Quantity: 2})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("unexpected order id %s", order.ID)
	}
	if order.Code != "CB-2026-000042" {
		t.Fatalf("unexpected order code %s", order.Code)
	}
	if order.State != domain.OrderStateAddingItems {
		t.Fatalf("expected AddingItems got %s", order.State)
	}
	if !order.Active {
		t.Fatalf("expected active order")
	}
	if len(order.Lines) != 1 || len(order.Lines[0].Items) != 2 {
		t.Fatalf("expected one line with two items, got %+v", order.Lines)
	}
	if order.Total != 10000 {
		t.Fatalf("expected total 10000 got %d", order.Total)
	}
	if len(f.events.byType(orderEventCreated)) != 1 {
		t.Fatalf("expected an order.created event")
	}
}

func TestOrderServiceAddItemMergesExistingLine(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 1})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	order, err = f.svc.AddItem(ctx, AddItemCommand{OrderID: order.ID, VariantID: "vnt_tracked", Quantity: 2})
	if err != nil {
		t.Fatalf("add more: %v", err)
	}

	if len(order.Lines) != 1 {
		t.Fatalf("expected a single merged line, got %d", len(order.Lines))
	}
	if got := order.Lines[0].Quantity(); got != 3 {
		t.Fatalf("expected quantity 3 got %d", got)
	}
}

func TestOrderServiceMaxOrderItems(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 9})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	_, err = f.svc.AddItem(ctx, AddItemCommand{OrderID: order.ID, VariantID: "vnt_untracked", Quantity: 2})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if !strings.Contains(err.Error(), "maximum of 10 items") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestOrderServiceAdjustLine(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 3})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	order, err = f.svc.AdjustLine(ctx, AdjustLineCommand{OrderID: order.ID, OrderLineID: order.Lines[0].ID, Quantity: 1})
	if err != nil {
		t.Fatalf("adjust down: %v", err)
	}
	if got := order.Lines[0].Quantity(); got != 1 {
		t.Fatalf("expected quantity 1 got %d", got)
	}
	if order.Total != 5000 {
		t.Fatalf("expected total 5000 got %d", order.Total)
	}

	order, err = f.svc.AdjustLine(ctx, AdjustLineCommand{OrderID: order.ID, OrderLineID: order.Lines[0].ID, Quantity: 0})
	if err != nil {
		t.Fatalf("adjust to zero: %v", err)
	}
	if len(order.Lines) != 0 {
		t.Fatalf("expected line removal at quantity zero")
	}
}

func TestOrderServiceCheckoutRequiresCustomerAndItems(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 1})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	_, err = f.svc.TransitionToArrangingPayment(ctx, TransitionCommand{OrderID: order.ID})
	if !errors.Is(err, ErrOrderInvalidState) || !strings.Contains(err.Error(), "customer is not set") {
		t.Fatalf("expected customer guard, got %v", err)
	}

	if _, err := f.svc.SetCustomer(ctx, SetCustomerCommand{OrderID: order.ID, CustomerID: "cust_1"}); err != nil {
		t.Fatalf("set customer: %v", err)
	}
	if _, err := f.svc.TransitionToArrangingPayment(ctx, TransitionCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	entries := f.history.byType(domain.HistoryOrderStateTransition)
	if len(entries) != 1 {
		t.Fatalf("expected one transition entry, got %d", len(entries))
	}
	if entries[0].Data["from"] != "AddingItems" || entries[0].Data["to"] != "ArrangingPayment" {
		t.Fatalf("unexpected transition data %+v", entries[0].Data)
	}
}

func TestOrderServiceContentsFrozenAfterCheckout(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 1, CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := f.svc.TransitionToArrangingPayment(ctx, TransitionCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	_, err = f.svc.AddItem(ctx, AddItemCommand{OrderID: order.ID, VariantID: "vnt_untracked", Quantity: 1})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected frozen contents, got %v", err)
	}
}

func TestOrderServiceAuthorizePaymentDecrementsStock(t *testing.T) {
	f := newOrderFixture(t)

	order := f.placedOrder(2)

	if order.State != domain.OrderStatePaymentAuthorized {
		t.Fatalf("expected PaymentAuthorized got %s", order.State)
	}
	if order.Active {
		t.Fatalf("expected order to leave the active phase")
	}
	if order.PlacedAt == nil {
		t.Fatalf("expected PlacedAt to be stamped")
	}
	if len(order.Payments) != 1 || order.Payments[0].State != domain.PaymentStateAuthorized {
		t.Fatalf("unexpected payments %+v", order.Payments)
	}
	if order.Payments[0].Amount != 10000 {
		t.Fatalf("expected payment amount 10000 got %d", order.Payments[0].Amount)
	}

	sales := f.movements.byType(domain.StockMovementSale)
	if len(sales) != 2 {
		t.Fatalf("expected 2 sale movements got %d", len(sales))
	}
	for _, m := range sales {
		if m.Quantity != -1 || m.VariantID != "vnt_tracked" || m.OrderItemID == "" {
			t.Fatalf("unexpected sale movement %+v", m)
		}
	}
}

func TestOrderServiceUntrackedVariantProducesNoMovements(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_untracked", Quantity: 2, CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := f.svc.TransitionToArrangingPayment(ctx, TransitionCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := f.svc.AddPayment(ctx, AddPaymentCommand{OrderID: order.ID, Method: "card"}); err != nil {
		t.Fatalf("add payment: %v", err)
	}

	if len(f.movements.movements) != 0 {
		t.Fatalf("expected no movements for untracked variant, got %d", len(f.movements.movements))
	}
}

func TestOrderServiceSettlePayment(t *testing.T) {
	f := newOrderFixture(t)
	order := f.settledOrder(1)

	if order.State != domain.OrderStatePaymentSettled {
		t.Fatalf("expected PaymentSettled got %s", order.State)
	}
	if order.Payments[0].State != domain.PaymentStateSettled {
		t.Fatalf("expected settled payment got %s", order.Payments[0].State)
	}

	// One sale batch only: settling must not decrement stock a second time.
	if got := len(f.movements.byType(domain.StockMovementSale)); got != 1 {
		t.Fatalf("expected 1 sale movement got %d", got)
	}

	paymentEntries := f.history.byType(domain.HistoryOrderPaymentTransition)
	if len(paymentEntries) != 2 {
		t.Fatalf("expected 2 payment transition entries got %d", len(paymentEntries))
	}
	if paymentEntries[1].Data["from"] != "Authorized" || paymentEntries[1].Data["to"] != "Settled" {
		t.Fatalf("unexpected settle entry %+v", paymentEntries[1].Data)
	}
	if len(f.events.byType(orderEventPaymentSettled)) != 1 {
		t.Fatalf("expected a payment settled event")
	}
}

func TestOrderServiceSettlePaymentIdempotent(t *testing.T) {
	f := newOrderFixture(t)
	order := f.settledOrder(1)

	entriesBefore := len(f.history.entries)
	again, err := f.svc.SettlePayment(context.Background(), SettlePaymentCommand{OrderID: order.ID, PaymentID: order.Payments[0].ID})
	if err != nil {
		t.Fatalf("settle again: %v", err)
	}
	if again.Payments[0].State != domain.PaymentStateSettled {
		t.Fatalf("expected settled payment")
	}
	if len(f.history.entries) != entriesBefore {
		t.Fatalf("expected no new history entries on idempotent settle")
	}
}

func TestOrderServicePaymentHandlerError(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	f.handler.authorizeFn = func(context.Context, domain.Order, int64, map[string]string) (payments.HandlerResult, error) {
		return payments.HandlerResult{}, errors.New("gateway unreachable")
	}

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 1, CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := f.svc.TransitionToArrangingPayment(ctx, TransitionCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	order, err = f.svc.AddPayment(ctx, AddPaymentCommand{OrderID: order.ID, Method: "card"})
	if !errors.Is(err, ErrOrderPaymentFailed) {
		t.Fatalf("expected ErrOrderPaymentFailed, got %v", err)
	}
	if order.State != domain.OrderStateArrangingPayment {
		t.Fatalf("expected order to remain in ArrangingPayment, got %s", order.State)
	}
	if len(order.Payments) != 1 || order.Payments[0].State != domain.PaymentStateError {
		t.Fatalf("expected an Error payment, got %+v", order.Payments)
	}
	if order.Payments[0].ErrorMessage != "gateway unreachable" {
		t.Fatalf("unexpected error message %q", order.Payments[0].ErrorMessage)
	}

	// The failed attempt must still be persisted so support can see it.
	stored := f.orders.orders[order.ID]
	if len(stored.Payments) != 1 || stored.Payments[0].State != domain.PaymentStateError {
		t.Fatalf("expected the Error payment to be persisted, got %+v", stored.Payments)
	}
	if len(f.movements.movements) != 0 {
		t.Fatalf("expected no stock movements for a failed payment")
	}
}

func TestOrderServicePaymentDeclinedKeepsArrangingPayment(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	f.handler.authorizeFn = func(context.Context, domain.Order, int64, map[string]string) (payments.HandlerResult, error) {
		return payments.HandlerResult{State: domain.PaymentStateDeclined, ErrorMessage: "card declined"}, nil
	}

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 1, CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := f.svc.TransitionToArrangingPayment(ctx, TransitionCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	order, err = f.svc.AddPayment(ctx, AddPaymentCommand{OrderID: order.ID, Method: "card"})
	if err != nil {
		t.Fatalf("add payment: %v", err)
	}
	if order.State != domain.OrderStateArrangingPayment {
		t.Fatalf("declined payment must not advance the order, got %s", order.State)
	}
	if order.Payments[0].State != domain.PaymentStateDeclined {
		t.Fatalf("expected Declined got %s", order.Payments[0].State)
	}

	// The client may retry with another payment.
	f.handler.authorizeFn = nil
	order, err = f.svc.AddPayment(ctx, AddPaymentCommand{OrderID: order.ID, Method: "card"})
	if err != nil {
		t.Fatalf("retry payment: %v", err)
	}
	if order.State != domain.OrderStatePaymentAuthorized {
		t.Fatalf("expected PaymentAuthorized after retry, got %s", order.State)
	}
	if len(order.Payments) != 2 {
		t.Fatalf("expected both payment attempts on the order, got %d", len(order.Payments))
	}
}

func TestOrderServiceFailedSettlementLeavesAuthorized(t *testing.T) {
	f := newOrderFixture(t)
	order := f.placedOrder(1)

	f.handler.settleFn = func(context.Context, domain.Payment) (payments.HandlerResult, error) {
		return payments.HandlerResult{State: domain.PaymentStateAuthorized, ErrorMessage: "capture window closed"}, nil
	}

	entriesBefore := len(f.history.entries)
	settled, err := f.svc.SettlePayment(context.Background(), SettlePaymentCommand{OrderID: order.ID, PaymentID: order.Payments[0].ID})
	if err != nil {
		t.Fatalf("failed settlement must not fail the operation: %v", err)
	}
	if settled.State != domain.OrderStatePaymentAuthorized {
		t.Fatalf("expected order to remain PaymentAuthorized, got %s", settled.State)
	}
	if settled.Payments[0].State != domain.PaymentStateAuthorized {
		t.Fatalf("expected payment to remain Authorized, got %s", settled.Payments[0].State)
	}
	if settled.Payments[0].ErrorMessage != "" {
		t.Fatalf("failed settlement must not write an error message, got %q", settled.Payments[0].ErrorMessage)
	}
	if len(f.history.entries) != entriesBefore {
		t.Fatalf("failed settlement must not write history entries")
	}
	if len(f.events.byType(orderEventPaymentSettled)) != 0 {
		t.Fatalf("failed settlement must not publish a settled event")
	}
}

func TestOrderServiceCancelBeforeCheckout(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 2})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	order, err = f.svc.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Reason: "changed mind"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.State != domain.OrderStateCancelled {
		t.Fatalf("expected Cancelled got %s", order.State)
	}
	if order.CancelledAt == nil {
		t.Fatalf("expected CancelledAt to be stamped")
	}
	if len(f.movements.movements) != 0 {
		t.Fatalf("cancelling an unplaced order must not touch the stock ledger")
	}
	if len(f.history.byType(domain.HistoryOrderCancellation)) != 1 {
		t.Fatalf("expected a cancellation entry")
	}
}

func TestOrderServiceCancelAfterAuthorizationReturnsStock(t *testing.T) {
	f := newOrderFixture(t)
	order := f.placedOrder(2)

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, Reason: "fraud check"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.State != domain.OrderStateCancelled {
		t.Fatalf("expected Cancelled got %s", order.State)
	}
	for _, line := range order.Lines {
		for _, item := range line.Items {
			if !item.Cancelled {
				t.Fatalf("expected every item cancelled")
			}
		}
	}

	// Two units sold, two units returned: the ledger nets to zero.
	cancellations := f.movements.byType(domain.StockMovementCancellation)
	if len(cancellations) != 2 {
		t.Fatalf("expected 2 cancellation movements got %d", len(cancellations))
	}
	for _, m := range cancellations {
		if m.Quantity != 1 {
			t.Fatalf("expected +1 cancellation quantity got %d", m.Quantity)
		}
	}
	sum, err := f.movements.SumByVariant(context.Background(), "vnt_tracked")
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 0 {
		t.Fatalf("expected net zero stock change got %d", sum)
	}
}

func TestOrderServiceCancelTerminalOrderRejected(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 1})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, CancelOrderCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, CancelOrderCommand{OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state on double cancel, got %v", err)
	}
}

func TestOrderServiceCancelItems(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.settledOrder(2)
	lineID := order.Lines[0].ID

	order, err := f.svc.CancelItems(ctx, CancelItemsCommand{
		OrderID: order.ID,
		Lines:   []LineQuantity{{OrderLineID: lineID, Quantity: 1}},
		Reason:  "damaged in warehouse",
	})
	if err != nil {
		t.Fatalf("cancel items: %v", err)
	}
	if order.State != domain.OrderStatePaymentSettled {
		t.Fatalf("partial cancellation must keep the state, got %s", order.State)
	}
	if got := order.Lines[0].Quantity(); got != 1 {
		t.Fatalf("expected remaining quantity 1 got %d", got)
	}
	if got := len(f.movements.byType(domain.StockMovementCancellation)); got != 1 {
		t.Fatalf("expected 1 cancellation movement got %d", got)
	}

	// Cancelling the last unit completes the round trip into Cancelled.
	order, err = f.svc.CancelItems(ctx, CancelItemsCommand{
		OrderID: order.ID,
		Lines:   []LineQuantity{{OrderLineID: lineID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("cancel remaining: %v", err)
	}
	if order.State != domain.OrderStateCancelled {
		t.Fatalf("expected Cancelled after all items gone, got %s", order.State)
	}
}

func TestOrderServiceCancelItemsGuards(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 1, CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	_, err = f.svc.CancelItems(ctx, CancelItemsCommand{OrderID: order.ID, Lines: []LineQuantity{{OrderLineID: order.Lines[0].ID, Quantity: 1}}})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("line selection before authorization must be rejected, got %v", err)
	}

	placed := f.settledOrder(1)
	_, err = f.svc.CancelItems(ctx, CancelItemsCommand{OrderID: placed.ID})
	if err == nil || !strings.Contains(err.Error(), msgNothingToCancel) {
		t.Fatalf("expected %q, got %v", msgNothingToCancel, err)
	}
}

func TestOrderServiceCancelItemsRejectedSelectionLeavesItemsIntact(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.twoLineSettledOrder()

	// The first line could be satisfied but the second is short one unit;
	// the whole selection must be rejected without marking anything.
	_, err := f.svc.CancelItems(ctx, CancelItemsCommand{
		OrderID: order.ID,
		Lines: []LineQuantity{
			{OrderLineID: order.Lines[0].ID, Quantity: 2},
			{OrderLineID: order.Lines[1].ID, Quantity: 2},
		},
	})
	if err == nil || !strings.Contains(err.Error(), msgItemsAlreadyCancelled) {
		t.Fatalf("expected %q, got %v", msgItemsAlreadyCancelled, err)
	}
	if got := len(f.movements.byType(domain.StockMovementCancellation)); got != 0 {
		t.Fatalf("rejected cancellation must not write stock movements, got %d", got)
	}

	order, err = f.svc.CancelItems(ctx, CancelItemsCommand{
		OrderID: order.ID,
		Lines: []LineQuantity{
			{OrderLineID: order.Lines[0].ID, Quantity: 2},
			{OrderLineID: order.Lines[1].ID, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("valid retry after a rejected selection: %v", err)
	}
	if order.State != domain.OrderStateCancelled {
		t.Fatalf("expected Cancelled got %s", order.State)
	}
	if got := len(f.movements.byType(domain.StockMovementCancellation)); got != 2 {
		t.Fatalf("expected 2 cancellation movements for the tracked line, got %d", got)
	}
}

func TestOrderServiceCancelItemsCompletesPartiallyFulfilledOrder(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.settledOrder(2)
	lineID := order.Lines[0].ID

	order, err := f.svc.CreateFulfillment(ctx, CreateFulfillmentCommand{
		OrderID: order.ID,
		Lines:   []LineQuantity{{OrderLineID: lineID, Quantity: 1}},
		Method:  "ups",
	})
	if err != nil {
		t.Fatalf("create fulfillment: %v", err)
	}
	if order.State != domain.OrderStatePartiallyFulfilled {
		t.Fatalf("expected PartiallyFulfilled got %s", order.State)
	}

	order, err = f.svc.CancelItems(ctx, CancelItemsCommand{
		OrderID: order.ID,
		Lines:   []LineQuantity{{OrderLineID: lineID, Quantity: 1}},
		Reason:  "remaining unit lost",
	})
	if err != nil {
		t.Fatalf("cancel remaining: %v", err)
	}
	if order.State != domain.OrderStateCancelled {
		t.Fatalf("cancelling every unfulfilled item must close the order, got %s", order.State)
	}
	if order.CancelledAt == nil || order.Active {
		t.Fatalf("expected an inactive order with CancelledAt stamped")
	}

	transitions := f.history.byType(domain.HistoryOrderStateTransition)
	last := transitions[len(transitions)-1]
	if last.Data["from"] != "PartiallyFulfilled" || last.Data["to"] != "Cancelled" {
		t.Fatalf("unexpected final transition %+v", last.Data)
	}
}

func TestOrderServiceFulfillmentFlow(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.settledOrder(3)
	lineID := order.Lines[0].ID

	order, err := f.svc.CreateFulfillment(ctx, CreateFulfillmentCommand{
		OrderID:      order.ID,
		Lines:        []LineQuantity{{OrderLineID: lineID, Quantity: 2}},
		Method:       "ups",
		TrackingCode: "1Z999",
	})
	if err != nil {
		t.Fatalf("create fulfillment: %v", err)
	}
	if order.State != domain.OrderStatePartiallyFulfilled {
		t.Fatalf("expected PartiallyFulfilled got %s", order.State)
	}
	if len(order.Fulfillments) != 1 || len(order.Fulfillments[0].OrderItemIDs) != 2 {
		t.Fatalf("unexpected fulfillments %+v", order.Fulfillments)
	}

	order, err = f.svc.CreateFulfillment(ctx, CreateFulfillmentCommand{
		OrderID: order.ID,
		Lines:   []LineQuantity{{OrderLineID: lineID, Quantity: 1}},
		Method:  "ups",
	})
	if err != nil {
		t.Fatalf("fulfill remainder: %v", err)
	}
	if order.State != domain.OrderStateFulfilled {
		t.Fatalf("expected Fulfilled got %s", order.State)
	}

	transitions := f.history.byType(domain.HistoryOrderStateTransition)
	last := transitions[len(transitions)-1]
	if last.Data["from"] != "PartiallyFulfilled" || last.Data["to"] != "Fulfilled" {
		t.Fatalf("unexpected final transition %+v", last.Data)
	}
	if len(f.history.byType(domain.HistoryOrderFulfillment)) != 2 {
		t.Fatalf("expected 2 fulfillment entries")
	}
}

func TestOrderServiceFulfillmentSameStateEntry(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.settledOrder(3)
	lineID := order.Lines[0].ID

	for i := 0; i < 2; i++ {
		var err error
		order, err = f.svc.CreateFulfillment(ctx, CreateFulfillmentCommand{
			OrderID: order.ID,
			Lines:   []LineQuantity{{OrderLineID: lineID, Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("fulfillment %d: %v", i, err)
		}
	}

	transitions := f.history.byType(domain.HistoryOrderStateTransition)
	last := transitions[len(transitions)-1]
	if last.Data["from"] != "PartiallyFulfilled" || last.Data["to"] != "PartiallyFulfilled" {
		t.Fatalf("expected a same-state transition entry, got %+v", last.Data)
	}
}

func TestOrderServiceFulfillmentGuards(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order := f.placedOrder(1)
	_, err := f.svc.CreateFulfillment(ctx, CreateFulfillmentCommand{
		OrderID: order.ID,
		Lines:   []LineQuantity{{OrderLineID: order.Lines[0].ID, Quantity: 1}},
	})
	if err == nil || !strings.Contains(err.Error(), msgOrderNotFulfillable) {
		t.Fatalf("expected %q, got %v", msgOrderNotFulfillable, err)
	}

	settled := f.settledOrder(1)
	if _, err := f.svc.CreateFulfillment(ctx, CreateFulfillmentCommand{OrderID: settled.ID}); err == nil || !strings.Contains(err.Error(), msgNothingToFulfill) {
		t.Fatalf("expected %q, got %v", msgNothingToFulfill, err)
	}

	settled, err = f.svc.CreateFulfillment(ctx, CreateFulfillmentCommand{
		OrderID: settled.ID,
		Lines:   []LineQuantity{{OrderLineID: settled.Lines[0].ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	_, err = f.svc.CreateFulfillment(ctx, CreateFulfillmentCommand{
		OrderID: settled.ID,
		Lines:   []LineQuantity{{OrderLineID: settled.Lines[0].ID, Quantity: 1}},
	})
	if err == nil || !strings.Contains(err.Error(), msgItemsAlreadyFulfilled) {
		t.Fatalf("expected %q, got %v", msgItemsAlreadyFulfilled, err)
	}
}

func TestOrderServiceFulfillmentRejectedSelectionLeavesItemsIntact(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.twoLineSettledOrder()

	_, err := f.svc.CreateFulfillment(ctx, CreateFulfillmentCommand{
		OrderID: order.ID,
		Lines: []LineQuantity{
			{OrderLineID: order.Lines[0].ID, Quantity: 2},
			{OrderLineID: order.Lines[1].ID, Quantity: 2},
		},
	})
	if err == nil || !strings.Contains(err.Error(), msgItemsAlreadyFulfilled) {
		t.Fatalf("expected %q, got %v", msgItemsAlreadyFulfilled, err)
	}

	// The first line must still be fulfillable in full: a rejected selection
	// leaves no item tied to a fulfillment.
	order, err = f.svc.CreateFulfillment(ctx, CreateFulfillmentCommand{
		OrderID: order.ID,
		Lines: []LineQuantity{
			{OrderLineID: order.Lines[0].ID, Quantity: 2},
			{OrderLineID: order.Lines[1].ID, Quantity: 1},
		},
		Method: "ups",
	})
	if err != nil {
		t.Fatalf("valid retry after a rejected selection: %v", err)
	}
	if order.State != domain.OrderStateFulfilled {
		t.Fatalf("expected Fulfilled got %s", order.State)
	}
	if len(order.Fulfillments) != 1 || len(order.Fulfillments[0].OrderItemIDs) != 3 {
		t.Fatalf("expected a single fulfillment covering all three items, got %+v", order.Fulfillments)
	}
}

func TestOrderServiceRefundFlow(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.settledOrder(2)
	lineID := order.Lines[0].ID
	paymentID := order.Payments[0].ID

	order, err := f.svc.Refund(ctx, RefundOrderCommand{
		OrderID:   order.ID,
		PaymentID: paymentID,
		Lines:     []LineQuantity{{OrderLineID: lineID, Quantity: 1}},
		Reason:    "scratched case",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(order.Refunds) != 1 {
		t.Fatalf("expected one refund got %d", len(order.Refunds))
	}
	refund := order.Refunds[0]
	if refund.State != domain.RefundStatePending {
		t.Fatalf("expected Pending refund got %s", refund.State)
	}
	if refund.ItemsAmount != 5000 || refund.Total != 5000 {
		t.Fatalf("unexpected refund amounts %+v", refund)
	}
	if len(refund.OrderItemIDs) != 1 {
		t.Fatalf("expected one refunded item")
	}

	order, err = f.svc.SettleRefund(ctx, SettleRefundCommand{OrderID: order.ID, RefundID: refund.ID, TransactionID: "re_900"})
	if err != nil {
		t.Fatalf("settle refund: %v", err)
	}
	if order.Refunds[0].State != domain.RefundStateSettled {
		t.Fatalf("expected Settled refund got %s", order.Refunds[0].State)
	}
	if order.Refunds[0].TransactionID != "re_900" {
		t.Fatalf("unexpected transaction id %s", order.Refunds[0].TransactionID)
	}

	refundEntries := f.history.byType(domain.HistoryOrderRefundTransition)
	if len(refundEntries) != 1 {
		t.Fatalf("expected 1 refund transition entry got %d", len(refundEntries))
	}
	if refundEntries[0].Data["from"] != "Pending" || refundEntries[0].Data["to"] != "Settled" {
		t.Fatalf("unexpected refund entry %+v", refundEntries[0].Data)
	}
}

func TestOrderServiceRefundGuards(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	authorized := f.placedOrder(1)
	_, err := f.svc.Refund(ctx, RefundOrderCommand{
		OrderID:   authorized.ID,
		PaymentID: authorized.Payments[0].ID,
		Lines:     []LineQuantity{{OrderLineID: authorized.Lines[0].ID, Quantity: 1}},
	})
	if err == nil || !strings.Contains(err.Error(), msgRefundAuthorizedOrder) {
		t.Fatalf("expected %q, got %v", msgRefundAuthorizedOrder, err)
	}

	settled := f.settledOrder(1)
	_, err = f.svc.Refund(ctx, RefundOrderCommand{OrderID: settled.ID, PaymentID: "pay_missing"})
	if err == nil || !strings.Contains(err.Error(), msgPaymentOrderMismatch) {
		t.Fatalf("expected %q, got %v", msgPaymentOrderMismatch, err)
	}

	_, err = f.svc.Refund(ctx, RefundOrderCommand{OrderID: settled.ID, PaymentID: settled.Payments[0].ID})
	if err == nil || !strings.Contains(err.Error(), msgNothingToRefund) {
		t.Fatalf("expected %q, got %v", msgNothingToRefund, err)
	}

	if _, err := f.svc.Refund(ctx, RefundOrderCommand{
		OrderID:   settled.ID,
		PaymentID: settled.Payments[0].ID,
		Lines:     []LineQuantity{{OrderLineID: settled.Lines[0].ID, Quantity: 1}},
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	_, err = f.svc.Refund(ctx, RefundOrderCommand{
		OrderID:   settled.ID,
		PaymentID: settled.Payments[0].ID,
		Lines:     []LineQuantity{{OrderLineID: settled.Lines[0].ID, Quantity: 1}},
	})
	if err == nil || !strings.Contains(err.Error(), msgItemAlreadyRefunded) {
		t.Fatalf("expected %q, got %v", msgItemAlreadyRefunded, err)
	}
}

func TestOrderServiceRefundRejectedSelectionLeavesItemsIntact(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.twoLineSettledOrder()
	paymentID := order.Payments[0].ID

	_, err := f.svc.Refund(ctx, RefundOrderCommand{
		OrderID:   order.ID,
		PaymentID: paymentID,
		Lines: []LineQuantity{
			{OrderLineID: order.Lines[0].ID, Quantity: 2},
			{OrderLineID: order.Lines[1].ID, Quantity: 2},
		},
	})
	if err == nil || !strings.Contains(err.Error(), msgItemAlreadyRefunded) {
		t.Fatalf("expected %q, got %v", msgItemAlreadyRefunded, err)
	}

	// No item may carry a refund id from the rejected call, so a full
	// refund of both lines still goes through.
	order, err = f.svc.Refund(ctx, RefundOrderCommand{
		OrderID:   order.ID,
		PaymentID: paymentID,
		Lines: []LineQuantity{
			{OrderLineID: order.Lines[0].ID, Quantity: 2},
			{OrderLineID: order.Lines[1].ID, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("valid retry after a rejected selection: %v", err)
	}
	if len(order.Refunds) != 1 {
		t.Fatalf("expected one refund got %d", len(order.Refunds))
	}
	if order.Refunds[0].ItemsAmount != 13000 {
		t.Fatalf("expected the full 13000 refund, got %d", order.Refunds[0].ItemsAmount)
	}
	if len(order.Refunds[0].OrderItemIDs) != 3 {
		t.Fatalf("expected all three items on the refund, got %d", len(order.Refunds[0].OrderItemIDs))
	}
}

func TestOrderServiceRefundHandlerSettlesImmediately(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.settledOrder(1)

	f.handler.refundFn = func(context.Context, domain.Payment, int64) (payments.RefundResult, error) {
		return payments.RefundResult{State: domain.RefundStateSettled, TransactionID: "re_1"}, nil
	}

	order, err := f.svc.Refund(ctx, RefundOrderCommand{
		OrderID:   order.ID,
		PaymentID: order.Payments[0].ID,
		Lines:     []LineQuantity{{OrderLineID: order.Lines[0].ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if order.Refunds[0].State != domain.RefundStateSettled || order.Refunds[0].TransactionID != "re_1" {
		t.Fatalf("expected immediately settled refund, got %+v", order.Refunds[0])
	}
}

func TestOrderServiceRefundExceedsPayment(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order := f.settledOrder(1)

	_, err := f.svc.Refund(ctx, RefundOrderCommand{
		OrderID:   order.ID,
		PaymentID: order.Payments[0].ID,
		Lines:     []LineQuantity{{OrderLineID: order.Lines[0].ID, Quantity: 1}},
		Shipping:  9999,
	})
	if !errors.Is(err, ErrOrderInvalidInput) || !strings.Contains(err.Error(), "exceeds the payment amount") {
		t.Fatalf("expected over-refund rejection, got %v", err)
	}
}

func TestOrderServiceAddNote(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.svc.AddItem(ctx, AddItemCommand{VariantID: "vnt_tracked", Quantity: 1})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := f.svc.AddNote(ctx, AddNoteCommand{OrderID: order.ID, Note: "customer called", ActorID: "staff_1"}); err != nil {
		t.Fatalf("add note: %v", err)
	}

	notes := f.history.byType(domain.HistoryOrderNote)
	if len(notes) != 1 || notes[0].Data["note"] != "customer called" || notes[0].ActorID != "staff_1" {
		t.Fatalf("unexpected note entries %+v", notes)
	}

	if _, err := f.svc.AddNote(ctx, AddNoteCommand{OrderID: order.ID, Note: "   "}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for blank note, got %v", err)
	}
}
