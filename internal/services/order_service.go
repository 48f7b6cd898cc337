package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/payments"
	"github.com/cobalt-commerce/api/internal/promotions"
	"github.com/cobalt-commerce/api/internal/repositories"
)

const (
	orderEventCreated            = "order.created"
	orderEventStateChanged       = "order.state.changed"
	orderEventPaymentSettled     = "order.payment.settled"
	orderEventFulfillmentCreated = "order.fulfillment.created"
	orderEventRefundCreated      = "order.refund.created"
	orderEventCancelled          = "order.cancelled"

	orderIDPrefix       = "ord_"
	lineIDPrefix        = "lin_"
	itemIDPrefix        = "itm_"
	paymentIDPrefix     = "pay_"
	refundIDPrefix      = "ref_"
	fulfillmentIDPrefix = "ful_"
	movementIDPrefix    = "stk_"
	historyIDPrefix     = "his_"

	defaultMaxOrderItems = 999
	defaultOrderCurrency = "USD"
	orderLockStripes     = 64
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order or one of its sub-records could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an operation is not legal in the order's current state.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderPaymentFailed indicates a payment handler reported an Error
	// outcome. The Error-state payment is persisted for audit before this is
	// returned; a Declined outcome is not an error.
	ErrOrderPaymentFailed = errors.New("order: payment failed")
)

// Stable error messages surfaced to API clients. Wrapped in the sentinel
// errors above; handlers rely on the exact text.
const (
	msgNothingToCancel       = "Nothing to cancel"
	msgNothingToFulfill      = "Nothing to fulfill"
	msgNothingToRefund       = "Nothing to refund"
	msgCouponNotValid        = "Coupon code is not valid"
	msgItemsAlreadyFulfilled = "One or more OrderItems have already been fulfilled"
	msgOrderNotFulfillable   = "One or more OrderItems belong to an Order which is in an invalid state"
	msgRefundAuthorizedOrder = "Cannot refund an Order in the PaymentAuthorized state"
	msgItemAlreadyRefunded   = "Cannot refund an OrderItem which has already been refunded"
	msgPaymentOrderMismatch  = "The Payment and OrderLines do not belong to the same Order"
	msgItemsAlreadyCancelled = "Cannot cancel OrderItems which have already been fulfilled"
)

var orderStateTransitions = map[domain.OrderState][]domain.OrderState{
	domain.OrderStateAddingItems:        {domain.OrderStateArrangingPayment, domain.OrderStateCancelled},
	domain.OrderStateArrangingPayment:   {domain.OrderStatePaymentAuthorized, domain.OrderStatePaymentSettled, domain.OrderStateCancelled},
	domain.OrderStatePaymentAuthorized:  {domain.OrderStatePaymentSettled, domain.OrderStateCancelled},
	domain.OrderStatePaymentSettled:     {domain.OrderStatePartiallyFulfilled, domain.OrderStateFulfilled, domain.OrderStateCancelled},
	domain.OrderStatePartiallyFulfilled: {domain.OrderStateFulfilled, domain.OrderStateCancelled},
	domain.OrderStateFulfilled:          {},
	domain.OrderStateCancelled:          {},
}

// contentMutableStates are the states in which lines, coupons, shipping and
// the customer may still change and promotion adjustments are recomputed.
var contentMutableStates = map[domain.OrderState]bool{
	domain.OrderStateAddingItems:      true,
	domain.OrderStateArrangingPayment: true,
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type          string
	OrderID       string
	OrderCode     string
	PreviousState string
	CurrentState  string
	ActorID       string
	OccurredAt    time.Time
	Metadata      map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	History        repositories.HistoryRepository
	Promotions     repositories.PromotionRepository
	PromotionUsage repositories.PromotionUsageRepository
	StockMovements repositories.StockMovementRepository
	Customers      repositories.CustomerRepository
	Variants       repositories.VariantRepository
	Counters       repositories.CounterRepository
	UnitOfWork     repositories.UnitOfWork
	Engine         *promotions.Engine
	PaymentMethods *payments.Registry
	MaxOrderItems  int
	// DefaultCurrency is used for orders whose first variant has no currency
	// of its own. ISO 4217 alpha code.
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator    func() string
	Events         OrderEventPublisher
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders         repositories.OrderRepository
	history        repositories.HistoryRepository
	promotions     repositories.PromotionRepository
	promotionUsage repositories.PromotionUsageRepository
	stockMovements repositories.StockMovementRepository
	customers      repositories.CustomerRepository
	variants       repositories.VariantRepository
	counters       repositories.CounterRepository
	unitOfWork     repositories.UnitOfWork
	engine          *promotions.Engine
	paymentMethods  *payments.Registry
	maxOrderItems   int
	defaultCurrency string
	clock           func() time.Time
	newID          func() string
	events         OrderEventPublisher
	logger         func(context.Context, string, map[string]any)

	locks [orderLockStripes]sync.Mutex
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("order service: history repository is required")
	}
	if deps.Promotions == nil {
		return nil, errors.New("order service: promotion repository is required")
	}
	if deps.PromotionUsage == nil {
		return nil, errors.New("order service: promotion usage repository is required")
	}
	if deps.StockMovements == nil {
		return nil, errors.New("order service: stock movement repository is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("order service: customer repository is required")
	}
	if deps.Variants == nil {
		return nil, errors.New("order service: variant repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("order service: promotion engine is required")
	}
	if deps.PaymentMethods == nil {
		return nil, errors.New("order service: payment method registry is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	maxItems := deps.MaxOrderItems
	if maxItems <= 0 {
		maxItems = defaultMaxOrderItems
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = defaultOrderCurrency
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:         deps.Orders,
		history:        deps.History,
		promotions:     deps.Promotions,
		promotionUsage: deps.PromotionUsage,
		stockMovements: deps.StockMovements,
		customers:      deps.Customers,
		variants:       deps.Variants,
		counters:       deps.Counters,
		unitOfWork:     unit,
		engine:          deps.Engine,
		paymentMethods:  deps.PaymentMethods,
		maxOrderItems:   maxItems,
		defaultCurrency: currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) AddItem(ctx context.Context, cmd AddItemCommand) (Order, error) {
	if strings.TrimSpace(cmd.VariantID) == "" {
		return Order{}, fmt.Errorf("%w: variant id is required", ErrOrderInvalidInput)
	}
	if cmd.Quantity < 1 {
		return Order{}, fmt.Errorf("%w: quantity must be at least 1", ErrOrderInvalidInput)
	}

	if strings.TrimSpace(cmd.OrderID) == "" {
		return s.createOrderWithItem(ctx, cmd)
	}

	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.State != domain.OrderStateAddingItems {
		return Order{}, fmt.Errorf("%w: cannot modify order contents in the %s state", ErrOrderInvalidState, order.State)
	}

	variant, err := s.loadVariant(ctx, cmd.VariantID)
	if err != nil {
		return Order{}, err
	}
	if order.TotalQuantity()+cmd.Quantity > s.maxOrderItems {
		return Order{}, fmt.Errorf("%w: cannot add items, an order may consist of a maximum of %d items", ErrOrderInvalidInput, s.maxOrderItems)
	}

	now := s.now()
	s.addUnits(&order, variant, cmd.Quantity)
	if err := s.recalcPromotions(ctx, &order, now); err != nil {
		return Order{}, err
	}
	order.UpdatedAt = now

	if err := s.updateOrder(ctx, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) createOrderWithItem(ctx context.Context, cmd AddItemCommand) (Order, error) {
	variant, err := s.loadVariant(ctx, cmd.VariantID)
	if err != nil {
		return Order{}, err
	}
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID != "" {
		if _, err := s.customers.FindByID(ctx, customerID); err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
	}
	if cmd.Quantity > s.maxOrderItems {
		return Order{}, fmt.Errorf("%w: cannot add items, an order may consist of a maximum of %d items", ErrOrderInvalidInput, s.maxOrderItems)
	}

	now := s.now()
	code, err := s.generateOrderCode(ctx, now)
	if err != nil {
		return Order{}, err
	}

	currency := variant.CurrencyCode
	if strings.TrimSpace(currency) == "" {
		currency = s.defaultCurrency
	}

	order := Order{
		ID:           orderIDPrefix + s.newID(),
		Code:         code,
		State:        domain.OrderStateAddingItems,
		Active:       true,
		CustomerID:   customerID,
		CurrencyCode: currency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.addUnits(&order, variant, cmd.Quantity)
	if err := s.recalcPromotions(ctx, &order, now); err != nil {
		return Order{}, err
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:         orderEventCreated,
		OrderID:      order.ID,
		OrderCode:    order.Code,
		CurrentState: string(order.State),
		ActorID:      cmd.ActorID,
		OccurredAt:   now,
	})
	return order, nil
}

// addUnits appends quantity items to the line holding the variant, creating
// the line at the variant's current price when absent. The unit price of an
// existing line is never re-read from the catalog.
func (s *orderService) addUnits(order *Order, variant ProductVariant, quantity int) {
	var line *OrderLine
	for i := range order.Lines {
		if order.Lines[i].VariantID == variant.ID {
			line = &order.Lines[i]
			break
		}
	}
	if line == nil {
		order.Lines = append(order.Lines, OrderLine{
			ID:        lineIDPrefix + s.newID(),
			VariantID: variant.ID,
			UnitPrice: variant.Price,
		})
		line = &order.Lines[len(order.Lines)-1]
	}
	for i := 0; i < quantity; i++ {
		line.Items = append(line.Items, OrderItem{ID: itemIDPrefix + s.newID()})
	}
}

func (s *orderService) AdjustLine(ctx context.Context, cmd AdjustLineCommand) (Order, error) {
	if cmd.Quantity < 0 {
		return Order{}, fmt.Errorf("%w: quantity must not be negative", ErrOrderInvalidInput)
	}

	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.State != domain.OrderStateAddingItems {
		return Order{}, fmt.Errorf("%w: cannot modify order contents in the %s state", ErrOrderInvalidState, order.State)
	}
	line := order.LineByID(cmd.OrderLineID)
	if line == nil {
		return Order{}, fmt.Errorf("%w: order line %s", ErrOrderNotFound, cmd.OrderLineID)
	}

	now := s.now()
	current := line.Quantity()
	switch {
	case cmd.Quantity == 0:
		s.dropLine(&order, cmd.OrderLineID)
	case cmd.Quantity > current:
		if order.TotalQuantity()+cmd.Quantity-current > s.maxOrderItems {
			return Order{}, fmt.Errorf("%w: cannot add items, an order may consist of a maximum of %d items", ErrOrderInvalidInput, s.maxOrderItems)
		}
		for i := current; i < cmd.Quantity; i++ {
			line.Items = append(line.Items, OrderItem{ID: itemIDPrefix + s.newID()})
		}
	case cmd.Quantity < current:
		line.Items = line.Items[:cmd.Quantity]
	}

	if err := s.recalcPromotions(ctx, &order, now); err != nil {
		return Order{}, err
	}
	order.UpdatedAt = now

	if err := s.updateOrder(ctx, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) RemoveLine(ctx context.Context, cmd RemoveLineCommand) (Order, error) {
	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.State != domain.OrderStateAddingItems {
		return Order{}, fmt.Errorf("%w: cannot modify order contents in the %s state", ErrOrderInvalidState, order.State)
	}
	if order.LineByID(cmd.OrderLineID) == nil {
		return Order{}, fmt.Errorf("%w: order line %s", ErrOrderNotFound, cmd.OrderLineID)
	}

	now := s.now()
	s.dropLine(&order, cmd.OrderLineID)
	if err := s.recalcPromotions(ctx, &order, now); err != nil {
		return Order{}, err
	}
	order.UpdatedAt = now

	if err := s.updateOrder(ctx, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) dropLine(order *Order, lineID string) {
	lines := order.Lines[:0]
	for _, line := range order.Lines {
		if line.ID != lineID {
			lines = append(lines, line)
		}
	}
	order.Lines = lines
}

func (s *orderService) SetCustomer(ctx context.Context, cmd SetCustomerCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}

	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if !contentMutableStates[order.State] {
		return Order{}, fmt.Errorf("%w: cannot set the customer in the %s state", ErrOrderInvalidState, order.State)
	}
	if _, err := s.customers.FindByID(ctx, customerID); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.now()
	wasGuest := order.CustomerID == ""
	order.CustomerID = customerID

	// Coupons applied while the order was anonymous cannot be trusted once a
	// customer is attached: per-customer usage limits were never checked.
	if wasGuest && len(order.CouponCodes) > 0 {
		s.logger(ctx, "order.coupons.dropped", map[string]any{
			"order_id": order.ID,
			"codes":    order.CouponCodes,
			"reason":   "customer attached after guest coupon application",
		})
		order.CouponCodes = nil
	}

	if err := s.recalcPromotions(ctx, &order, now); err != nil {
		return Order{}, err
	}
	order.UpdatedAt = now

	if err := s.updateOrder(ctx, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) SetShipping(ctx context.Context, cmd SetShippingCommand) (Order, error) {
	if cmd.Amount < 0 {
		return Order{}, fmt.Errorf("%w: shipping amount must not be negative", ErrOrderInvalidInput)
	}

	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if !contentMutableStates[order.State] {
		return Order{}, fmt.Errorf("%w: cannot set shipping in the %s state", ErrOrderInvalidState, order.State)
	}

	now := s.now()
	order.ShippingMethod = strings.TrimSpace(cmd.ShippingMethod)
	order.Shipping = cmd.Amount
	if err := s.recalcPromotions(ctx, &order, now); err != nil {
		return Order{}, err
	}
	order.UpdatedAt = now

	if err := s.updateOrder(ctx, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) TransitionToArrangingPayment(ctx context.Context, cmd TransitionCommand) (Order, error) {
	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if !canTransition(order.State, domain.OrderStateArrangingPayment) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.State, domain.OrderStateArrangingPayment)
	}
	if order.CustomerID == "" {
		return Order{}, fmt.Errorf("%w: cannot transition to ArrangingPayment: customer is not set", ErrOrderInvalidState)
	}
	if order.TotalQuantity() == 0 {
		return Order{}, fmt.Errorf("%w: cannot transition to ArrangingPayment: order has no items", ErrOrderInvalidState)
	}

	now := s.now()

	// Re-validate every applied coupon at the checkout boundary. Codes that
	// expired or hit their usage limit since application are dropped
	// silently, never a hard failure.
	kept := order.CouponCodes[:0]
	for _, code := range order.CouponCodes {
		if _, err := s.validateCoupon(ctx, code, order.CustomerID, now); err != nil {
			s.logger(ctx, "order.coupon.dropped", map[string]any{
				"order_id": order.ID,
				"code":     code,
				"error":    err.Error(),
			})
			continue
		}
		kept = append(kept, code)
	}
	order.CouponCodes = kept
	if err := s.recalcPromotions(ctx, &order, now); err != nil {
		return Order{}, err
	}

	from := order.State
	order.State = domain.OrderStateArrangingPayment
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.appendHistory(txCtx, order.ID, domain.HistoryOrderStateTransition, map[string]any{
			"from": string(from),
			"to":   string(order.State),
		}, cmd.ActorID, now)
	})
	if err != nil {
		return Order{}, err
	}

	s.publishStateChanged(ctx, order, from, cmd.ActorID, now)
	return order, nil
}

func (s *orderService) ApplyCoupon(ctx context.Context, cmd CouponCommand) (Order, error) {
	code := domain.NormalizeCouponCode(cmd.Code)
	if code == "" {
		return Order{}, fmt.Errorf("%w: coupon code is required", ErrOrderInvalidInput)
	}

	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if !contentMutableStates[order.State] {
		return Order{}, fmt.Errorf("%w: cannot apply a coupon in the %s state", ErrOrderInvalidState, order.State)
	}
	if order.HasCoupon(code) {
		return order, nil
	}

	now := s.now()
	if _, err := s.validateCoupon(ctx, code, order.CustomerID, now); err != nil {
		return Order{}, err
	}

	order.CouponCodes = append(order.CouponCodes, code)
	if err := s.recalcPromotions(ctx, &order, now); err != nil {
		return Order{}, err
	}
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.appendHistory(txCtx, order.ID, domain.HistoryOrderCouponApplied, map[string]any{
			"couponCode": code,
		}, cmd.ActorID, now)
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) RemoveCoupon(ctx context.Context, cmd CouponCommand) (Order, error) {
	code := domain.NormalizeCouponCode(cmd.Code)
	if code == "" {
		return Order{}, fmt.Errorf("%w: coupon code is required", ErrOrderInvalidInput)
	}

	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if !contentMutableStates[order.State] {
		return Order{}, fmt.Errorf("%w: cannot remove a coupon in the %s state", ErrOrderInvalidState, order.State)
	}
	if !order.HasCoupon(code) {
		return order, nil
	}

	now := s.now()
	codes := order.CouponCodes[:0]
	for _, c := range order.CouponCodes {
		if c != code {
			codes = append(codes, c)
		}
	}
	order.CouponCodes = codes
	if err := s.recalcPromotions(ctx, &order, now); err != nil {
		return Order{}, err
	}
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.appendHistory(txCtx, order.ID, domain.HistoryOrderCouponRemoved, map[string]any{
			"couponCode": code,
		}, cmd.ActorID, now)
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// validateCoupon resolves the code to an active promotion and enforces its
// per-customer usage limit against settled orders. The distinct error
// messages for unknown/disabled codes, expired windows and exhausted limits
// are part of the API contract.
func (s *orderService) validateCoupon(ctx context.Context, code string, customerID string, now time.Time) (Promotion, error) {
	promo, err := s.promotions.FindByCouponCode(ctx, domain.NormalizeCouponCode(code))
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Promotion{}, fmt.Errorf("%w: %s", ErrOrderInvalidInput, msgCouponNotValid)
		}
		return Promotion{}, s.mapRepositoryError(err)
	}
	if promo.HasExpiredAt(now) {
		return Promotion{}, fmt.Errorf("%w: Coupon code %s has expired", ErrOrderInvalidInput, code)
	}
	if !promo.IsActiveAt(now) {
		return Promotion{}, fmt.Errorf("%w: %s", ErrOrderInvalidInput, msgCouponNotValid)
	}
	if promo.PerCustomerUsageLimit != nil && customerID != "" {
		used, err := s.promotionUsage.CountUsage(ctx, domain.NormalizeCouponCode(code), customerID)
		if err != nil {
			return Promotion{}, s.mapRepositoryError(err)
		}
		if used >= *promo.PerCustomerUsageLimit {
			return Promotion{}, fmt.Errorf("%w: Coupon code cannot be used more than %d time(s) per customer", ErrOrderInvalidInput, *promo.PerCustomerUsageLimit)
		}
	}
	return promo, nil
}

func (s *orderService) AddPayment(ctx context.Context, cmd AddPaymentCommand) (Order, error) {
	method := strings.ToLower(strings.TrimSpace(cmd.Method))
	if method == "" {
		return Order{}, fmt.Errorf("%w: payment method is required", ErrOrderInvalidInput)
	}

	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.State != domain.OrderStateArrangingPayment {
		return Order{}, fmt.Errorf("%w: a payment may only be added in the ArrangingPayment state", ErrOrderInvalidState)
	}

	handler, err := s.paymentMethods.Handler(method)
	if err != nil {
		return Order{}, fmt.Errorf("%w: unknown payment method %q", ErrOrderInvalidInput, method)
	}

	now := s.now()
	payment := Payment{
		ID:        paymentIDPrefix + s.newID(),
		OrderID:   order.ID,
		Method:    method,
		State:     domain.PaymentStateCreated,
		Amount:    order.Total,
		Metadata:  metadataFromStrings(cmd.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	result, handlerErr := handler.Authorize(ctx, order, order.Total, cmd.Metadata)
	if handlerErr != nil {
		// A handler failure is recorded as an Error-state payment on the
		// order and then reported to the caller; it is never retried
		// automatically.
		s.logger(ctx, "order.payment.handler.failed", map[string]any{
			"order_id": order.ID,
			"method":   method,
			"error":    handlerErr.Error(),
		})
		payment.State = domain.PaymentStateError
		payment.ErrorMessage = handlerErr.Error()
		order.Payments = append(order.Payments, payment)
		order.UpdatedAt = now

		err = s.runInTx(ctx, func(txCtx context.Context) error {
			if err := s.orders.Update(txCtx, order); err != nil {
				return s.mapRepositoryError(err)
			}
			return s.appendHistory(txCtx, order.ID, domain.HistoryOrderPaymentTransition, map[string]any{
				"paymentId": payment.ID,
				"from":      string(domain.PaymentStateCreated),
				"to":        string(domain.PaymentStateError),
			}, cmd.ActorID, now)
		})
		if err != nil {
			return Order{}, err
		}
		return order, fmt.Errorf("%w: %s", ErrOrderPaymentFailed, handlerErr.Error())
	}

	s.paymentMethods.NotifyTransition(ctx, domain.PaymentStateCreated, result.State, payment)
	payment.State = result.State
	payment.TransactionID = result.TransactionID
	payment.ErrorMessage = result.ErrorMessage
	mergeMetadata(&payment, result.Metadata)
	payment.UpdatedAt = now
	s.paymentMethods.NotifyTransition(ctx, domain.PaymentStateCreated, payment.State, payment)

	order.Payments = append(order.Payments, payment)
	from := order.State

	var (
		movements []StockMovement
		settled   bool
	)
	switch result.State {
	case domain.PaymentStateAuthorized:
		order.State = domain.OrderStatePaymentAuthorized
	case domain.PaymentStateSettled:
		order.State = domain.OrderStatePaymentSettled
		settled = true
	}
	if order.State != from {
		movements, err = s.leaveActiveState(ctx, &order, now)
		if err != nil {
			return Order{}, err
		}
	}
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if len(movements) > 0 {
			if err := s.stockMovements.Append(txCtx, movements); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		if err := s.appendHistory(txCtx, order.ID, domain.HistoryOrderPaymentTransition, map[string]any{
			"paymentId": payment.ID,
			"from":      string(domain.PaymentStateCreated),
			"to":        string(payment.State),
		}, cmd.ActorID, now); err != nil {
			return err
		}
		if order.State != from {
			if err := s.appendHistory(txCtx, order.ID, domain.HistoryOrderStateTransition, map[string]any{
				"from": string(from),
				"to":   string(order.State),
			}, cmd.ActorID, now); err != nil {
				return err
			}
		}
		if settled {
			return s.recordCouponUsage(txCtx, order, now)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if order.State != from {
		s.publishStateChanged(ctx, order, from, cmd.ActorID, now)
	}
	if settled {
		s.publishEvent(ctx, OrderEvent{
			Type:         orderEventPaymentSettled,
			OrderID:      order.ID,
			OrderCode:    order.Code,
			CurrentState: string(order.State),
			ActorID:      cmd.ActorID,
			OccurredAt:   now,
			Metadata:     map[string]any{"paymentId": payment.ID},
		})
	}
	return order, nil
}

func (s *orderService) SettlePayment(ctx context.Context, cmd SettlePaymentCommand) (Order, error) {
	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	payment := order.PaymentByID(cmd.PaymentID)
	if payment == nil {
		return Order{}, fmt.Errorf("%w: payment %s", ErrOrderNotFound, cmd.PaymentID)
	}
	if payment.State == domain.PaymentStateSettled {
		return order, nil
	}
	if payment.State != domain.PaymentStateAuthorized {
		return Order{}, fmt.Errorf("%w: cannot settle a payment in the %s state", ErrOrderInvalidState, payment.State)
	}

	handler, err := s.paymentMethods.Handler(payment.Method)
	if err != nil {
		return Order{}, fmt.Errorf("%w: unknown payment method %q", ErrOrderInvalidInput, payment.Method)
	}

	now := s.now()
	s.paymentMethods.NotifyTransition(ctx, domain.PaymentStateAuthorized, domain.PaymentStateSettled, *payment)

	result, handlerErr := handler.Settle(ctx, *payment)
	if handlerErr != nil || result.State != domain.PaymentStateSettled {
		// A failed settlement leaves the payment Authorized and untouched;
		// errorMessage is reserved for Error-state payments, so the handler's
		// complaint goes to the log only and the operation itself succeeds.
		message := result.ErrorMessage
		if handlerErr != nil {
			message = handlerErr.Error()
		}
		s.logger(ctx, "order.payment.settle.failed", map[string]any{
			"order_id":   order.ID,
			"payment_id": payment.ID,
			"error":      message,
		})
		return order, nil
	}

	payment.State = domain.PaymentStateSettled
	if result.TransactionID != "" {
		payment.TransactionID = result.TransactionID
	}
	payment.ErrorMessage = ""
	mergeMetadata(payment, result.Metadata)
	payment.UpdatedAt = now
	s.paymentMethods.NotifyTransition(ctx, domain.PaymentStateAuthorized, domain.PaymentStateSettled, *payment)

	from := order.State
	if order.State == domain.OrderStatePaymentAuthorized {
		order.State = domain.OrderStatePaymentSettled
	}
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.appendHistory(txCtx, order.ID, domain.HistoryOrderPaymentTransition, map[string]any{
			"paymentId": payment.ID,
			"from":      string(domain.PaymentStateAuthorized),
			"to":        string(domain.PaymentStateSettled),
		}, cmd.ActorID, now); err != nil {
			return err
		}
		if order.State != from {
			if err := s.appendHistory(txCtx, order.ID, domain.HistoryOrderStateTransition, map[string]any{
				"from": string(from),
				"to":   string(order.State),
			}, cmd.ActorID, now); err != nil {
				return err
			}
		}
		return s.recordCouponUsage(txCtx, order, now)
	})
	if err != nil {
		return Order{}, err
	}

	if order.State != from {
		s.publishStateChanged(ctx, order, from, cmd.ActorID, now)
	}
	s.publishEvent(ctx, OrderEvent{
		Type:         orderEventPaymentSettled,
		OrderID:      order.ID,
		OrderCode:    order.Code,
		CurrentState: string(order.State),
		ActorID:      cmd.ActorID,
		OccurredAt:   now,
		Metadata:     map[string]any{"paymentId": payment.ID},
	})
	return order, nil
}

func (s *orderService) CreateFulfillment(ctx context.Context, cmd CreateFulfillmentCommand) (Order, error) {
	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.State != domain.OrderStatePaymentSettled && order.State != domain.OrderStatePartiallyFulfilled {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderInvalidState, msgOrderNotFulfillable)
	}
	if totalSelected(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderInvalidInput, msgNothingToFulfill)
	}

	now := s.now()
	fulfillment := Fulfillment{
		ID:           fulfillmentIDPrefix + s.newID(),
		Method:       strings.TrimSpace(cmd.Method),
		TrackingCode: strings.TrimSpace(cmd.TrackingCode),
		CreatedAt:    now,
	}

	selection, err := selectOrderItems(&order, cmd.Lines,
		func(item *domain.OrderItem) bool { return !item.Cancelled && item.FulfillmentID == "" },
		func(lineID string) error { return fmt.Errorf("%w: order line %s", ErrOrderNotFound, lineID) },
		fmt.Errorf("%w: %s", ErrOrderInvalidState, msgItemsAlreadyFulfilled))
	if err != nil {
		return Order{}, err
	}
	for _, sel := range selection {
		sel.item.FulfillmentID = fulfillment.ID
		fulfillment.OrderItemIDs = append(fulfillment.OrderItemIDs, sel.item.ID)
	}

	order.Fulfillments = append(order.Fulfillments, fulfillment)

	from := order.State
	if len(order.UnfulfilledItems()) == 0 {
		order.State = domain.OrderStateFulfilled
	} else {
		order.State = domain.OrderStatePartiallyFulfilled
	}
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.appendHistory(txCtx, order.ID, domain.HistoryOrderFulfillment, map[string]any{
			"fulfillmentId": fulfillment.ID,
		}, cmd.ActorID, now); err != nil {
			return err
		}
		// The PartiallyFulfilled -> PartiallyFulfilled entry is recorded on
		// purpose: each fulfillment leaves an auditable transition even when
		// the aggregate state does not change.
		return s.appendHistory(txCtx, order.ID, domain.HistoryOrderStateTransition, map[string]any{
			"from": string(from),
			"to":   string(order.State),
		}, cmd.ActorID, now)
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventFulfillmentCreated,
		OrderID:       order.ID,
		OrderCode:     order.Code,
		PreviousState: string(from),
		CurrentState:  string(order.State),
		ActorID:       cmd.ActorID,
		OccurredAt:    now,
		Metadata:      map[string]any{"fulfillmentId": fulfillment.ID},
	})
	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}

	switch order.State {
	case domain.OrderStateFulfilled, domain.OrderStateCancelled:
		return Order{}, fmt.Errorf("%w: cannot cancel an order in the %s state", ErrOrderInvalidState, order.State)
	}
	if len(order.Fulfillments) > 0 {
		return Order{}, fmt.Errorf("%w: cannot cancel an order that has fulfillments", ErrOrderInvalidState)
	}

	now := s.now()
	from := order.State

	var movements []StockMovement
	if !contentMutableStates[order.State] {
		// Stock was decremented when the order was placed; cancelling the
		// remaining units returns it through the ledger.
		variants, err := s.variantsForOrder(ctx, &order)
		if err != nil {
			return Order{}, err
		}
		for li := range order.Lines {
			line := &order.Lines[li]
			variant := variants[line.VariantID]
			for ii := range line.Items {
				item := &line.Items[ii]
				if item.Cancelled {
					continue
				}
				item.Cancelled = true
				if variant.TrackInventory {
					movements = append(movements, StockMovement{
						ID:          movementIDPrefix + s.newID(),
						VariantID:   line.VariantID,
						Type:        domain.StockMovementCancellation,
						Quantity:    1,
						OrderID:     order.ID,
						OrderItemID: item.ID,
						CreatedAt:   now,
					})
				}
			}
		}
	}

	order.State = domain.OrderStateCancelled
	order.Active = false
	order.CancelledAt = &now
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if len(movements) > 0 {
			if err := s.stockMovements.Append(txCtx, movements); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		if err := s.appendHistory(txCtx, order.ID, domain.HistoryOrderCancellation, map[string]any{
			"reason": cmd.Reason,
		}, cmd.ActorID, now); err != nil {
			return err
		}
		return s.appendHistory(txCtx, order.ID, domain.HistoryOrderStateTransition, map[string]any{
			"from": string(from),
			"to":   string(order.State),
		}, cmd.ActorID, now)
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCancelled,
		OrderID:       order.ID,
		OrderCode:     order.Code,
		PreviousState: string(from),
		CurrentState:  string(order.State),
		ActorID:       cmd.ActorID,
		OccurredAt:    now,
		Metadata:      map[string]any{"reason": cmd.Reason},
	})
	return order, nil
}

func (s *orderService) CancelItems(ctx context.Context, cmd CancelItemsCommand) (Order, error) {
	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	switch order.State {
	case domain.OrderStatePaymentAuthorized, domain.OrderStatePaymentSettled, domain.OrderStatePartiallyFulfilled:
	default:
		return Order{}, fmt.Errorf("%w: cannot cancel individual items in the %s state", ErrOrderInvalidState, order.State)
	}
	if totalSelected(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderInvalidInput, msgNothingToCancel)
	}

	now := s.now()
	variants, err := s.variantsForOrder(ctx, &order)
	if err != nil {
		return Order{}, err
	}

	selection, err := selectOrderItems(&order, cmd.Lines,
		func(item *domain.OrderItem) bool { return !item.Cancelled && item.FulfillmentID == "" },
		func(lineID string) error { return fmt.Errorf("%w: order line %s", ErrOrderNotFound, lineID) },
		fmt.Errorf("%w: %s", ErrOrderInvalidState, msgItemsAlreadyCancelled))
	if err != nil {
		return Order{}, err
	}

	var (
		movements    []StockMovement
		cancelledIDs []string
	)
	for _, sel := range selection {
		sel.item.Cancelled = true
		cancelledIDs = append(cancelledIDs, sel.item.ID)
		if variants[sel.line.VariantID].TrackInventory {
			movements = append(movements, StockMovement{
				ID:          movementIDPrefix + s.newID(),
				VariantID:   sel.line.VariantID,
				Type:        domain.StockMovementCancellation,
				Quantity:    1,
				OrderID:     order.ID,
				OrderItemID: sel.item.ID,
				CreatedAt:   now,
			})
		}
	}

	from := order.State
	// Fulfilled items keep their fulfillment; the order is fully wound down
	// once every remaining unfulfilled item has been cancelled.
	if len(order.UnfulfilledItems()) == 0 {
		order.State = domain.OrderStateCancelled
		order.Active = false
		order.CancelledAt = &now
	}
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if len(movements) > 0 {
			if err := s.stockMovements.Append(txCtx, movements); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		if err := s.appendHistory(txCtx, order.ID, domain.HistoryOrderCancellation, map[string]any{
			"reason":       cmd.Reason,
			"orderItemIds": cancelledIDs,
		}, cmd.ActorID, now); err != nil {
			return err
		}
		if order.State != from {
			return s.appendHistory(txCtx, order.ID, domain.HistoryOrderStateTransition, map[string]any{
				"from": string(from),
				"to":   string(order.State),
			}, cmd.ActorID, now)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if order.State != from {
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventCancelled,
			OrderID:       order.ID,
			OrderCode:     order.Code,
			PreviousState: string(from),
			CurrentState:  string(order.State),
			ActorID:       cmd.ActorID,
			OccurredAt:    now,
			Metadata:      map[string]any{"reason": cmd.Reason},
		})
	}
	return order, nil
}

func (s *orderService) Refund(ctx context.Context, cmd RefundOrderCommand) (Order, error) {
	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.State == domain.OrderStatePaymentAuthorized {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderInvalidState, msgRefundAuthorizedOrder)
	}
	payment := order.PaymentByID(cmd.PaymentID)
	if payment == nil {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderInvalidInput, msgPaymentOrderMismatch)
	}
	if payment.State != domain.PaymentStateSettled {
		return Order{}, fmt.Errorf("%w: cannot refund a payment in the %s state", ErrOrderInvalidState, payment.State)
	}

	now := s.now()
	refund := Refund{
		ID:         refundIDPrefix + s.newID(),
		PaymentID:  payment.ID,
		State:      domain.RefundStatePending,
		Method:     payment.Method,
		Shipping:   cmd.Shipping,
		Adjustment: cmd.Adjustment,
		Reason:     strings.TrimSpace(cmd.Reason),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	selection, err := selectOrderItems(&order, cmd.Lines,
		func(item *domain.OrderItem) bool { return item.RefundID == "" },
		func(string) error { return fmt.Errorf("%w: %s", ErrOrderInvalidInput, msgPaymentOrderMismatch) },
		fmt.Errorf("%w: %s", ErrOrderInvalidState, msgItemAlreadyRefunded))
	if err != nil {
		return Order{}, err
	}
	for _, sel := range selection {
		refund.OrderItemIDs = append(refund.OrderItemIDs, sel.item.ID)
		refund.ItemsAmount += sel.line.UnitPrice
	}

	refund.Total = refund.ItemsAmount + refund.Shipping + refund.Adjustment
	if refund.Total == 0 {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderInvalidInput, msgNothingToRefund)
	}
	if refund.Total < 0 {
		return Order{}, fmt.Errorf("%w: refund total must not be negative", ErrOrderInvalidInput)
	}
	var refunded int64
	for _, r := range order.Refunds {
		if r.State != domain.RefundStateFailed {
			refunded += r.Total
		}
	}
	if refunded+refund.Total > payment.Amount {
		return Order{}, fmt.Errorf("%w: refund total exceeds the payment amount", ErrOrderInvalidInput)
	}

	handler, err := s.paymentMethods.Handler(payment.Method)
	if err != nil {
		return Order{}, fmt.Errorf("%w: unknown payment method %q", ErrOrderInvalidInput, payment.Method)
	}

	// Validation is complete; only now do the selected items get tied to the
	// refund. Items stay tied even when the handler later fails the refund,
	// keeping the at-most-one-refund-per-item audit trail intact.
	for _, sel := range selection {
		sel.item.RefundID = refund.ID
	}

	historyData := map[string]any{
		"refundId": refund.ID,
		"reason":   refund.Reason,
		"from":     string(domain.RefundStatePending),
	}
	result, handlerErr := handler.Refund(ctx, *payment, refund.Total)
	switch {
	case handlerErr != nil:
		s.logger(ctx, "order.refund.handler.failed", map[string]any{
			"order_id":  order.ID,
			"refund_id": refund.ID,
			"error":     handlerErr.Error(),
		})
		refund.State = domain.RefundStateFailed
		historyData["to"] = string(domain.RefundStateFailed)
		historyData["error"] = handlerErr.Error()
	case result.State == domain.RefundStateSettled:
		refund.State = domain.RefundStateSettled
		refund.TransactionID = result.TransactionID
		historyData["to"] = string(domain.RefundStateSettled)
	default:
		// Pending: the handler requires out-of-band settlement.
		historyData = nil
	}

	order.Refunds = append(order.Refunds, refund)
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if historyData != nil {
			return s.appendHistory(txCtx, order.ID, domain.HistoryOrderRefundTransition, historyData, cmd.ActorID, now)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:         orderEventRefundCreated,
		OrderID:      order.ID,
		OrderCode:    order.Code,
		CurrentState: string(order.State),
		ActorID:      cmd.ActorID,
		OccurredAt:   now,
		Metadata:     map[string]any{"refundId": refund.ID, "total": refund.Total},
	})
	return order, nil
}

func (s *orderService) SettleRefund(ctx context.Context, cmd SettleRefundCommand) (Order, error) {
	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	refund := order.RefundByID(cmd.RefundID)
	if refund == nil {
		return Order{}, fmt.Errorf("%w: refund %s", ErrOrderNotFound, cmd.RefundID)
	}
	if refund.State == domain.RefundStateSettled {
		return order, nil
	}
	if refund.State != domain.RefundStatePending {
		return Order{}, fmt.Errorf("%w: cannot settle a refund in the %s state", ErrOrderInvalidState, refund.State)
	}

	now := s.now()
	refund.State = domain.RefundStateSettled
	refund.TransactionID = strings.TrimSpace(cmd.TransactionID)
	refund.UpdatedAt = now
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.appendHistory(txCtx, order.ID, domain.HistoryOrderRefundTransition, map[string]any{
			"refundId": refund.ID,
			"reason":   refund.Reason,
			"from":     string(domain.RefundStatePending),
			"to":       string(domain.RefundStateSettled),
		}, cmd.ActorID, now)
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) AddNote(ctx context.Context, cmd AddNoteCommand) (Order, error) {
	note := strings.TrimSpace(cmd.Note)
	if note == "" {
		return Order{}, fmt.Errorf("%w: note must not be empty", ErrOrderInvalidInput)
	}

	unlock := s.lockOrder(cmd.OrderID)
	defer unlock()

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	if err := s.appendHistory(ctx, order.ID, domain.HistoryOrderNote, map[string]any{
		"note": note,
	}, cmd.ActorID, now); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return s.loadOrder(ctx, orderID)
}

func (s *orderService) GetOrderByCode(ctx context.Context, code string) (Order, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Order{}, fmt.Errorf("%w: order code is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListHistory(ctx context.Context, orderID string, filter HistoryListFilter) (domain.CursorPage[HistoryEntry], error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.CursorPage[HistoryEntry]{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	page, err := s.history.ListByOrder(ctx, orderID, filter)
	if err != nil {
		return domain.CursorPage[HistoryEntry]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// Internal helpers -----------------------------------------------------------

// lockOrder serialises mutations per order via striped locks. The returned
// func releases the stripe.
func (s *orderService) lockOrder(orderID string) func() {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	stripe := &s.locks[h.Sum32()%orderLockStripes]
	stripe.Lock()
	return stripe.Unlock
}

func (s *orderService) loadOrder(ctx context.Context, orderID string) (Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) loadVariant(ctx context.Context, variantID string) (ProductVariant, error) {
	variant, err := s.variants.FindByID(ctx, variantID)
	if err != nil {
		return ProductVariant{}, s.mapRepositoryError(err)
	}
	if !variant.Enabled {
		return ProductVariant{}, fmt.Errorf("%w: variant %s is not available", ErrOrderInvalidInput, variantID)
	}
	return variant, nil
}

func (s *orderService) variantsForOrder(ctx context.Context, order *Order) (map[string]ProductVariant, error) {
	ids := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		ids = append(ids, line.VariantID)
	}
	variants, err := s.variants.FindByIDs(ctx, ids)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return variants, nil
}

// recalcPromotions rebuilds every adjustment from scratch and refreshes the
// order totals. Only orders whose contents are still mutable are recomputed;
// once a payment exists the priced state is frozen and refunds become the
// corrective instrument.
func (s *orderService) recalcPromotions(ctx context.Context, order *Order, now time.Time) error {
	if !contentMutableStates[order.State] {
		return nil
	}

	variants, err := s.variantsForOrder(ctx, order)
	if err != nil {
		return err
	}

	var groupIDs []string
	if order.CustomerID != "" {
		customer, err := s.customers.FindByID(ctx, order.CustomerID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		groupIDs = customer.GroupIDs
	}

	snapshot := promotions.OrderSnapshot{
		OrderID:          order.ID,
		CustomerID:       order.CustomerID,
		CustomerGroupIDs: groupIDs,
		CouponCodes:      order.CouponCodes,
	}
	for _, line := range order.Lines {
		snapshot.Lines = append(snapshot.Lines, promotions.SnapshotLine{
			LineID:        line.ID,
			VariantID:     line.VariantID,
			UnitPrice:     line.UnitPrice,
			Quantity:      line.Quantity(),
			FacetValueIDs: variants[line.VariantID].FacetValueIDs,
		})
	}

	promos, err := s.promotions.ListActive(ctx, now)
	if err != nil {
		return s.mapRepositoryError(err)
	}

	result := s.engine.Evaluate(snapshot, promos, now)
	order.ClearAdjustments()
	order.Adjustments = result.OrderAdjustments
	for i := range order.Lines {
		order.Lines[i].Adjustments = result.LineAdjustments[order.Lines[i].ID]
	}
	order.RecalculateTotals()
	return nil
}

// leaveActiveState flips the order out of its active phase exactly once,
// stamping PlacedAt and producing the Sale ledger entries for every tracked
// unit. Calling it again is a no-op.
func (s *orderService) leaveActiveState(ctx context.Context, order *Order, now time.Time) ([]StockMovement, error) {
	if !order.Active {
		return nil, nil
	}
	order.Active = false
	order.PlacedAt = &now

	variants, err := s.variantsForOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	var movements []StockMovement
	for _, line := range order.Lines {
		variant := variants[line.VariantID]
		if !variant.TrackInventory {
			continue
		}
		for _, item := range line.Items {
			if item.Cancelled {
				continue
			}
			movements = append(movements, StockMovement{
				ID:          movementIDPrefix + s.newID(),
				VariantID:   line.VariantID,
				Type:        domain.StockMovementSale,
				Quantity:    -1,
				OrderID:     order.ID,
				OrderItemID: item.ID,
				CreatedAt:   now,
			})
		}
	}
	return movements, nil
}

// recordCouponUsage counts the order's coupons against their per-customer
// limits once money has actually settled.
func (s *orderService) recordCouponUsage(ctx context.Context, order Order, now time.Time) error {
	if order.CustomerID == "" {
		return nil
	}
	for _, code := range order.CouponCodes {
		if err := s.promotionUsage.RecordUsage(ctx, domain.NormalizeCouponCode(code), order.CustomerID, order.ID, now); err != nil {
			return s.mapRepositoryError(err)
		}
	}
	return nil
}

func (s *orderService) appendHistory(ctx context.Context, orderID string, entryType HistoryEntryType, data map[string]any, actorID string, now time.Time) error {
	entry := HistoryEntry{
		ID:        historyIDPrefix + s.newID(),
		OrderID:   orderID,
		Type:      entryType,
		Data:      data,
		ActorID:   actorID,
		CreatedAt: now,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *orderService) updateOrder(ctx context.Context, order Order) error {
	return s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderCode(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CB-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishStateChanged(ctx context.Context, order Order, from domain.OrderState, actorID string, now time.Time) {
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventStateChanged,
		OrderID:       order.ID,
		OrderCode:     order.Code,
		PreviousState: string(from),
		CurrentState:  string(order.State),
		ActorID:       actorID,
		OccurredAt:    now,
	})
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// selectedItem pairs an order item with the line it belongs to so callers
// can read line-level data (unit price, variant) for the chosen unit.
type selectedItem struct {
	line *domain.OrderLine
	item *domain.OrderItem
}

// selectOrderItems resolves a line/quantity selection against the order
// without mutating anything. All-or-nothing: the caller applies its marks
// only after the entire selection (and any further validation) succeeds, so
// a rejected call leaves the order exactly as it was loaded.
func selectOrderItems(order *Order, lines []LineQuantity, eligible func(*domain.OrderItem) bool, missingLine func(lineID string) error, shortfall error) ([]selectedItem, error) {
	var selection []selectedItem
	picked := make(map[*domain.OrderItem]struct{})
	for _, lq := range lines {
		if lq.Quantity <= 0 {
			continue
		}
		line := order.LineByID(lq.OrderLineID)
		if line == nil {
			return nil, missingLine(lq.OrderLineID)
		}
		taken := 0
		for i := range line.Items {
			if taken == lq.Quantity {
				break
			}
			item := &line.Items[i]
			if _, dup := picked[item]; dup {
				continue
			}
			if !eligible(item) {
				continue
			}
			picked[item] = struct{}{}
			selection = append(selection, selectedItem{line: line, item: item})
			taken++
		}
		if taken < lq.Quantity {
			return nil, shortfall
		}
	}
	return selection, nil
}

func totalSelected(lines []LineQuantity) int {
	total := 0
	for _, lq := range lines {
		if lq.Quantity > 0 {
			total += lq.Quantity
		}
	}
	return total
}

func metadataFromStrings(src map[string]string) map[string]any {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func mergeMetadata(payment *Payment, extra map[string]string) {
	if len(extra) == 0 {
		return
	}
	if payment.Metadata == nil {
		payment.Metadata = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		payment.Metadata[k] = v
	}
}

func canTransition(current, target domain.OrderState) bool {
	for _, allowed := range orderStateTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}
