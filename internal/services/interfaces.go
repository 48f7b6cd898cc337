package services

import (
	"context"
	"time"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination            = domain.Pagination
	SortOrder             = domain.SortOrder
	Order                 = domain.Order
	OrderLine             = domain.OrderLine
	OrderItem             = domain.OrderItem
	OrderState            = domain.OrderState
	Payment               = domain.Payment
	PaymentState          = domain.PaymentState
	Refund                = domain.Refund
	RefundState           = domain.RefundState
	Fulfillment           = domain.Fulfillment
	Adjustment            = domain.Adjustment
	Promotion             = domain.Promotion
	ConfigurableOperation = domain.ConfigurableOperation
	StockMovement         = domain.StockMovement
	StockMovementType     = domain.StockMovementType
	HistoryEntry          = domain.HistoryEntry
	HistoryEntryType      = domain.HistoryEntryType
	Customer              = domain.Customer
	ProductVariant        = domain.ProductVariant
	SystemHealthReport    = domain.SystemHealthReport
)

// OrderService is the single entry point for all order mutations: the order
// state machine, payments, refunds, fulfillments, coupons and notes. All
// mutations against one order are serialised.
type OrderService interface {
	AddItem(ctx context.Context, cmd AddItemCommand) (Order, error)
	AdjustLine(ctx context.Context, cmd AdjustLineCommand) (Order, error)
	RemoveLine(ctx context.Context, cmd RemoveLineCommand) (Order, error)
	SetCustomer(ctx context.Context, cmd SetCustomerCommand) (Order, error)
	SetShipping(ctx context.Context, cmd SetShippingCommand) (Order, error)
	TransitionToArrangingPayment(ctx context.Context, cmd TransitionCommand) (Order, error)
	ApplyCoupon(ctx context.Context, cmd CouponCommand) (Order, error)
	RemoveCoupon(ctx context.Context, cmd CouponCommand) (Order, error)
	AddPayment(ctx context.Context, cmd AddPaymentCommand) (Order, error)
	SettlePayment(ctx context.Context, cmd SettlePaymentCommand) (Order, error)
	CreateFulfillment(ctx context.Context, cmd CreateFulfillmentCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	CancelItems(ctx context.Context, cmd CancelItemsCommand) (Order, error)
	Refund(ctx context.Context, cmd RefundOrderCommand) (Order, error)
	SettleRefund(ctx context.Context, cmd SettleRefundCommand) (Order, error)
	AddNote(ctx context.Context, cmd AddNoteCommand) (Order, error)

	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetOrderByCode(ctx context.Context, code string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListHistory(ctx context.Context, orderID string, filter HistoryListFilter) (domain.CursorPage[HistoryEntry], error)
}

// StockService exposes the stock ledger: explicit movements and derived
// stock on hand. Sale and Cancellation movements are written by the order
// service, never through this surface.
type StockService interface {
	RecordMovement(ctx context.Context, cmd RecordStockMovementCommand) (StockMovement, error)
	StockOnHand(ctx context.Context, variantID string) (int64, error)
	ListMovements(ctx context.Context, variantID string, pager Pagination) (domain.CursorPage[StockMovement], error)
}

// PromotionService manages promotion definitions for the admin surface.
type PromotionService interface {
	CreatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error)
	UpdatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error)
	DeletePromotion(ctx context.Context, promotionID string) error
	GetPromotion(ctx context.Context, promotionID string) (Promotion, error)
	ListPromotions(ctx context.Context, filter PromotionListFilter) (domain.CursorPage[Promotion], error)
}

// SystemService surfaces operational health checks.
type SystemService interface {
	Health(ctx context.Context) (SystemHealthReport, error)
}

// Command and filter DTOs ----------------------------------------------------

// LineQuantity selects a quantity of units from one order line.
type LineQuantity struct {
	OrderLineID string
	Quantity    int
}

// AddItemCommand adds units of a variant to an order. An empty OrderID
// creates a new order in the AddingItems state.
type AddItemCommand struct {
	OrderID    string
	CustomerID string
	VariantID  string
	Quantity   int
	ActorID    string
}

// AdjustLineCommand sets the target quantity of an existing line.
type AdjustLineCommand struct {
	OrderID     string
	OrderLineID string
	Quantity    int
	ActorID     string
}

// RemoveLineCommand drops a line from an order still in AddingItems.
type RemoveLineCommand struct {
	OrderID     string
	OrderLineID string
	ActorID     string
}

// SetCustomerCommand associates a customer with the order.
type SetCustomerCommand struct {
	OrderID    string
	CustomerID string
	ActorID    string
}

// SetShippingCommand sets the shipping method and amount.
type SetShippingCommand struct {
	OrderID        string
	ShippingMethod string
	Amount         int64
	ActorID        string
}

// TransitionCommand drives an explicit order state transition.
type TransitionCommand struct {
	OrderID string
	ActorID string
}

// CouponCommand applies or removes a coupon code.
type CouponCommand struct {
	OrderID string
	Code    string
	ActorID string
}

// AddPaymentCommand creates a payment via the named method handler.
type AddPaymentCommand struct {
	OrderID  string
	Method   string
	Metadata map[string]string
	ActorID  string
}

// SettlePaymentCommand drives an Authorized payment to Settled.
type SettlePaymentCommand struct {
	OrderID   string
	PaymentID string
	ActorID   string
}

// CreateFulfillmentCommand groups selected items into a fulfillment.
type CreateFulfillmentCommand struct {
	OrderID      string
	Lines        []LineQuantity
	Method       string
	TrackingCode string
	ActorID      string
}

// CancelOrderCommand cancels the whole order.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// CancelItemsCommand cancels selected units of a post-authorization order.
type CancelItemsCommand struct {
	OrderID string
	Lines   []LineQuantity
	Reason  string
	ActorID string
}

// RefundOrderCommand creates a refund against a settled payment.
type RefundOrderCommand struct {
	OrderID    string
	PaymentID  string
	Lines      []LineQuantity
	Shipping   int64
	Adjustment int64
	Reason     string
	ActorID    string
}

// SettleRefundCommand settles a pending refund with an external reference.
type SettleRefundCommand struct {
	OrderID       string
	RefundID      string
	TransactionID string
	ActorID       string
}

// AddNoteCommand appends a free-form note to the order history.
type AddNoteCommand struct {
	OrderID string
	Note    string
	ActorID string
}

// RecordStockMovementCommand appends an explicit ledger entry.
type RecordStockMovementCommand struct {
	VariantID string
	Type      StockMovementType
	Quantity  int64
	ActorID   string
}

// UpsertPromotionCommand carries the full promotion definition.
type UpsertPromotionCommand struct {
	PromotionID           string
	Name                  string
	Enabled               bool
	CouponCode            string
	PerCustomerUsageLimit *int
	StartsAt              *time.Time
	EndsAt                *time.Time
	Conditions            []ConfigurableOperation
	Actions               []ConfigurableOperation
	ActorID               string
}

// OrderListFilter narrows admin order listings.
type OrderListFilter = repositories.OrderListFilter

// PromotionListFilter narrows admin promotion listings.
type PromotionListFilter = repositories.PromotionListFilter

// HistoryListFilter narrows order history listings.
type HistoryListFilter = repositories.HistoryListFilter
