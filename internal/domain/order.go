package domain

import (
	"time"
)

// OrderState enumerates the order lifecycle states.
type OrderState string

const (
	// OrderStateAddingItems is the initial state while the cart contents are mutable.
	OrderStateAddingItems OrderState = "AddingItems"
	// OrderStateArrangingPayment indicates checkout has begun and contents are frozen.
	OrderStateArrangingPayment OrderState = "ArrangingPayment"
	// OrderStatePaymentAuthorized indicates a payment has been authorized but not yet settled.
	OrderStatePaymentAuthorized OrderState = "PaymentAuthorized"
	// OrderStatePaymentSettled indicates a payment has been settled in full.
	OrderStatePaymentSettled OrderState = "PaymentSettled"
	// OrderStatePartiallyFulfilled indicates some but not all items have a fulfillment.
	OrderStatePartiallyFulfilled OrderState = "PartiallyFulfilled"
	// OrderStateFulfilled is terminal: every non-cancelled item has a fulfillment.
	OrderStateFulfilled OrderState = "Fulfilled"
	// OrderStateCancelled is terminal.
	OrderStateCancelled OrderState = "Cancelled"
)

// PaymentState enumerates per-payment lifecycle states.
type PaymentState string

const (
	// PaymentStateCreated is the initial payment state before the handler responds.
	PaymentStateCreated PaymentState = "Created"
	// PaymentStateAuthorized indicates funds are reserved but not captured.
	PaymentStateAuthorized PaymentState = "Authorized"
	// PaymentStateSettled indicates funds are captured. Terminal apart from refunds.
	PaymentStateSettled PaymentState = "Settled"
	// PaymentStateDeclined indicates the handler declined the payment.
	PaymentStateDeclined PaymentState = "Declined"
	// PaymentStateError is terminal and carries the handler's error message.
	PaymentStateError PaymentState = "Error"
)

// RefundState enumerates per-refund lifecycle states.
type RefundState string

const (
	// RefundStatePending indicates the refund awaits settlement.
	RefundStatePending RefundState = "Pending"
	// RefundStateSettled indicates the refund completed.
	RefundStateSettled RefundState = "Settled"
	// RefundStateFailed is terminal.
	RefundStateFailed RefundState = "Failed"
)

// AdjustmentType categorises priced modifications applied to orders and lines.
type AdjustmentType string

const (
	// AdjustmentTypePromotion marks adjustments produced by promotion actions.
	AdjustmentTypePromotion AdjustmentType = "promotion"
)

// Adjustment is a priced modification (usually negative) attached to an order
// or an order line by a promotion action. Adjustments are recomputed from
// scratch on every order mutation, never patched incrementally.
type Adjustment struct {
	Type        AdjustmentType
	SourceID    string
	Description string
	Amount      int64
}

// Order is the aggregate root of the transaction core. It owns its lines,
// items, payments, refunds and fulfillments; sub-records reference items by
// id only, never by pointer.
type Order struct {
	ID             string
	Code           string
	State          OrderState
	Active         bool
	CustomerID     string
	CurrencyCode   string
	Lines          []OrderLine
	Payments       []Payment
	Refunds        []Refund
	Fulfillments   []Fulfillment
	CouponCodes    []string
	Adjustments    []Adjustment
	ShippingMethod string
	Shipping       int64
	SubTotal       int64
	Total          int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PlacedAt       *time.Time
	CancelledAt    *time.Time
}

// OrderLine groups the units of a single product variant within an order.
type OrderLine struct {
	ID          string
	VariantID   string
	UnitPrice   int64
	Items       []OrderItem
	Adjustments []Adjustment
}

// OrderItem is the unit-of-one record underlying a line's quantity. Items are
// created one per unit and never deleted; cancellation is a monotonic flag.
type OrderItem struct {
	ID            string
	Cancelled     bool
	FulfillmentID string
	RefundID      string
}

// Payment records a single payment attempt against an order, owned
// exclusively by that order.
type Payment struct {
	ID            string
	OrderID       string
	Method        string
	State         PaymentState
	Amount        int64
	TransactionID string
	ErrorMessage  string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Refund reverses part or all of a settled payment. OrderItemIDs are disjoint
// across all refunds of the same order.
type Refund struct {
	ID            string
	PaymentID     string
	State         RefundState
	Method        string
	ItemsAmount   int64
	Shipping      int64
	Adjustment    int64
	Total         int64
	Reason        string
	TransactionID string
	OrderItemIDs  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Fulfillment groups a disjoint subset of an order's items handed to a
// shipping method. Each item is fulfilled at most once.
type Fulfillment struct {
	ID           string
	Method       string
	TrackingCode string
	OrderItemIDs []string
	CreatedAt    time.Time
}

// Quantity reports the line's effective quantity: the count of non-cancelled
// items. It is always derived, never stored independently.
func (l OrderLine) Quantity() int {
	count := 0
	for _, item := range l.Items {
		if !item.Cancelled {
			count++
		}
	}
	return count
}

// LinePrice is the undiscounted price of the line's non-cancelled units.
func (l OrderLine) LinePrice() int64 {
	return l.UnitPrice * int64(l.Quantity())
}

// AdjustmentTotal sums the line-level adjustments.
func (l OrderLine) AdjustmentTotal() int64 {
	var total int64
	for _, a := range l.Adjustments {
		total += a.Amount
	}
	return total
}

// TotalQuantity reports the count of non-cancelled items across all lines.
func (o Order) TotalQuantity() int {
	total := 0
	for _, line := range o.Lines {
		total += line.Quantity()
	}
	return total
}

// AdjustmentTotal sums the order-level adjustments.
func (o Order) AdjustmentTotal() int64 {
	var total int64
	for _, a := range o.Adjustments {
		total += a.Amount
	}
	return total
}

// RecalculateTotals recomputes SubTotal and Total from lines, shipping and
// adjustments. Total is floored at zero.
func (o *Order) RecalculateTotals() {
	var subTotal int64
	for i := range o.Lines {
		subTotal += o.Lines[i].LinePrice() + o.Lines[i].AdjustmentTotal()
	}
	o.SubTotal = subTotal
	total := subTotal + o.Shipping + o.AdjustmentTotal()
	if total < 0 {
		total = 0
	}
	o.Total = total
}

// ClearAdjustments drops every order-level and line-level adjustment prior to
// a fresh promotion evaluation.
func (o *Order) ClearAdjustments() {
	o.Adjustments = nil
	for i := range o.Lines {
		o.Lines[i].Adjustments = nil
	}
}

// LineByID returns a pointer into the Lines slice, or nil when absent.
func (o *Order) LineByID(lineID string) *OrderLine {
	for i := range o.Lines {
		if o.Lines[i].ID == lineID {
			return &o.Lines[i]
		}
	}
	return nil
}

// PaymentByID returns a pointer into the Payments slice, or nil when absent.
func (o *Order) PaymentByID(paymentID string) *Payment {
	for i := range o.Payments {
		if o.Payments[i].ID == paymentID {
			return &o.Payments[i]
		}
	}
	return nil
}

// RefundByID returns a pointer into the Refunds slice, or nil when absent.
func (o *Order) RefundByID(refundID string) *Refund {
	for i := range o.Refunds {
		if o.Refunds[i].ID == refundID {
			return &o.Refunds[i]
		}
	}
	return nil
}

// ItemByID locates an item across all lines, returning the owning line too.
func (o *Order) ItemByID(itemID string) (*OrderLine, *OrderItem) {
	for i := range o.Lines {
		for j := range o.Lines[i].Items {
			if o.Lines[i].Items[j].ID == itemID {
				return &o.Lines[i], &o.Lines[i].Items[j]
			}
		}
	}
	return nil, nil
}

// UnfulfilledItems lists the non-cancelled items that carry no fulfillment.
func (o Order) UnfulfilledItems() []OrderItem {
	var items []OrderItem
	for _, line := range o.Lines {
		for _, item := range line.Items {
			if !item.Cancelled && item.FulfillmentID == "" {
				items = append(items, item)
			}
		}
	}
	return items
}

// HasCoupon reports whether the coupon code is currently applied.
func (o Order) HasCoupon(code string) bool {
	for _, c := range o.CouponCodes {
		if c == code {
			return true
		}
	}
	return false
}

// SettledPayment returns the first settled payment, or nil.
func (o *Order) SettledPayment() *Payment {
	for i := range o.Payments {
		if o.Payments[i].State == PaymentStateSettled {
			return &o.Payments[i]
		}
	}
	return nil
}
