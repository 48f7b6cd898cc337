package domain

import (
	"time"
)

// HistoryEntryType enumerates the typed entries of the order history log.
type HistoryEntryType string

const (
	// HistoryOrderStateTransition records a {from, to} order state change.
	HistoryOrderStateTransition HistoryEntryType = "ORDER_STATE_TRANSITION"
	// HistoryOrderPaymentTransition records a payment state change.
	HistoryOrderPaymentTransition HistoryEntryType = "ORDER_PAYMENT_TRANSITION"
	// HistoryOrderRefundTransition records a refund state change.
	HistoryOrderRefundTransition HistoryEntryType = "ORDER_REFUND_TRANSITION"
	// HistoryOrderFulfillment records a fulfillment creation.
	HistoryOrderFulfillment HistoryEntryType = "ORDER_FULFILLMENT"
	// HistoryOrderCancellation records a (possibly partial) cancellation.
	HistoryOrderCancellation HistoryEntryType = "ORDER_CANCELLATION"
	// HistoryOrderCouponApplied records a coupon code application.
	HistoryOrderCouponApplied HistoryEntryType = "ORDER_COUPON_APPLIED"
	// HistoryOrderCouponRemoved records a coupon code removal.
	HistoryOrderCouponRemoved HistoryEntryType = "ORDER_COUPON_REMOVED"
	// HistoryOrderNote records a free-form administrative note.
	HistoryOrderNote HistoryEntryType = "ORDER_NOTE"
)

// HistoryEntry is one append-only record of the per-order event log. The log
// is a sink consumed by admin surfaces; the core never reads it back to make
// decisions.
type HistoryEntry struct {
	ID        string
	OrderID   string
	Type      HistoryEntryType
	Data      map[string]any
	ActorID   string
	CreatedAt time.Time
}
