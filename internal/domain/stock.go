package domain

import (
	"time"
)

// StockMovementType categorises ledger entries by their cause.
type StockMovementType string

const (
	// StockMovementAdjustment is a manual administrative correction.
	StockMovementAdjustment StockMovementType = "Adjustment"
	// StockMovementSale decrements stock when an order is confirmed.
	StockMovementSale StockMovementType = "Sale"
	// StockMovementCancellation returns stock when ordered units are cancelled.
	StockMovementCancellation StockMovementType = "Cancellation"
	// StockMovementReturn returns stock for physically returned goods.
	StockMovementReturn StockMovementType = "Return"
)

// StockMovement is an immutable, timestamp-ordered ledger entry recording a
// signed change to a variant's stock on hand.
type StockMovement struct {
	ID          string
	VariantID   string
	Type        StockMovementType
	Quantity    int
	OrderID     string
	OrderItemID string
	CreatedAt   time.Time
}
