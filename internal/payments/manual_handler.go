package payments

import (
	"context"
	"errors"
	"time"

	domain "github.com/cobalt-commerce/api/internal/domain"
)

// ManualHandlerConfig configures the ManualHandler.
type ManualHandlerConfig struct {
	IDGenerator func() string
	Clock       func() time.Time
}

// ManualHandler implements Handler for operator-managed payments (bank
// transfer, cash on pickup). Authorization always succeeds; settlement is an
// administrative confirmation; refunds stay Pending until an administrator
// records the external transaction reference.
type ManualHandler struct {
	idGenerator func() string
	clock       func() time.Time
}

// NewManualHandler constructs a ManualHandler.
func NewManualHandler(cfg ManualHandlerConfig) (*ManualHandler, error) {
	if cfg.IDGenerator == nil {
		return nil, errors.New("payments: manual handler id generator is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ManualHandler{
		idGenerator: cfg.IDGenerator,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Code identifies the handler in the method registry.
func (h *ManualHandler) Code() string { return "manual" }

// Authorize marks the payment as authorized pending external confirmation.
func (h *ManualHandler) Authorize(ctx context.Context, order domain.Order, amount int64, metadata map[string]string) (HandlerResult, error) {
	result := HandlerResult{
		State:         domain.PaymentStateAuthorized,
		TransactionID: "manual_" + h.idGenerator(),
	}
	if len(metadata) > 0 {
		result.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			result.Metadata[k] = v
		}
	}
	return result, nil
}

// Settle confirms the operator has received the funds.
func (h *ManualHandler) Settle(ctx context.Context, payment domain.Payment) (HandlerResult, error) {
	return HandlerResult{
		State:         domain.PaymentStateSettled,
		TransactionID: payment.TransactionID,
	}, nil
}

// Refund leaves the refund Pending: the operator settles it later by
// supplying the external transaction reference.
func (h *ManualHandler) Refund(ctx context.Context, payment domain.Payment, amount int64) (RefundResult, error) {
	return RefundResult{State: domain.RefundStatePending}, nil
}
