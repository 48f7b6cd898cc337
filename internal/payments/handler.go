package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/cobalt-commerce/api/internal/domain"
)

var (
	// ErrUnknownMethod is returned when no handler is registered for a
	// payment method code.
	ErrUnknownMethod = errors.New("payments: unknown payment method")
	// ErrDuplicateMethod indicates a method code was registered twice.
	ErrDuplicateMethod = errors.New("payments: duplicate payment method")
)

// HandlerResult is the normalised outcome of an authorize or settle call.
// State carries the payment state the handler decided on; ErrorMessage is
// populated when the handler declined or errored without failing the call
// itself.
type HandlerResult struct {
	State         domain.PaymentState
	TransactionID string
	Metadata      map[string]string
	ErrorMessage  string
}

// RefundResult is the normalised outcome of a handler refund call.
type RefundResult struct {
	State         domain.RefundState
	TransactionID string
}

// Handler is a payment method implementation identified by a stable code.
// Handlers are expected to fail fast rather than hang; a returned error is
// treated as an Error-state payment by the caller, never retried
// automatically.
type Handler interface {
	Code() string
	Authorize(ctx context.Context, order domain.Order, amount int64, metadata map[string]string) (HandlerResult, error)
	Settle(ctx context.Context, payment domain.Payment) (HandlerResult, error)
	Refund(ctx context.Context, payment domain.Payment, amount int64) (RefundResult, error)
}

// TransitionObserver is an optional interface a Handler may implement to be
// notified of payment state transitions. The hook fires both when a
// transition is attempted and again when it succeeds.
type TransitionObserver interface {
	OnStateTransitionStart(ctx context.Context, from, to domain.PaymentState, payment domain.Payment)
}

// Registry resolves payment handlers by method code. Safe for concurrent
// reads after construction.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry constructs an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its code.
func (r *Registry) Register(h Handler) error {
	if h == nil || strings.TrimSpace(h.Code()) == "" {
		return errors.New("payments: handler code is required")
	}
	code := strings.ToLower(strings.TrimSpace(h.Code()))
	if _, exists := r.handlers[code]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateMethod, code)
	}
	r.handlers[code] = h
	return nil
}

// Handler resolves a registered handler by method code.
func (r *Registry) Handler(code string) (Handler, error) {
	h, ok := r.handlers[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, code)
	}
	return h, nil
}

// NotifyTransition invokes the handler's transition hook when it implements
// TransitionObserver. Missing handlers and non-observers are ignored.
func (r *Registry) NotifyTransition(ctx context.Context, from, to domain.PaymentState, payment domain.Payment) {
	h, err := r.Handler(payment.Method)
	if err != nil {
		return
	}
	if observer, ok := h.(TransitionObserver); ok {
		observer.OnStateTransitionStart(ctx, from, to, payment)
	}
}
