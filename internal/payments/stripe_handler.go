package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	domain "github.com/cobalt-commerce/api/internal/domain"
)

// StripeLogger defines the logging contract for Stripe handler operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeHandlerConfig configures the StripeHandler.
type StripeHandlerConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeHandler implements Handler against the Stripe PaymentIntents API
// using manual capture: authorization places a hold, settlement captures it.
type StripeHandler struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeHandler constructs a StripeHandler from the given configuration.
func NewStripeHandler(cfg StripeHandlerConfig) (*StripeHandler, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeHandler{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Code identifies the handler in the method registry.
func (h *StripeHandler) Code() string { return "stripe" }

// Authorize creates a manual-capture PaymentIntent for the order amount. A
// Stripe-side decline surfaces as a Declined result with the decline message;
// transport failures are returned as errors.
func (h *StripeHandler) Authorize(ctx context.Context, order domain.Order, amount int64, metadata map[string]string) (HandlerResult, error) {
	if h == nil {
		return HandlerResult{}, errors.New("stripe: handler is nil")
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(strings.ToLower(order.CurrencyCode)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if h.account != "" {
		params.SetStripeAccount(h.account)
	}
	params.Metadata = map[string]string{"order_id": order.ID, "order_code": order.Code}
	for k, v := range metadata {
		params.Metadata[k] = v
	}

	intent, err := h.api.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			h.logger(ctx, "payments.stripe.authorize.declined", map[string]any{
				"order_id": order.ID,
				"code":     stripeErr.Code,
			})
			return HandlerResult{
				State:        domain.PaymentStateDeclined,
				ErrorMessage: stripeErr.Msg,
			}, nil
		}
		return HandlerResult{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	h.logger(ctx, "payments.stripe.authorized", map[string]any{
		"order_id":       order.ID,
		"payment_intent": intent.ID,
		"status":         intent.Status,
	})

	result := HandlerResult{
		TransactionID: intent.ID,
		Metadata:      map[string]string{"stripe_status": string(intent.Status)},
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		result.State = domain.PaymentStateAuthorized
	case stripe.PaymentIntentStatusSucceeded:
		result.State = domain.PaymentStateSettled
	case stripe.PaymentIntentStatusCanceled:
		result.State = domain.PaymentStateDeclined
		result.ErrorMessage = string(intent.CancellationReason)
	default:
		result.State = domain.PaymentStateAuthorized
	}
	return result, nil
}

// Settle captures the previously authorized PaymentIntent. A capture that
// does not reach succeeded leaves the payment Authorized and reports the
// Stripe status out of band via ErrorMessage.
func (h *StripeHandler) Settle(ctx context.Context, payment domain.Payment) (HandlerResult, error) {
	if h == nil {
		return HandlerResult{}, errors.New("stripe: handler is nil")
	}
	if payment.TransactionID == "" {
		return HandlerResult{}, errors.New("stripe: payment has no transaction id")
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if h.account != "" {
		params.SetStripeAccount(h.account)
	}
	intent, err := h.api.intents.Capture(payment.TransactionID, params)
	if err != nil {
		return HandlerResult{}, fmt.Errorf("stripe: capture payment intent: %w", err)
	}
	h.logger(ctx, "payments.stripe.settled", map[string]any{
		"payment_id":      payment.ID,
		"payment_intent":  intent.ID,
		"amount_received": intent.AmountReceived,
	})
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return HandlerResult{
			State:         domain.PaymentStateAuthorized,
			TransactionID: intent.ID,
			ErrorMessage:  fmt.Sprintf("capture left intent in status %s", intent.Status),
		}, nil
	}
	return HandlerResult{
		State:         domain.PaymentStateSettled,
		TransactionID: intent.ID,
	}, nil
}

// Refund creates a Stripe refund against the payment's intent and settles it
// immediately with the refund id as transaction reference.
func (h *StripeHandler) Refund(ctx context.Context, payment domain.Payment, amount int64) (RefundResult, error) {
	if h == nil {
		return RefundResult{}, errors.New("stripe: handler is nil")
	}
	if payment.TransactionID == "" {
		return RefundResult{}, errors.New("stripe: payment has no transaction id")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(payment.TransactionID),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	if h.account != "" {
		params.SetStripeAccount(h.account)
	}
	refund, err := h.api.refunds.New(params)
	if err != nil {
		return RefundResult{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	h.logger(ctx, "payments.stripe.refunded", map[string]any{
		"payment_id": payment.ID,
		"refund":     refund.ID,
		"amount":     amount,
	})
	return RefundResult{
		State:         domain.RefundStateSettled,
		TransactionID: refund.ID,
	}, nil
}
