package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/platform/httpx"
	"github.com/cobalt-commerce/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// WebhookHandlers receives payment provider callbacks. Stripe settlement
// notifications drive authorized payments to settled through the order
// service, so out-of-band captures converge with API-driven ones.
type WebhookHandlers struct {
	orders        services.OrderService
	signingSecret string
	logger        func(ctx context.Context, event string, fields map[string]any)
}

// WebhookHandlersConfig bundles webhook handler dependencies.
type WebhookHandlersConfig struct {
	Orders        services.OrderService
	SigningSecret string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(cfg WebhookHandlersConfig) *WebhookHandlers {
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{
		orders:        cfg.Orders,
		signingSecret: strings.TrimSpace(cfg.SigningSecret),
		logger:        logger,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripeWebhook)
}

func (h *WebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.signingSecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_not_configured", "stripe webhook secret not configured", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
		return
	}
	if int64(len(payload)) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.signingSecret)
	if err != nil {
		h.logger(ctx, "webhooks.stripe.signature.invalid", map[string]any{
			"error": err.Error(),
		})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		h.handlePaymentIntentSucceeded(ctx, w, event)
	case "payment_intent.payment_failed":
		h.logPaymentIntentFailed(ctx, event)
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (h *WebhookHandlers) handlePaymentIntentSucceeded(ctx context.Context, w http.ResponseWriter, event stripe.Event) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed payment intent payload", http.StatusBadRequest))
		return
	}

	orderID := strings.TrimSpace(intent.Metadata["order_id"])
	if orderID == "" {
		h.logger(ctx, "webhooks.stripe.intent.unlinked", map[string]any{
			"payment_intent": intent.ID,
		})
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, services.ErrOrderNotFound) {
			h.logger(ctx, "webhooks.stripe.order.missing", map[string]any{
				"payment_intent": intent.ID,
				"order":          orderID,
			})
			writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		writeOrderError(ctx, w, err)
		return
	}

	var payment *domain.Payment
	for i := range order.Payments {
		if order.Payments[i].TransactionID == intent.ID {
			payment = &order.Payments[i]
			break
		}
	}
	if payment == nil {
		h.logger(ctx, "webhooks.stripe.payment.missing", map[string]any{
			"payment_intent": intent.ID,
			"order":          orderID,
		})
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if payment.State == domain.PaymentStateSettled {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "already_settled"})
		return
	}

	if _, err := h.orders.SettlePayment(ctx, services.SettlePaymentCommand{
		OrderID:   orderID,
		PaymentID: payment.ID,
		ActorID:   "stripe-webhook",
	}); err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	h.logger(ctx, "webhooks.stripe.payment.settled", map[string]any{
		"payment_intent": intent.ID,
		"order":          orderID,
		"payment":        payment.ID,
	})
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "settled"})
}

func (h *WebhookHandlers) logPaymentIntentFailed(ctx context.Context, event stripe.Event) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return
	}
	fields := map[string]any{
		"payment_intent": intent.ID,
	}
	if orderID := strings.TrimSpace(intent.Metadata["order_id"]); orderID != "" {
		fields["order"] = orderID
	}
	if intent.LastPaymentError != nil {
		fields["code"] = string(intent.LastPaymentError.Code)
	}
	h.logger(ctx, "webhooks.stripe.payment.failed", fields)
}
