package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/platform/auth"
	"github.com/cobalt-commerce/api/internal/platform/httpx"
	"github.com/cobalt-commerce/api/internal/services"
)

const maxInternalBodySize = 16 * 1024

// InternalHandlers exposes the reconciliation surface for trusted
// service-to-service callers: back-office jobs that settle pending refunds
// from payment-provider statements and inspect dependency health. The router
// guards this group with ID-token or signed-request verification.
type InternalHandlers struct {
	orders services.OrderService
	system services.SystemService
}

// NewInternalHandlers constructs the internal reconciliation handlers.
func NewInternalHandlers(orders services.OrderService, system services.SystemService) *InternalHandlers {
	return &InternalHandlers{orders: orders, system: system}
}

// Routes registers the internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/refunds/reconcile", h.reconcileRefund)
	r.Get("/diagnostics", h.diagnostics)
}

type reconcileRefundRequest struct {
	OrderID       string `json:"order_id"`
	RefundID      string `json:"refund_id"`
	TransactionID string `json:"transaction_id"`
}

type reconcileRefundResponse struct {
	OrderID       string `json:"order_id"`
	RefundID      string `json:"refund_id"`
	State         string `json:"state"`
	TransactionID string `json:"transaction_id,omitempty"`
}

func (h *InternalHandlers) reconcileRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order service is not available", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxInternalBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req reconcileRefundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.RefundID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id and refund_id are required", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "transaction_id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.SettleRefund(ctx, services.SettleRefundCommand{
		OrderID:       strings.TrimSpace(req.OrderID),
		RefundID:      strings.TrimSpace(req.RefundID),
		TransactionID: strings.TrimSpace(req.TransactionID),
		ActorID:       internalActorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	refund := order.RefundByID(strings.TrimSpace(req.RefundID))
	if refund == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "refund not found", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, reconcileRefundResponse{
		OrderID:       order.ID,
		RefundID:      refund.ID,
		State:         string(refund.State),
		TransactionID: refund.TransactionID,
	})
}

// diagnostics reports the full dependency health picture for ops tooling.
// Unlike readyz it always answers 200: the caller wants the report either way.
func (h *InternalHandlers) diagnostics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "system service is not available", http.StatusServiceUnavailable))
		return
	}

	report, err := h.system.Health(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("diagnostics_failed", err.Error(), http.StatusInternalServerError))
		return
	}

	response := readyzResponse{
		Status:      report.Status,
		Version:     strings.TrimSpace(report.Version),
		Environment: strings.TrimSpace(report.Environment),
		Uptime:      report.Uptime.String(),
		GeneratedAt: formatTime(report.GeneratedAt),
		Details:     []string{},
	}
	if len(report.Checks) > 0 {
		response.Checks = make(map[string]readyzCheckPayload, len(report.Checks))
		details := make([]string, 0)
		for name, check := range report.Checks {
			response.Checks[name] = readyzCheckPayload{
				Status:    check.Status,
				Detail:    strings.TrimSpace(check.Detail),
				Error:     strings.TrimSpace(check.Error),
				LatencyMS: check.Latency.Milliseconds(),
				CheckedAt: formatTime(check.CheckedAt),
			}
			if check.Status != domain.HealthStatusOK && strings.TrimSpace(check.Error) != "" {
				details = append(details, name+": "+strings.TrimSpace(check.Error))
			}
		}
		sort.Strings(details)
		response.Details = details
	}
	writeJSONResponse(w, http.StatusOK, response)
}

// internalActorID attributes the mutation to the verified service principal.
func internalActorID(ctx context.Context) string {
	if caller, ok := auth.ServiceCallerFromContext(ctx); ok {
		if email := strings.TrimSpace(caller.Email); email != "" {
			return email
		}
		if subject := strings.TrimSpace(caller.Subject); subject != "" {
			return subject
		}
	}
	if signed, ok := auth.SignedCallerFromContext(ctx); ok {
		if name := strings.TrimSpace(signed.KeyName); name != "" {
			return name
		}
	}
	return "internal"
}
