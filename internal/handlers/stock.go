package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/platform/auth"
	"github.com/cobalt-commerce/api/internal/platform/httpx"
	"github.com/cobalt-commerce/api/internal/services"
)

const (
	defaultStockPageSize = 50
	maxStockPageSize     = 200
	maxStockBodySize     = 8 * 1024
)

// StockHandlers exposes the stock ledger endpoints on the admin surface.
type StockHandlers struct {
	authn *auth.Authenticator
	stock services.StockService
}

// NewStockHandlers constructs a new StockHandlers instance.
func NewStockHandlers(authn *auth.Authenticator, stock services.StockService) *StockHandlers {
	return &StockHandlers{
		authn: authn,
		stock: stock,
	}
}

// Routes registers the stock endpoints on the admin router.
func (h *StockHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Post("/movements", h.recordMovement)
	r.Get("/{variantID}", h.stockOnHand)
	r.Get("/{variantID}/movements", h.listMovements)
}

type recordMovementRequest struct {
	VariantID string `json:"variant_id"`
	Type      string `json:"type"`
	Quantity  int64  `json:"quantity"`
}

type stockMovementResponse struct {
	Movement stockMovementPayload `json:"movement"`
}

type stockMovementPayload struct {
	ID          string `json:"id"`
	VariantID   string `json:"variant_id"`
	Type        string `json:"type"`
	Quantity    int    `json:"quantity"`
	OrderID     string `json:"order_id,omitempty"`
	OrderItemID string `json:"order_item_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type stockOnHandResponse struct {
	VariantID   string `json:"variant_id"`
	StockOnHand int64  `json:"stock_on_hand"`
}

type stockMovementListResponse struct {
	Items         []stockMovementPayload `json:"items"`
	NextPageToken string                 `json:"next_page_token,omitempty"`
}

func (h *StockHandlers) recordMovement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	body, err := readLimitedBody(r, maxStockBodySize)
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

	var req recordMovementRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	movement, err := h.stock.RecordMovement(ctx, services.RecordStockMovementCommand{
		VariantID: strings.TrimSpace(req.VariantID),
		Type:      domain.StockMovementType(strings.TrimSpace(req.Type)),
		Quantity:  req.Quantity,
		ActorID:   actorID(ctx),
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, stockMovementResponse{Movement: buildStockMovementPayload(movement)})
}

func (h *StockHandlers) stockOnHand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	variantID, ok := requireParam(ctx, w, r, "variantID", "variant id is required")
	if !ok {
		return
	}

	onHand, err := h.stock.StockOnHand(ctx, variantID)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockOnHandResponse{
		VariantID:   variantID,
		StockOnHand: onHand,
	})
}

func (h *StockHandlers) listMovements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	variantID, ok := requireParam(ctx, w, r, "variantID", "variant id is required")
	if !ok {
		return
	}

	query := r.URL.Query()
	pageSize := defaultStockPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil || size <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be a positive integer", http.StatusBadRequest))
			return
		}
		if size > maxStockPageSize {
			size = maxStockPageSize
		}
		pageSize = size
	}

	page, err := h.stock.ListMovements(ctx, variantID, services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	items := make([]stockMovementPayload, 0, len(page.Items))
	for _, movement := range page.Items {
		items = append(items, buildStockMovementPayload(movement))
	}

	writeJSONResponse(w, http.StatusOK, stockMovementListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *StockHandlers) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func buildStockMovementPayload(movement services.StockMovement) stockMovementPayload {
	return stockMovementPayload{
		ID:          strings.TrimSpace(movement.ID),
		VariantID:   strings.TrimSpace(movement.VariantID),
		Type:        string(movement.Type),
		Quantity:    movement.Quantity,
		OrderID:     strings.TrimSpace(movement.OrderID),
		OrderItemID: strings.TrimSpace(movement.OrderItemID),
		CreatedAt:   formatTime(movement.CreatedAt),
	}
}

func writeStockError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrStockInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrStockVariantNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", "product variant not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("stock_error", "failed to process stock request", http.StatusInternalServerError))
	}
}
