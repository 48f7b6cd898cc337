package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/platform/auth"
	"github.com/cobalt-commerce/api/internal/platform/httpx"
	"github.com/cobalt-commerce/api/internal/services"
)

const (
	defaultPromotionPageSize = 20
	maxPromotionPageSize     = 100
	maxPromotionBodySize     = 64 * 1024
)

// PromotionHandlers exposes the admin promotion CRUD surface.
type PromotionHandlers struct {
	authn      *auth.Authenticator
	promotions services.PromotionService
}

// NewPromotionHandlers constructs a new PromotionHandlers instance.
func NewPromotionHandlers(authn *auth.Authenticator, promotions services.PromotionService) *PromotionHandlers {
	return &PromotionHandlers{
		authn:      authn,
		promotions: promotions,
	}
}

// Routes registers the promotion endpoints on the admin router.
func (h *PromotionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/", h.listPromotions)
	r.Post("/", h.createPromotion)
	r.Get("/{promotionID}", h.getPromotion)
	r.Put("/{promotionID}", h.updatePromotion)
	r.Delete("/{promotionID}", h.deletePromotion)
}

type configurableOperationPayload struct {
	Code string            `json:"code"`
	Args map[string]string `json:"args,omitempty"`
}

type promotionRequest struct {
	Name                  string                         `json:"name"`
	Enabled               bool                           `json:"enabled"`
	CouponCode            string                         `json:"coupon_code"`
	PerCustomerUsageLimit *int                           `json:"per_customer_usage_limit"`
	StartsAt              *time.Time                     `json:"starts_at"`
	EndsAt                *time.Time                     `json:"ends_at"`
	Conditions            []configurableOperationPayload `json:"conditions"`
	Actions               []configurableOperationPayload `json:"actions"`
}

type promotionResponse struct {
	Promotion promotionPayload `json:"promotion"`
}

type promotionListResponse struct {
	Items         []promotionPayload `json:"items"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}

type promotionPayload struct {
	ID                    string                         `json:"id"`
	Name                  string                         `json:"name"`
	Enabled               bool                           `json:"enabled"`
	CouponCode            string                         `json:"coupon_code,omitempty"`
	PerCustomerUsageLimit *int                           `json:"per_customer_usage_limit,omitempty"`
	StartsAt              string                         `json:"starts_at,omitempty"`
	EndsAt                string                         `json:"ends_at,omitempty"`
	Conditions            []configurableOperationPayload `json:"conditions,omitempty"`
	Actions               []configurableOperationPayload `json:"actions"`
	CreatedAt             string                         `json:"created_at"`
	UpdatedAt             string                         `json:"updated_at,omitempty"`
}

func (h *PromotionHandlers) listPromotions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	query := r.URL.Query()

	pageSize := defaultPromotionPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil || size <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be a positive integer", http.StatusBadRequest))
			return
		}
		if size > maxPromotionPageSize {
			size = maxPromotionPageSize
		}
		pageSize = size
	}

	filter := services.PromotionListFilter{
		EnabledOnly: strings.EqualFold(strings.TrimSpace(query.Get("enabled_only")), "true"),
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.promotions.ListPromotions(ctx, filter)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}

	items := make([]promotionPayload, 0, len(page.Items))
	for _, promo := range page.Items {
		items = append(items, buildPromotionPayload(promo))
	}

	writeJSONResponse(w, http.StatusOK, promotionListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *PromotionHandlers) createPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	cmd, ok := h.decodePromotionCommand(ctx, w, r, "")
	if !ok {
		return
	}

	promo, err := h.promotions.CreatePromotion(ctx, cmd)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, promotionResponse{Promotion: buildPromotionPayload(promo)})
}

func (h *PromotionHandlers) getPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	promotionID, ok := requireParam(ctx, w, r, "promotionID", "promotion id is required")
	if !ok {
		return
	}

	promo, err := h.promotions.GetPromotion(ctx, promotionID)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, promotionResponse{Promotion: buildPromotionPayload(promo)})
}

func (h *PromotionHandlers) updatePromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	promotionID, ok := requireParam(ctx, w, r, "promotionID", "promotion id is required")
	if !ok {
		return
	}

	cmd, ok := h.decodePromotionCommand(ctx, w, r, promotionID)
	if !ok {
		return
	}

	promo, err := h.promotions.UpdatePromotion(ctx, cmd)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, promotionResponse{Promotion: buildPromotionPayload(promo)})
}

func (h *PromotionHandlers) deletePromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	promotionID, ok := requireParam(ctx, w, r, "promotionID", "promotion id is required")
	if !ok {
		return
	}

	if err := h.promotions.DeletePromotion(ctx, promotionID); err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PromotionHandlers) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.promotions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("promotion_service_unavailable", "promotion service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *PromotionHandlers) decodePromotionCommand(ctx context.Context, w http.ResponseWriter, r *http.Request, promotionID string) (services.UpsertPromotionCommand, bool) {
	body, err := readLimitedBody(r, maxPromotionBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return services.UpsertPromotionCommand{}, false
	}

	var req promotionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return services.UpsertPromotionCommand{}, false
	}

	return services.UpsertPromotionCommand{
		PromotionID:           promotionID,
		Name:                  strings.TrimSpace(req.Name),
		Enabled:               req.Enabled,
		CouponCode:            strings.TrimSpace(req.CouponCode),
		PerCustomerUsageLimit: req.PerCustomerUsageLimit,
		StartsAt:              req.StartsAt,
		EndsAt:                req.EndsAt,
		Conditions:            buildConfigurableOperations(req.Conditions),
		Actions:               buildConfigurableOperations(req.Actions),
		ActorID:               actorID(ctx),
	}, true
}

func buildConfigurableOperations(payloads []configurableOperationPayload) []domain.ConfigurableOperation {
	if len(payloads) == 0 {
		return nil
	}
	ops := make([]domain.ConfigurableOperation, 0, len(payloads))
	for _, p := range payloads {
		op := domain.ConfigurableOperation{Code: strings.TrimSpace(p.Code)}
		for name, value := range p.Args {
			op.Args = append(op.Args, domain.ConfigArg{
				Name:  strings.TrimSpace(name),
				Value: strings.TrimSpace(value),
			})
		}
		ops = append(ops, op)
	}
	return ops
}

func buildPromotionPayload(promo services.Promotion) promotionPayload {
	payload := promotionPayload{
		ID:                    strings.TrimSpace(promo.ID),
		Name:                  strings.TrimSpace(promo.Name),
		Enabled:               promo.Enabled,
		CouponCode:            strings.TrimSpace(promo.CouponCode),
		PerCustomerUsageLimit: promo.PerCustomerUsageLimit,
		StartsAt:              formatTime(pointerTime(promo.StartsAt)),
		EndsAt:                formatTime(pointerTime(promo.EndsAt)),
		CreatedAt:             formatTime(promo.CreatedAt),
		UpdatedAt:             formatTime(promo.UpdatedAt),
	}
	payload.Conditions = buildOperationPayloads(promo.Conditions)
	payload.Actions = buildOperationPayloads(promo.Actions)
	if payload.Actions == nil {
		payload.Actions = []configurableOperationPayload{}
	}
	return payload
}

func buildOperationPayloads(ops []domain.ConfigurableOperation) []configurableOperationPayload {
	if len(ops) == 0 {
		return nil
	}
	result := make([]configurableOperationPayload, 0, len(ops))
	for _, op := range ops {
		entry := configurableOperationPayload{Code: op.Code}
		if len(op.Args) > 0 {
			entry.Args = make(map[string]string, len(op.Args))
			for _, arg := range op.Args {
				entry.Args[arg.Name] = arg.Value
			}
		}
		result = append(result, entry)
	}
	return result
}

func writePromotionError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPromotionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPromotionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_not_found", "promotion not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPromotionConflict):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("promotion_error", "failed to process promotion request", http.StatusInternalServerError))
	}
}
