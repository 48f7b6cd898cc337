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
	"github.com/cobalt-commerce/api/internal/platform/textutil"
	"github.com/cobalt-commerce/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
)

var validOrderStates = map[domain.OrderState]struct{}{
	domain.OrderStateAddingItems:        {},
	domain.OrderStateArrangingPayment:   {},
	domain.OrderStatePaymentAuthorized:  {},
	domain.OrderStatePaymentSettled:     {},
	domain.OrderStatePartiallyFulfilled: {},
	domain.OrderStateFulfilled:          {},
	domain.OrderStateCancelled:          {},
}

// OrderHandlers exposes the order transaction surface: item mutation,
// checkout, payments, fulfillments, cancellation, refunds and history.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/", h.listOrders)
	r.Post("/", h.createOrder)
	r.Get("/by-code/{orderCode}", h.getOrderByCode)

	r.Route("/{orderID}", func(order chi.Router) {
		order.Get("/", h.getOrder)
		order.Get("/history", h.listHistory)

		order.Post("/items", h.addItem)
		order.Patch("/lines/{lineID}", h.adjustLine)
		order.Delete("/lines/{lineID}", h.removeLine)
		order.Put("/customer", h.setCustomer)
		order.Put("/shipping", h.setShipping)
		order.Post("/checkout", h.checkout)

		order.Post("/coupons", h.applyCoupon)
		order.Delete("/coupons/{couponCode}", h.removeCoupon)

		order.Post("/payments", h.addPayment)
		order.Post("/payments/{paymentID}/settle", h.settlePayment)

		order.Post("/fulfillments", h.createFulfillment)

		order.Post("/cancel", h.cancelOrder)
		order.Post("/cancel-items", h.cancelItems)

		order.Post("/refunds", h.refund)
		order.Post("/refunds/{refundID}/settle", h.settleRefund)

		order.Post("/notes", h.addNote)
	})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	query := r.URL.Query()

	var states []domain.OrderState
	for _, raw := range parseFilterValues(query["state"]) {
		state := domain.OrderState(raw)
		if _, ok := validOrderStates[state]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "state must be a valid order state", http.StatusBadRequest))
			return
		}
		states = append(states, state)
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("placed_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "placed_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("placed_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "placed_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	filter := services.OrderListFilter{
		CustomerID: strings.TrimSpace(query.Get("customer_id")),
		States:     states,
		DateRange:  dateRange,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type createOrderRequest struct {
	CustomerID string `json:"customer_id"`
	VariantID  string `json:"variant_id"`
	Quantity   int    `json:"quantity"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	var req createOrderRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.AddItem(ctx, services.AddItemCommand{
		CustomerID: strings.TrimSpace(req.CustomerID),
		VariantID:  strings.TrimSpace(req.VariantID),
		Quantity:   req.Quantity,
		ActorID:    actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrderByCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	code, ok := requireParam(ctx, w, r, "orderCode", "order code is required")
	if !ok {
		return
	}

	order, err := h.orders.GetOrderByCode(ctx, code)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	query := r.URL.Query()
	var types []domain.HistoryEntryType
	for _, raw := range parseFilterValues(query["type"]) {
		types = append(types, domain.HistoryEntryType(raw))
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil || size <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be a positive integer", http.StatusBadRequest))
			return
		}
		if size > maxOrderPageSize {
			size = maxOrderPageSize
		}
		pageSize = size
	}

	page, err := h.orders.ListHistory(ctx, orderID, services.HistoryListFilter{
		Types: types,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]historyEntryPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, buildHistoryEntryPayload(entry))
	}

	writeJSONResponse(w, http.StatusOK, historyListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type addItemRequest struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

func (h *OrderHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req addItemRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.AddItem(ctx, services.AddItemCommand{
		OrderID:   orderID,
		VariantID: strings.TrimSpace(req.VariantID),
		Quantity:  req.Quantity,
		ActorID:   actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type adjustLineRequest struct {
	Quantity int `json:"quantity"`
}

func (h *OrderHandlers) adjustLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}
	lineID, ok := requireParam(ctx, w, r, "lineID", "line id is required")
	if !ok {
		return
	}

	var req adjustLineRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.AdjustLine(ctx, services.AdjustLineCommand{
		OrderID:     orderID,
		OrderLineID: lineID,
		Quantity:    req.Quantity,
		ActorID:     actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) removeLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}
	lineID, ok := requireParam(ctx, w, r, "lineID", "line id is required")
	if !ok {
		return
	}

	order, err := h.orders.RemoveLine(ctx, services.RemoveLineCommand{
		OrderID:     orderID,
		OrderLineID: lineID,
		ActorID:     actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type setCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

func (h *OrderHandlers) setCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req setCustomerRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.SetCustomer(ctx, services.SetCustomerCommand{
		OrderID:    orderID,
		CustomerID: strings.TrimSpace(req.CustomerID),
		ActorID:    actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type setShippingRequest struct {
	Method string `json:"method"`
	Amount int64  `json:"amount"`
}

func (h *OrderHandlers) setShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req setShippingRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.SetShipping(ctx, services.SetShippingCommand{
		OrderID:        orderID,
		ShippingMethod: strings.TrimSpace(req.Method),
		Amount:         req.Amount,
		ActorID:        actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	order, err := h.orders.TransitionToArrangingPayment(ctx, services.TransitionCommand{
		OrderID: orderID,
		ActorID: actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type couponRequest struct {
	Code string `json:"code"`
}

func (h *OrderHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req couponRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.ApplyCoupon(ctx, services.CouponCommand{
		OrderID: orderID,
		Code:    strings.TrimSpace(req.Code),
		ActorID: actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}
	code, ok := requireParam(ctx, w, r, "couponCode", "coupon code is required")
	if !ok {
		return
	}

	order, err := h.orders.RemoveCoupon(ctx, services.CouponCommand{
		OrderID: orderID,
		Code:    code,
		ActorID: actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type addPaymentRequest struct {
	Method   string            `json:"method"`
	Metadata map[string]string `json:"metadata"`
}

func (h *OrderHandlers) addPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req addPaymentRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.AddPayment(ctx, services.AddPaymentCommand{
		OrderID:  orderID,
		Method:   strings.TrimSpace(req.Method),
		Metadata: textutil.NormalizeStringMap(req.Metadata),
		ActorID:  actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) settlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}
	paymentID, ok := requireParam(ctx, w, r, "paymentID", "payment id is required")
	if !ok {
		return
	}

	order, err := h.orders.SettlePayment(ctx, services.SettlePaymentCommand{
		OrderID:   orderID,
		PaymentID: paymentID,
		ActorID:   actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type createFulfillmentRequest struct {
	Lines        []lineSelectionPayload `json:"lines"`
	Method       string                 `json:"method"`
	TrackingCode string                 `json:"tracking_code"`
}

func (h *OrderHandlers) createFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req createFulfillmentRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.CreateFulfillment(ctx, services.CreateFulfillmentCommand{
		OrderID:      orderID,
		Lines:        buildLineSelections(req.Lines),
		Method:       strings.TrimSpace(req.Method),
		TrackingCode: strings.TrimSpace(req.TrackingCode),
		ActorID:      actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeOptionalOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type cancelItemsRequest struct {
	Lines  []lineSelectionPayload `json:"lines"`
	Reason string                 `json:"reason"`
}

func (h *OrderHandlers) cancelItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req cancelItemsRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.CancelItems(ctx, services.CancelItemsCommand{
		OrderID: orderID,
		Lines:   buildLineSelections(req.Lines),
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type refundRequest struct {
	PaymentID  string                 `json:"payment_id"`
	Lines      []lineSelectionPayload `json:"lines"`
	Shipping   int64                  `json:"shipping"`
	Adjustment int64                  `json:"adjustment"`
	Reason     string                 `json:"reason"`
}

func (h *OrderHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req refundRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.Refund(ctx, services.RefundOrderCommand{
		OrderID:    orderID,
		PaymentID:  strings.TrimSpace(req.PaymentID),
		Lines:      buildLineSelections(req.Lines),
		Shipping:   req.Shipping,
		Adjustment: req.Adjustment,
		Reason:     strings.TrimSpace(req.Reason),
		ActorID:    actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

type settleRefundRequest struct {
	TransactionID string `json:"transaction_id"`
}

func (h *OrderHandlers) settleRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}
	refundID, ok := requireParam(ctx, w, r, "refundID", "refund id is required")
	if !ok {
		return
	}

	var req settleRefundRequest
	if !decodeOptionalOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.SettleRefund(ctx, services.SettleRefundCommand{
		OrderID:       orderID,
		RefundID:      refundID,
		TransactionID: strings.TrimSpace(req.TransactionID),
		ActorID:       actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type addNoteRequest struct {
	Note string `json:"note"`
}

func (h *OrderHandlers) addNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	orderID, ok := requireParam(ctx, w, r, "orderID", "order id is required")
	if !ok {
		return
	}

	var req addNoteRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.AddNote(ctx, services.AddNoteCommand{
		OrderID: orderID,
		Note:    req.Note,
		ActorID: actorID(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) ready(ctx context.Context, w http.ResponseWriter) bool {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func requireParam(ctx context.Context, w http.ResponseWriter, r *http.Request, name, message string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, name))
	if value == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
		return "", false
	}
	return value, true
}

func decodeOrderBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func decodeOptionalOrderBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			return true
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return false
		}
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func actorID(ctx context.Context) string {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil {
		return ""
	}
	return strings.TrimSpace(identity.UID)
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", err.Error(), http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
