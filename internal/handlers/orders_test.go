package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/services"
)

type stubOrderService struct {
	addItemFn           func(ctx context.Context, cmd services.AddItemCommand) (services.Order, error)
	adjustLineFn        func(ctx context.Context, cmd services.AdjustLineCommand) (services.Order, error)
	removeLineFn        func(ctx context.Context, cmd services.RemoveLineCommand) (services.Order, error)
	setCustomerFn       func(ctx context.Context, cmd services.SetCustomerCommand) (services.Order, error)
	setShippingFn       func(ctx context.Context, cmd services.SetShippingCommand) (services.Order, error)
	transitionFn        func(ctx context.Context, cmd services.TransitionCommand) (services.Order, error)
	applyCouponFn       func(ctx context.Context, cmd services.CouponCommand) (services.Order, error)
	removeCouponFn      func(ctx context.Context, cmd services.CouponCommand) (services.Order, error)
	addPaymentFn        func(ctx context.Context, cmd services.AddPaymentCommand) (services.Order, error)
	settlePaymentFn     func(ctx context.Context, cmd services.SettlePaymentCommand) (services.Order, error)
	createFulfillmentFn func(ctx context.Context, cmd services.CreateFulfillmentCommand) (services.Order, error)
	cancelFn            func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
	cancelItemsFn       func(ctx context.Context, cmd services.CancelItemsCommand) (services.Order, error)
	refundFn            func(ctx context.Context, cmd services.RefundOrderCommand) (services.Order, error)
	settleRefundFn      func(ctx context.Context, cmd services.SettleRefundCommand) (services.Order, error)
	addNoteFn           func(ctx context.Context, cmd services.AddNoteCommand) (services.Order, error)
	getOrderFn          func(ctx context.Context, orderID string) (services.Order, error)
	getOrderByCodeFn    func(ctx context.Context, code string) (services.Order, error)
	listOrdersFn        func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
	listHistoryFn       func(ctx context.Context, orderID string, filter services.HistoryListFilter) (domain.CursorPage[services.HistoryEntry], error)
}

var _ services.OrderService = (*stubOrderService)(nil)

func (s *stubOrderService) AddItem(ctx context.Context, cmd services.AddItemCommand) (services.Order, error) {
	if s.addItemFn == nil {
		return services.Order{}, nil
	}
	return s.addItemFn(ctx, cmd)
}

func (s *stubOrderService) AdjustLine(ctx context.Context, cmd services.AdjustLineCommand) (services.Order, error) {
	if s.adjustLineFn == nil {
		return services.Order{}, nil
	}
	return s.adjustLineFn(ctx, cmd)
}

func (s *stubOrderService) RemoveLine(ctx context.Context, cmd services.RemoveLineCommand) (services.Order, error) {
	if s.removeLineFn == nil {
		return services.Order{}, nil
	}
	return s.removeLineFn(ctx, cmd)
}

func (s *stubOrderService) SetCustomer(ctx context.Context, cmd services.SetCustomerCommand) (services.Order, error) {
	if s.setCustomerFn == nil {
		return services.Order{}, nil
	}
	return s.setCustomerFn(ctx, cmd)
}

func (s *stubOrderService) SetShipping(ctx context.Context, cmd services.SetShippingCommand) (services.Order, error) {
	if s.setShippingFn == nil {
		return services.Order{}, nil
	}
	return s.setShippingFn(ctx, cmd)
}

func (s *stubOrderService) TransitionToArrangingPayment(ctx context.Context, cmd services.TransitionCommand) (services.Order, error) {
	if s.transitionFn == nil {
		return services.Order{}, nil
	}
	return s.transitionFn(ctx, cmd)
}

func (s *stubOrderService) ApplyCoupon(ctx context.Context, cmd services.CouponCommand) (services.Order, error) {
	if s.applyCouponFn == nil {
		return services.Order{}, nil
	}
	return s.applyCouponFn(ctx, cmd)
}

func (s *stubOrderService) RemoveCoupon(ctx context.Context, cmd services.CouponCommand) (services.Order, error) {
	if s.removeCouponFn == nil {
		return services.Order{}, nil
	}
	return s.removeCouponFn(ctx, cmd)
}

func (s *stubOrderService) AddPayment(ctx context.Context, cmd services.AddPaymentCommand) (services.Order, error) {
	if s.addPaymentFn == nil {
		return services.Order{}, nil
	}
	return s.addPaymentFn(ctx, cmd)
}

func (s *stubOrderService) SettlePayment(ctx context.Context, cmd services.SettlePaymentCommand) (services.Order, error) {
	if s.settlePaymentFn == nil {
		return services.Order{}, nil
	}
	return s.settlePaymentFn(ctx, cmd)
}

func (s *stubOrderService) CreateFulfillment(ctx context.Context, cmd services.CreateFulfillmentCommand) (services.Order, error) {
	if s.createFulfillmentFn == nil {
		return services.Order{}, nil
	}
	return s.createFulfillmentFn(ctx, cmd)
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn == nil {
		return services.Order{}, nil
	}
	return s.cancelFn(ctx, cmd)
}

func (s *stubOrderService) CancelItems(ctx context.Context, cmd services.CancelItemsCommand) (services.Order, error) {
	if s.cancelItemsFn == nil {
		return services.Order{}, nil
	}
	return s.cancelItemsFn(ctx, cmd)
}

func (s *stubOrderService) Refund(ctx context.Context, cmd services.RefundOrderCommand) (services.Order, error) {
	if s.refundFn == nil {
		return services.Order{}, nil
	}
	return s.refundFn(ctx, cmd)
}

func (s *stubOrderService) SettleRefund(ctx context.Context, cmd services.SettleRefundCommand) (services.Order, error) {
	if s.settleRefundFn == nil {
		return services.Order{}, nil
	}
	return s.settleRefundFn(ctx, cmd)
}

func (s *stubOrderService) AddNote(ctx context.Context, cmd services.AddNoteCommand) (services.Order, error) {
	if s.addNoteFn == nil {
		return services.Order{}, nil
	}
	return s.addNoteFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getOrderFn == nil {
		return services.Order{}, nil
	}
	return s.getOrderFn(ctx, orderID)
}

func (s *stubOrderService) GetOrderByCode(ctx context.Context, code string) (services.Order, error) {
	if s.getOrderByCodeFn == nil {
		return services.Order{}, nil
	}
	return s.getOrderByCodeFn(ctx, code)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listOrdersFn == nil {
		return domain.CursorPage[services.Order]{}, nil
	}
	return s.listOrdersFn(ctx, filter)
}

func (s *stubOrderService) ListHistory(ctx context.Context, orderID string, filter services.HistoryListFilter) (domain.CursorPage[services.HistoryEntry], error) {
	if s.listHistoryFn == nil {
		return domain.CursorPage[services.HistoryEntry]{}, nil
	}
	return s.listHistoryFn(ctx, orderID, filter)
}

func newOrderRouter(svc services.OrderService) chi.Router {
	r := chi.NewRouter()
	NewOrderHandlers(nil, svc).Routes(r)
	return r
}

func sampleOrder() services.Order {
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return services.Order{
		ID:           "ord_1",
		Code:         "CB-2026-000042",
		State:        domain.OrderStateAddingItems,
		Active:       true,
		CurrencyCode: "USD",
		Lines: []domain.OrderLine{
			{
				ID:        "lin_1",
				VariantID: "vnt_1",
				UnitPrice: 5000,
				Items: []domain.OrderItem{
					{ID: "itm_1"},
					{ID: "itm_2"},
				},
			},
		},
		SubTotal:  10000,
		Total:     10000,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateOrderReturnsPayload(t *testing.T) {
	var captured services.AddItemCommand
	svc := &stubOrderService{
		addItemFn: func(_ context.Context, cmd services.AddItemCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}

	body := `{"customer_id":"cust_1","variant_id":"vnt_1","quantity":2}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "" {
		t.Fatalf("expected empty order id for create, got %q", captured.OrderID)
	}
	if captured.VariantID != "vnt_1" || captured.Quantity != 2 || captured.CustomerID != "cust_1" {
		t.Fatalf("unexpected command %#v", captured)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.ID != "ord_1" || resp.Order.Code != "CB-2026-000042" {
		t.Fatalf("unexpected order payload %#v", resp.Order)
	}
	if len(resp.Order.Lines) != 1 || resp.Order.Lines[0].Quantity != 2 {
		t.Fatalf("expected one line with quantity 2, got %#v", resp.Order.Lines)
	}
}

func TestCreateOrderRejectsInvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	newOrderRouter(&stubOrderService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	svc := &stubOrderService{
		getOrderFn: func(context.Context, string) (services.Order, error) {
			return services.Order{}, services.ErrOrderNotFound
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/ord_missing", nil)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestListOrdersRejectsUnknownState(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?state=Shipped", nil)
	rr := httptest.NewRecorder()
	newOrderRouter(&stubOrderService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestListOrdersAppliesFilters(t *testing.T) {
	var captured services.OrderListFilter
	svc := &stubOrderService{
		listOrdersFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder()},
				NextPageToken: "next",
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/?state=AddingItems,ArrangingPayment&customer_id=cust_1&page_size=5", nil)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "cust_1" {
		t.Fatalf("unexpected customer filter %q", captured.CustomerID)
	}
	if len(captured.States) != 2 || captured.States[0] != domain.OrderStateAddingItems {
		t.Fatalf("unexpected state filters %v", captured.States)
	}
	if captured.Pagination.PageSize != 5 {
		t.Fatalf("unexpected page size %d", captured.Pagination.PageSize)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "next" {
		t.Fatalf("unexpected list response %#v", resp)
	}
}

func TestAddPaymentPassesMetadata(t *testing.T) {
	var captured services.AddPaymentCommand
	svc := &stubOrderService{
		addPaymentFn: func(_ context.Context, cmd services.AddPaymentCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}

	body := `{"method":"stripe","metadata":{" payment_method ":"pm_123","":"dropped"}}`
	req := httptest.NewRequest(http.MethodPost, "/ord_1/payments", strings.NewReader(body))
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Method != "stripe" {
		t.Fatalf("unexpected command %#v", captured)
	}
	if captured.Metadata["payment_method"] != "pm_123" {
		t.Fatalf("expected normalized metadata, got %#v", captured.Metadata)
	}
	if _, ok := captured.Metadata[""]; ok {
		t.Fatalf("expected empty key dropped, got %#v", captured.Metadata)
	}
}

func TestAddPaymentHandlerFailureReturnsBadGateway(t *testing.T) {
	svc := &stubOrderService{
		addPaymentFn: func(context.Context, services.AddPaymentCommand) (services.Order, error) {
			return sampleOrder(), fmt.Errorf("%w: gateway unreachable", services.ErrOrderPaymentFailed)
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/ord_1/payments", strings.NewReader(`{"method":"card"}`))
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Error != "payment_failed" {
		t.Fatalf("expected payment_failed code, got %q", payload.Error)
	}
	if !strings.Contains(payload.Message, "gateway unreachable") {
		t.Fatalf("expected the handler failure in the message, got %q", payload.Message)
	}
}

func TestSettlePaymentInvalidState(t *testing.T) {
	svc := &stubOrderService{
		settlePaymentFn: func(context.Context, services.SettlePaymentCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/ord_1/payments/pay_1/settle", nil)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestCancelOrderAllowsEmptyBody(t *testing.T) {
	var captured services.CancelOrderCommand
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/ord_1/cancel", nil)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Reason != "" {
		t.Fatalf("unexpected command %#v", captured)
	}
}

func TestCreateFulfillmentBuildsSelections(t *testing.T) {
	var captured services.CreateFulfillmentCommand
	svc := &stubOrderService{
		createFulfillmentFn: func(_ context.Context, cmd services.CreateFulfillmentCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}

	body := `{"method":"ups","tracking_code":"1Z999","lines":[{"order_line_id":"lin_1","quantity":2}]}`
	req := httptest.NewRequest(http.MethodPost, "/ord_1/fulfillments", strings.NewReader(body))
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Method != "ups" || captured.TrackingCode != "1Z999" {
		t.Fatalf("unexpected command %#v", captured)
	}
	if len(captured.Lines) != 1 || captured.Lines[0].OrderLineID != "lin_1" || captured.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected line selections %#v", captured.Lines)
	}
}

func TestRefundRequiresBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/ord_1/refunds", nil)
	rr := httptest.NewRecorder()
	newOrderRouter(&stubOrderService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestListHistoryPassesTypeFilter(t *testing.T) {
	var capturedOrderID string
	var captured services.HistoryListFilter
	svc := &stubOrderService{
		listHistoryFn: func(_ context.Context, orderID string, filter services.HistoryListFilter) (domain.CursorPage[services.HistoryEntry], error) {
			capturedOrderID = orderID
			captured = filter
			return domain.CursorPage[services.HistoryEntry]{
				Items: []services.HistoryEntry{
					{
						ID:        "his_1",
						OrderID:   orderID,
						Type:      domain.HistoryOrderStateTransition,
						Data:      map[string]any{"from": "AddingItems", "to": "ArrangingPayment"},
						CreatedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
					},
				},
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/ord_1/history?type=ORDER_STATE_TRANSITION", nil)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if capturedOrderID != "ord_1" {
		t.Fatalf("unexpected order id %q", capturedOrderID)
	}
	if len(captured.Types) != 1 {
		t.Fatalf("unexpected type filters %v", captured.Types)
	}

	var resp historyListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "his_1" {
		t.Fatalf("unexpected history response %#v", resp)
	}
}
