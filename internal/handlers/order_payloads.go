package handlers

import (
	"strings"

	"github.com/cobalt-commerce/api/internal/services"
)

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	State      string `json:"state"`
	CustomerID string `json:"customer_id,omitempty"`
	Currency   string `json:"currency"`
	Total      int64  `json:"total"`
	CreatedAt  string `json:"created_at"`
	PlacedAt   string `json:"placed_at,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID             string               `json:"id"`
	Code           string               `json:"code"`
	State          string               `json:"state"`
	Active         bool                 `json:"active"`
	CustomerID     string               `json:"customer_id,omitempty"`
	Currency       string               `json:"currency"`
	Lines          []orderLinePayload   `json:"lines"`
	Payments       []paymentPayload     `json:"payments,omitempty"`
	Refunds        []refundPayload      `json:"refunds,omitempty"`
	Fulfillments   []fulfillmentPayload `json:"fulfillments,omitempty"`
	CouponCodes    []string             `json:"coupon_codes,omitempty"`
	Adjustments    []adjustmentPayload  `json:"adjustments,omitempty"`
	ShippingMethod string               `json:"shipping_method,omitempty"`
	Shipping       int64                `json:"shipping"`
	SubTotal       int64                `json:"sub_total"`
	Total          int64                `json:"total"`
	CreatedAt      string               `json:"created_at"`
	UpdatedAt      string               `json:"updated_at,omitempty"`
	PlacedAt       string               `json:"placed_at,omitempty"`
	CancelledAt    string               `json:"cancelled_at,omitempty"`
}

type orderLinePayload struct {
	ID          string              `json:"id"`
	VariantID   string              `json:"variant_id"`
	UnitPrice   int64               `json:"unit_price"`
	Quantity    int                 `json:"quantity"`
	Items       []orderItemPayload  `json:"items"`
	Adjustments []adjustmentPayload `json:"adjustments,omitempty"`
}

type orderItemPayload struct {
	ID            string `json:"id"`
	Cancelled     bool   `json:"cancelled,omitempty"`
	FulfillmentID string `json:"fulfillment_id,omitempty"`
	RefundID      string `json:"refund_id,omitempty"`
}

type adjustmentPayload struct {
	Type        string `json:"type"`
	SourceID    string `json:"source_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      int64  `json:"amount"`
}

type paymentPayload struct {
	ID            string         `json:"id"`
	Method        string         `json:"method"`
	State         string         `json:"state"`
	Amount        int64          `json:"amount"`
	TransactionID string         `json:"transaction_id,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at,omitempty"`
}

type refundPayload struct {
	ID            string   `json:"id"`
	PaymentID     string   `json:"payment_id"`
	State         string   `json:"state"`
	Method        string   `json:"method,omitempty"`
	ItemsAmount   int64    `json:"items_amount"`
	Shipping      int64    `json:"shipping"`
	Adjustment    int64    `json:"adjustment"`
	Total         int64    `json:"total"`
	Reason        string   `json:"reason,omitempty"`
	TransactionID string   `json:"transaction_id,omitempty"`
	OrderItemIDs  []string `json:"order_item_ids,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at,omitempty"`
}

type fulfillmentPayload struct {
	ID           string   `json:"id"`
	Method       string   `json:"method"`
	TrackingCode string   `json:"tracking_code,omitempty"`
	OrderItemIDs []string `json:"order_item_ids"`
	CreatedAt    string   `json:"created_at"`
}

type historyListResponse struct {
	Items         []historyEntryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type historyEntryPayload struct {
	ID        string         `json:"id"`
	OrderID   string         `json:"order_id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:         strings.TrimSpace(order.ID),
		Code:       strings.TrimSpace(order.Code),
		State:      string(order.State),
		CustomerID: strings.TrimSpace(order.CustomerID),
		Currency:   strings.ToUpper(strings.TrimSpace(order.CurrencyCode)),
		Total:      order.Total,
		CreatedAt:  formatTime(order.CreatedAt),
		PlacedAt:   formatTime(pointerTime(order.PlacedAt)),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:             strings.TrimSpace(order.ID),
		Code:           strings.TrimSpace(order.Code),
		State:          string(order.State),
		Active:         order.Active,
		CustomerID:     strings.TrimSpace(order.CustomerID),
		Currency:       strings.ToUpper(strings.TrimSpace(order.CurrencyCode)),
		Lines:          make([]orderLinePayload, 0, len(order.Lines)),
		CouponCodes:    append([]string(nil), order.CouponCodes...),
		Adjustments:    buildAdjustmentPayloads(order.Adjustments),
		ShippingMethod: strings.TrimSpace(order.ShippingMethod),
		Shipping:       order.Shipping,
		SubTotal:       order.SubTotal,
		Total:          order.Total,
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
		PlacedAt:       formatTime(pointerTime(order.PlacedAt)),
		CancelledAt:    formatTime(pointerTime(order.CancelledAt)),
	}

	for _, line := range order.Lines {
		entry := orderLinePayload{
			ID:          strings.TrimSpace(line.ID),
			VariantID:   strings.TrimSpace(line.VariantID),
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity(),
			Items:       make([]orderItemPayload, 0, len(line.Items)),
			Adjustments: buildAdjustmentPayloads(line.Adjustments),
		}
		for _, item := range line.Items {
			entry.Items = append(entry.Items, orderItemPayload{
				ID:            strings.TrimSpace(item.ID),
				Cancelled:     item.Cancelled,
				FulfillmentID: strings.TrimSpace(item.FulfillmentID),
				RefundID:      strings.TrimSpace(item.RefundID),
			})
		}
		payload.Lines = append(payload.Lines, entry)
	}

	for _, payment := range order.Payments {
		payload.Payments = append(payload.Payments, paymentPayload{
			ID:            strings.TrimSpace(payment.ID),
			Method:        strings.TrimSpace(payment.Method),
			State:         string(payment.State),
			Amount:        payment.Amount,
			TransactionID: strings.TrimSpace(payment.TransactionID),
			ErrorMessage:  strings.TrimSpace(payment.ErrorMessage),
			Metadata:      cloneMap(payment.Metadata),
			CreatedAt:     formatTime(payment.CreatedAt),
			UpdatedAt:     formatTime(payment.UpdatedAt),
		})
	}

	for _, refund := range order.Refunds {
		payload.Refunds = append(payload.Refunds, refundPayload{
			ID:            strings.TrimSpace(refund.ID),
			PaymentID:     strings.TrimSpace(refund.PaymentID),
			State:         string(refund.State),
			Method:        strings.TrimSpace(refund.Method),
			ItemsAmount:   refund.ItemsAmount,
			Shipping:      refund.Shipping,
			Adjustment:    refund.Adjustment,
			Total:         refund.Total,
			Reason:        strings.TrimSpace(refund.Reason),
			TransactionID: strings.TrimSpace(refund.TransactionID),
			OrderItemIDs:  append([]string(nil), refund.OrderItemIDs...),
			CreatedAt:     formatTime(refund.CreatedAt),
			UpdatedAt:     formatTime(refund.UpdatedAt),
		})
	}

	for _, fulfillment := range order.Fulfillments {
		payload.Fulfillments = append(payload.Fulfillments, fulfillmentPayload{
			ID:           strings.TrimSpace(fulfillment.ID),
			Method:       strings.TrimSpace(fulfillment.Method),
			TrackingCode: strings.TrimSpace(fulfillment.TrackingCode),
			OrderItemIDs: append([]string(nil), fulfillment.OrderItemIDs...),
			CreatedAt:    formatTime(fulfillment.CreatedAt),
		})
	}

	return payload
}

func buildAdjustmentPayloads(adjustments []services.Adjustment) []adjustmentPayload {
	if len(adjustments) == 0 {
		return nil
	}
	result := make([]adjustmentPayload, 0, len(adjustments))
	for _, adj := range adjustments {
		result = append(result, adjustmentPayload{
			Type:        string(adj.Type),
			SourceID:    strings.TrimSpace(adj.SourceID),
			Description: strings.TrimSpace(adj.Description),
			Amount:      adj.Amount,
		})
	}
	return result
}

func buildHistoryEntryPayload(entry services.HistoryEntry) historyEntryPayload {
	return historyEntryPayload{
		ID:        strings.TrimSpace(entry.ID),
		OrderID:   strings.TrimSpace(entry.OrderID),
		Type:      string(entry.Type),
		Data:      cloneMap(entry.Data),
		ActorID:   strings.TrimSpace(entry.ActorID),
		CreatedAt: formatTime(entry.CreatedAt),
	}
}
