package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/cobalt-commerce/api/internal/domain"
	pfirestore "github.com/cobalt-commerce/api/internal/platform/firestore"
	"github.com/cobalt-commerce/api/internal/platform/pagination"
	"github.com/cobalt-commerce/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists the full order aggregate as a single document so
// that transactional updates cover lines, payments, refunds and fulfillments
// together.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert creates the order document, failing on id collision.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update replaces the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	if _, err := r.base.Set(ctx, id, encodeOrderDocument(order)); err != nil {
		return err
	}
	return nil
}

// FindByID loads the order aggregate by document id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(doc.ID, doc.Data), nil
}

// FindByCode resolves an order by its human-facing code.
func (r *OrderRepository) FindByCode(ctx context.Context, code string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Order{}, errors.New("order repository: code is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", code).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NotFoundError("orders.findByCode", fmt.Errorf("order with code %s not found", code))
	}
	return decodeOrderDocument(docs[0].ID, docs[0].Data), nil
}

// List returns orders matching the filter ordered by most recent creation.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeListCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	states := make([]string, 0, len(filter.States))
	for _, state := range filter.States {
		if trimmed := strings.TrimSpace(string(state)); trimmed != "" {
			states = append(states, trimmed)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if customerID := strings.TrimSpace(filter.CustomerID); customerID != "" {
			q = q.Where("customerId", "==", customerID)
		}
		if len(states) == 1 {
			q = q.Where("state", "==", states[0])
		} else if len(states) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(states) > 10 {
				states = states[:10]
			}
			q = q.Where("state", "in", states)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<", filter.DateRange.To.UTC())
		}

		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		nextToken = encodeListCursor(last.Data.CreatedAt, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeOrderDocument(doc.ID, doc.Data))
	}
	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type orderDocument struct {
	Code           string                `firestore:"code"`
	State          string                `firestore:"state"`
	Active         bool                  `firestore:"active"`
	CustomerID     string                `firestore:"customerId,omitempty"`
	CurrencyCode   string                `firestore:"currencyCode"`
	CouponCodes    []string              `firestore:"couponCodes,omitempty"`
	ShippingMethod string                `firestore:"shippingMethod,omitempty"`
	Shipping       int64                 `firestore:"shipping"`
	SubTotal       int64                 `firestore:"subTotal"`
	Total          int64                 `firestore:"total"`
	Adjustments    []adjustmentDocument  `firestore:"adjustments,omitempty"`
	Lines          []orderLineDocument   `firestore:"lines"`
	Payments       []paymentDocument     `firestore:"payments,omitempty"`
	Refunds        []refundDocument      `firestore:"refunds,omitempty"`
	Fulfillments   []fulfillmentDocument `firestore:"fulfillments,omitempty"`
	CreatedAt      time.Time             `firestore:"createdAt"`
	UpdatedAt      time.Time             `firestore:"updatedAt"`
	PlacedAt       *time.Time            `firestore:"placedAt,omitempty"`
	CancelledAt    *time.Time            `firestore:"cancelledAt,omitempty"`
}

type orderLineDocument struct {
	ID          string               `firestore:"id"`
	VariantID   string               `firestore:"variantId"`
	UnitPrice   int64                `firestore:"unitPrice"`
	Items       []orderItemDocument  `firestore:"items"`
	Adjustments []adjustmentDocument `firestore:"adjustments,omitempty"`
}

type orderItemDocument struct {
	ID            string `firestore:"id"`
	Cancelled     bool   `firestore:"cancelled"`
	FulfillmentID string `firestore:"fulfillmentId,omitempty"`
	RefundID      string `firestore:"refundId,omitempty"`
}

type adjustmentDocument struct {
	Type        string `firestore:"type"`
	SourceID    string `firestore:"sourceId"`
	Description string `firestore:"description"`
	Amount      int64  `firestore:"amount"`
}

type paymentDocument struct {
	ID            string         `firestore:"id"`
	Method        string         `firestore:"method"`
	State         string         `firestore:"state"`
	Amount        int64          `firestore:"amount"`
	TransactionID string         `firestore:"transactionId,omitempty"`
	ErrorMessage  string         `firestore:"errorMessage,omitempty"`
	Metadata      map[string]any `firestore:"metadata,omitempty"`
	CreatedAt     time.Time      `firestore:"createdAt"`
	UpdatedAt     time.Time      `firestore:"updatedAt"`
}

type refundDocument struct {
	ID            string    `firestore:"id"`
	PaymentID     string    `firestore:"paymentId"`
	State         string    `firestore:"state"`
	Method        string    `firestore:"method"`
	ItemsAmount   int64     `firestore:"itemsAmount"`
	Shipping      int64     `firestore:"shipping"`
	Adjustment    int64     `firestore:"adjustment"`
	Total         int64     `firestore:"total"`
	Reason        string    `firestore:"reason,omitempty"`
	TransactionID string    `firestore:"transactionId,omitempty"`
	OrderItemIDs  []string  `firestore:"orderItemIds"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

type fulfillmentDocument struct {
	ID           string    `firestore:"id"`
	Method       string    `firestore:"method"`
	TrackingCode string    `firestore:"trackingCode,omitempty"`
	OrderItemIDs []string  `firestore:"orderItemIds"`
	CreatedAt    time.Time `firestore:"createdAt"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		Code:           order.Code,
		State:          string(order.State),
		Active:         order.Active,
		CustomerID:     order.CustomerID,
		CurrencyCode:   strings.ToUpper(strings.TrimSpace(order.CurrencyCode)),
		CouponCodes:    append([]string(nil), order.CouponCodes...),
		ShippingMethod: order.ShippingMethod,
		Shipping:       order.Shipping,
		SubTotal:       order.SubTotal,
		Total:          order.Total,
		Adjustments:    encodeAdjustments(order.Adjustments),
		CreatedAt:      order.CreatedAt.UTC(),
		UpdatedAt:      order.UpdatedAt.UTC(),
		PlacedAt:       utcTimePtr(order.PlacedAt),
		CancelledAt:    utcTimePtr(order.CancelledAt),
	}
	doc.Lines = make([]orderLineDocument, 0, len(order.Lines))
	for _, line := range order.Lines {
		lineDoc := orderLineDocument{
			ID:          line.ID,
			VariantID:   line.VariantID,
			UnitPrice:   line.UnitPrice,
			Adjustments: encodeAdjustments(line.Adjustments),
		}
		lineDoc.Items = make([]orderItemDocument, 0, len(line.Items))
		for _, item := range line.Items {
			lineDoc.Items = append(lineDoc.Items, orderItemDocument{
				ID:            item.ID,
				Cancelled:     item.Cancelled,
				FulfillmentID: item.FulfillmentID,
				RefundID:      item.RefundID,
			})
		}
		doc.Lines = append(doc.Lines, lineDoc)
	}
	doc.Payments = make([]paymentDocument, 0, len(order.Payments))
	for _, payment := range order.Payments {
		doc.Payments = append(doc.Payments, paymentDocument{
			ID:            payment.ID,
			Method:        payment.Method,
			State:         string(payment.State),
			Amount:        payment.Amount,
			TransactionID: payment.TransactionID,
			ErrorMessage:  payment.ErrorMessage,
			Metadata:      cloneAnyMap(payment.Metadata),
			CreatedAt:     payment.CreatedAt.UTC(),
			UpdatedAt:     payment.UpdatedAt.UTC(),
		})
	}
	doc.Refunds = make([]refundDocument, 0, len(order.Refunds))
	for _, refund := range order.Refunds {
		doc.Refunds = append(doc.Refunds, refundDocument{
			ID:            refund.ID,
			PaymentID:     refund.PaymentID,
			State:         string(refund.State),
			Method:        refund.Method,
			ItemsAmount:   refund.ItemsAmount,
			Shipping:      refund.Shipping,
			Adjustment:    refund.Adjustment,
			Total:         refund.Total,
			Reason:        refund.Reason,
			TransactionID: refund.TransactionID,
			OrderItemIDs:  append([]string(nil), refund.OrderItemIDs...),
			CreatedAt:     refund.CreatedAt.UTC(),
			UpdatedAt:     refund.UpdatedAt.UTC(),
		})
	}
	doc.Fulfillments = make([]fulfillmentDocument, 0, len(order.Fulfillments))
	for _, fulfillment := range order.Fulfillments {
		doc.Fulfillments = append(doc.Fulfillments, fulfillmentDocument{
			ID:           fulfillment.ID,
			Method:       fulfillment.Method,
			TrackingCode: fulfillment.TrackingCode,
			OrderItemIDs: append([]string(nil), fulfillment.OrderItemIDs...),
			CreatedAt:    fulfillment.CreatedAt.UTC(),
		})
	}
	return doc
}

func decodeOrderDocument(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:             id,
		Code:           doc.Code,
		State:          domain.OrderState(doc.State),
		Active:         doc.Active,
		CustomerID:     doc.CustomerID,
		CurrencyCode:   doc.CurrencyCode,
		CouponCodes:    append([]string(nil), doc.CouponCodes...),
		ShippingMethod: doc.ShippingMethod,
		Shipping:       doc.Shipping,
		SubTotal:       doc.SubTotal,
		Total:          doc.Total,
		Adjustments:    decodeAdjustments(doc.Adjustments),
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
		PlacedAt:       doc.PlacedAt,
		CancelledAt:    doc.CancelledAt,
	}
	order.Lines = make([]domain.OrderLine, 0, len(doc.Lines))
	for _, lineDoc := range doc.Lines {
		line := domain.OrderLine{
			ID:          lineDoc.ID,
			VariantID:   lineDoc.VariantID,
			UnitPrice:   lineDoc.UnitPrice,
			Adjustments: decodeAdjustments(lineDoc.Adjustments),
		}
		line.Items = make([]domain.OrderItem, 0, len(lineDoc.Items))
		for _, itemDoc := range lineDoc.Items {
			line.Items = append(line.Items, domain.OrderItem{
				ID:            itemDoc.ID,
				Cancelled:     itemDoc.Cancelled,
				FulfillmentID: itemDoc.FulfillmentID,
				RefundID:      itemDoc.RefundID,
			})
		}
		order.Lines = append(order.Lines, line)
	}
	order.Payments = make([]domain.Payment, 0, len(doc.Payments))
	for _, paymentDoc := range doc.Payments {
		order.Payments = append(order.Payments, domain.Payment{
			ID:            paymentDoc.ID,
			OrderID:       id,
			Method:        paymentDoc.Method,
			State:         domain.PaymentState(paymentDoc.State),
			Amount:        paymentDoc.Amount,
			TransactionID: paymentDoc.TransactionID,
			ErrorMessage:  paymentDoc.ErrorMessage,
			Metadata:      cloneAnyMap(paymentDoc.Metadata),
			CreatedAt:     paymentDoc.CreatedAt,
			UpdatedAt:     paymentDoc.UpdatedAt,
		})
	}
	order.Refunds = make([]domain.Refund, 0, len(doc.Refunds))
	for _, refundDoc := range doc.Refunds {
		order.Refunds = append(order.Refunds, domain.Refund{
			ID:            refundDoc.ID,
			PaymentID:     refundDoc.PaymentID,
			State:         domain.RefundState(refundDoc.State),
			Method:        refundDoc.Method,
			ItemsAmount:   refundDoc.ItemsAmount,
			Shipping:      refundDoc.Shipping,
			Adjustment:    refundDoc.Adjustment,
			Total:         refundDoc.Total,
			Reason:        refundDoc.Reason,
			TransactionID: refundDoc.TransactionID,
			OrderItemIDs:  append([]string(nil), refundDoc.OrderItemIDs...),
			CreatedAt:     refundDoc.CreatedAt,
			UpdatedAt:     refundDoc.UpdatedAt,
		})
	}
	order.Fulfillments = make([]domain.Fulfillment, 0, len(doc.Fulfillments))
	for _, fulfillmentDoc := range doc.Fulfillments {
		order.Fulfillments = append(order.Fulfillments, domain.Fulfillment{
			ID:           fulfillmentDoc.ID,
			Method:       fulfillmentDoc.Method,
			TrackingCode: fulfillmentDoc.TrackingCode,
			OrderItemIDs: append([]string(nil), fulfillmentDoc.OrderItemIDs...),
			CreatedAt:    fulfillmentDoc.CreatedAt,
		})
	}
	return order
}

func encodeAdjustments(adjustments []domain.Adjustment) []adjustmentDocument {
	if len(adjustments) == 0 {
		return nil
	}
	docs := make([]adjustmentDocument, 0, len(adjustments))
	for _, adj := range adjustments {
		docs = append(docs, adjustmentDocument{
			Type:        string(adj.Type),
			SourceID:    adj.SourceID,
			Description: adj.Description,
			Amount:      adj.Amount,
		})
	}
	return docs
}

func decodeAdjustments(docs []adjustmentDocument) []domain.Adjustment {
	if len(docs) == 0 {
		return nil
	}
	adjustments := make([]domain.Adjustment, 0, len(docs))
	for _, doc := range docs {
		adjustments = append(adjustments, domain.Adjustment{
			Type:        domain.AdjustmentType(doc.Type),
			SourceID:    doc.SourceID,
			Description: doc.Description,
			Amount:      doc.Amount,
		})
	}
	return adjustments
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(values))
	for k, v := range values {
		cloned[k] = v
	}
	return cloned
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(values))
	for k, v := range values {
		cloned[k] = v
	}
	return cloned
}

func utcTimePtr(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func encodeListCursor(orderedAt time.Time, docID string) string {
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{orderedAt.UTC().Format(time.RFC3339Nano), docID},
	})
	if err != nil {
		return ""
	}
	return token
}

func decodeListCursor(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", errors.New("malformed token")
	}
	rawTime, timeOK := cursor.StartAfter[0].(string)
	docID, idOK := cursor.StartAfter[1].(string)
	if !timeOK || !idOK || docID == "" {
		return time.Time{}, "", errors.New("malformed token")
	}
	tokenTime, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", err
	}
	return tokenTime, docID, nil
}
