package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/cobalt-commerce/api/internal/domain"
	pfirestore "github.com/cobalt-commerce/api/internal/platform/firestore"
)

const couponUsageCollection = "couponUsage"

// One document per (coupon, customer) pair. Usage is appended when an order
// carrying the coupon reaches PaymentSettled, and consulted when the coupon
// is applied to a new order.
type couponUsageDocument struct {
	CouponCode string    `firestore:"couponCode"`
	CustomerID string    `firestore:"customerId"`
	Count      int       `firestore:"count"`
	OrderIDs   []string  `firestore:"orderIds"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

// PromotionUsageRepository tracks settled-order coupon usage per customer.
type PromotionUsageRepository struct {
	base     *pfirestore.BaseRepository[couponUsageDocument]
	provider *pfirestore.Provider
}

// NewPromotionUsageRepository constructs a Firestore-backed usage repository.
func NewPromotionUsageRepository(provider *pfirestore.Provider) (*PromotionUsageRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion usage repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[couponUsageDocument](provider, couponUsageCollection, nil, nil)
	return &PromotionUsageRepository{
		base:     base,
		provider: provider,
	}, nil
}

// CountUsage returns how many settled orders of the customer carried the code.
func (r *PromotionUsageRepository) CountUsage(ctx context.Context, couponCode string, customerID string) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("promotion usage repository not initialised")
	}
	id, err := couponUsageDocID(couponCode, customerID)
	if err != nil {
		return 0, err
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return 0, nil
		}
		return 0, err
	}
	return doc.Data.Count, nil
}

// RecordUsage increments the usage counter for the (coupon, customer) pair.
// Idempotent per order id: recording the same order twice is a no-op.
func (r *PromotionUsageRepository) RecordUsage(ctx context.Context, couponCode string, customerID string, orderID string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("promotion usage repository not initialised")
	}
	id, err := couponUsageDocID(couponCode, customerID)
	if err != nil {
		return err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("promotion usage repository: order id is required")
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return tx.Create(ref, couponUsageDocument{
				CouponCode: domain.NormalizeCouponCode(couponCode),
				CustomerID: strings.TrimSpace(customerID),
				Count:      1,
				OrderIDs:   []string{orderID},
				UpdatedAt:  now.UTC(),
			})
		}
		if err != nil {
			return err
		}
		var doc couponUsageDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore couponUsage decode %s: %w", id, err)
		}
		for _, existing := range doc.OrderIDs {
			if existing == orderID {
				return nil
			}
		}
		doc.Count++
		doc.OrderIDs = append(doc.OrderIDs, orderID)
		doc.UpdatedAt = now.UTC()
		return tx.Set(ref, doc)
	})
	if err != nil {
		return pfirestore.WrapError("couponUsage.record", err)
	}
	return nil
}

func couponUsageDocID(couponCode string, customerID string) (string, error) {
	code := domain.NormalizeCouponCode(couponCode)
	customer := strings.TrimSpace(customerID)
	if code == "" {
		return "", errors.New("promotion usage repository: coupon code is required")
	}
	if customer == "" {
		return "", errors.New("promotion usage repository: customer id is required")
	}
	return code + "_" + customer, nil
}
