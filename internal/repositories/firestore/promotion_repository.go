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
	"github.com/cobalt-commerce/api/internal/repositories"
)

const promotionsCollection = "promotions"

// PromotionRepository persists promotion definitions.
type PromotionRepository struct {
	base     *pfirestore.BaseRepository[promotionDocument]
	provider *pfirestore.Provider
}

// NewPromotionRepository constructs a Firestore-backed promotion repository.
func NewPromotionRepository(provider *pfirestore.Provider) (*PromotionRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[promotionDocument](provider, promotionsCollection, nil, nil)
	return &PromotionRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert creates the promotion document, failing on id collision.
func (r *PromotionRepository) Insert(ctx context.Context, promotion domain.Promotion) error {
	if r == nil || r.base == nil {
		return errors.New("promotion repository not initialised")
	}
	id := strings.TrimSpace(promotion.ID)
	if id == "" {
		return errors.New("promotion repository: promotion id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodePromotionDocument(promotion)); err != nil {
		return pfirestore.WrapError("promotions.insert", err)
	}
	return nil
}

// Update replaces the promotion document.
func (r *PromotionRepository) Update(ctx context.Context, promotion domain.Promotion) error {
	if r == nil || r.base == nil {
		return errors.New("promotion repository not initialised")
	}
	id := strings.TrimSpace(promotion.ID)
	if id == "" {
		return errors.New("promotion repository: promotion id is required")
	}
	if _, err := r.base.Set(ctx, id, encodePromotionDocument(promotion)); err != nil {
		return err
	}
	return nil
}

// Delete removes the promotion document.
func (r *PromotionRepository) Delete(ctx context.Context, promotionID string) error {
	if r == nil || r.base == nil {
		return errors.New("promotion repository not initialised")
	}
	ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(promotionID))
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("promotions.delete", err)
	}
	return nil
}

// FindByID loads a promotion by document id.
func (r *PromotionRepository) FindByID(ctx context.Context, promotionID string) (domain.Promotion, error) {
	if r == nil || r.base == nil {
		return domain.Promotion{}, errors.New("promotion repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(promotionID))
	if err != nil {
		return domain.Promotion{}, err
	}
	return decodePromotionDocument(doc.ID, doc.Data), nil
}

// FindByCouponCode resolves a promotion by its normalised coupon code.
func (r *PromotionRepository) FindByCouponCode(ctx context.Context, code string) (domain.Promotion, error) {
	if r == nil || r.base == nil {
		return domain.Promotion{}, errors.New("promotion repository not initialised")
	}
	normalized := domain.NormalizeCouponCode(code)
	if normalized == "" {
		return domain.Promotion{}, errors.New("promotion repository: coupon code is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("couponCode", "==", normalized).Limit(1)
	})
	if err != nil {
		return domain.Promotion{}, err
	}
	if len(docs) == 0 {
		return domain.Promotion{}, pfirestore.NotFoundError("promotions.findByCouponCode", fmt.Errorf("promotion with coupon %s not found", normalized))
	}
	return decodePromotionDocument(docs[0].ID, docs[0].Data), nil
}

// ListActive returns all enabled promotions whose time window includes the
// given instant. The window check runs client side: Firestore cannot combine
// range filters on two fields in one query.
func (r *PromotionRepository) ListActive(ctx context.Context, at time.Time) ([]domain.Promotion, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("promotion repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("enabled", "==", true)
	})
	if err != nil {
		return nil, err
	}
	promos := make([]domain.Promotion, 0, len(docs))
	for _, doc := range docs {
		promo := decodePromotionDocument(doc.ID, doc.Data)
		if promo.IsActiveAt(at) {
			promos = append(promos, promo)
		}
	}
	return promos, nil
}

// List returns promotions for admin listings ordered by most recent update.
func (r *PromotionRepository) List(ctx context.Context, filter repositories.PromotionListFilter) (domain.CursorPage[domain.Promotion], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Promotion]{}, errors.New("promotion repository not initialised")
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
			return domain.CursorPage[domain.Promotion]{}, fmt.Errorf("promotion repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.EnabledOnly {
			q = q.Where("enabled", "==", true)
		}
		q = q.OrderBy("updatedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Promotion]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		nextToken = encodeListCursor(last.Data.UpdatedAt, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.Promotion, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodePromotionDocument(doc.ID, doc.Data))
	}
	return domain.CursorPage[domain.Promotion]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type promotionDocument struct {
	Name                  string              `firestore:"name"`
	Enabled               bool                `firestore:"enabled"`
	CouponCode            string              `firestore:"couponCode,omitempty"`
	PerCustomerUsageLimit *int                `firestore:"perCustomerUsageLimit,omitempty"`
	StartsAt              *time.Time          `firestore:"startsAt,omitempty"`
	EndsAt                *time.Time          `firestore:"endsAt,omitempty"`
	Conditions            []operationDocument `firestore:"conditions,omitempty"`
	Actions               []operationDocument `firestore:"actions,omitempty"`
	CreatedAt             time.Time           `firestore:"createdAt"`
	UpdatedAt             time.Time           `firestore:"updatedAt"`
}

type operationDocument struct {
	Code string        `firestore:"code"`
	Args []argDocument `firestore:"args,omitempty"`
}

type argDocument struct {
	Name  string `firestore:"name"`
	Value string `firestore:"value"`
}

func encodePromotionDocument(promotion domain.Promotion) promotionDocument {
	return promotionDocument{
		Name:                  promotion.Name,
		Enabled:               promotion.Enabled,
		CouponCode:            domain.NormalizeCouponCode(promotion.CouponCode),
		PerCustomerUsageLimit: promotion.PerCustomerUsageLimit,
		StartsAt:              utcTimePtr(promotion.StartsAt),
		EndsAt:                utcTimePtr(promotion.EndsAt),
		Conditions:            encodeOperations(promotion.Conditions),
		Actions:               encodeOperations(promotion.Actions),
		CreatedAt:             promotion.CreatedAt.UTC(),
		UpdatedAt:             promotion.UpdatedAt.UTC(),
	}
}

func decodePromotionDocument(id string, doc promotionDocument) domain.Promotion {
	return domain.Promotion{
		ID:                    id,
		Name:                  doc.Name,
		Enabled:               doc.Enabled,
		CouponCode:            doc.CouponCode,
		PerCustomerUsageLimit: doc.PerCustomerUsageLimit,
		StartsAt:              doc.StartsAt,
		EndsAt:                doc.EndsAt,
		Conditions:            decodeOperations(doc.Conditions),
		Actions:               decodeOperations(doc.Actions),
		CreatedAt:             doc.CreatedAt,
		UpdatedAt:             doc.UpdatedAt,
	}
}

func encodeOperations(ops []domain.ConfigurableOperation) []operationDocument {
	if len(ops) == 0 {
		return nil
	}
	docs := make([]operationDocument, 0, len(ops))
	for _, op := range ops {
		doc := operationDocument{Code: op.Code}
		for _, arg := range op.Args {
			doc.Args = append(doc.Args, argDocument{Name: arg.Name, Value: arg.Value})
		}
		docs = append(docs, doc)
	}
	return docs
}

func decodeOperations(docs []operationDocument) []domain.ConfigurableOperation {
	if len(docs) == 0 {
		return nil
	}
	ops := make([]domain.ConfigurableOperation, 0, len(docs))
	for _, doc := range docs {
		op := domain.ConfigurableOperation{Code: doc.Code}
		for _, arg := range doc.Args {
			op.Args = append(op.Args, domain.ConfigArg{Name: arg.Name, Value: arg.Value})
		}
		ops = append(ops, op)
	}
	return ops
}
