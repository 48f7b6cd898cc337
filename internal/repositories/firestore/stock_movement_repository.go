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

const stockMovementsCollection = "stockMovements"

type stockMovementDocument struct {
	VariantID   string    `firestore:"variantId"`
	Type        string    `firestore:"type"`
	Quantity    int64     `firestore:"quantity"`
	OrderID     string    `firestore:"orderId,omitempty"`
	OrderItemID string    `firestore:"orderItemId,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

// StockMovementRepository is the Firestore-backed append-only stock ledger.
type StockMovementRepository struct {
	base     *pfirestore.BaseRepository[stockMovementDocument]
	provider *pfirestore.Provider
}

// NewStockMovementRepository constructs a Firestore-backed stock ledger.
func NewStockMovementRepository(provider *pfirestore.Provider) (*StockMovementRepository, error) {
	if provider == nil {
		return nil, errors.New("stock movement repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[stockMovementDocument](provider, stockMovementsCollection, nil, nil)
	return &StockMovementRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Append writes the batch of movements in a single transaction. Movements are
// immutable once written.
func (r *StockMovementRepository) Append(ctx context.Context, movements []domain.StockMovement) error {
	if r == nil || r.provider == nil {
		return errors.New("stock movement repository not initialised")
	}
	if len(movements) == 0 {
		return nil
	}
	for _, movement := range movements {
		if strings.TrimSpace(movement.ID) == "" || strings.TrimSpace(movement.VariantID) == "" {
			return repositories.NewStockError(repositories.StockErrorInvalidMovement, "movement id and variant id are required", nil)
		}
		if movement.Quantity == 0 {
			return repositories.NewStockError(repositories.StockErrorInvalidMovement, fmt.Sprintf("movement %s has zero quantity", movement.ID), nil)
		}
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, movement := range movements {
			ref, err := r.base.DocumentRef(ctx, movement.ID)
			if err != nil {
				return err
			}
			doc := stockMovementDocument{
				VariantID:   movement.VariantID,
				Type:        string(movement.Type),
				Quantity:    int64(movement.Quantity),
				OrderID:     movement.OrderID,
				OrderItemID: movement.OrderItemID,
				CreatedAt:   movement.CreatedAt.UTC(),
			}
			if err := tx.Create(ref, doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pfirestore.WrapError("stockMovements.append", err)
	}
	return nil
}

// ListByVariant returns the ledger entries for a variant, newest first.
func (r *StockMovementRepository) ListByVariant(ctx context.Context, variantID string, pager domain.Pagination) (domain.CursorPage[domain.StockMovement], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.StockMovement]{}, errors.New("stock movement repository not initialised")
	}
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.CursorPage[domain.StockMovement]{}, errors.New("stock movement repository: variant id is required")
	}

	limit := pager.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		tokenTime, tokenID, err := decodeListCursor(token)
		if err != nil {
			return domain.CursorPage[domain.StockMovement]{}, fmt.Errorf("stock movement repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("variantId", "==", variantID).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.StockMovement]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		nextToken = encodeListCursor(last.Data.CreatedAt, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.StockMovement, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeStockMovement(doc.ID, doc.Data))
	}
	return domain.CursorPage[domain.StockMovement]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// SumByVariant folds the ledger into the variant's net movement quantity.
func (r *StockMovementRepository) SumByVariant(ctx context.Context, variantID string) (int64, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("stock movement repository not initialised")
	}
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return 0, errors.New("stock movement repository: variant id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("variantId", "==", variantID)
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, doc := range docs {
		total += doc.Data.Quantity
	}
	return total, nil
}

func decodeStockMovement(id string, doc stockMovementDocument) domain.StockMovement {
	return domain.StockMovement{
		ID:          id,
		VariantID:   doc.VariantID,
		Type:        domain.StockMovementType(doc.Type),
		Quantity:    int(doc.Quantity),
		OrderID:     doc.OrderID,
		OrderItemID: doc.OrderItemID,
		CreatedAt:   doc.CreatedAt,
	}
}
