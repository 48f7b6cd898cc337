package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/cobalt-commerce/api/internal/domain"
	pfirestore "github.com/cobalt-commerce/api/internal/platform/firestore"
)

const variantsCollection = "productVariants"

type variantDocument struct {
	SKU            string    `firestore:"sku"`
	Name           string    `firestore:"name"`
	Price          int64     `firestore:"price"`
	CurrencyCode   string    `firestore:"currencyCode"`
	TrackInventory bool      `firestore:"trackInventory"`
	FacetValueIDs  []string  `firestore:"facetValueIds,omitempty"`
	InitialStock   int64     `firestore:"initialStock"`
	Enabled        bool      `firestore:"enabled"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

// VariantRepository reads the catalog projection the order core needs. The
// catalog service owns writes; this repository is read only.
type VariantRepository struct {
	base     *pfirestore.BaseRepository[variantDocument]
	provider *pfirestore.Provider
}

// NewVariantRepository constructs a Firestore-backed variant repository.
func NewVariantRepository(provider *pfirestore.Provider) (*VariantRepository, error) {
	if provider == nil {
		return nil, errors.New("variant repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[variantDocument](provider, variantsCollection, nil, nil)
	return &VariantRepository{
		base:     base,
		provider: provider,
	}, nil
}

// FindByID loads a variant by document id.
func (r *VariantRepository) FindByID(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	if r == nil || r.base == nil {
		return domain.ProductVariant{}, errors.New("variant repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(variantID))
	if err != nil {
		return domain.ProductVariant{}, err
	}
	return decodeVariantDocument(doc.ID, doc.Data), nil
}

// FindByIDs loads a batch of variants keyed by id. Missing ids are simply
// absent from the result; callers decide whether that is an error.
func (r *VariantRepository) FindByIDs(ctx context.Context, variantIDs []string) (map[string]domain.ProductVariant, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("variant repository not initialised")
	}
	unique := make([]string, 0, len(variantIDs))
	seen := make(map[string]struct{}, len(variantIDs))
	for _, id := range variantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	result := make(map[string]domain.ProductVariant, len(unique))
	if len(unique) == 0 {
		return result, nil
	}

	// Firestore in clauses are capped at 30 document ids per query.
	for start := 0; start < len(unique); start += 30 {
		end := start + 30
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[start:end]
		docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where(firestore.DocumentID, "in", chunk)
		})
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			result[doc.ID] = decodeVariantDocument(doc.ID, doc.Data)
		}
	}
	return result, nil
}

func decodeVariantDocument(id string, doc variantDocument) domain.ProductVariant {
	return domain.ProductVariant{
		ID:             id,
		SKU:            doc.SKU,
		Name:           doc.Name,
		Price:          doc.Price,
		CurrencyCode:   doc.CurrencyCode,
		TrackInventory: doc.TrackInventory,
		FacetValueIDs:  append([]string(nil), doc.FacetValueIDs...),
		InitialStock:   int(doc.InitialStock),
		Enabled:        doc.Enabled,
		UpdatedAt:      doc.UpdatedAt,
	}
}
