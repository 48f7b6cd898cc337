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

const orderHistoryCollection = "orderHistory"

type historyEntryDocument struct {
	OrderID   string         `firestore:"orderId"`
	Type      string         `firestore:"type"`
	Data      map[string]any `firestore:"data,omitempty"`
	ActorID   string         `firestore:"actorId,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

// HistoryRepository is the Firestore-backed append-only order history sink.
type HistoryRepository struct {
	base     *pfirestore.BaseRepository[historyEntryDocument]
	provider *pfirestore.Provider
}

// NewHistoryRepository constructs a Firestore-backed history repository.
func NewHistoryRepository(provider *pfirestore.Provider) (*HistoryRepository, error) {
	if provider == nil {
		return nil, errors.New("history repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[historyEntryDocument](provider, orderHistoryCollection, nil, nil)
	return &HistoryRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Append writes the entry. Entries are never updated or deleted.
func (r *HistoryRepository) Append(ctx context.Context, entry domain.HistoryEntry) error {
	if r == nil || r.base == nil {
		return errors.New("history repository not initialised")
	}
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return errors.New("history repository: entry id is required")
	}
	if strings.TrimSpace(entry.OrderID) == "" {
		return errors.New("history repository: order id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	doc := historyEntryDocument{
		OrderID:   entry.OrderID,
		Type:      string(entry.Type),
		Data:      entry.Data,
		ActorID:   entry.ActorID,
		CreatedAt: entry.CreatedAt.UTC(),
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orderHistory.append", err)
	}
	return nil
}

// ListByOrder returns the order's history, newest first.
func (r *HistoryRepository) ListByOrder(ctx context.Context, orderID string, filter repositories.HistoryListFilter) (domain.CursorPage[domain.HistoryEntry], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.HistoryEntry]{}, errors.New("history repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[domain.HistoryEntry]{}, errors.New("history repository: order id is required")
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
			return domain.CursorPage[domain.HistoryEntry]{}, fmt.Errorf("history repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	types := make([]string, 0, len(filter.Types))
	for _, entryType := range filter.Types {
		if trimmed := strings.TrimSpace(string(entryType)); trimmed != "" {
			types = append(types, trimmed)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("orderId", "==", orderID)
		if len(types) == 1 {
			q = q.Where("type", "==", types[0])
		} else if len(types) > 1 {
			if len(types) > 10 {
				types = types[:10]
			}
			q = q.Where("type", "in", types)
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
		return domain.CursorPage[domain.HistoryEntry]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		nextToken = encodeListCursor(last.Data.CreatedAt, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.HistoryEntry, 0, len(docs))
	for _, doc := range docs {
		items = append(items, domain.HistoryEntry{
			ID:        doc.ID,
			OrderID:   doc.Data.OrderID,
			Type:      domain.HistoryEntryType(doc.Data.Type),
			Data:      doc.Data.Data,
			ActorID:   doc.Data.ActorID,
			CreatedAt: doc.Data.CreatedAt,
		})
	}
	return domain.CursorPage[domain.HistoryEntry]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}
