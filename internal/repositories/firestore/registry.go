package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/cobalt-commerce/api/internal/platform/firestore"
	"github.com/cobalt-commerce/api/internal/repositories"
)

// Registry bundles the Firestore repository set behind the
// repositories.Registry interface. RunInTx executes the callback inside a
// Firestore transaction when callers need cross-repository atomicity.
type Registry struct {
	provider *pfirestore.Provider

	orders         *OrderRepository
	history        *HistoryRepository
	promotions     *PromotionRepository
	promotionUsage *PromotionUsageRepository
	stockMovements *StockMovementRepository
	customers      *CustomerRepository
	variants       *VariantRepository
	counters       *CounterRepository
	health         repositories.HealthRepository
}

// NewRegistry constructs the full repository set over one provider.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	history, err := NewHistoryRepository(provider)
	if err != nil {
		return nil, err
	}
	promotions, err := NewPromotionRepository(provider)
	if err != nil {
		return nil, err
	}
	promotionUsage, err := NewPromotionUsageRepository(provider)
	if err != nil {
		return nil, err
	}
	stockMovements, err := NewStockMovementRepository(provider)
	if err != nil {
		return nil, err
	}
	customers, err := NewCustomerRepository(provider)
	if err != nil {
		return nil, err
	}
	variants, err := NewVariantRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:       provider,
		orders:         orders,
		history:        history,
		promotions:     promotions,
		promotionUsage: promotionUsage,
		stockMovements: stockMovements,
		customers:      customers,
		variants:       variants,
		counters:       counters,
		health:         health,
	}, nil
}

var _ repositories.Registry = (*Registry)(nil)

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) History() repositories.HistoryRepository              { return r.history }
func (r *Registry) Promotions() repositories.PromotionRepository         { return r.promotions }
func (r *Registry) PromotionUsage() repositories.PromotionUsageRepository { return r.promotionUsage }
func (r *Registry) StockMovements() repositories.StockMovementRepository { return r.stockMovements }
func (r *Registry) Customers() repositories.CustomerRepository           { return r.customers }
func (r *Registry) Variants() repositories.VariantRepository             { return r.variants }
func (r *Registry) Counters() repositories.CounterRepository             { return r.counters }
func (r *Registry) Health() repositories.HealthRepository                { return r.health }

// RunInTx runs fn inside a Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}
