package repositories

import (
	"context"
	"time"

	domain "github.com/cobalt-commerce/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	History() HistoryRepository
	Promotions() PromotionRepository
	PromotionUsage() PromotionUsageRepository
	StockMovements() StockMovementRepository
	Customers() CustomerRepository
	Variants() VariantRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists the order aggregate: header, lines, items,
// payments, refunds, fulfillments and adjustments travel as one document.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByCode(ctx context.Context, code string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// HistoryRepository is the append-only sink for order history entries.
type HistoryRepository interface {
	Append(ctx context.Context, entry domain.HistoryEntry) error
	ListByOrder(ctx context.Context, orderID string, filter HistoryListFilter) (domain.CursorPage[domain.HistoryEntry], error)
}

// PromotionRepository maintains promotion definitions.
type PromotionRepository interface {
	Insert(ctx context.Context, promotion domain.Promotion) error
	Update(ctx context.Context, promotion domain.Promotion) error
	Delete(ctx context.Context, promotionID string) error
	FindByID(ctx context.Context, promotionID string) (domain.Promotion, error)
	FindByCouponCode(ctx context.Context, code string) (domain.Promotion, error)
	ListActive(ctx context.Context, at time.Time) ([]domain.Promotion, error)
	List(ctx context.Context, filter PromotionListFilter) (domain.CursorPage[domain.Promotion], error)
}

// PromotionUsageRepository tracks per-customer settled-order coupon usage,
// consulted when enforcing perCustomerUsageLimit.
type PromotionUsageRepository interface {
	CountUsage(ctx context.Context, couponCode string, customerID string) (int, error)
	RecordUsage(ctx context.Context, couponCode string, customerID string, orderID string, now time.Time) error
}

// StockMovementRepository is the append-only stock ledger. Stock on hand is
// derived, never stored: initial stock plus the sum of movement quantities.
type StockMovementRepository interface {
	Append(ctx context.Context, movements []domain.StockMovement) error
	ListByVariant(ctx context.Context, variantID string, pager domain.Pagination) (domain.CursorPage[domain.StockMovement], error)
	SumByVariant(ctx context.Context, variantID string) (int64, error)
}

// CustomerRepository reads customer profiles and group membership.
type CustomerRepository interface {
	FindByID(ctx context.Context, customerID string) (domain.Customer, error)
	FindByEmail(ctx context.Context, email string) (domain.Customer, error)
}

// VariantRepository reads catalog data the order core depends on: price,
// stock-tracking flag and facet value ids. The core never mutates catalog
// entities.
type VariantRepository interface {
	FindByID(ctx context.Context, variantID string) (domain.ProductVariant, error)
	FindByIDs(ctx context.Context, variantIDs []string) (map[string]domain.ProductVariant, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	CustomerID string
	States     []domain.OrderState
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type PromotionListFilter struct {
	EnabledOnly bool
	Pagination  domain.Pagination
}

type HistoryListFilter struct {
	Types      []domain.HistoryEntryType
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
