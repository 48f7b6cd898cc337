// Package memory provides an in-memory repositories.Registry used by local
// development mode and tests that need real storage semantics without a
// Firestore emulator.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/repositories"
)

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string      { return e.msg }
func (e *notFoundError) IsNotFound() bool   { return true }
func (e *notFoundError) IsConflict() bool   { return false }
func (e *notFoundError) IsUnavailable() bool { return false }

type conflictError struct{ msg string }

func (e *conflictError) Error() string      { return e.msg }
func (e *conflictError) IsNotFound() bool   { return false }
func (e *conflictError) IsConflict() bool   { return true }
func (e *conflictError) IsUnavailable() bool { return false }

// Registry is a mutex-guarded in-memory implementation of
// repositories.Registry. A single lock serialises all mutations, which is
// sufficient for its local-dev and test use.
type Registry struct {
	mu sync.RWMutex

	orders      map[string]domain.Order
	history     map[string]domain.HistoryEntry
	promotions  map[string]domain.Promotion
	couponUsage map[string]map[string][]string
	movements   []domain.StockMovement
	customers   map[string]domain.Customer
	variants    map[string]domain.ProductVariant
	counters    map[string]*counterState
	health      repositories.HealthRepository
}

type counterState struct {
	current int64
	step    int64
	max     *int64
}

// NewRegistry constructs an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{
		orders:      make(map[string]domain.Order),
		history:     make(map[string]domain.HistoryEntry),
		promotions:  make(map[string]domain.Promotion),
		couponUsage: make(map[string]map[string][]string),
		customers:   make(map[string]domain.Customer),
		variants:    make(map[string]domain.ProductVariant),
		counters:    make(map[string]*counterState),
	}
}

var _ repositories.Registry = (*Registry)(nil)

// Close is a no-op for the in-memory registry.
func (r *Registry) Close(ctx context.Context) error { return nil }

// RunInTx executes fn under the registry lock-free path: the in-memory
// registry offers no rollback, callers get best-effort sequencing only.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// SeedCustomer inserts a customer fixture.
func (r *Registry) SeedCustomer(customer domain.Customer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[customer.ID] = customer
}

// SeedVariant inserts a catalog variant fixture.
func (r *Registry) SeedVariant(variant domain.ProductVariant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[variant.ID] = variant
}

// SeedPromotion inserts a promotion fixture.
func (r *Registry) SeedPromotion(promotion domain.Promotion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promotions[promotion.ID] = promotion
}

// SetHealth installs the health repository returned by Health.
func (r *Registry) SetHealth(health repositories.HealthRepository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = health
}

func (r *Registry) Orders() repositories.OrderRepository                 { return (*orderRepo)(r) }
func (r *Registry) History() repositories.HistoryRepository              { return (*historyRepo)(r) }
func (r *Registry) Promotions() repositories.PromotionRepository         { return (*promotionRepo)(r) }
func (r *Registry) PromotionUsage() repositories.PromotionUsageRepository { return (*usageRepo)(r) }
func (r *Registry) StockMovements() repositories.StockMovementRepository { return (*stockRepo)(r) }
func (r *Registry) Customers() repositories.CustomerRepository           { return (*customerRepo)(r) }
func (r *Registry) Variants() repositories.VariantRepository             { return (*variantRepo)(r) }
func (r *Registry) Counters() repositories.CounterRepository             { return (*counterRepo)(r) }

func (r *Registry) Health() repositories.HealthRepository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// Orders ---------------------------------------------------------------------

type orderRepo Registry

func (r *orderRepo) Insert(ctx context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return &conflictError{msg: fmt.Sprintf("order %s already exists", order.ID)}
	}
	r.orders[order.ID] = order
	return nil
}

func (r *orderRepo) Update(ctx context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; !exists {
		return &notFoundError{msg: fmt.Sprintf("order %s not found", order.ID)}
	}
	r.orders[order.ID] = order
	return nil
}

func (r *orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, &notFoundError{msg: fmt.Sprintf("order %s not found", orderID)}
	}
	return order, nil
}

func (r *orderRepo) FindByCode(ctx context.Context, code string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, order := range r.orders {
		if order.Code == code {
			return order, nil
		}
	}
	return domain.Order{}, &notFoundError{msg: fmt.Sprintf("order with code %s not found", code)}
}

func (r *orderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var items []domain.Order
	for _, order := range r.orders {
		if filter.CustomerID != "" && order.CustomerID != filter.CustomerID {
			continue
		}
		if len(filter.States) > 0 {
			matched := false
			for _, state := range filter.States {
				if order.State == state {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if filter.DateRange.From != nil && order.CreatedAt.Before(*filter.DateRange.From) {
			continue
		}
		if filter.DateRange.To != nil && !order.CreatedAt.Before(*filter.DateRange.To) {
			continue
		}
		items = append(items, order)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if size := filter.Pagination.PageSize; size > 0 && len(items) > size {
		items = items[:size]
	}
	return domain.CursorPage[domain.Order]{Items: items}, nil
}

// History --------------------------------------------------------------------

type historyRepo Registry

func (r *historyRepo) Append(ctx context.Context, entry domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.history[entry.ID]; exists {
		return &conflictError{msg: fmt.Sprintf("history entry %s already exists", entry.ID)}
	}
	r.history[entry.ID] = entry
	return nil
}

func (r *historyRepo) ListByOrder(ctx context.Context, orderID string, filter repositories.HistoryListFilter) (domain.CursorPage[domain.HistoryEntry], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var items []domain.HistoryEntry
	for _, entry := range r.history {
		if entry.OrderID != orderID {
			continue
		}
		if len(filter.Types) > 0 {
			matched := false
			for _, entryType := range filter.Types {
				if entry.Type == entryType {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if size := filter.Pagination.PageSize; size > 0 && len(items) > size {
		items = items[:size]
	}
	return domain.CursorPage[domain.HistoryEntry]{Items: items}, nil
}

// Promotions -----------------------------------------------------------------

type promotionRepo Registry

func (r *promotionRepo) Insert(ctx context.Context, promotion domain.Promotion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.promotions[promotion.ID]; exists {
		return &conflictError{msg: fmt.Sprintf("promotion %s already exists", promotion.ID)}
	}
	r.promotions[promotion.ID] = promotion
	return nil
}

func (r *promotionRepo) Update(ctx context.Context, promotion domain.Promotion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.promotions[promotion.ID]; !exists {
		return &notFoundError{msg: fmt.Sprintf("promotion %s not found", promotion.ID)}
	}
	r.promotions[promotion.ID] = promotion
	return nil
}

func (r *promotionRepo) Delete(ctx context.Context, promotionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.promotions[promotionID]; !exists {
		return &notFoundError{msg: fmt.Sprintf("promotion %s not found", promotionID)}
	}
	delete(r.promotions, promotionID)
	return nil
}

func (r *promotionRepo) FindByID(ctx context.Context, promotionID string) (domain.Promotion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	promotion, ok := r.promotions[promotionID]
	if !ok {
		return domain.Promotion{}, &notFoundError{msg: fmt.Sprintf("promotion %s not found", promotionID)}
	}
	return promotion, nil
}

func (r *promotionRepo) FindByCouponCode(ctx context.Context, code string) (domain.Promotion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	normalized := domain.NormalizeCouponCode(code)
	for _, promotion := range r.promotions {
		if domain.NormalizeCouponCode(promotion.CouponCode) == normalized && promotion.CouponCode != "" {
			return promotion, nil
		}
	}
	return domain.Promotion{}, &notFoundError{msg: fmt.Sprintf("promotion with coupon %s not found", normalized)}
}

func (r *promotionRepo) ListActive(ctx context.Context, at time.Time) ([]domain.Promotion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var promos []domain.Promotion
	for _, promotion := range r.promotions {
		if promotion.IsActiveAt(at) {
			promos = append(promos, promotion)
		}
	}
	sort.Slice(promos, func(i, j int) bool { return promos[i].ID < promos[j].ID })
	return promos, nil
}

func (r *promotionRepo) List(ctx context.Context, filter repositories.PromotionListFilter) (domain.CursorPage[domain.Promotion], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var items []domain.Promotion
	for _, promotion := range r.promotions {
		if filter.EnabledOnly && !promotion.Enabled {
			continue
		}
		items = append(items, promotion)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if size := filter.Pagination.PageSize; size > 0 && len(items) > size {
		items = items[:size]
	}
	return domain.CursorPage[domain.Promotion]{Items: items}, nil
}

// Coupon usage ---------------------------------------------------------------

type usageRepo Registry

func (r *usageRepo) CountUsage(ctx context.Context, couponCode string, customerID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byCustomer := r.couponUsage[domain.NormalizeCouponCode(couponCode)]
	if byCustomer == nil {
		return 0, nil
	}
	return len(byCustomer[customerID]), nil
}

func (r *usageRepo) RecordUsage(ctx context.Context, couponCode string, customerID string, orderID string, now time.Time) error {
	code := domain.NormalizeCouponCode(couponCode)
	if code == "" || strings.TrimSpace(customerID) == "" {
		return errors.New("memory: coupon code and customer id are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byCustomer := r.couponUsage[code]
	if byCustomer == nil {
		byCustomer = make(map[string][]string)
		r.couponUsage[code] = byCustomer
	}
	for _, existing := range byCustomer[customerID] {
		if existing == orderID {
			return nil
		}
	}
	byCustomer[customerID] = append(byCustomer[customerID], orderID)
	return nil
}

// Stock ledger ---------------------------------------------------------------

type stockRepo Registry

func (r *stockRepo) Append(ctx context.Context, movements []domain.StockMovement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, movement := range movements {
		if movement.ID == "" || movement.VariantID == "" || movement.Quantity == 0 {
			return repositories.NewStockError(repositories.StockErrorInvalidMovement, "", nil)
		}
	}
	r.movements = append(r.movements, movements...)
	return nil
}

func (r *stockRepo) ListByVariant(ctx context.Context, variantID string, pager domain.Pagination) (domain.CursorPage[domain.StockMovement], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var items []domain.StockMovement
	for _, movement := range r.movements {
		if movement.VariantID == variantID {
			items = append(items, movement)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if size := pager.PageSize; size > 0 && len(items) > size {
		items = items[:size]
	}
	return domain.CursorPage[domain.StockMovement]{Items: items}, nil
}

func (r *stockRepo) SumByVariant(ctx context.Context, variantID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, movement := range r.movements {
		if movement.VariantID == variantID {
			total += int64(movement.Quantity)
		}
	}
	return total, nil
}

// Customers ------------------------------------------------------------------

type customerRepo Registry

func (r *customerRepo) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	customer, ok := r.customers[customerID]
	if !ok {
		return domain.Customer{}, &notFoundError{msg: fmt.Sprintf("customer %s not found", customerID)}
	}
	return customer, nil
}

func (r *customerRepo) FindByEmail(ctx context.Context, email string) (domain.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	normalized := strings.ToLower(strings.TrimSpace(email))
	for _, customer := range r.customers {
		if strings.ToLower(customer.Email) == normalized {
			return customer, nil
		}
	}
	return domain.Customer{}, &notFoundError{msg: fmt.Sprintf("customer with email %s not found", normalized)}
}

// Variants -------------------------------------------------------------------

type variantRepo Registry

func (r *variantRepo) FindByID(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	variant, ok := r.variants[variantID]
	if !ok {
		return domain.ProductVariant{}, &notFoundError{msg: fmt.Sprintf("variant %s not found", variantID)}
	}
	return variant, nil
}

func (r *variantRepo) FindByIDs(ctx context.Context, variantIDs []string) (map[string]domain.ProductVariant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]domain.ProductVariant, len(variantIDs))
	for _, id := range variantIDs {
		if variant, ok := r.variants[id]; ok {
			result[id] = variant
		}
	}
	return result, nil
}

// Counters -------------------------------------------------------------------

type counterRepo Registry

func (r *counterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if strings.TrimSpace(counterID) == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.counters[counterID]
	if state == nil {
		state = &counterState{step: 1}
		r.counters[counterID] = state
	}
	increment := step
	if increment <= 0 {
		increment = state.step
	}
	if increment <= 0 {
		increment = 1
	}
	next := state.current + increment
	if state.max != nil && next > *state.max {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("counter %s exceeded max value %d", counterID, *state.max), nil)
	}
	state.current = next
	state.step = increment
	return next, nil
}

func (r *counterRepo) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if strings.TrimSpace(counterID) == "" {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.counters[counterID]
	if state == nil {
		state = &counterState{step: 1}
		r.counters[counterID] = state
	}
	if cfg.Step > 0 {
		state.step = cfg.Step
	}
	if cfg.MaxValue != nil {
		state.max = cfg.MaxValue
	}
	if cfg.InitialValue != nil {
		state.current = *cfg.InitialValue
	}
	return nil
}
