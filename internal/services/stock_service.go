package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/repositories"
)

var (
	// ErrStockInvalidInput signals the caller provided invalid arguments.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockVariantNotFound indicates the variant could not be located.
	ErrStockVariantNotFound = errors.New("stock: variant not found")
)

// stockLedgerEntryTypes are the movement types accepted through the explicit
// recording surface. Sale and Cancellation entries are produced by order
// operations only.
var stockLedgerEntryTypes = map[domain.StockMovementType]bool{
	domain.StockMovementAdjustment: true,
	domain.StockMovementReturn:     true,
}

// StockServiceDeps bundles the collaborators required to construct a stock service.
type StockServiceDeps struct {
	Movements   repositories.StockMovementRepository
	Variants    repositories.VariantRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stockService struct {
	movements repositories.StockMovementRepository
	variants  repositories.VariantRepository
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)

	locks [orderLockStripes]sync.Mutex
}

// NewStockService wires dependencies into a concrete StockService implementation.
func NewStockService(deps StockServiceDeps) (StockService, error) {
	if deps.Movements == nil {
		return nil, errors.New("stock service: movement repository is required")
	}
	if deps.Variants == nil {
		return nil, errors.New("stock service: variant repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockService{
		movements: deps.Movements,
		variants:  deps.Variants,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *stockService) RecordMovement(ctx context.Context, cmd RecordStockMovementCommand) (StockMovement, error) {
	variantID := strings.TrimSpace(cmd.VariantID)
	if variantID == "" {
		return StockMovement{}, fmt.Errorf("%w: variant id is required", ErrStockInvalidInput)
	}
	if cmd.Quantity == 0 {
		return StockMovement{}, fmt.Errorf("%w: quantity must not be zero", ErrStockInvalidInput)
	}
	if !stockLedgerEntryTypes[cmd.Type] {
		return StockMovement{}, fmt.Errorf("%w: movement type %q cannot be recorded directly", ErrStockInvalidInput, cmd.Type)
	}

	unlock := s.lockVariant(variantID)
	defer unlock()

	if _, err := s.variants.FindByID(ctx, variantID); err != nil {
		return StockMovement{}, s.mapRepositoryError(err)
	}

	now := s.now()
	movement := StockMovement{
		ID:        movementIDPrefix + s.newID(),
		VariantID: variantID,
		Type:      cmd.Type,
		Quantity:  int(cmd.Quantity),
		CreatedAt: now,
	}
	if err := s.movements.Append(ctx, []StockMovement{movement}); err != nil {
		return StockMovement{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "stock.movement.recorded", map[string]any{
		"variant_id": variantID,
		"type":       string(cmd.Type),
		"quantity":   cmd.Quantity,
		"actor_id":   cmd.ActorID,
	})
	return movement, nil
}

// StockOnHand derives the current level: the variant's initial stock plus the
// signed sum of every ledger entry. Nothing is ever stored as a level.
func (s *stockService) StockOnHand(ctx context.Context, variantID string) (int64, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return 0, fmt.Errorf("%w: variant id is required", ErrStockInvalidInput)
	}
	variant, err := s.variants.FindByID(ctx, variantID)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	sum, err := s.movements.SumByVariant(ctx, variantID)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	return int64(variant.InitialStock) + sum, nil
}

func (s *stockService) ListMovements(ctx context.Context, variantID string, pager Pagination) (domain.CursorPage[StockMovement], error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.CursorPage[StockMovement]{}, fmt.Errorf("%w: variant id is required", ErrStockInvalidInput)
	}
	page, err := s.movements.ListByVariant(ctx, variantID, pager)
	if err != nil {
		return domain.CursorPage[StockMovement]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *stockService) lockVariant(variantID string) func() {
	h := fnv.New32a()
	h.Write([]byte(variantID))
	stripe := &s.locks[h.Sum32()%orderLockStripes]
	stripe.Lock()
	return stripe.Unlock
}

func (s *stockService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrStockVariantNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("stock: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *stockService) now() time.Time {
	return s.clock()
}
