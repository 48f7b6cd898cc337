package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/promotions"
	"github.com/cobalt-commerce/api/internal/repositories"
)

const promotionIDPrefix = "prm_"

// PromotionServiceDeps bundles dependencies required to construct a PromotionService implementation.
type PromotionServiceDeps struct {
	Promotions  repositories.PromotionRepository
	Operations  *promotions.Registry
	Clock       func() time.Time
	IDGenerator func() string
}

type promotionService struct {
	repo       repositories.PromotionRepository
	operations *promotions.Registry
	clock      func() time.Time
	newID      func() string
}

// NewPromotionService wires a PromotionService backed by the provided repositories.
func NewPromotionService(deps PromotionServiceDeps) (PromotionService, error) {
	if deps.Promotions == nil {
		return nil, ErrPromotionRepositoryMissing
	}
	if deps.Operations == nil {
		return nil, errors.New("promotion service: operation registry is required")
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
	return &promotionService{
		repo:       deps.Promotions,
		operations: deps.Operations,
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
	}, nil
}

func (s *promotionService) CreatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error) {
	promo, err := s.buildPromotion(cmd)
	if err != nil {
		return Promotion{}, err
	}

	now := s.clock()
	promo.ID = promotionIDPrefix + s.newID()
	promo.CreatedAt = now
	promo.UpdatedAt = now

	if promo.CouponCode != "" {
		if err := s.ensureCouponUnique(ctx, promo.CouponCode, ""); err != nil {
			return Promotion{}, err
		}
	}
	if err := s.repo.Insert(ctx, promo); err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}
	return promo, nil
}

func (s *promotionService) UpdatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error) {
	promotionID := strings.TrimSpace(cmd.PromotionID)
	if promotionID == "" {
		return Promotion{}, ErrPromotionInvalidInput
	}
	existing, err := s.repo.FindByID(ctx, promotionID)
	if err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}

	promo, err := s.buildPromotion(cmd)
	if err != nil {
		return Promotion{}, err
	}
	promo.ID = existing.ID
	promo.CreatedAt = existing.CreatedAt
	promo.UpdatedAt = s.clock()

	if promo.CouponCode != "" && promo.CouponCode != existing.CouponCode {
		if err := s.ensureCouponUnique(ctx, promo.CouponCode, existing.ID); err != nil {
			return Promotion{}, err
		}
	}
	if err := s.repo.Update(ctx, promo); err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}
	return promo, nil
}

func (s *promotionService) DeletePromotion(ctx context.Context, promotionID string) error {
	if strings.TrimSpace(promotionID) == "" {
		return ErrPromotionInvalidInput
	}
	if err := s.repo.Delete(ctx, promotionID); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *promotionService) GetPromotion(ctx context.Context, promotionID string) (Promotion, error) {
	if strings.TrimSpace(promotionID) == "" {
		return Promotion{}, ErrPromotionInvalidInput
	}
	promo, err := s.repo.FindByID(ctx, promotionID)
	if err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}
	return promo, nil
}

func (s *promotionService) ListPromotions(ctx context.Context, filter PromotionListFilter) (domain.CursorPage[Promotion], error) {
	page, err := s.repo.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Promotion]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// buildPromotion validates the command and resolves every condition and
// action code against the operation registry, so that a definition which
// would break at evaluation time is rejected at write time.
func (s *promotionService) buildPromotion(cmd UpsertPromotionCommand) (Promotion, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return Promotion{}, fmt.Errorf("%w: name is required", ErrPromotionInvalidInput)
	}
	if len(cmd.Actions) == 0 {
		return Promotion{}, fmt.Errorf("%w: at least one action is required", ErrPromotionInvalidInput)
	}
	if cmd.StartsAt != nil && cmd.EndsAt != nil && cmd.EndsAt.Before(*cmd.StartsAt) {
		return Promotion{}, fmt.Errorf("%w: endsAt precedes startsAt", ErrPromotionInvalidInput)
	}
	if cmd.PerCustomerUsageLimit != nil && *cmd.PerCustomerUsageLimit < 1 {
		return Promotion{}, fmt.Errorf("%w: per-customer usage limit must be at least 1", ErrPromotionInvalidInput)
	}

	for _, op := range cmd.Conditions {
		if _, err := s.operations.Condition(op.Code); err != nil {
			return Promotion{}, fmt.Errorf("%w: unknown condition %q", ErrPromotionInvalidInput, op.Code)
		}
	}
	for _, op := range cmd.Actions {
		if _, err := s.operations.Action(op.Code); err != nil {
			return Promotion{}, fmt.Errorf("%w: unknown action %q", ErrPromotionInvalidInput, op.Code)
		}
	}

	promo := Promotion{
		Name:       name,
		Enabled:    cmd.Enabled,
		CouponCode: domain.NormalizeCouponCode(cmd.CouponCode),
		Conditions: cmd.Conditions,
		Actions:    cmd.Actions,
	}
	if cmd.PerCustomerUsageLimit != nil {
		limit := *cmd.PerCustomerUsageLimit
		promo.PerCustomerUsageLimit = &limit
	}
	if cmd.StartsAt != nil {
		t := cmd.StartsAt.UTC()
		promo.StartsAt = &t
	}
	if cmd.EndsAt != nil {
		t := cmd.EndsAt.UTC()
		promo.EndsAt = &t
	}
	return promo, nil
}

func (s *promotionService) ensureCouponUnique(ctx context.Context, code string, selfID string) error {
	existing, err := s.repo.FindByCouponCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return s.mapRepositoryError(err)
	}
	if existing.ID != selfID {
		return fmt.Errorf("%w: coupon code %s is already in use", ErrPromotionConflict, code)
	}
	return nil
}

func (s *promotionService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPromotionNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPromotionConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("promotion service: repository unavailable: %w", err)
		}
	}

	return err
}
