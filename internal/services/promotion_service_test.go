package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/cobalt-commerce/api/internal/domain"
	"github.com/cobalt-commerce/api/internal/promotions"
)

func newPromotionFixture(t *testing.T) (PromotionService, *stubPromotionRepo) {
	t.Helper()

	repo := &stubPromotionRepo{}
	svc, err := NewPromotionService(PromotionServiceDeps{
		Promotions:  repo,
		Operations:  promotions.NewRegistry(),
		Clock:       func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) },
		IDGenerator: func() string { return "FIXED" },
	})
	if err != nil {
		t.Fatalf("new promotion service: %v", err)
	}
	return svc, repo
}

func TestPromotionServiceCreate(t *testing.T) {
	svc, repo := newPromotionFixture(t)

	promo, err := svc.CreatePromotion(context.Background(), UpsertPromotionCommand{
		Name:       "Spring sale",
		Enabled:    true,
		CouponCode: "spring20",
		Conditions: []domain.ConfigurableOperation{
			{Code: "minimum_order_amount", Args: []domain.ConfigArg{{Name: "amount", Value: "5000"}}},
		},
		Actions: []domain.ConfigurableOperation{
			{Code: "order_percentage_discount", Args: []domain.ConfigArg{{Name: "discount", Value: "20"}}},
		},
	})
	if err != nil {
		t.Fatalf("create promotion: %v", err)
	}
	if promo.ID != "prm_FIXED" {
		t.Fatalf("unexpected id %s", promo.ID)
	}
	if promo.CouponCode != "SPRING20" {
		t.Fatalf("expected normalised coupon code, got %s", promo.CouponCode)
	}
	if len(repo.promos) != 1 {
		t.Fatalf("expected promotion persisted")
	}
}

func TestPromotionServiceValidation(t *testing.T) {
	svc, _ := newPromotionFixture(t)
	ctx := context.Background()

	_, err := svc.CreatePromotion(ctx, UpsertPromotionCommand{Name: "No actions", Enabled: true})
	if !errors.Is(err, ErrPromotionInvalidInput) {
		t.Fatalf("expected rejection without actions, got %v", err)
	}

	_, err = svc.CreatePromotion(ctx, UpsertPromotionCommand{
		Name: "Bad action",
		Actions: []domain.ConfigurableOperation{
			{Code: "does_not_exist"},
		},
	})
	if !errors.Is(err, ErrPromotionInvalidInput) {
		t.Fatalf("expected unknown action rejection, got %v", err)
	}

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, err = svc.CreatePromotion(ctx, UpsertPromotionCommand{
		Name:     "Backwards window",
		StartsAt: &start,
		EndsAt:   &end,
		Actions: []domain.ConfigurableOperation{
			{Code: "order_fixed_discount", Args: []domain.ConfigArg{{Name: "amount", Value: "100"}}},
		},
	})
	if !errors.Is(err, ErrPromotionInvalidInput) {
		t.Fatalf("expected window rejection, got %v", err)
	}
}

func TestPromotionServiceDuplicateCoupon(t *testing.T) {
	svc, repo := newPromotionFixture(t)
	repo.promos = []domain.Promotion{{ID: "prm_other", CouponCode: "TAKEN"}}

	_, err := svc.CreatePromotion(context.Background(), UpsertPromotionCommand{
		Name:       "Clash",
		CouponCode: "taken",
		Actions: []domain.ConfigurableOperation{
			{Code: "order_fixed_discount", Args: []domain.ConfigArg{{Name: "amount", Value: "100"}}},
		},
	})
	if !errors.Is(err, ErrPromotionConflict) {
		t.Fatalf("expected coupon conflict, got %v", err)
	}
}

func TestPromotionServiceGetNotFound(t *testing.T) {
	svc, _ := newPromotionFixture(t)

	_, err := svc.GetPromotion(context.Background(), "prm_missing")
	if !errors.Is(err, ErrPromotionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
