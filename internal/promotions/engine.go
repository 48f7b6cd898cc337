package promotions

import (
	"errors"
	"fmt"
	"time"

	domain "github.com/cobalt-commerce/api/internal/domain"
)

// ErrEngineInvalidInput indicates invalid engine construction parameters.
var ErrEngineInvalidInput = errors.New("promotions: invalid input")

// Result is the outcome of one evaluation pass: order-level adjustments,
// line-level adjustments keyed by line id, and the ids of the promotions
// that contributed at least one adjustment.
type Result struct {
	OrderAdjustments    []domain.Adjustment
	LineAdjustments     map[string][]domain.Adjustment
	AppliedPromotionIDs []string
}

// EngineDeps bundles Engine dependencies.
type EngineDeps struct {
	Registry *Registry
	Logger   func(event string, fields map[string]any)
}

// Engine evaluates promotions against order snapshots. Evaluation is a pure
// function of the snapshot, the promotion set, and the evaluation time; the
// engine holds no per-order state and is safe for concurrent use.
type Engine struct {
	registry *Registry
	logger   func(event string, fields map[string]any)
}

// NewEngine constructs an Engine.
func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrEngineInvalidInput)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(string, map[string]any) {}
	}
	return &Engine{registry: deps.Registry, logger: logger}, nil
}

// Evaluate runs every candidate promotion against the snapshot and collects
// the resulting adjustments. A promotion is a candidate when it is enabled,
// its time window includes now, and — when it carries a coupon code — that
// code is present in the snapshot's coupon list. All of a promotion's
// conditions must pass for its actions to run. A promotion whose operations
// reference an unregistered code or carry malformed arguments is skipped,
// not fatal: one broken promotion must not take down pricing for the order.
func (e *Engine) Evaluate(snapshot OrderSnapshot, promos []domain.Promotion, now time.Time) Result {
	result := Result{LineAdjustments: make(map[string][]domain.Adjustment)}
	applied := make(map[string]string)
	for _, code := range snapshot.CouponCodes {
		applied[domain.NormalizeCouponCode(code)] = code
	}
	for _, promo := range promos {
		if !promo.IsActiveAt(now) {
			continue
		}
		if promo.CouponCode != "" {
			if _, ok := applied[domain.NormalizeCouponCode(promo.CouponCode)]; !ok {
				continue
			}
		}
		contributed, err := e.evaluateOne(snapshot, promo, &result)
		if err != nil {
			e.logger("promotion.evaluate.skipped", map[string]any{
				"order_id":     snapshot.OrderID,
				"promotion_id": promo.ID,
				"error":        err.Error(),
			})
			continue
		}
		if contributed {
			result.AppliedPromotionIDs = append(result.AppliedPromotionIDs, promo.ID)
		}
	}
	return result
}

func (e *Engine) evaluateOne(snapshot OrderSnapshot, promo domain.Promotion, result *Result) (bool, error) {
	for _, op := range promo.Conditions {
		condition, err := e.registry.Condition(op.Code)
		if err != nil {
			return false, err
		}
		ok, err := condition.Check(snapshot, ArgsFrom(op))
		if err != nil {
			return false, fmt.Errorf("condition %q: %w", op.Code, err)
		}
		if !ok {
			return false, nil
		}
	}
	// Adjustments are buffered per promotion: a skipped promotion (any action
	// erroring) must contribute nothing, including from actions that already
	// ran.
	var (
		orderAdjustments []domain.Adjustment
		lineAdjustments  map[string][]domain.Adjustment
	)
	contributed := false
	for _, op := range promo.Actions {
		action, err := e.registry.Action(op.Code)
		if err != nil {
			return false, err
		}
		discounts, err := action.Apply(snapshot, ArgsFrom(op))
		if err != nil {
			return false, fmt.Errorf("action %q: %w", op.Code, err)
		}
		for _, d := range discounts {
			adjustment := domain.Adjustment{
				Type:        domain.AdjustmentTypePromotion,
				SourceID:    promo.ID,
				Description: promo.Name,
				Amount:      d.Amount,
			}
			if d.Description != "" {
				adjustment.Description = fmt.Sprintf("%s: %s", promo.Name, d.Description)
			}
			if d.LineID == "" {
				orderAdjustments = append(orderAdjustments, adjustment)
			} else {
				if lineAdjustments == nil {
					lineAdjustments = make(map[string][]domain.Adjustment)
				}
				lineAdjustments[d.LineID] = append(lineAdjustments[d.LineID], adjustment)
			}
			contributed = true
		}
	}

	result.OrderAdjustments = append(result.OrderAdjustments, orderAdjustments...)
	for lineID, adjustments := range lineAdjustments {
		result.LineAdjustments[lineID] = append(result.LineAdjustments[lineID], adjustments...)
	}
	return contributed, nil
}
