package promotions

import "fmt"

func builtinActions() []Action {
	return []Action{
		orderPercentageDiscountAction{},
		orderFixedDiscountAction{},
		facetPercentageDiscountAction{},
	}
}

// orderPercentageDiscountAction discounts the order subtotal by a whole
// percentage, producing a single order-level discount.
type orderPercentageDiscountAction struct{}

func (orderPercentageDiscountAction) Code() string { return "order_percentage_discount" }

func (orderPercentageDiscountAction) Apply(snapshot OrderSnapshot, args Args) ([]Discount, error) {
	pct, err := args.Int64("discount")
	if err != nil {
		return nil, err
	}
	if pct < 0 || pct > 100 {
		return nil, fmt.Errorf("%w: %q must be between 0 and 100", ErrInvalidArgument, "discount")
	}
	amount := -(snapshot.SubTotal() * pct) / 100
	if amount == 0 {
		return nil, nil
	}
	return []Discount{{
		Description: fmt.Sprintf("%d%% off order", pct),
		Amount:      amount,
	}}, nil
}

// orderFixedDiscountAction subtracts a fixed amount in minor units from the
// order. The engine's caller floors the final total at zero, so the amount
// here is not clamped to the subtotal.
type orderFixedDiscountAction struct{}

func (orderFixedDiscountAction) Code() string { return "order_fixed_discount" }

func (orderFixedDiscountAction) Apply(snapshot OrderSnapshot, args Args) ([]Discount, error) {
	amount, err := args.Int64("amount")
	if err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: %q must not be negative", ErrInvalidArgument, "amount")
	}
	if amount == 0 {
		return nil, nil
	}
	return []Discount{{
		Description: "fixed discount",
		Amount:      -amount,
	}}, nil
}

// facetPercentageDiscountAction discounts the price of every line whose
// variant carries the configured facet values, producing one discount per
// matching line.
type facetPercentageDiscountAction struct{}

func (facetPercentageDiscountAction) Code() string { return "facet_percentage_discount" }

func (facetPercentageDiscountAction) Apply(snapshot OrderSnapshot, args Args) ([]Discount, error) {
	pct, err := args.Int64("discount")
	if err != nil {
		return nil, err
	}
	if pct < 0 || pct > 100 {
		return nil, fmt.Errorf("%w: %q must be between 0 and 100", ErrInvalidArgument, "discount")
	}
	facetIDs, err := args.IDList("facets")
	if err != nil {
		return nil, err
	}
	containsAny, err := args.Bool("containsAny")
	if err != nil {
		return nil, err
	}
	if len(facetIDs) == 0 {
		return nil, nil
	}
	var discounts []Discount
	for _, line := range snapshot.Lines {
		if line.Quantity == 0 || !lineMatchesFacets(line, facetIDs, containsAny) {
			continue
		}
		amount := -(line.LinePrice() * pct) / 100
		if amount == 0 {
			continue
		}
		discounts = append(discounts, Discount{
			LineID:      line.LineID,
			Description: fmt.Sprintf("%d%% off matching items", pct),
			Amount:      amount,
		})
	}
	return discounts, nil
}
