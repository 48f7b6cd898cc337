package promotions

import "fmt"

func builtinConditions() []Condition {
	return []Condition{
		minimumOrderAmountCondition{},
		containsFacetValuesCondition{},
		customerGroupCondition{},
	}
}

// minimumOrderAmountCondition passes when the order's undiscounted subtotal
// reaches the configured amount in minor units.
type minimumOrderAmountCondition struct{}

func (minimumOrderAmountCondition) Code() string { return "minimum_order_amount" }

func (minimumOrderAmountCondition) Check(snapshot OrderSnapshot, args Args) (bool, error) {
	amount, err := args.Int64("amount")
	if err != nil {
		return false, err
	}
	return snapshot.SubTotal() >= amount, nil
}

// containsFacetValuesCondition passes when the order contains at least one
// non-cancelled unit whose variant carries the configured facet values. With
// containsAny set, a unit matching any one listed facet counts; otherwise a
// unit must carry every listed facet.
type containsFacetValuesCondition struct{}

func (containsFacetValuesCondition) Code() string { return "contains_facet_values" }

func (containsFacetValuesCondition) Check(snapshot OrderSnapshot, args Args) (bool, error) {
	facetIDs, err := args.IDList("facets")
	if err != nil {
		return false, err
	}
	containsAny, err := args.Bool("containsAny")
	if err != nil {
		return false, err
	}
	if len(facetIDs) == 0 {
		return false, nil
	}
	for _, line := range snapshot.Lines {
		if line.Quantity > 0 && lineMatchesFacets(line, facetIDs, containsAny) {
			return true, nil
		}
	}
	return false, nil
}

func lineMatchesFacets(line SnapshotLine, facetIDs []string, containsAny bool) bool {
	have := make(map[string]struct{}, len(line.FacetValueIDs))
	for _, id := range line.FacetValueIDs {
		have[id] = struct{}{}
	}
	if containsAny {
		for _, id := range facetIDs {
			if _, ok := have[id]; ok {
				return true
			}
		}
		return false
	}
	for _, id := range facetIDs {
		if _, ok := have[id]; !ok {
			return false
		}
	}
	return true
}

// customerGroupCondition passes when the order's customer belongs to the
// configured group. Guest orders never match.
type customerGroupCondition struct{}

func (customerGroupCondition) Code() string { return "customer_group" }

func (customerGroupCondition) Check(snapshot OrderSnapshot, args Args) (bool, error) {
	groupID := args["customerGroupId"]
	if groupID == "" {
		return false, fmt.Errorf("%w: %q is required", ErrInvalidArgument, "customerGroupId")
	}
	if snapshot.CustomerID == "" {
		return false, nil
	}
	for _, id := range snapshot.CustomerGroupIDs {
		if id == groupID {
			return true, nil
		}
	}
	return false, nil
}
