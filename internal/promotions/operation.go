package promotions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	domain "github.com/cobalt-commerce/api/internal/domain"
)

var (
	// ErrUnknownOperation indicates a promotion references an unregistered code.
	ErrUnknownOperation = errors.New("promotions: unknown operation code")
	// ErrDuplicateOperation indicates a code was registered twice.
	ErrDuplicateOperation = errors.New("promotions: duplicate operation code")
	// ErrInvalidArgument signals an operation argument failed to parse.
	ErrInvalidArgument = errors.New("promotions: invalid operation argument")
)

// Args exposes the named string arguments of a configurable operation.
// Implementations parse their own arguments via the typed accessors.
type Args map[string]string

// ArgsFrom flattens a ConfigurableOperation's argument list into Args.
func ArgsFrom(op domain.ConfigurableOperation) Args {
	args := make(Args, len(op.Args))
	for _, arg := range op.Args {
		args[arg.Name] = arg.Value
	}
	return args
}

// Int64 parses the named argument as a base-10 integer.
func (a Args) Int64(name string) (int64, error) {
	raw := strings.TrimSpace(a[name])
	if raw == "" {
		return 0, fmt.Errorf("%w: %q is required", ErrInvalidArgument, name)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q must be an integer: %v", ErrInvalidArgument, name, err)
	}
	return value, nil
}

// Bool parses the named argument as "true"/"false", defaulting to false when
// absent.
func (a Args) Bool(name string) (bool, error) {
	raw := strings.TrimSpace(a[name])
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %q must be a boolean: %v", ErrInvalidArgument, name, err)
	}
	return value, nil
}

// IDList parses the named argument as a JSON array of string ids.
func (a Args) IDList(name string) ([]string, error) {
	raw := strings.TrimSpace(a[name])
	if raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("%w: %q must be a JSON string array: %v", ErrInvalidArgument, name, err)
	}
	return ids, nil
}

// SnapshotLine is the per-line view the engine evaluates against.
type SnapshotLine struct {
	LineID        string
	VariantID     string
	UnitPrice     int64
	Quantity      int
	FacetValueIDs []string
}

// LinePrice is the undiscounted price of the line's active units.
func (l SnapshotLine) LinePrice() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// OrderSnapshot is the immutable view of an order handed to conditions and
// actions. Building the snapshot is the caller's job; evaluation never
// touches repositories.
type OrderSnapshot struct {
	OrderID          string
	CustomerID       string
	CustomerGroupIDs []string
	CouponCodes      []string
	Lines            []SnapshotLine
}

// SubTotal is the undiscounted sum over all snapshot lines.
func (s OrderSnapshot) SubTotal() int64 {
	var total int64
	for _, line := range s.Lines {
		total += line.LinePrice()
	}
	return total
}

// Discount is a single priced reduction produced by an action. An empty
// LineID marks an order-level discount.
type Discount struct {
	LineID      string
	Description string
	Amount      int64
}

// Condition gates a promotion's actions. All of a promotion's conditions must
// pass for its actions to run.
type Condition interface {
	Code() string
	Check(snapshot OrderSnapshot, args Args) (bool, error)
}

// Action produces discounts for an order snapshot.
type Action interface {
	Code() string
	Apply(snapshot OrderSnapshot, args Args) ([]Discount, error)
}

// Registry resolves condition and action implementations by their stable
// string code. It is safe for concurrent reads after construction.
type Registry struct {
	conditions map[string]Condition
	actions    map[string]Action
}

// NewRegistry constructs a registry pre-populated with the built-in
// conditions and actions.
func NewRegistry() *Registry {
	r := &Registry{
		conditions: make(map[string]Condition),
		actions:    make(map[string]Action),
	}
	for _, c := range builtinConditions() {
		r.conditions[c.Code()] = c
	}
	for _, a := range builtinActions() {
		r.actions[a.Code()] = a
	}
	return r
}

// RegisterCondition adds a condition implementation under its code.
func (r *Registry) RegisterCondition(c Condition) error {
	if c == nil || strings.TrimSpace(c.Code()) == "" {
		return fmt.Errorf("%w: condition code is required", ErrInvalidArgument)
	}
	if _, exists := r.conditions[c.Code()]; exists {
		return fmt.Errorf("%w: condition %q", ErrDuplicateOperation, c.Code())
	}
	r.conditions[c.Code()] = c
	return nil
}

// RegisterAction adds an action implementation under its code.
func (r *Registry) RegisterAction(a Action) error {
	if a == nil || strings.TrimSpace(a.Code()) == "" {
		return fmt.Errorf("%w: action code is required", ErrInvalidArgument)
	}
	if _, exists := r.actions[a.Code()]; exists {
		return fmt.Errorf("%w: action %q", ErrDuplicateOperation, a.Code())
	}
	r.actions[a.Code()] = a
	return nil
}

// Condition resolves a registered condition by code.
func (r *Registry) Condition(code string) (Condition, error) {
	c, ok := r.conditions[code]
	if !ok {
		return nil, fmt.Errorf("%w: condition %q", ErrUnknownOperation, code)
	}
	return c, nil
}

// Action resolves a registered action by code.
func (r *Registry) Action(code string) (Action, error) {
	a, ok := r.actions[code]
	if !ok {
		return nil, fmt.Errorf("%w: action %q", ErrUnknownOperation, code)
	}
	return a, nil
}
