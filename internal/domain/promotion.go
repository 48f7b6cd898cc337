package domain

import (
	"strings"
	"time"
)

// ConfigArg is a single named, string-valued argument of a configurable
// operation. Implementations parse their own arguments.
type ConfigArg struct {
	Name  string
	Value string
}

// ConfigurableOperation references a registered condition or action
// implementation by code together with its arguments. New promotion logic is
// added by registering implementations, not by extending core types.
type ConfigurableOperation struct {
	Code string
	Args []ConfigArg
}

// Arg returns the named argument value, or the empty string when absent.
func (op ConfigurableOperation) Arg(name string) string {
	for _, arg := range op.Args {
		if arg.Name == name {
			return arg.Value
		}
	}
	return ""
}

// Promotion is a set of conditions gating a set of actions, optionally coupon
// gated and time windowed.
type Promotion struct {
	ID                    string
	Name                  string
	Enabled               bool
	CouponCode            string
	PerCustomerUsageLimit *int
	StartsAt              *time.Time
	EndsAt                *time.Time
	Conditions            []ConfigurableOperation
	Actions               []ConfigurableOperation
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsActiveAt reports whether the promotion is enabled and inside its optional
// time window at the given instant.
func (p Promotion) IsActiveAt(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && now.After(*p.EndsAt) {
		return false
	}
	return true
}

// HasExpiredAt reports whether the promotion's window has closed.
func (p Promotion) HasExpiredAt(now time.Time) bool {
	return p.EndsAt != nil && now.After(*p.EndsAt)
}

// NormalizeCouponCode canonicalises coupon codes for comparison and storage.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
