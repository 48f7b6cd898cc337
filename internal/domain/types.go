package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Customer is the checkout-facing projection of a customer record. The core
// reads it to attach customers to orders and to evaluate group-gated
// promotions; it never mutates customer data.
type Customer struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	GroupIDs  []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProductVariant is the catalog projection consumed by the order core: price,
// stock-tracking flag and facet value ids by variant id. Catalog mutations
// happen elsewhere.
type ProductVariant struct {
	ID             string
	SKU            string
	Name           string
	Price          int64
	CurrencyCode   string
	TrackInventory bool
	FacetValueIDs  []string
	InitialStock   int
	Enabled        bool
	UpdatedAt      time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
