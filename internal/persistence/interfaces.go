// Package persistence defines the storage contracts the collector and
// service depend on. The postgres subpackage provides the production
// implementation.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/phxdata/propflow/internal/domain"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("persistence: not found")

// SortField names the supported search orderings.
type SortField string

const (
	SortByLastUpdated  SortField = "last_updated"
	SortByCurrentPrice SortField = "current_price"
)

// SortOrder is the direction of a search ordering.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// SearchQuery bounds a zipcode search.
type SearchQuery struct {
	Zipcode   string
	Skip      int
	Limit     int
	SortBy    SortField
	SortOrder SortOrder
}

// Normalize applies defaults and clamps the paging window.
func (q SearchQuery) Normalize() SearchQuery {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	if q.Skip < 0 {
		q.Skip = 0
	}
	if q.SortBy != SortByCurrentPrice {
		q.SortBy = SortByLastUpdated
	}
	if q.SortOrder != SortAsc {
		q.SortOrder = SortDesc
	}
	return q
}

// PropertyRepo is the document store for canonical properties. One row per
// property_id; upserts merge rather than replace.
type PropertyRepo interface {
	// Create inserts a new property. A duplicate property_id fails with
	// kind validation.
	Create(ctx context.Context, p *domain.Property) (string, error)

	// Upsert inserts or merges. On merge: scalars replace, price_history
	// appends only unseen (date, price_type, source) tuples, sources
	// set-union, is_active recomputed.
	Upsert(ctx context.Context, p *domain.Property) (id string, created bool, err error)

	GetByPropertyID(ctx context.Context, id string) (*domain.Property, error)
	SearchByZipcode(ctx context.Context, q SearchQuery) ([]*domain.Property, int, error)
	GetRecentUpdates(ctx context.Context, since time.Time, limit int) ([]*domain.Property, error)
	GetPriceStatistics(ctx context.Context, zipcode string) (*domain.PriceStatistics, error)

	// AddPriceHistory appends one price entry; false when the identity
	// tuple already exists.
	AddPriceHistory(ctx context.Context, id string, entry domain.PropertyPrice) (bool, error)

	// MarkInactive deactivates terminal listings not observed since cutoff
	// and returns how many rows changed.
	MarkInactive(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// DeadLetterRepo stores exhausted work items for later requeue. The
// signatures mirror supervise.DeadLetters so the Postgres implementation
// plugs straight into the supervisor.
type DeadLetterRepo interface {
	Enqueue(ctx context.Context, item domain.DeadLetterItem) error
	List(ctx context.Context, since time.Time, limit int) ([]domain.DeadLetterItem, error)
	Requeue(ctx context.Context, id string) (*domain.DeadLetterItem, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// ReportRepo persists daily collection reports, one per UTC day.
type ReportRepo interface {
	SaveReport(ctx context.Context, r *domain.DailyReport) error
	GetReport(ctx context.Context, day time.Time) (*domain.DailyReport, error)
}
