package domain

import (
	"encoding/json"
	"time"
)

// PriceStatistics summarizes current prices over a set of properties.
type PriceStatistics struct {
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// DailyReport summarizes one collector run. There is one report per UTC
// day; re-runs replace the existing report for that day.
type DailyReport struct {
	ReportDate      time.Time       `json:"report_date"`
	CountsBySource  map[string]int  `json:"counts_by_source"`
	CountsByZipcode map[string]int  `json:"counts_by_zipcode"`
	PriceStats      PriceStatistics `json:"price_statistics"`
	QualityScore    float64         `json:"quality_score"`
	ErrorCount      int             `json:"error_count"`
	WarningCount    int             `json:"warning_count"`
	DurationSeconds float64         `json:"duration_seconds"`
	RequestsMade    int             `json:"requests_made"`
	RateLimitHits   int             `json:"rate_limit_hits"`
}

// Day returns the UTC day the report covers, truncated to midnight.
func (r *DailyReport) Day() time.Time {
	d := r.ReportDate.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// DeadLetterItem is a work item that exhausted retries or failed
// non-retryably, preserved with enough context to requeue it later.
// Message must already be sanitized before the item is constructed.
type DeadLetterItem struct {
	ID            string          `json:"id"`
	Source        string          `json:"source"`
	Component     string          `json:"component"`
	ErrorKind     string          `json:"error_kind"`
	Message       string          `json:"message"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	FirstAttempt  time.Time       `json:"first_attempt"`
	LastAttempt   time.Time       `json:"last_attempt"`
	CorrelationID string          `json:"correlation_id"`
	Requeued      bool            `json:"requeued"`
}
