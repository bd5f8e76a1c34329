// Package validate applies schema and quality gates to canonical property
// records. Validation is pure and deterministic: no I/O, clock injected.
package validate

import (
	"fmt"
	"time"

	"github.com/phxdata/propflow/internal/domain"
)

// Outcome is the per-field validation verdict.
type Outcome string

const (
	OutcomeValid   Outcome = "valid"
	OutcomeInvalid Outcome = "invalid"
	OutcomeWarning Outcome = "warning"
	OutcomeMissing Outcome = "missing"
)

// FieldOutcome pairs a verdict with its reason.
type FieldOutcome struct {
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message,omitempty"`
}

// QualityMetrics decomposes record quality into the four axes the daily
// report aggregates.
type QualityMetrics struct {
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	Accuracy     float64 `json:"accuracy"`
	Timeliness   float64 `json:"timeliness"`
}

// Result is the full validation verdict for one property.
type Result struct {
	IsValid          bool                    `json:"is_valid"`
	ConfidenceScore  float64                 `json:"confidence_score"`
	Errors           []string                `json:"errors,omitempty"`
	Warnings         []string                `json:"warnings,omitempty"`
	FieldValidations map[string]FieldOutcome `json:"field_validations"`
	QualityMetrics   QualityMetrics          `json:"quality_metrics"`
}

// Validator checks properties against the canonical schema bounds.
type Validator struct {
	now func() time.Time
}

// New builds a validator on the real clock.
func New() *Validator {
	return &Validator{now: time.Now}
}

// WithClock injects a time source for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate runs every gate and returns the combined verdict. A property is
// valid when no error-level check fails; warnings lower confidence but do
// not invalidate.
func (v *Validator) Validate(p *domain.Property) *Result {
	res := &Result{FieldValidations: make(map[string]FieldOutcome)}
	now := v.now().UTC()

	v.checkIdentity(p, res)
	v.checkAddress(p, res)
	v.checkFeatures(p, res, now)
	v.checkPrices(p, res)
	v.checkTax(p, res, now)
	v.checkSources(p, res)

	res.QualityMetrics = v.quality(p, res, now)
	res.IsValid = len(res.Errors) == 0
	res.ConfidenceScore = confidence(res)
	return res
}

func (v *Validator) checkIdentity(p *domain.Property, res *Result) {
	if p.PropertyID == "" {
		fail(res, "property_id", "property_id is required")
		return
	}
	res.FieldValidations["property_id"] = FieldOutcome{Outcome: OutcomeValid}
}

func (v *Validator) checkAddress(p *domain.Property, res *Result) {
	if p.Address.Street == "" {
		fail(res, "address.street", "street is required")
	} else {
		res.FieldValidations["address.street"] = FieldOutcome{Outcome: OutcomeValid}
	}

	switch {
	case p.Address.Zipcode == "":
		fail(res, "address.zipcode", "zipcode is required")
	case !domain.ValidZipcode(p.Address.Zipcode):
		fail(res, "address.zipcode", fmt.Sprintf("zipcode %q is not a 5- or 9-digit ZIP", p.Address.Zipcode))
	default:
		res.FieldValidations["address.zipcode"] = FieldOutcome{Outcome: OutcomeValid}
	}

	if p.Address.City == "" {
		warn(res, "address.city", "city missing")
	}
}

func (v *Validator) checkFeatures(p *domain.Property, res *Result, now time.Time) {
	f := p.Features

	if f.Bedrooms < 0 || f.Bedrooms > domain.MaxBedrooms {
		fail(res, "features.bedrooms", fmt.Sprintf("bedrooms %d outside [0,%d]", f.Bedrooms, domain.MaxBedrooms))
	}
	if f.Bathrooms < 0 {
		fail(res, "features.bathrooms", "bathrooms cannot be negative")
	} else if f.Bathrooms != 0 && !isHalfStep(f.Bathrooms) {
		warn(res, "features.bathrooms", fmt.Sprintf("bathrooms %.2f is not a half-step", f.Bathrooms))
	}
	if f.SquareFeet != 0 && f.SquareFeet < domain.MinSquareFeet {
		fail(res, "features.square_feet", fmt.Sprintf("square_feet %d below minimum %d", f.SquareFeet, domain.MinSquareFeet))
	}
	if f.LotSizeSqft != 0 && f.LotSizeSqft < domain.MinLotSqft {
		fail(res, "features.lot_size_sqft", fmt.Sprintf("lot_size_sqft %d below minimum %d", f.LotSizeSqft, domain.MinLotSqft))
	}
	if f.YearBuilt != 0 {
		if f.YearBuilt < domain.MinYearBuilt || f.YearBuilt > domain.MaxYearBuilt(now) {
			fail(res, "features.year_built", fmt.Sprintf("year_built %d outside [%d,%d]", f.YearBuilt, domain.MinYearBuilt, domain.MaxYearBuilt(now)))
		} else {
			res.FieldValidations["features.year_built"] = FieldOutcome{Outcome: OutcomeValid}
		}
	}
	if f.SquareFeet > 0 && f.LotSizeSqft > 0 && f.LotSizeSqft < f.SquareFeet && p.PropertyType == domain.TypeSingleFamily {
		warn(res, "features.lot_size_sqft", "lot smaller than living area for a single-family home")
	}
}

func (v *Validator) checkPrices(p *domain.Property, res *Result) {
	var prev time.Time
	for i, price := range p.PriceHistory {
		field := fmt.Sprintf("price_history[%d]", i)
		if price.Amount < 0 || price.Amount > domain.MaxPriceAmount {
			fail(res, field, fmt.Sprintf("amount %.0f outside [0,%.0f]", price.Amount, domain.MaxPriceAmount))
		}
		if price.Confidence < 0 || price.Confidence > 1 {
			fail(res, field, fmt.Sprintf("confidence %.2f outside [0,1]", price.Confidence))
		}
		if i > 0 && price.Date.Before(prev) {
			fail(res, "price_history", "price history not ordered by observation date")
		}
		prev = price.Date
	}
	if p.CurrentPrice != nil && p.CurrentPrice.Amount == 0 {
		warn(res, "current_price", "current price resolved to zero")
	}
}

func (v *Validator) checkTax(p *domain.Property, res *Result, now time.Time) {
	if p.TaxInfo == nil {
		return
	}
	if y := p.TaxInfo.TaxYear; y != 0 && (y < domain.MinTaxYear || y > domain.MaxTaxYear(now)) {
		fail(res, "tax_info.tax_year", fmt.Sprintf("tax_year %d outside [%d,%d]", y, domain.MinTaxYear, domain.MaxTaxYear(now)))
	}
	if p.TaxInfo.AssessedValue < 0 {
		fail(res, "tax_info.assessed_value", "assessed value cannot be negative")
	}
}

func (v *Validator) checkSources(p *domain.Property, res *Result) {
	if len(p.Sources) == 0 {
		fail(res, "sources", "every property needs at least one source")
		return
	}
	for i, s := range p.Sources {
		if s.QualityScore < 0 || s.QualityScore > 1 {
			fail(res, fmt.Sprintf("sources[%d]", i), "quality score outside [0,1]")
		}
	}
}

// quality scores the four axes in [0,1].
func (v *Validator) quality(p *domain.Property, res *Result, now time.Time) QualityMetrics {
	var q QualityMetrics

	// Completeness: fraction of the critical field set present.
	present, total := 0, 0
	for _, ok := range []bool{
		p.Address.Street != "",
		p.Address.Zipcode != "",
		p.PropertyType != "" && p.PropertyType != domain.TypeUnknown,
		p.Features.Bedrooms > 0,
		p.Features.Bathrooms > 0,
		p.Features.SquareFeet > 0,
		p.Features.YearBuilt > 0,
		len(p.PriceHistory) > 0,
		p.CurrentPrice != nil,
		p.TaxInfo != nil || p.Listing != nil,
	} {
		total++
		if ok {
			present++
		}
	}
	q.Completeness = float64(present) / float64(total)

	// Consistency and accuracy fall with warnings and errors respectively.
	q.Consistency = clamp01(1 - 0.2*float64(len(res.Warnings)))
	q.Accuracy = clamp01(1 - 0.25*float64(len(res.Errors)))

	// Timeliness: full credit inside 7 days, decaying to zero at 90.
	last := p.LastObservedAt()
	if last.IsZero() {
		q.Timeliness = 0
	} else {
		age := now.Sub(last)
		switch {
		case age <= 7*24*time.Hour:
			q.Timeliness = 1
		case age >= 90*24*time.Hour:
			q.Timeliness = 0
		default:
			q.Timeliness = 1 - float64(age-7*24*time.Hour)/float64(83*24*time.Hour)
		}
	}
	return q
}

func confidence(res *Result) float64 {
	q := res.QualityMetrics
	score := 0.4*q.Completeness + 0.2*q.Consistency + 0.3*q.Accuracy + 0.1*q.Timeliness
	return clamp01(score)
}

func fail(res *Result, field, msg string) {
	res.Errors = append(res.Errors, msg)
	res.FieldValidations[field] = FieldOutcome{Outcome: OutcomeInvalid, Message: msg}
}

func warn(res *Result, field, msg string) {
	res.Warnings = append(res.Warnings, msg)
	if _, exists := res.FieldValidations[field]; !exists {
		res.FieldValidations[field] = FieldOutcome{Outcome: OutcomeWarning, Message: msg}
	}
}

func isHalfStep(v float64) bool {
	doubled := v * 2
	return doubled == float64(int(doubled))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
