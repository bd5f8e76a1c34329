package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// PropertyType classifies the physical kind of a property record.
type PropertyType string

const (
	TypeSingleFamily PropertyType = "single_family"
	TypeTownhouse    PropertyType = "townhouse"
	TypeCondo        PropertyType = "condo"
	TypeMultiFamily  PropertyType = "multi_family"
	TypeManufactured PropertyType = "manufactured"
	TypeLot          PropertyType = "lot"
	TypeCommercial   PropertyType = "commercial"
	TypeUnknown      PropertyType = "unknown"
)

// ListingStatus is the lifecycle state of an MLS listing.
type ListingStatus string

const (
	StatusActive    ListingStatus = "active"
	StatusPending   ListingStatus = "pending"
	StatusSold      ListingStatus = "sold"
	StatusOffMarket ListingStatus = "off_market"
	StatusWithdrawn ListingStatus = "withdrawn"
	StatusUnknown   ListingStatus = "unknown"
)

// Terminal reports whether the status ends a listing's life. Terminal
// listings with no fresh observations eventually go inactive.
func (s ListingStatus) Terminal() bool {
	switch s {
	case StatusSold, StatusOffMarket, StatusWithdrawn:
		return true
	}
	return false
}

// PriceType tags where a price observation came from.
type PriceType string

const (
	PriceListing     PriceType = "listing"
	PriceSale        PriceType = "sale"
	PriceAssessed    PriceType = "assessed"
	PriceMarketEst   PriceType = "market_estimate"
	PriceLandValue   PriceType = "land_value"
	PriceImprovement PriceType = "improvement_value"
)

// TriState carries source facts that can be affirmed, denied, or absent.
type TriState string

const (
	TriTrue    TriState = "true"
	TriFalse   TriState = "false"
	TriUnknown TriState = "unknown"
)

// Bounds shared by adapters and the validator.
const (
	MinYearBuilt   = 1800
	MinTaxYear     = 1900
	MaxPriceAmount = 5e7
	MaxBedrooms    = 20
	MinSquareFeet  = 100
	MinLotSqft     = 100
)

var zipcodeRE = regexp.MustCompile(`^\d{5}(-\d{4})?$`)

// ValidZipcode reports whether s is a 5- or 9-digit US ZIP code.
func ValidZipcode(s string) bool {
	return zipcodeRE.MatchString(s)
}

// MaxYearBuilt returns the upper bound for year_built relative to now.
func MaxYearBuilt(now time.Time) int {
	return now.UTC().Year() + 5
}

// MaxTaxYear returns the upper bound for tax_year relative to now.
func MaxTaxYear(now time.Time) int {
	return now.UTC().Year() + 1
}

// Address is a US street address. Zipcode is stored as a string and may
// carry the +4 extension.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zipcode string `json:"zipcode"`
	County  string `json:"county,omitempty"`
}

// Features holds the physical attributes of a property. Zero values mean
// the source did not report the field; presence is tracked by the adapter
// at extraction time, not here.
type Features struct {
	Bedrooms      int      `json:"bedrooms"`
	Bathrooms     float64  `json:"bathrooms"` // half-steps allowed (2.5)
	HalfBathrooms int      `json:"half_bathrooms"`
	SquareFeet    int      `json:"square_feet"`
	LotSizeSqft   int      `json:"lot_size_sqft"`
	YearBuilt     int      `json:"year_built"`
	Floors        int      `json:"floors"`
	GarageSpaces  int      `json:"garage_spaces"`
	Pool          TriState `json:"pool"`
	Fireplace     TriState `json:"fireplace"`
	ACType        string   `json:"ac_type,omitempty"`
	HeatingType   string   `json:"heating_type,omitempty"`
}

// PropertyPrice is one observed price point. Date is the observation date;
// time-of-day is not significant for identity.
type PropertyPrice struct {
	Amount     float64   `json:"amount"`
	Date       time.Time `json:"date"`
	PriceType  PriceType `json:"price_type"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
}

// PriceKey identifies a price observation for dedupe on append.
type PriceKey struct {
	Date      string
	PriceType PriceType
	Source    string
}

// Key returns the (date, price_type, source) identity tuple. Dates compare
// at day precision in UTC.
func (p PropertyPrice) Key() PriceKey {
	return PriceKey{
		Date:      p.Date.UTC().Format("2006-01-02"),
		PriceType: p.PriceType,
		Source:    p.Source,
	}
}

// Listing carries MLS listing details when the source exposes them.
type Listing struct {
	Status      ListingStatus `json:"status"`
	MLSID       string        `json:"mls_id,omitempty"`
	ListingDate *time.Time    `json:"listing_date,omitempty"`
	Agent       string        `json:"agent,omitempty"`
	PhotoURLs   []string      `json:"photo_urls,omitempty"`
}

// TaxInfo carries county assessor tax attributes.
type TaxInfo struct {
	APN             string  `json:"apn,omitempty"`
	AssessedValue   float64 `json:"assessed_value,omitempty"`
	TaxAmountAnnual float64 `json:"tax_amount_annual,omitempty"`
	TaxYear         int     `json:"tax_year,omitempty"`
}

// SourceMetadata records one collection of a property from one source.
type SourceMetadata struct {
	Source           string    `json:"source"`
	CollectedAt      time.Time `json:"collected_at"`
	CollectorVersion string    `json:"collector_version"`
	RawDataHash      string    `json:"raw_data_hash"`
	QualityScore     float64   `json:"quality_score"`
}

// Property is the canonical record produced by the adapter layer and owned
// by the repository after the first upsert. PriceHistory is append-only and
// stays ordered by observation date non-decreasing; equal dates keep
// insertion order.
type Property struct {
	PropertyID   string                     `json:"property_id"`
	Address      Address                    `json:"address"`
	PropertyType PropertyType               `json:"property_type"`
	Features     Features                   `json:"features"`
	PriceHistory []PropertyPrice            `json:"price_history"`
	CurrentPrice *PropertyPrice             `json:"current_price,omitempty"`
	Listing      *Listing                   `json:"listing,omitempty"`
	TaxInfo      *TaxInfo                   `json:"tax_info,omitempty"`
	Sources      []SourceMetadata           `json:"sources"`
	RawData      map[string]json.RawMessage `json:"raw_data,omitempty"`
	FirstSeen    time.Time                  `json:"first_seen"`
	LastUpdated  time.Time                  `json:"last_updated"`
	IsActive     bool                       `json:"is_active"`
}

var idCleanRE = regexp.MustCompile(`[^a-z0-9]+`)

// BuildPropertyID derives the globally unique id
// <source>_<normalized-street>_<zipcode>. The street is lowercased with
// non-alphanumeric runs collapsed to underscores; the zipcode is reduced to
// its 5-digit base.
func BuildPropertyID(source, street, zipcode string) string {
	norm := idCleanRE.ReplaceAllString(strings.ToLower(street), "_")
	norm = strings.Trim(norm, "_")
	zip := zipcode
	if i := strings.IndexByte(zip, '-'); i > 0 {
		zip = zip[:i]
	}
	return fmt.Sprintf("%s_%s_%s", source, norm, zip)
}

// SortPriceHistory orders entries by observation date non-decreasing,
// preserving insertion order for equal dates.
func SortPriceHistory(history []PropertyPrice) {
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Date.Before(history[j].Date)
	})
}

// DeriveCurrentPrice picks the highest-confidence non-zero price; ties go
// to the most recent observation. Returns nil when no non-zero price
// exists.
func DeriveCurrentPrice(history []PropertyPrice) *PropertyPrice {
	var best *PropertyPrice
	for i := range history {
		p := &history[i]
		if p.Amount == 0 {
			continue
		}
		if best == nil || p.Confidence > best.Confidence ||
			(p.Confidence == best.Confidence && p.Date.After(best.Date)) {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// AppendPrices appends entries whose (date, price_type, source) tuple is
// not already present, then restores date order. Returns how many were
// added.
func AppendPrices(history []PropertyPrice, entries ...PropertyPrice) ([]PropertyPrice, int) {
	seen := make(map[PriceKey]struct{}, len(history))
	for _, p := range history {
		seen[p.Key()] = struct{}{}
	}
	added := 0
	for _, e := range entries {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		history = append(history, e)
		added++
	}
	if added > 0 {
		SortPriceHistory(history)
	}
	return history, added
}

// MergeSources set-unions metadata entries. Identity is (source,
// raw_data_hash): a re-collection of an unchanged payload refreshes
// collected_at in place, a changed payload appends a new entry.
func MergeSources(existing, incoming []SourceMetadata) []SourceMetadata {
	type key struct{ source, hash string }
	idx := make(map[key]int, len(existing))
	out := make([]SourceMetadata, len(existing))
	copy(out, existing)
	for i, m := range out {
		idx[key{m.Source, m.RawDataHash}] = i
	}
	for _, m := range incoming {
		k := key{m.Source, m.RawDataHash}
		if i, ok := idx[k]; ok {
			if m.CollectedAt.After(out[i].CollectedAt) {
				out[i] = m
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, m)
	}
	return out
}

// LastObservedAt returns the most recent collection timestamp across
// sources, or the zero time when none exist.
func (p *Property) LastObservedAt() time.Time {
	var last time.Time
	for _, s := range p.Sources {
		if s.CollectedAt.After(last) {
			last = s.CollectedAt
		}
	}
	return last
}

// ComputeIsActive applies the activity rule: a property goes inactive only
// when its listing status is terminal and no source has observed it within
// inactiveAfter.
func (p *Property) ComputeIsActive(now time.Time, inactiveAfter time.Duration) bool {
	if p.Listing == nil || !p.Listing.Status.Terminal() {
		return true
	}
	last := p.LastObservedAt()
	if last.IsZero() {
		last = p.LastUpdated
	}
	return now.Sub(last) <= inactiveAfter
}
