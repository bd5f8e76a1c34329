// Package adapt maps heterogeneous raw source payloads into the canonical
// property schema with a quality score.
package adapt

import (
	"strconv"
	"strings"
	"time"

	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/extract"
)

// CollectorVersion is stamped into source metadata on every adaptation.
const CollectorVersion = "propflow/1.4.0"

// RawRecord is one item as collected from a source. Assessor items carry
// JSON; MLS items carry rendered HTML plus the extraction result the
// pipeline filled in.
type RawRecord struct {
	JSON        map[string]interface{}
	HTML        string
	URL         string
	Extraction  *extract.Result
	CollectedAt time.Time
}

// Adapter converts one source's raw records into canonical properties.
type Adapter interface {
	SourceName() string
	Adapt(raw RawRecord) (*domain.Property, error)
}

// Source conventions shared by the Phoenix-metro adapters.
const (
	defaultCity   = "Phoenix"
	defaultState  = "AZ"
	defaultCounty = "Maricopa"
)

// asString coerces a raw JSON value to a trimmed string.
func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// asInt coerces numbers and numeric strings, tolerating thousands
// separators ("1,850" → 1850). Returns 0 when the value is absent or not
// numeric.
func asInt(v interface{}) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		if s == "" {
			return 0
		}
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f)
		}
	}
	return 0
}

// asFloat coerces numbers and numeric strings with separators.
func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		s = strings.TrimPrefix(s, "$")
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

// asTriState recognizes the affirmative and negative spellings the sources
// use; everything else is unknown.
func asTriState(v interface{}) domain.TriState {
	s := strings.ToLower(asString(v))
	switch s {
	case "yes", "true", "1", "y", "on":
		return domain.TriTrue
	case "no", "false", "0", "n", "off":
		return domain.TriFalse
	default:
		return domain.TriUnknown
	}
}

// dig walks nested JSON maps by key path.
func dig(m map[string]interface{}, path ...string) interface{} {
	var cur interface{} = m
	for _, key := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

// normalizePropertyType maps source spellings onto the canonical enum.
func normalizePropertyType(s string) domain.PropertyType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single family", "single_family", "single-family", "sfr", "residential", "house":
		return domain.TypeSingleFamily
	case "townhouse", "townhome", "town house":
		return domain.TypeTownhouse
	case "condo", "condominium", "apartment":
		return domain.TypeCondo
	case "multi family", "multi_family", "multi-family", "duplex", "triplex", "fourplex":
		return domain.TypeMultiFamily
	case "manufactured", "mobile", "mobile home", "mobile_home":
		return domain.TypeManufactured
	case "lot", "land", "vacant land", "vacant_land":
		return domain.TypeLot
	case "commercial", "retail", "office", "industrial":
		return domain.TypeCommercial
	default:
		return domain.TypeUnknown
	}
}

// qualityWeights is the critical-field set for the quality score; the
// weights sum to 1.
var qualityWeights = []struct {
	name   string
	weight float64
}{
	{"street", 0.15},
	{"zipcode", 0.15},
	{"price", 0.12},
	{"bedrooms", 0.10},
	{"bathrooms", 0.10},
	{"square_feet", 0.10},
	{"year_built", 0.08},
	{"property_type", 0.08},
	{"lot_size", 0.06},
	{"parcel_or_mls", 0.06},
}

// qualityScore computes weighted completeness over the critical fields.
func qualityScore(p *domain.Property) float64 {
	present := map[string]bool{
		"street":        p.Address.Street != "",
		"zipcode":       p.Address.Zipcode != "",
		"price":         p.CurrentPrice != nil && p.CurrentPrice.Amount > 0,
		"bedrooms":      p.Features.Bedrooms > 0,
		"bathrooms":     p.Features.Bathrooms > 0,
		"square_feet":   p.Features.SquareFeet > 0,
		"year_built":    p.Features.YearBuilt > 0,
		"property_type": p.PropertyType != "" && p.PropertyType != domain.TypeUnknown,
		"lot_size":      p.Features.LotSizeSqft > 0,
		"parcel_or_mls": (p.TaxInfo != nil && p.TaxInfo.APN != "") || (p.Listing != nil && p.Listing.MLSID != ""),
	}
	score := 0.0
	for _, w := range qualityWeights {
		if present[w.name] {
			score += w.weight
		}
	}
	return score
}
