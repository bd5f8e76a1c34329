package adapt

import (
	"encoding/json"
	"time"

	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/errs"
)

// AssessorAdapter maps Maricopa county assessor API payloads into the
// canonical schema. Assessor records carry parcel, valuation, and
// improvement data; listing data never appears here.
type AssessorAdapter struct {
	sourceTag string
	now       func() time.Time
}

// NewAssessorAdapter builds the adapter for the given source tag.
func NewAssessorAdapter(sourceTag string) *AssessorAdapter {
	return &AssessorAdapter{sourceTag: sourceTag, now: time.Now}
}

// WithClock injects a time source for tests.
func (a *AssessorAdapter) WithClock(now func() time.Time) *AssessorAdapter {
	a.now = now
	return a
}

func (a *AssessorAdapter) SourceName() string {
	return a.sourceTag
}

// Adapt converts one assessor record. Missing optional fields never error;
// missing house_number, street_name, or zipcode fail with kind validation.
func (a *AssessorAdapter) Adapt(raw RawRecord) (*domain.Property, error) {
	obj := raw.JSON
	if obj == nil {
		return nil, errs.E(errs.KindValidation, a.sourceTag, "assessor record carries no JSON payload")
	}

	houseNumber := asString(dig(obj, "address", "house_number"))
	streetName := asString(dig(obj, "address", "street_name"))
	zipcode := asString(dig(obj, "address", "zipcode"))
	switch {
	case houseNumber == "":
		return nil, errs.E(errs.KindValidation, a.sourceTag, "missing required field house_number")
	case streetName == "":
		return nil, errs.E(errs.KindValidation, a.sourceTag, "missing required field street_name")
	case zipcode == "":
		return nil, errs.E(errs.KindValidation, a.sourceTag, "missing required field zipcode")
	case !domain.ValidZipcode(zipcode):
		return nil, errs.Ef(errs.KindValidation, a.sourceTag, "invalid zipcode %q", zipcode)
	}

	street := houseNumber + " " + streetName
	if unit := asString(dig(obj, "address", "unit")); unit != "" {
		street += " " + unit
	}

	city := asString(dig(obj, "address", "city"))
	if city == "" {
		city = defaultCity
	}

	collectedAt := raw.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = a.now().UTC()
	}

	p := &domain.Property{
		PropertyID: domain.BuildPropertyID(a.sourceTag, street, zipcode),
		Address: domain.Address{
			Street:  street,
			City:    city,
			State:   defaultState,
			Zipcode: zipcode,
			County:  defaultCounty,
		},
		PropertyType: normalizePropertyType(asString(dig(obj, "property_type"))),
		Features:     a.features(obj),
		FirstSeen:    collectedAt,
		LastUpdated:  collectedAt,
		IsActive:     true,
	}

	a.taxInfo(obj, p)
	a.prices(obj, p, collectedAt)
	p.CurrentPrice = domain.DeriveCurrentPrice(p.PriceHistory)

	hash, err := domain.RawDataHashValue(obj)
	if err != nil {
		return nil, errs.Wrap(errs.KindParsing, a.sourceTag, "raw payload not hashable", err)
	}
	p.Sources = []domain.SourceMetadata{{
		Source:           a.sourceTag,
		CollectedAt:      collectedAt,
		CollectorVersion: CollectorVersion,
		RawDataHash:      hash,
		QualityScore:     0, // set below once the record is complete
	}}
	p.Sources[0].QualityScore = qualityScore(p)

	if canonical, err := domain.CanonicalJSONValue(obj); err == nil {
		p.RawData = map[string]json.RawMessage{a.sourceTag: canonical}
	}
	return p, nil
}

func (a *AssessorAdapter) features(obj map[string]interface{}) domain.Features {
	f := domain.Features{
		Bedrooms:      asInt(dig(obj, "features", "bedrooms")),
		Bathrooms:     asFloat(dig(obj, "features", "bathrooms")),
		HalfBathrooms: asInt(dig(obj, "features", "half_bathrooms")),
		SquareFeet:    asInt(dig(obj, "features", "livable_sqft")),
		LotSizeSqft:   asInt(dig(obj, "features", "lot_sqft")),
		YearBuilt:     asInt(dig(obj, "features", "year_built")),
		Floors:        asInt(dig(obj, "features", "floors")),
		GarageSpaces:  asInt(dig(obj, "features", "garage_spaces")),
		Pool:          asTriState(dig(obj, "features", "pool")),
		Fireplace:     asTriState(dig(obj, "features", "fireplace")),
		ACType:        asString(dig(obj, "features", "cooling")),
		HeatingType:   asString(dig(obj, "features", "heating")),
	}
	// The assessor feed reports 0 bedrooms for unimproved parcels; the
	// zero value already means unreported in the canonical schema.
	return f
}

func (a *AssessorAdapter) taxInfo(obj map[string]interface{}, p *domain.Property) {
	apn := asString(dig(obj, "apn"))
	assessed := asFloat(dig(obj, "valuation", "assessed_value"))
	taxAmount := asFloat(dig(obj, "valuation", "tax_amount"))
	taxYear := asInt(dig(obj, "valuation", "tax_year"))
	if apn == "" && assessed == 0 && taxAmount == 0 {
		return
	}
	p.TaxInfo = &domain.TaxInfo{
		APN:             apn,
		AssessedValue:   assessed,
		TaxAmountAnnual: taxAmount,
		TaxYear:         taxYear,
	}
}

// prices extracts every valuation the assessor exposes into price history.
func (a *AssessorAdapter) prices(obj map[string]interface{}, p *domain.Property, collectedAt time.Time) {
	date := collectedAt
	if taxYear := asInt(dig(obj, "valuation", "tax_year")); taxYear > 0 {
		date = time.Date(taxYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	}

	add := func(amount float64, pt domain.PriceType, confidence float64, when time.Time) {
		if amount <= 0 || amount > domain.MaxPriceAmount {
			return
		}
		p.PriceHistory, _ = domain.AppendPrices(p.PriceHistory, domain.PropertyPrice{
			Amount: amount, Date: when, PriceType: pt,
			Source: a.sourceTag, Confidence: confidence,
		})
	}

	add(asFloat(dig(obj, "valuation", "assessed_value")), domain.PriceAssessed, 0.9, date)
	add(asFloat(dig(obj, "valuation", "land_value")), domain.PriceLandValue, 0.85, date)
	add(asFloat(dig(obj, "valuation", "improvement_value")), domain.PriceImprovement, 0.85, date)
	add(asFloat(dig(obj, "valuation", "full_cash_value")), domain.PriceMarketEst, 0.8, date)

	if saleStr := asString(dig(obj, "last_sale", "date")); saleStr != "" {
		if saleDate, err := time.Parse("2006-01-02", saleStr); err == nil {
			add(asFloat(dig(obj, "last_sale", "amount")), domain.PriceSale, 0.95, saleDate)
		}
	}
}
