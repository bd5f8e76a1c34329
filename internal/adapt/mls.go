package adapt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/errs"
)

// MLSAdapter maps scraped Phoenix MLS pages into the canonical schema.
// Structured bits (MLS id, status, agent, photos) come from the rendered
// DOM via goquery; free-text facts come from the extraction result the
// pipeline attached to the record.
type MLSAdapter struct {
	sourceTag string
	now       func() time.Time
}

// NewMLSAdapter builds the adapter for the given source tag.
func NewMLSAdapter(sourceTag string) *MLSAdapter {
	return &MLSAdapter{sourceTag: sourceTag, now: time.Now}
}

// WithClock injects a time source for tests.
func (a *MLSAdapter) WithClock(now func() time.Time) *MLSAdapter {
	a.now = now
	return a
}

func (a *MLSAdapter) SourceName() string {
	return a.sourceTag
}

// Adapt converts one scraped listing. The extraction result supplies the
// address and physical features; records without a street and zipcode fail
// with kind validation.
func (a *MLSAdapter) Adapt(raw RawRecord) (*domain.Property, error) {
	if raw.HTML == "" {
		return nil, errs.E(errs.KindValidation, a.sourceTag, "mls record carries no HTML payload")
	}
	ex := raw.Extraction
	if ex == nil {
		return nil, errs.E(errs.KindValidation, a.sourceTag, "mls record carries no extraction result")
	}

	switch {
	case ex.Street == "":
		return nil, errs.E(errs.KindValidation, a.sourceTag, "missing required field street_name")
	case ex.Zipcode == "":
		return nil, errs.E(errs.KindValidation, a.sourceTag, "missing required field zipcode")
	case !domain.ValidZipcode(ex.Zipcode):
		return nil, errs.Ef(errs.KindValidation, a.sourceTag, "invalid zipcode %q", ex.Zipcode)
	}

	city := ex.City
	if city == "" {
		city = defaultCity
	}
	state := ex.State
	if state == "" {
		state = defaultState
	}

	collectedAt := raw.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = a.now().UTC()
	}

	p := &domain.Property{
		PropertyID: domain.BuildPropertyID(a.sourceTag, ex.Street, ex.Zipcode),
		Address: domain.Address{
			Street:  ex.Street,
			City:    city,
			State:   state,
			Zipcode: ex.Zipcode,
			County:  defaultCounty,
		},
		PropertyType: normalizePropertyType(ex.PropertyType),
		Features: domain.Features{
			Bedrooms:    ex.Bedrooms,
			Bathrooms:   ex.Bathrooms,
			SquareFeet:  ex.SquareFeet,
			LotSizeSqft: ex.LotSizeSqft,
			YearBuilt:   ex.YearBuilt,
			Pool:        domain.TriUnknown,
			Fireplace:   domain.TriUnknown,
		},
		FirstSeen:   collectedAt,
		LastUpdated: collectedAt,
		IsActive:    true,
	}

	a.listing(raw.HTML, p, collectedAt)

	if ex.Price > 0 && ex.Price <= domain.MaxPriceAmount {
		p.PriceHistory, _ = domain.AppendPrices(p.PriceHistory, domain.PropertyPrice{
			Amount:     ex.Price,
			Date:       collectedAt,
			PriceType:  domain.PriceListing,
			Source:     a.sourceTag,
			Confidence: ex.Confidence,
		})
	}
	p.CurrentPrice = domain.DeriveCurrentPrice(p.PriceHistory)

	hash, err := domain.RawDataHashValue(raw.HTML)
	if err != nil {
		return nil, errs.Wrap(errs.KindParsing, a.sourceTag, "raw payload not hashable", err)
	}
	p.Sources = []domain.SourceMetadata{{
		Source:           a.sourceTag,
		CollectedAt:      collectedAt,
		CollectorVersion: CollectorVersion,
		RawDataHash:      hash,
	}}
	p.Sources[0].QualityScore = qualityScore(p)

	if rawHTML, err := json.Marshal(raw.HTML); err == nil {
		p.RawData = map[string]json.RawMessage{a.sourceTag: rawHTML}
	}
	return p, nil
}

// listing scrapes the structured listing block out of the rendered DOM.
// Selector misses leave fields empty; the page layout is versioned scraper
// config, not adapter logic.
func (a *MLSAdapter) listing(html string, p *domain.Property, collectedAt time.Time) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return
	}

	listing := &domain.Listing{Status: domain.StatusUnknown}

	if v, ok := doc.Find("[data-mls-id]").First().Attr("data-mls-id"); ok && v != "" {
		listing.MLSID = v
	} else if v := strings.TrimSpace(doc.Find(".mls-number").First().Text()); v != "" {
		listing.MLSID = strings.TrimPrefix(v, "MLS# ")
	}
	if v := strings.TrimSpace(doc.Find(".listing-status, [data-status]").First().Text()); v != "" {
		listing.Status = normalizeListingStatus(v)
	}
	if v := strings.TrimSpace(doc.Find(".listing-agent, .agent-name").First().Text()); v != "" {
		listing.Agent = v
	}
	if v := strings.TrimSpace(doc.Find(".listing-date, [data-list-date]").First().Text()); v != "" {
		if d, err := time.Parse("2006-01-02", v); err == nil {
			listing.ListingDate = &d
		}
	}
	doc.Find(".photo-gallery img, .listing-photos img").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok && src != "" {
			listing.PhotoURLs = append(listing.PhotoURLs, src)
		}
	})

	if listing.MLSID != "" || listing.Status != domain.StatusUnknown ||
		listing.Agent != "" || len(listing.PhotoURLs) > 0 {
		p.Listing = listing
	}
}

func normalizeListingStatus(s string) domain.ListingStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "for sale":
		return domain.StatusActive
	case "pending", "under contract", "ucb":
		return domain.StatusPending
	case "sold", "closed":
		return domain.StatusSold
	case "off market", "off_market", "cancelled", "canceled", "expired":
		return domain.StatusOffMarket
	case "withdrawn", "temporarily off market":
		return domain.StatusWithdrawn
	default:
		return domain.StatusUnknown
	}
}
