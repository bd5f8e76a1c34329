package adapt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phxdata/propflow/internal/domain"
	"github.com/phxdata/propflow/internal/errs"
	"github.com/phxdata/propflow/internal/extract"
)

const listingHTML = `<html><body>
<div class="listing" data-mls-id="6412345">
  <span class="listing-status">Active</span>
  <span class="listing-agent">Jane Realtor</span>
  <div class="listing-photos">
    <img src="https://photos.example.com/1.jpg">
    <img src="https://photos.example.com/2.jpg">
  </div>
  <p class="remarks">789 Oak Street, Phoenix, AZ 85033 — $425,000 — 3 bed 2 bath — 1,850 sq ft — Built 2010</p>
</div>
</body></html>`

func mlsExtraction() *extract.Result {
	return &extract.Result{
		Street: "789 Oak Street", City: "Phoenix", State: "AZ", Zipcode: "85033",
		Price: 425000, Bedrooms: 3, Bathrooms: 2.0, SquareFeet: 1850, YearBuilt: 2010,
		PropertyType: "single_family", Method: extract.MethodLLM, Confidence: 0.9,
	}
}

func newMLSAdapter() *MLSAdapter {
	return NewMLSAdapter("phoenix_mls").WithClock(func() time.Time { return adaptNow })
}

func TestMLSAdaptHappyPath(t *testing.T) {
	p, err := newMLSAdapter().Adapt(RawRecord{HTML: listingHTML, Extraction: mlsExtraction(), CollectedAt: adaptNow})
	require.NoError(t, err)

	assert.Equal(t, "phoenix_mls_789_oak_street_85033", p.PropertyID)
	assert.Equal(t, "789 Oak Street", p.Address.Street)
	assert.Equal(t, domain.TypeSingleFamily, p.PropertyType)
	assert.Equal(t, 3, p.Features.Bedrooms)

	require.NotNil(t, p.Listing)
	assert.Equal(t, "6412345", p.Listing.MLSID)
	assert.Equal(t, domain.StatusActive, p.Listing.Status)
	assert.Equal(t, "Jane Realtor", p.Listing.Agent)
	assert.Len(t, p.Listing.PhotoURLs, 2)

	require.NotNil(t, p.CurrentPrice)
	assert.Equal(t, 425000.0, p.CurrentPrice.Amount)
	assert.Equal(t, domain.PriceListing, p.CurrentPrice.PriceType)

	require.Len(t, p.Sources, 1)
	assert.Equal(t, "phoenix_mls", p.Sources[0].Source)
}

func TestMLSAdaptRequiresExtractionAddress(t *testing.T) {
	ex := mlsExtraction()
	ex.Street = ""
	_, err := newMLSAdapter().Adapt(RawRecord{HTML: listingHTML, Extraction: ex})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	ex = mlsExtraction()
	ex.Zipcode = ""
	_, err = newMLSAdapter().Adapt(RawRecord{HTML: listingHTML, Extraction: ex})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestMLSAdaptRequiresPayloadAndExtraction(t *testing.T) {
	_, err := newMLSAdapter().Adapt(RawRecord{Extraction: mlsExtraction()})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = newMLSAdapter().Adapt(RawRecord{HTML: listingHTML})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestMLSAdaptDefaultsCityAndState(t *testing.T) {
	ex := mlsExtraction()
	ex.City, ex.State = "", ""
	p, err := newMLSAdapter().Adapt(RawRecord{HTML: listingHTML, Extraction: ex})
	require.NoError(t, err)
	assert.Equal(t, "Phoenix", p.Address.City)
	assert.Equal(t, "AZ", p.Address.State)
}

func TestMLSAdaptListingStatusSpellings(t *testing.T) {
	cases := map[string]domain.ListingStatus{
		"Active":         domain.StatusActive,
		"under contract": domain.StatusPending,
		"Sold":           domain.StatusSold,
		"Expired":        domain.StatusOffMarket,
		"Withdrawn":      domain.StatusWithdrawn,
		"mystery":        domain.StatusUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeListingStatus(in), "status %q", in)
	}
}

func TestMLSAdaptTriStateSpellings(t *testing.T) {
	for _, s := range []string{"yes", "TRUE", "1", "Y", "on"} {
		assert.Equal(t, domain.TriTrue, asTriState(s), "spelling %q", s)
	}
	for _, s := range []string{"no", "False", "0", "N", "OFF"} {
		assert.Equal(t, domain.TriFalse, asTriState(s), "spelling %q", s)
	}
	assert.Equal(t, domain.TriUnknown, asTriState("maybe"))
	assert.Equal(t, domain.TriUnknown, asTriState(nil))
}
