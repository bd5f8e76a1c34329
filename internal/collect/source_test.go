package collect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phxdata/propflow/internal/assessor"
	"github.com/phxdata/propflow/internal/scrape"
)

func TestListingLinks(t *testing.T) {
	src := NewScrapeSource(ScrapeSourceConfig{
		SearchURL: "https://mls.example.com/search?zip=%s",
		DetailURL: "https://mls.example.com/listing/%s",
	}, nil)

	page := &scrape.FetchResult{
		FinalURL: "https://mls.example.com/search?zip=85048",
		HTML: `<html><body><div class="search-results">
			<a class="listing-link" href="/listing/MLS-100">first</a>
			<a class="listing-link" href="https://mls.example.com/listing/MLS-200">second</a>
			<a class="listing-link" href="/listing/MLS-100">duplicate</a>
			<a class="listing-link" href="">empty</a>
			<a href="/about">not a listing</a>
		</div></body></html>`,
	}

	links, err := src.listingLinks(page)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://mls.example.com/listing/MLS-100",
		"https://mls.example.com/listing/MLS-200",
	}, links)
}

func TestListingLinksCustomSelector(t *testing.T) {
	src := NewScrapeSource(ScrapeSourceConfig{
		SearchURL:    "https://mls.example.com/search?zip=%s",
		LinkSelector: "a.result",
	}, nil)

	page := &scrape.FetchResult{
		FinalURL: "https://mls.example.com/search",
		HTML:     `<a class="result" href="/listing/1">one</a><a class="listing-link" href="/listing/2">two</a>`,
	}

	links, err := src.listingLinks(page)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://mls.example.com/listing/1"}, links)
}

func TestAsID(t *testing.T) {
	assert.Equal(t, "123-45-678", asID(assessor.RawRecord{"apn": "123-45-678"}))
	assert.Equal(t, "", asID(assessor.RawRecord{"apn": 42}))
	assert.Equal(t, "", asID(assessor.RawRecord{}))
}
