// Package collect drives full ingestion runs: every configured ZIP code
// through the sources, the processing pipeline, and the repository, ending
// in a daily report.
package collect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/phxdata/propflow/internal/adapt"
	"github.com/phxdata/propflow/internal/assessor"
	"github.com/phxdata/propflow/internal/errs"
	"github.com/phxdata/propflow/internal/scrape"
)

// RawItem is one collected payload before adaptation.
type RawItem struct {
	ID          string
	JSON        map[string]interface{}
	HTML        string
	URL         string
	CollectedAt time.Time
}

// Source abstracts the API client and the scraper behind one collection
// contract.
type Source interface {
	Name() string
	CollectZipcode(ctx context.Context, zip string) ([]RawItem, error)
	CollectDetail(ctx context.Context, id string) (*RawItem, error)
	Adapter() adapt.Adapter
}

// APISource collects assessor records through the HTTPS client,
// paginating each ZIP until exhaustion.
type APISource struct {
	client  *assessor.Client
	adapter adapt.Adapter
	now     func() time.Time
}

// NewAPISource wraps an assessor client as a collection source.
func NewAPISource(client *assessor.Client) *APISource {
	return &APISource{
		client:  client,
		adapter: adapt.NewAssessorAdapter(client.SourceTag()),
		now:     time.Now,
	}
}

func (s *APISource) Name() string {
	return s.client.SourceTag()
}

func (s *APISource) Adapter() adapt.Adapter {
	return s.adapter
}

// CollectZipcode pages through the search results in order. Pages within
// one ZIP fetch sequentially; parallelism lives at the ZIP level.
func (s *APISource) CollectZipcode(ctx context.Context, zip string) ([]RawItem, error) {
	var items []RawItem
	for page := 1; ; page++ {
		records, more, err := s.client.SearchByZipcode(ctx, zip, page)
		if err != nil {
			return items, err
		}
		now := s.now().UTC()
		for _, rec := range records {
			items = append(items, RawItem{
				ID:          asID(rec),
				JSON:        rec,
				CollectedAt: now,
			})
		}
		if !more {
			return items, nil
		}
	}
}

func (s *APISource) CollectDetail(ctx context.Context, id string) (*RawItem, error) {
	rec, err := s.client.GetPropertyDetails(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return &RawItem{ID: id, JSON: rec, CollectedAt: s.now().UTC()}, nil
}

func asID(rec assessor.RawRecord) string {
	if apn, ok := rec["apn"].(string); ok {
		return apn
	}
	return ""
}

// ScrapeSource collects MLS listings through the anti-bot scraper: the
// ZIP search page yields listing links, each fetched as rendered HTML.
type ScrapeSource struct {
	scraper      *scrape.Scraper
	adapter      adapt.Adapter
	sourceTag    string
	searchURL    string // fmt template with one %s for the zip
	detailURL    string // fmt template with one %s for the listing id
	linkSelector string
	maxListings  int
	now          func() time.Time
}

// ScrapeSourceConfig locates the MLS site's search surface.
type ScrapeSourceConfig struct {
	SourceTag    string
	SearchURL    string
	DetailURL    string
	LinkSelector string // anchor selector on the search page
	MaxListings  int    // per-zip cap
}

// NewScrapeSource wraps a scraper as a collection source.
func NewScrapeSource(cfg ScrapeSourceConfig, scraper *scrape.Scraper) *ScrapeSource {
	if cfg.SourceTag == "" {
		cfg.SourceTag = "phoenix_mls"
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = "a.listing-link, .search-results a.details"
	}
	if cfg.MaxListings <= 0 {
		cfg.MaxListings = 100
	}
	return &ScrapeSource{
		scraper:      scraper,
		adapter:      adapt.NewMLSAdapter(cfg.SourceTag),
		sourceTag:    cfg.SourceTag,
		searchURL:    cfg.SearchURL,
		detailURL:    cfg.DetailURL,
		linkSelector: cfg.LinkSelector,
		maxListings:  cfg.MaxListings,
		now:          time.Now,
	}
}

func (s *ScrapeSource) Name() string {
	return s.sourceTag
}

func (s *ScrapeSource) Adapter() adapt.Adapter {
	return s.adapter
}

// CollectZipcode scrapes the search page for a ZIP and fetches every
// linked listing up to the per-zip cap. A listing that fails to fetch is
// logged and skipped; the search page failing fails the ZIP.
func (s *ScrapeSource) CollectZipcode(ctx context.Context, zip string) ([]RawItem, error) {
	searchPage, err := s.scraper.Fetch(ctx, fmt.Sprintf(s.searchURL, zip))
	if err != nil {
		return nil, err
	}

	links, err := s.listingLinks(searchPage)
	if err != nil {
		return nil, err
	}

	var items []RawItem
	for _, link := range links {
		if len(items) >= s.maxListings {
			break
		}
		res, err := s.scraper.Fetch(ctx, link)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			if ctx.Err() != nil {
				return items, ctx.Err()
			}
			log.Warn().Err(err).Str("url", link).Msg("listing fetch failed, skipping")
			continue
		}
		items = append(items, RawItem{
			HTML:        res.HTML,
			URL:         res.FinalURL,
			CollectedAt: s.now().UTC(),
		})
	}
	return items, nil
}

func (s *ScrapeSource) CollectDetail(ctx context.Context, id string) (*RawItem, error) {
	res, err := s.scraper.Fetch(ctx, fmt.Sprintf(s.detailURL, id))
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &RawItem{ID: id, HTML: res.HTML, URL: res.FinalURL, CollectedAt: s.now().UTC()}, nil
}

// listingLinks pulls absolute listing URLs off the search page.
func (s *ScrapeSource) listingLinks(page *scrape.FetchResult) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, errs.Wrap(errs.KindParsing, s.sourceTag, "search page unparseable", err)
	}

	base := strings.TrimRight(page.FinalURL, "/")
	var links []string
	seen := make(map[string]struct{})
	doc.Find(s.linkSelector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		if strings.HasPrefix(href, "/") {
			if i := strings.Index(base, "://"); i > 0 {
				if j := strings.IndexByte(base[i+3:], '/'); j > 0 {
					href = base[:i+3+j] + href
				} else {
					href = base + href
				}
			}
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	return links, nil
}
