// Package assessor is the HTTPS JSON client for the Maricopa county
// assessor API. Every call is admitted by the rate limiter, retried under
// the supervisor's typed policy, and stripped of credentials before any
// error or log line leaves the package.
package assessor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phxdata/propflow/internal/errs"
	"github.com/phxdata/propflow/internal/ratelimit"
	"github.com/phxdata/propflow/internal/supervise"
)

// Resource is the logical resource name used for the circuit breaker.
const Resource = "assessor_api"

// RawRecord is one assessor payload as returned by the API.
type RawRecord map[string]interface{}

// Config tunes the client.
type Config struct {
	BaseURL         string
	APIKey          string
	SourceTag       string
	Timeout         time.Duration
	MaxConns        int // total connection cap
	MaxConnsPerHost int
}

// Client talks to the assessor API. Safe for concurrent use.
type Client struct {
	base      *url.URL
	apiKey    string
	sourceTag string
	http      *http.Client
	limiter   *ratelimit.Limiter
	sup       *supervise.Supervisor
}

// searchResponse is the paginated envelope the API wraps results in.
type searchResponse struct {
	Results    []RawRecord `json:"results"`
	Page       int         `json:"page"`
	TotalPages int         `json:"total_pages"`
}

// New validates the base URL (HTTPS only) and builds the client.
func New(cfg Config, limiter *ratelimit.Limiter, sup *supervise.Supervisor) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, Resource, "invalid base url", err)
	}
	if base.Scheme != "https" {
		return nil, errs.Ef(errs.KindValidation, Resource, "base url must use https, got %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 20
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 10
	}
	if cfg.SourceTag == "" {
		cfg.SourceTag = "maricopa"
	}

	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConns:        cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		base:      base,
		apiKey:    cfg.APIKey,
		sourceTag: cfg.SourceTag,
		http:      &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter:   limiter,
		sup:       sup,
	}, nil
}

// SourceTag returns the rate-limit source tag the client admits under.
func (c *Client) SourceTag() string {
	return c.sourceTag
}

// SearchByZipcode returns one page of property records for a ZIP code.
// Page numbering is 1-based; page 0 means the first page. A second return
// of false means the page was the last one.
func (c *Client) SearchByZipcode(ctx context.Context, zip string, page int) ([]RawRecord, bool, error) {
	if !validZip(zip) {
		return nil, false, errs.Ef(errs.KindValidation, Resource, "invalid zipcode %q", zip)
	}
	if page <= 0 {
		page = 1
	}

	q := url.Values{}
	q.Set("zipcode", zip)
	q.Set("page", strconv.Itoa(page))

	var resp searchResponse
	found, err := c.getJSON(ctx, "/properties/search", q, &resp)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return resp.Results, resp.Page < resp.TotalPages, nil
}

// GetPropertyDetails returns one record by APN, or nil when absent.
func (c *Client) GetPropertyDetails(ctx context.Context, id string) (RawRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.E(errs.KindValidation, Resource, "property id is required")
	}

	var rec RawRecord
	found, err := c.getJSON(ctx, "/properties/"+url.PathEscape(id), nil, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return rec, nil
}

// GetRecentSales returns sales observed in the trailing daysBack window.
// daysBack must lie in (0, 365].
func (c *Client) GetRecentSales(ctx context.Context, daysBack int) ([]RawRecord, error) {
	if daysBack <= 0 || daysBack > 365 {
		return nil, errs.Ef(errs.KindValidation, Resource, "days_back %d outside (0,365]", daysBack)
	}

	q := url.Values{}
	q.Set("days_back", strconv.Itoa(daysBack))

	var resp searchResponse
	found, err := c.getJSON(ctx, "/sales/recent", q, &resp)
	if err != nil || !found {
		return nil, err
	}
	return resp.Results, nil
}

// getJSON performs one rate-limited, supervised GET. found=false means the
// upstream returned 404 (empty result, not an error).
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) (bool, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	found := true
	err := c.sup.Do(ctx, Resource, func(ctx context.Context) error {
		// Admission first, on every attempt: a retry is one more outbound
		// call and must not bypass the window.
		if err := c.limiter.Acquire(ctx, c.sourceTag); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return errs.Wrap(errs.KindInternal, Resource, "request build failed", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return errs.Wrap(errs.Classify(err), Resource,
				fmt.Sprintf("request to %s failed", errs.SanitizeURL(&u)), err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return errs.Wrap(errs.KindNetwork, Resource, "response read failed", err)
		}

		switch kind := errs.StatusKind(resp.StatusCode); kind {
		case "":
			if err := json.Unmarshal(body, out); err != nil {
				return errs.Wrap(errs.KindParsing, Resource, "response not valid JSON", err)
			}
			found = true
			return nil
		case errs.KindNotFound:
			found = false
			return nil
		case errs.KindRateLimit:
			e := errs.Ef(errs.KindRateLimit, Resource, "upstream throttled (%d)", resp.StatusCode)
			e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			log.Warn().Str("source", c.sourceTag).Dur("retry_after", e.RetryAfter).
				Msg("assessor api rate limited")
			return e
		default:
			// Sanitize before truncating so a cut never exposes a secret.
			return errs.Ef(kind, Resource, "unexpected status %d: %s",
				resp.StatusCode, truncate(errs.Sanitize(string(body)), 200))
		}
	})
	return found, err
}

// parseRetryAfter handles the delta-seconds form; HTTP-date is rare enough
// upstream that it falls back to zero (policy default applies).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func validZip(zip string) bool {
	if len(zip) != 5 {
		return false
	}
	for _, r := range zip {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
