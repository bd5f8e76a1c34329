// Package scrape drives a headless browser against the MLS site, detects
// site-specific error conditions, and recovers from them with proxy
// rotation, session reuse, and CAPTCHA solving.
package scrape

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/phxdata/propflow/internal/session"
)

// BrowserRequest describes a single rendered-page fetch.
type BrowserRequest struct {
	URL      string
	ProxyURL string
	Session  *session.Artifacts
	// InjectScript runs after navigation completes, before the HTML is
	// captured. Used to plant solved CAPTCHA tokens.
	InjectScript string
}

// FetchResult is what the browser observed for the document request.
// Header keys are lowercased.
type FetchResult struct {
	HTML       string
	StatusCode int
	Headers    map[string]string
	FinalURL   string
	Cookies    []session.Cookie
}

// Browser fetches rendered pages. Implementations must be safe for
// concurrent use; each Fetch runs in its own isolated browser context.
type Browser interface {
	Fetch(ctx context.Context, req BrowserRequest) (*FetchResult, error)
}

// BrowserConfig tunes the Chrome driver.
type BrowserConfig struct {
	Headless    bool
	UserAgent   string
	MaxContexts int // bound on parallel browser contexts
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// ChromeBrowser implements Browser on headless Chrome via chromedp. One
// exec allocator and browser context pair is created per fetch so proxies
// and cookies never leak between requests.
type ChromeBrowser struct {
	cfg BrowserConfig
	sem chan struct{}
}

// NewChromeBrowser builds the driver. MaxContexts defaults to 2.
func NewChromeBrowser(cfg BrowserConfig) *ChromeBrowser {
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &ChromeBrowser{cfg: cfg, sem: make(chan struct{}, cfg.MaxContexts)}
}

func (b *ChromeBrowser) Fetch(ctx context.Context, req BrowserRequest) (*FetchResult, error) {
	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.UserAgent(b.cfg.UserAgent),
	)
	if req.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(req.ProxyURL))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	res := &FetchResult{Headers: map[string]string{}}
	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		res.StatusCode = int(resp.Response.Status)
		for k, v := range resp.Response.Headers {
			if s, ok := v.(string); ok {
				res.Headers[strings.ToLower(k)] = s
			}
		}
	})

	actions := []chromedp.Action{network.Enable()}
	if req.Session != nil && len(req.Session.Cookies) > 0 {
		actions = append(actions, restoreCookies(req.Session.Cookies))
	}
	actions = append(actions, chromedp.Navigate(req.URL))
	if req.InjectScript != "" {
		actions = append(actions, chromedp.Evaluate(req.InjectScript, nil))
	}
	actions = append(actions,
		chromedp.OuterHTML("html", &res.HTML),
		chromedp.Location(&res.FinalURL),
		captureCookies(&res.Cookies),
	)

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("browser fetch %s: %w", req.URL, err)
	}
	return res, nil
}

// restoreCookies replays persisted session cookies into the fresh browser
// context before navigation.
func restoreCookies(cookies []session.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		params := make([]*network.CookieParam, 0, len(cookies))
		for _, c := range cookies {
			p := &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if !c.Expires.IsZero() {
				exp := cdp.TimeSinceEpoch(c.Expires)
				p.Expires = &exp
			}
			params = append(params, p)
		}
		return storage.SetCookies(params).Do(ctx)
	})
}

// captureCookies snapshots the context's cookies after the page settled so
// the scraper can persist the session.
func captureCookies(out *[]session.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		raw, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		cookies := make([]session.Cookie, 0, len(raw))
		for _, c := range raw {
			sc := session.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if c.Expires > 0 {
				sc.Expires = time.Unix(int64(c.Expires), 0).UTC()
			}
			cookies = append(cookies, sc)
		}
		*out = cookies
		return nil
	})
}
