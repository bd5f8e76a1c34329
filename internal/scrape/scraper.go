package scrape

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/phxdata/propflow/internal/errs"
	"github.com/phxdata/propflow/internal/proxy"
	"github.com/phxdata/propflow/internal/ratelimit"
	"github.com/phxdata/propflow/internal/session"
)

// ScraperConfig tunes the fetch state machine.
type ScraperConfig struct {
	Site                string
	MaxAttempts         int
	RequestsPerSecond   float64
	RateLimitWait       time.Duration // fallback when the site sends no Retry-After
	MaintenanceWait     time.Duration
	CaptchaHourlyBudget int
}

func (c ScraperConfig) normalized() ScraperConfig {
	if c.Site == "" {
		c.Site = "phoenix_mls"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 0.5
	}
	if c.RateLimitWait <= 0 {
		c.RateLimitWait = 30 * time.Second
	}
	if c.MaintenanceWait <= 0 {
		c.MaintenanceWait = 5 * time.Minute
	}
	if c.CaptchaHourlyBudget <= 0 {
		c.CaptchaHourlyBudget = 10
	}
	return c
}

// Scraper fetches rendered MLS pages and recovers from the error
// conditions the detector classifies: proxy rotation on blocks, session
// invalidation on expiry, token injection on CAPTCHAs, and bounded waits
// on throttling and maintenance pages.
type Scraper struct {
	cfg      ScraperConfig
	browser  Browser
	pool     *proxy.Pool
	sessions session.Store
	detector *Detector
	solver   Solver
	limiter  *ratelimit.Limiter
	pacer    *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error

	captchaMu    sync.Mutex
	captchaCount int
	captchaSince time.Time
	now          func() time.Time
}

// NewScraper wires the state machine. solver and limiter may be nil;
// without a solver CAPTCHA pages fail immediately, and without a limiter
// upstream throttles are only logged.
func NewScraper(cfg ScraperConfig, browser Browser, pool *proxy.Pool, sessions session.Store,
	detector *Detector, solver Solver, limiter *ratelimit.Limiter) *Scraper {
	cfg = cfg.normalized()
	return &Scraper{
		cfg:      cfg,
		browser:  browser,
		pool:     pool,
		sessions: sessions,
		detector: detector,
		solver:   solver,
		limiter:  limiter,
		pacer:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
		now: time.Now,
	}
}

// WithSleep injects the wait function for tests.
func (s *Scraper) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Scraper {
	s.sleep = sleep
	return s
}

// WithClock injects a time source for tests.
func (s *Scraper) WithClock(now func() time.Time) *Scraper {
	s.now = now
	return s
}

// Fetch retrieves one page, classifying and recovering from site error
// conditions until the attempt budget runs out. The returned result is a
// normal document; every detected condition either recovers or surfaces
// as a typed error.
func (s *Scraper) Fetch(ctx context.Context, pageURL string) (*FetchResult, error) {
	if err := s.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	identity, err := s.pool.Acquire()
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, s.cfg.Site, "no proxy identity available", err)
	}
	arts := s.loadSession(ctx, identity.URL)

	inject := ""
	sessionRetried := false
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		res, err := s.browser.Fetch(ctx, BrowserRequest{
			URL:          pageURL,
			ProxyURL:     identity.URL,
			Session:      arts,
			InjectScript: inject,
		})
		inject = ""
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.pool.Report(identity.URL, false)
			lastErr = errs.Wrap(errs.Classify(err), s.cfg.Site, "browser fetch failed", err)
			if identity, err = s.rotateIdentity(identity); err != nil {
				return nil, err
			}
			arts = s.loadSession(ctx, identity.URL)
			continue
		}

		det := s.detector.Detect(res)
		if det == nil {
			s.pool.Report(identity.URL, true)
			s.saveSession(ctx, identity.URL, res, arts)
			return res, nil
		}

		log.Warn().Str("site", s.cfg.Site).Str("condition", string(det.Condition)).
			Str("url", pageURL).Int("attempt", attempt).Msg("site error condition detected")

		switch det.Condition {
		case CondNotFound:
			// The site answered; the listing is simply gone.
			s.pool.Report(identity.URL, true)
			return nil, errs.Ef(errs.KindNotFound, s.cfg.Site, "page not found: %s", pageURL)

		case CondRateLimit:
			wait := det.RetryAfter
			if wait <= 0 {
				wait = s.cfg.RateLimitWait
			}
			if s.limiter != nil {
				s.limiter.ReportUpstreamLimit(s.cfg.Site, wait)
			}
			lastErr = errs.E(errs.KindRateLimit, s.cfg.Site, "site throttled the scraper")
			if err := s.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case CondBlockedIP:
			s.pool.Report(identity.URL, false)
			lastErr = errs.E(errs.KindPermission, s.cfg.Site, "egress identity blocked")
			if identity, err = s.rotateIdentity(identity); err != nil {
				return nil, err
			}
			arts = s.loadSession(ctx, identity.URL)

		case CondSessionExpired:
			if sessionRetried {
				return nil, errs.E(errs.KindAuth, s.cfg.Site, "session rejected after refresh")
			}
			sessionRetried = true
			lastErr = errs.E(errs.KindAuth, s.cfg.Site, "session expired")
			if err := s.sessions.Invalidate(ctx, s.cfg.Site, identity.URL); err != nil {
				log.Warn().Err(err).Str("site", s.cfg.Site).Msg("session invalidation failed")
			}
			arts = nil

		case CondCaptcha:
			token, err := s.solveChallenge(ctx, *det.Challenge)
			if err != nil {
				return nil, err
			}
			inject = TokenInjection(*det.Challenge, token)
			lastErr = errs.E(errs.KindRateLimit, s.cfg.Site, "captcha challenge presented")

		case CondMaintenance:
			lastErr = errs.E(errs.KindNetwork, s.cfg.Site, "site under maintenance")
			if err := s.sleep(ctx, s.cfg.MaintenanceWait); err != nil {
				return nil, err
			}
		}
	}

	if lastErr == nil {
		lastErr = errs.E(errs.KindNetwork, s.cfg.Site, "fetch attempts exhausted")
	}
	return nil, lastErr
}

// rotateIdentity acquires a replacement identity, preferring one that
// differs from the current. With a single-member pool the same identity
// comes back rather than failing the fetch.
func (s *Scraper) rotateIdentity(current proxy.Identity) (proxy.Identity, error) {
	tries := s.pool.Size()
	if tries < 1 {
		tries = 1
	}
	var last proxy.Identity
	for i := 0; i < tries; i++ {
		next, err := s.pool.Acquire()
		if err != nil {
			return proxy.Identity{}, errs.Wrap(errs.KindNetwork, s.cfg.Site, "no replacement identity", err)
		}
		if next.URL != current.URL {
			return next, nil
		}
		last = next
	}
	return last, nil
}

// solveChallenge enforces the hourly budget and delegates to the solver.
func (s *Scraper) solveChallenge(ctx context.Context, ch Challenge) (string, error) {
	if s.solver == nil {
		return "", errs.E(errs.KindPermission, s.cfg.Site, "captcha encountered but no solver configured")
	}

	s.captchaMu.Lock()
	now := s.now()
	if now.Sub(s.captchaSince) >= time.Hour {
		s.captchaSince = now
		s.captchaCount = 0
	}
	if s.captchaCount >= s.cfg.CaptchaHourlyBudget {
		s.captchaMu.Unlock()
		return "", errs.Ef(errs.KindRateLimit, s.cfg.Site,
			"captcha budget exhausted (%d/hour)", s.cfg.CaptchaHourlyBudget)
	}
	s.captchaCount++
	s.captchaMu.Unlock()

	token, err := s.solver.Solve(ctx, ch)
	if err != nil {
		return "", err
	}
	log.Info().Str("site", s.cfg.Site).Str("type", string(ch.Type)).Msg("captcha solved")
	return token, nil
}

func (s *Scraper) loadSession(ctx context.Context, identity string) *session.Artifacts {
	arts, err := s.sessions.Load(ctx, s.cfg.Site, identity)
	if err != nil {
		return nil
	}
	return arts
}

// saveSession persists the post-fetch cookies so the warmed session
// survives process restarts. Local storage from a prior session is kept.
func (s *Scraper) saveSession(ctx context.Context, identity string, res *FetchResult, prev *session.Artifacts) {
	if len(res.Cookies) == 0 {
		return
	}
	arts := &session.Artifacts{Cookies: res.Cookies}
	if prev != nil {
		arts.LocalStorage = prev.LocalStorage
		arts.UserAgent = prev.UserAgent
	}
	if err := s.sessions.Save(ctx, s.cfg.Site, identity, arts); err != nil {
		log.Warn().Err(err).Str("site", s.cfg.Site).Msg("session save failed")
	}
}
