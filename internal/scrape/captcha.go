package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phxdata/propflow/internal/errs"
)

// ChallengeType names the CAPTCHA variants the detector recognizes.
type ChallengeType string

const (
	ChallengeRecaptchaV2 ChallengeType = "recaptcha_v2"
	ChallengeRecaptchaV3 ChallengeType = "recaptcha_v3"
	ChallengeHCaptcha    ChallengeType = "hcaptcha"
	ChallengeImage       ChallengeType = "image"
)

// Challenge describes one CAPTCHA found on a page.
type Challenge struct {
	Type     ChallengeType
	SiteKey  string
	ImageURL string
	PageURL  string
}

// Solver turns a challenge into a response token.
type Solver interface {
	Solve(ctx context.Context, ch Challenge) (string, error)
}

// SolverConfig tunes the HTTP solving service client.
type SolverConfig struct {
	Endpoint     string // solving service base URL
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration // overall budget per challenge
}

// HTTPSolver submits challenges to a 2captcha-compatible solving service
// and polls for the answer. Solving is slow (tens of seconds); the caller
// bounds total time through the config, not the context alone.
type HTTPSolver struct {
	cfg   SolverConfig
	http  *http.Client
	sleep func(ctx context.Context, d time.Duration) error
}

const solverResource = "captcha_solver"

// NewHTTPSolver builds the service client.
func NewHTTPSolver(cfg SolverConfig) *HTTPSolver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &HTTPSolver{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
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
	}
}

// WithSleep injects the wait function for tests.
func (s *HTTPSolver) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *HTTPSolver {
	s.sleep = sleep
	return s
}

// serviceReply is the service's envelope for both submit and poll calls.
// Status 1 means success; Request carries the task id or the token.
type serviceReply struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the challenge and polls until solved or the budget runs
// out.
func (s *HTTPSolver) Solve(ctx context.Context, ch Challenge) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	taskID, err := s.submit(ctx, ch)
	if err != nil {
		return "", err
	}
	log.Debug().Str("type", string(ch.Type)).Str("task", taskID).Msg("captcha submitted")

	for {
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return "", errs.Wrap(errs.KindTimeout, solverResource, "captcha solve timed out", err)
		}
		token, ready, err := s.poll(ctx, taskID)
		if err != nil {
			return "", err
		}
		if ready {
			return token, nil
		}
	}
}

func (s *HTTPSolver) submit(ctx context.Context, ch Challenge) (string, error) {
	q := url.Values{}
	q.Set("key", s.cfg.APIKey)
	q.Set("json", "1")

	switch ch.Type {
	case ChallengeRecaptchaV2:
		q.Set("method", "userrecaptcha")
		q.Set("googlekey", ch.SiteKey)
		q.Set("pageurl", ch.PageURL)
	case ChallengeRecaptchaV3:
		q.Set("method", "userrecaptcha")
		q.Set("version", "v3")
		q.Set("googlekey", ch.SiteKey)
		q.Set("pageurl", ch.PageURL)
	case ChallengeHCaptcha:
		q.Set("method", "hcaptcha")
		q.Set("sitekey", ch.SiteKey)
		q.Set("pageurl", ch.PageURL)
	case ChallengeImage:
		q.Set("method", "post")
		q.Set("img_url", ch.ImageURL)
	default:
		return "", errs.Ef(errs.KindValidation, solverResource, "unsupported challenge type %q", ch.Type)
	}

	reply, err := s.call(ctx, "/in.php", q)
	if err != nil {
		return "", err
	}
	if reply.Status != 1 {
		return "", errs.Ef(errs.KindInternal, solverResource, "submit rejected: %s", errs.Sanitize(reply.Request))
	}
	return reply.Request, nil
}

// poll returns (token, true) once the service has an answer, (_, false)
// while the task is still queued.
func (s *HTTPSolver) poll(ctx context.Context, taskID string) (string, bool, error) {
	q := url.Values{}
	q.Set("key", s.cfg.APIKey)
	q.Set("action", "get")
	q.Set("id", taskID)
	q.Set("json", "1")

	reply, err := s.call(ctx, "/res.php", q)
	if err != nil {
		return "", false, err
	}
	if reply.Status == 1 {
		return reply.Request, true, nil
	}
	if reply.Request == "CAPCHA_NOT_READY" {
		return "", false, nil
	}
	return "", false, errs.Ef(errs.KindInternal, solverResource, "solve failed: %s", errs.Sanitize(reply.Request))
}

func (s *HTTPSolver) call(ctx context.Context, path string, q url.Values) (*serviceReply, error) {
	u := strings.TrimRight(s.cfg.Endpoint, "/") + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, solverResource, "request build failed", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Classify(err), solverResource, "solver unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, solverResource, "solver response read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Ef(errs.KindInternal, solverResource, "solver status %d", resp.StatusCode)
	}
	var reply serviceReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, errs.Wrap(errs.KindParsing, solverResource, "solver reply not valid JSON", err)
	}
	return &reply, nil
}

// TokenInjection builds the script that plants a solved token into the
// page's response field and fires the callback the widget registered.
func TokenInjection(ch Challenge, token string) string {
	field := "g-recaptcha-response"
	if ch.Type == ChallengeHCaptcha {
		field = "h-captcha-response"
	}
	return fmt.Sprintf(`(function(){
  var el = document.querySelector('[name=%q]') || document.getElementById(%q);
  if (!el) {
    el = document.createElement('textarea');
    el.name = %q; el.id = %q; el.style.display = 'none';
    document.body.appendChild(el);
  }
  el.value = %q;
  if (window.captchaCallback) { window.captchaCallback(%q); }
})();`, field, field, field, field, token, token)
}
