package scrape

import (
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v2"

	"github.com/phxdata/propflow/internal/errs"
)

// Condition classifies a site-specific error state detected on a fetched
// page.
type Condition string

const (
	CondRateLimit      Condition = "rate_limit"
	CondBlockedIP      Condition = "blocked_ip"
	CondSessionExpired Condition = "session_expired"
	CondCaptcha        Condition = "captcha"
	CondMaintenance    Condition = "maintenance"
	CondNotFound       Condition = "not_found"
)

// detectionOrder fixes precedence when several rule sets match; a captcha
// on a 403 page is a captcha, not a block.
var detectionOrder = []Condition{
	CondCaptcha, CondRateLimit, CondBlockedIP, CondSessionExpired, CondMaintenance, CondNotFound,
}

// ConditionRule is one condition's pattern set. All fields are optional;
// a rule matches when any listed status matches, or any body pattern,
// selector, header pattern, or URL pattern is found.
type ConditionRule struct {
	Status       []int             `yaml:"status,omitempty"`
	BodyPatterns []string          `yaml:"body_patterns,omitempty"`
	Selectors    []string          `yaml:"selectors,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	URLPatterns  []string          `yaml:"url_patterns,omitempty"`
}

// SelectorSet is the versioned scrape configuration for one site. It
// lives in YAML so pattern updates ship without a code change.
type SelectorSet struct {
	Version    int                         `yaml:"version"`
	Site       string                      `yaml:"site"`
	Conditions map[Condition]ConditionRule `yaml:"conditions"`
	Captcha    map[ChallengeType][]string  `yaml:"captcha_selectors"`
}

// Detection is the outcome of classifying one fetch result.
type Detection struct {
	Condition  Condition
	RetryAfter time.Duration
	Challenge  *Challenge
}

// Detector matches a selector set against fetch results.
type Detector struct {
	set SelectorSet
}

// LoadSelectorSet reads a versioned selector-set file.
func LoadSelectorSet(path string) (SelectorSet, error) {
	var set SelectorSet
	data, err := os.ReadFile(path)
	if err != nil {
		return set, errs.Wrap(errs.KindInternal, "scrape_config", "selector set unreadable", err)
	}
	if err := yaml.Unmarshal(data, &set); err != nil {
		return set, errs.Wrap(errs.KindParsing, "scrape_config", "selector set malformed", err)
	}
	if set.Version == 0 {
		return set, errs.E(errs.KindValidation, "scrape_config", "selector set must declare a version")
	}
	return set, nil
}

// DefaultSelectorSet carries the patterns the Phoenix MLS site exhibits
// today. Deployments override it with a versioned YAML file.
func DefaultSelectorSet() SelectorSet {
	return SelectorSet{
		Version: 1,
		Site:    "phoenix_mls",
		Conditions: map[Condition]ConditionRule{
			CondRateLimit: {
				Status:       []int{429},
				BodyPatterns: []string{"too many requests", "rate limit exceeded"},
				Headers:      map[string]string{"retry-after": ""},
			},
			CondBlockedIP: {
				Status:       []int{403},
				BodyPatterns: []string{"cloudflare", "attention required", "access denied", "checking your browser"},
				Selectors:    []string{"#challenge-form", "#cf-wrapper"},
			},
			CondSessionExpired: {
				BodyPatterns: []string{"session expired", "please sign in", "please log in"},
				URLPatterns:  []string{"/login", "/signin"},
			},
			CondMaintenance: {
				Status:       []int{503},
				BodyPatterns: []string{"scheduled maintenance", "temporarily unavailable", "be right back"},
			},
			CondNotFound: {
				Status:       []int{404, 410},
				BodyPatterns: []string{"listing not found", "no longer available"},
			},
		},
		Captcha: map[ChallengeType][]string{
			ChallengeRecaptchaV2: {".g-recaptcha[data-sitekey]", "iframe[src*='recaptcha/api2']"},
			ChallengeRecaptchaV3: {"script[src*='recaptcha/api.js?render=']"},
			ChallengeHCaptcha:    {".h-captcha[data-sitekey]", "iframe[src*='hcaptcha.com']"},
			ChallengeImage:       {"img.captcha-image", "img[alt='captcha']"},
		},
	}
}

// NewDetector builds a detector over a selector set.
func NewDetector(set SelectorSet) *Detector {
	return &Detector{set: set}
}

// Detect classifies a fetch result. A nil return means the page is a
// normal document. Captcha detection wins over status-based conditions
// because solving it unblocks the others.
func (d *Detector) Detect(res *FetchResult) *Detection {
	lowerBody := strings.ToLower(res.HTML)
	doc, docErr := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))

	for _, cond := range detectionOrder {
		if cond == CondCaptcha {
			if doc != nil && docErr == nil {
				if ch := d.detectCaptcha(doc, res.FinalURL); ch != nil {
					return &Detection{Condition: CondCaptcha, Challenge: ch}
				}
			}
			continue
		}

		rule, ok := d.set.Conditions[cond]
		if !ok {
			continue
		}
		if d.ruleMatches(rule, res, lowerBody, doc) {
			det := &Detection{Condition: cond}
			if cond == CondRateLimit {
				det.RetryAfter = retryAfterHeader(res.Headers)
			}
			return det
		}
	}
	return nil
}

func (d *Detector) ruleMatches(rule ConditionRule, res *FetchResult, lowerBody string, doc *goquery.Document) bool {
	statusMatch := len(rule.Status) == 0
	for _, s := range rule.Status {
		if res.StatusCode == s {
			statusMatch = true
			break
		}
	}
	if !statusMatch {
		return false
	}

	// A status-only rule matches on status alone.
	if len(rule.BodyPatterns) == 0 && len(rule.Selectors) == 0 &&
		len(rule.Headers) == 0 && len(rule.URLPatterns) == 0 {
		return len(rule.Status) > 0
	}

	for _, p := range rule.BodyPatterns {
		if strings.Contains(lowerBody, strings.ToLower(p)) {
			return true
		}
	}
	for key, want := range rule.Headers {
		if got, ok := res.Headers[strings.ToLower(key)]; ok {
			if want == "" || strings.Contains(strings.ToLower(got), strings.ToLower(want)) {
				return true
			}
		}
	}
	for _, p := range rule.URLPatterns {
		if strings.Contains(strings.ToLower(res.FinalURL), strings.ToLower(p)) {
			return true
		}
	}
	if doc != nil {
		for _, sel := range rule.Selectors {
			if doc.Find(sel).Length() > 0 {
				return true
			}
		}
	}
	return false
}

// detectCaptcha identifies the challenge type and extracts the site key
// or image URL the solver needs.
func (d *Detector) detectCaptcha(doc *goquery.Document, pageURL string) *Challenge {
	for _, typ := range []ChallengeType{ChallengeRecaptchaV2, ChallengeHCaptcha, ChallengeRecaptchaV3, ChallengeImage} {
		for _, sel := range d.set.Captcha[typ] {
			node := doc.Find(sel).First()
			if node.Length() == 0 {
				continue
			}
			ch := &Challenge{Type: typ, PageURL: pageURL}
			switch typ {
			case ChallengeImage:
				ch.ImageURL, _ = node.Attr("src")
			case ChallengeRecaptchaV3:
				if src, ok := node.Attr("src"); ok {
					if i := strings.Index(src, "render="); i >= 0 {
						ch.SiteKey = strings.SplitN(src[i+len("render="):], "&", 2)[0]
					}
				}
			default:
				if key, ok := node.Attr("data-sitekey"); ok {
					ch.SiteKey = key
				} else if src, ok := node.Attr("src"); ok {
					if i := strings.Index(src, "k="); i >= 0 {
						ch.SiteKey = strings.SplitN(src[i+2:], "&", 2)[0]
					}
				}
			}
			if ch.SiteKey != "" || ch.ImageURL != "" {
				return ch
			}
		}
	}
	return nil
}

func retryAfterHeader(headers map[string]string) time.Duration {
	v, ok := headers["retry-after"]
	if !ok {
		return 0
	}
	var secs int
	for _, r := range strings.TrimSpace(v) {
		if r < '0' || r > '9' {
			return 0
		}
		secs = secs*10 + int(r-'0')
	}
	return time.Duration(secs) * time.Second
}
