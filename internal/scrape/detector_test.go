package scrape

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detect(t *testing.T, res *FetchResult) *Detection {
	t.Helper()
	return NewDetector(DefaultSelectorSet()).Detect(res)
}

func TestDetectNormalPage(t *testing.T) {
	det := detect(t, &FetchResult{
		HTML:       `<html><body><div class="listing">789 Oak Street</div></body></html>`,
		StatusCode: 200,
	})
	assert.Nil(t, det)
}

func TestDetectCloudflareBlock(t *testing.T) {
	det := detect(t, &FetchResult{
		HTML:       `<html><head><title>Attention Required! | Cloudflare</title></head><body></body></html>`,
		StatusCode: 403,
	})
	require.NotNil(t, det)
	assert.Equal(t, CondBlockedIP, det.Condition)
}

func TestDetectBlockBySelector(t *testing.T) {
	det := detect(t, &FetchResult{
		HTML:       `<html><body><div id="cf-wrapper"></div></body></html>`,
		StatusCode: 200,
	})
	require.NotNil(t, det)
	assert.Equal(t, CondBlockedIP, det.Condition)
}

func TestDetectRateLimitWithRetryAfter(t *testing.T) {
	det := detect(t, &FetchResult{
		HTML:       `<html><body>Too many requests</body></html>`,
		StatusCode: 429,
		Headers:    map[string]string{"retry-after": "45"},
	})
	require.NotNil(t, det)
	assert.Equal(t, CondRateLimit, det.Condition)
	assert.Equal(t, 45*time.Second, det.RetryAfter)
}

func TestDetectSessionExpiredByRedirect(t *testing.T) {
	det := detect(t, &FetchResult{
		HTML:       `<html><body><form>Sign in</form></body></html>`,
		StatusCode: 200,
		FinalURL:   "https://mls.example.com/login?next=%2Flisting%2F123",
	})
	require.NotNil(t, det)
	assert.Equal(t, CondSessionExpired, det.Condition)
}

func TestDetectMaintenance(t *testing.T) {
	det := detect(t, &FetchResult{
		HTML:       `<html><body>We are down for scheduled maintenance.</body></html>`,
		StatusCode: 503,
	})
	require.NotNil(t, det)
	assert.Equal(t, CondMaintenance, det.Condition)
}

func TestDetectNotFound(t *testing.T) {
	det := detect(t, &FetchResult{
		HTML:       `<html><body>Listing not found</body></html>`,
		StatusCode: 404,
	})
	require.NotNil(t, det)
	assert.Equal(t, CondNotFound, det.Condition)
}

func TestDetectRecaptchaV2SiteKey(t *testing.T) {
	det := detect(t, &FetchResult{
		HTML: `<html><body>
			<div class="g-recaptcha" data-sitekey="test-site-key-123"></div>
		</body></html>`,
		StatusCode: 200,
		FinalURL:   "https://mls.example.com/listing/42",
	})
	require.NotNil(t, det)
	assert.Equal(t, CondCaptcha, det.Condition)
	require.NotNil(t, det.Challenge)
	assert.Equal(t, ChallengeRecaptchaV2, det.Challenge.Type)
	assert.Equal(t, "test-site-key-123", det.Challenge.SiteKey)
	assert.Equal(t, "https://mls.example.com/listing/42", det.Challenge.PageURL)
}

func TestDetectRecaptchaIframeSiteKey(t *testing.T) {
	det := detect(t, &FetchResult{
		HTML: `<html><body>
			<iframe src="https://www.google.com/recaptcha/api2/anchor?ar=1&k=test-site-key-123&co=x"></iframe>
		</body></html>`,
		StatusCode: 200,
	})
	require.NotNil(t, det)
	assert.Equal(t, CondCaptcha, det.Condition)
	assert.Equal(t, "test-site-key-123", det.Challenge.SiteKey)
}

func TestDetectCaptchaWinsOverBlock(t *testing.T) {
	// A challenge page often rides on a 403; solving it is the recovery.
	det := detect(t, &FetchResult{
		HTML: `<html><body>
			<div id="cf-wrapper"><div class="g-recaptcha" data-sitekey="abc"></div></div>
		</body></html>`,
		StatusCode: 403,
	})
	require.NotNil(t, det)
	assert.Equal(t, CondCaptcha, det.Condition)
}

func TestDetectHCaptcha(t *testing.T) {
	det := detect(t, &FetchResult{
		HTML:       `<html><body><div class="h-captcha" data-sitekey="hc-key-9"></div></body></html>`,
		StatusCode: 200,
	})
	require.NotNil(t, det)
	assert.Equal(t, ChallengeHCaptcha, det.Challenge.Type)
	assert.Equal(t, "hc-key-9", det.Challenge.SiteKey)
}

func TestRetryAfterHeaderParsing(t *testing.T) {
	assert.Equal(t, 30*time.Second, retryAfterHeader(map[string]string{"retry-after": "30"}))
	assert.Equal(t, time.Duration(0), retryAfterHeader(map[string]string{"retry-after": "soon"}))
	assert.Equal(t, time.Duration(0), retryAfterHeader(map[string]string{}))
}

func TestTokenInjectionCarriesFieldAndToken(t *testing.T) {
	script := TokenInjection(Challenge{Type: ChallengeRecaptchaV2}, "tok-1")
	assert.Contains(t, script, "g-recaptcha-response")
	assert.Contains(t, script, "tok-1")

	script = TokenInjection(Challenge{Type: ChallengeHCaptcha}, "tok-2")
	assert.Contains(t, script, "h-captcha-response")
}
