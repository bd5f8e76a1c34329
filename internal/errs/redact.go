package errs

import (
	"net/url"
	"regexp"
	"strings"
)

// Redacted replaces any value bound to a credential-bearing key before it
// can reach a log line, error message, metrics label, or DLQ context.
const Redacted = "[REDACTED]"

// Keys matching this pattern are credentials wherever they appear: struct
// fields, JSON keys, URL query parameters, headers, key=value pairs.
var credentialKeyRE = regexp.MustCompile(`(?i)(api[-_]?key|token|auth|password|secret|credential)`)

var (
	jsonFieldRE = regexp.MustCompile(`(?i)("[\w.-]*(?:api[-_]?key|token|auth|password|secret|credential)[\w.-]*"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	queryRE     = regexp.MustCompile(`(?i)([?&][\w.-]*(?:api[-_]?key|token|auth|password|secret|credential)[\w.-]*=)[^&\s"']+`)
	bearerRE    = regexp.MustCompile(`(?i)\b(bearer\s+)[^\s"']+`)
	kvRE        = regexp.MustCompile(`(?i)\b([\w.-]*(?:api[-_]?key|token|auth|password|secret|credential)[\w.-]*\s*[=:]\s*)[^\s&"',}]+`)
)

// Sanitize redacts credential values embedded in free-form text. It is
// idempotent and safe to apply at every emission boundary.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	s = jsonFieldRE.ReplaceAllString(s, `$1"`+Redacted+`"`)
	s = queryRE.ReplaceAllString(s, "$1"+Redacted)
	s = bearerRE.ReplaceAllString(s, "$1"+Redacted)
	s = kvRE.ReplaceAllString(s, "$1"+Redacted)
	return s
}

// IsCredentialKey reports whether a field or query key names a credential.
func IsCredentialKey(key string) bool {
	return credentialKeyRE.MatchString(key)
}

// SanitizeURL returns the URL in string form with credential-bearing query
// values redacted. The input is not modified.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	q := clean.Query()
	changed := false
	for key := range q {
		if IsCredentialKey(key) {
			q.Set(key, Redacted)
			changed = true
		}
	}
	if changed {
		clean.RawQuery = q.Encode()
	}
	if clean.User != nil {
		if _, has := clean.User.Password(); has {
			clean.User = url.UserPassword(clean.User.Username(), Redacted)
		}
	}
	return clean.String()
}

// SanitizeMap redacts credential-bearing keys in a flat string map, for
// header sets and DLQ context maps. Values under non-credential keys are
// still passed through Sanitize to catch embedded tokens.
func SanitizeMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if IsCredentialKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = Sanitize(v)
	}
	return out
}

// SanitizeHeaderValue redacts schemes like "Bearer <key>" while keeping
// the scheme visible.
func SanitizeHeaderValue(v string) string {
	if strings.TrimSpace(v) == "" {
		return v
	}
	return bearerRE.ReplaceAllString(v, "$1"+Redacted)
}
