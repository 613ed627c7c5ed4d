package telemetry

import (
	"net/http"
	"net/url"
	"strings"
)

// Headers that carry credentials and must never appear in any log or
// error message.
var sensitiveHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
	"Set-Cookie":          {},
	"X-Api-Key":           {},
	"X-Auth-Token":        {},
	"X-Goog-Api-Key":      {},
	"Api-Key":             {},
}

const headerPlaceholder = "[REDACTED]"

// RedactHeaders returns a copy of h safe to log: credential-bearing
// headers are replaced wholesale.
func RedactHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if _, sensitive := sensitiveHeaders[http.CanonicalHeaderKey(k)]; sensitive {
			out[http.CanonicalHeaderKey(k)] = []string{headerPlaceholder}
			continue
		}
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return out
}

// RedactURL strips the query string, fragment, and userinfo from a URL
// before it is logged. Query strings routinely carry tokens and
// signatures. Strings that are not URLs pass through unchanged.
func RedactURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		u.User = nil
		return u.String()
	}
	return raw
}
