// Package httpclient builds the anonymous HTTP client used for every
// outbound fetch the telemetry client makes: doublefetch, quorum increment/
// consent, the country provider, and the whitelist CDN. None of these
// requests may carry cookies, stored credentials, or a cache — doublefetch
// specifically exists to see what an uncredentialed visitor sees.
package httpclient

import (
	"net/http"
	"time"
)

// DefaultTimeout is applied to every anonymous client this package builds.
const DefaultTimeout = 30 * time.Second

// NewAnonymousHTTPClient creates an HTTP client with no cookie jar, no
// credential store, and caching disabled via request headers set by the
// transport adapter. A zero timeout falls back to DefaultTimeout.
func NewAnonymousHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		// No Jar: requests must never send or accept cookies.
		// CheckRedirect returns each redirect response as-is instead of
		// following it; the doublefetch fetcher performs its own
		// redirect-following so it can apply the
		// same-origin-and-pathname rule from spec 4.2 instead of the
		// stdlib's blanket redirect-following.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
