// Package pagepipeline implements the doublefetch handler (spec 4.2), the
// page quorum check handler (spec 4.3), and the URL/activity sanitizer
// (spec 4.7) that both depend on.
//
// Grounded on the teacher's internal/common patterns for input validation
// and on internal/httpclient/client.go for the anonymous-fetch contract.
package pagepipeline

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// SanitizeResult is the outcome of SanitizeURL.
type SanitizeResult int

const (
	// SanitizeSafe means the URL may be emitted unmodified.
	SanitizeSafe SanitizeResult = iota
	// SanitizeTruncated means only "<scheme>://<host>/ (PROTECTED)" may be emitted.
	SanitizeTruncated
	// SanitizeDropped means the URL must not be emitted at all.
	SanitizeDropped
)

// normalMaxLength and strictMaxLength bound URL length before truncation
// kicks in; strict mode (untrusted pages, e.g. not search-indexed) is
// tighter.
const (
	normalMaxLength = 400
	strictMaxLength = 200
)

// SanitizedURL is the result of SanitizeURL.
type SanitizedURL struct {
	Result  SanitizeResult
	SafeURL string
	Reason  string
}

// SanitizeURL applies the redaction rules of spec 4.7. strict tightens the
// length threshold for pages with weaker trust signals.
func SanitizeURL(raw string, strict bool) SanitizedURL {
	u, err := url.Parse(raw)
	if err != nil {
		return SanitizedURL{Result: SanitizeDropped, Reason: "unparseable url"}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return SanitizedURL{Result: SanitizeDropped, Reason: fmt.Sprintf("unsupported scheme %q", scheme)}
	}

	if u.User != nil {
		return SanitizedURL{Result: SanitizeDropped, Reason: "userinfo present"}
	}

	host := u.Hostname()
	if host == "" {
		return SanitizedURL{Result: SanitizeDropped, Reason: "missing host"}
	}
	if net.ParseIP(host) != nil {
		return SanitizedURL{Result: SanitizeDropped, Reason: "ip literal host"}
	}
	if strings.EqualFold(host, "localhost") {
		return SanitizedURL{Result: SanitizeDropped, Reason: "localhost host"}
	}
	if isExtensionScheme(scheme) {
		return SanitizedURL{Result: SanitizeDropped, Reason: "browser-extension scheme"}
	}
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || (p != 80 && p != 443) {
			return SanitizedURL{Result: SanitizeDropped, Reason: "non-standard explicit port"}
		}
	}

	maxLen := normalMaxLength
	if strict {
		maxLen = strictMaxLength
	}
	if len(raw) <= maxLen {
		return SanitizedURL{Result: SanitizeSafe, SafeURL: raw}
	}

	// Too long: always truncate to the origin.
	protected := fmt.Sprintf("%s://%s/ (PROTECTED)", scheme, u.Host)
	return SanitizedURL{Result: SanitizeTruncated, SafeURL: protected, Reason: "exceeded length threshold"}
}

func isExtensionScheme(scheme string) bool {
	switch scheme {
	case "moz-extension", "chrome-extension", "extension", "safari-web-extension":
		return true
	default:
		return false
	}
}

// SanitizeActivity quantizes an activity score so near-identical scores
// from different clients collide (spec 4.7). Inputs outside [0,1] map to
// the literal "0". Ordering is preserved with at most 0.1 absolute drift.
func SanitizeActivity(x float64) string {
	if math.IsNaN(x) || x < 0 || x > 1 {
		return "0"
	}
	// Quantize to the nearest 0.05 (step << the 0.1 drift budget), then
	// format with two decimals so the wire representation is short and
	// stable.
	const step = 0.05
	quantized := math.Round(x/step) * step
	return strconv.FormatFloat(quantized, 'f', 2, 64)
}
