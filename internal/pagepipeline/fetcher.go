package pagepipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// MaxFetchBodyBytes is the doublefetch download cap (spec 4.2: "cap body at
// 2 MiB").
const MaxFetchBodyBytes = 2 * 1024 * 1024

var allowedContentTypes = map[string]bool{
	"text/html":             true,
	"text/plain":            true,
	"application/xhtml+xml": true,
}

// fetchOutcome is a successfully completed anonymous fetch.
type fetchOutcome struct {
	body        []byte
	contentType string
	redirects   []types.Redirect
	finalURL    string
}

// Fetcher performs the anonymous GET the doublefetch handler needs: no
// cookies, manual redirect following restricted to same origin+pathname,
// content-type allowlist, and a download cap.
type Fetcher struct {
	client *http.Client
}

// NewFetcher wraps client, which must not auto-follow redirects (the
// teacher's httpclient.NewAnonymousHTTPClient already configures this).
func NewFetcher(client *http.Client) *Fetcher {
	return &Fetcher{client: client}
}

func (f *Fetcher) fetch(ctx context.Context, startURL string) (*fetchOutcome, error) {
	current := startURL
	var redirects []types.Redirect

	for hop := 0; ; hop++ {
		if hop > types.MaxRedirects {
			return nil, types.NewPermanentError("redirect chain exceeded maximum length", nil)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, types.NewBadJobError("invalid url", err)
		}
		req.Header.Set("Cache-Control", "no-store")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, types.NewTransientError("doublefetch request failed", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, types.NewPermanentError("rate limited (429)", nil)
		}

		if loc := resp.Header.Get("Location"); resp.StatusCode >= 300 && resp.StatusCode < 400 && loc != "" {
			resp.Body.Close()
			next, err := resolveRedirect(current, loc)
			if err != nil {
				return nil, types.NewPermanentError("invalid redirect location", err)
			}
			if !sameOriginAndPath(current, next) {
				return nil, types.NewPermanentError("redirect changed origin or path", nil)
			}
			redirects = append(redirects, types.Redirect{From: current, To: next, StatusCode: resp.StatusCode})
			current = next
			continue
		}

		ct := firstContentType(resp.Header.Get("Content-Type"))
		if !allowedContentTypes[ct] {
			resp.Body.Close()
			return nil, types.NewPermanentError(fmt.Sprintf("unsupported content type %q", ct), nil)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBodyBytes+1))
		resp.Body.Close()
		if err != nil {
			return nil, types.NewTransientError("reading response body failed", err)
		}
		if len(body) > MaxFetchBodyBytes {
			return nil, types.NewPermanentError("response exceeded download limit", nil)
		}

		return &fetchOutcome{body: body, contentType: ct, redirects: redirects, finalURL: current}, nil
	}
}

func resolveRedirect(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func sameOriginAndPath(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host && ua.Path == ub.Path
}

func firstContentType(header string) string {
	if i := strings.IndexByte(header, ';'); i >= 0 {
		header = header[:i]
	}
	return strings.TrimSpace(strings.ToLower(header))
}
