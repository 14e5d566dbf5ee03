package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/httpclient"
)

// MaxFetchBodyBytes caps how much of a response body SendInstant will read,
// independent of the doublefetch handler's own 2MiB content cap (spec 4.2)
// — this is a generic safety net for the quorum/country/whitelist GETs.
const MaxFetchBodyBytes = 8 * 1024 * 1024

// HTTPTransport is the default Transport adapter: an anonymous net/http
// client with no cookie jar and no cache, matching every collaborator
// endpoint in spec 6 (none of them are credentialed).
type HTTPTransport struct {
	client *http.Client
	logger arbor.ILogger
}

// NewHTTPTransport builds the default transport adapter.
func NewHTTPTransport(logger arbor.ILogger) *HTTPTransport {
	return &HTTPTransport{
		client: httpclient.NewAnonymousHTTPClient(httpclient.DefaultTimeout),
		logger: logger,
	}
}

// Send posts body as the outbound message envelope's wire form.
// Fire-and-forget: the caller only learns whether the relay accepted the
// request, never waits on downstream processing.
func (t *HTTPTransport) Send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("relay rejected message: %s", resp.Status)
	}
	return nil
}

// SendInstant performs a synchronous GET/POST and returns its result.
func (t *HTTPTransport) SendInstant(ctx context.Context, method, url string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &FetchResult{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		StatusText: resp.Status,
		Body:       body,
	}, nil
}
