// Package transport models the out-of-scope network collaborator: an
// anonymizing relay is assumed upstream of every send, per spec 1/6. Core
// packages depend only on the Transport interface; this package's
// net/http-backed HTTPTransport is the one concrete default adapter, grounded on
// the teacher's internal/httpclient request-building idiom.
package transport

import (
	"context"
	"encoding/json"
)

// FetchResult is what a synchronous GET returns to a caller that needs the
// status line and a decodable body (quorum/country/whitelist endpoints).
type FetchResult struct {
	OK         bool
	StatusCode int
	StatusText string
	Body       []byte
}

// JSON decodes the body as JSON into v.
func (r *FetchResult) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Transport is the out-of-scope network collaborator contract of spec 6:
// `send(body)` fire-and-forget, `sendInstant(...)` for request/response
// endpoints.
type Transport interface {
	// Send is fire-and-forget: it returns on best-effort acceptance and
	// never blocks the caller on a full round trip beyond that.
	Send(ctx context.Context, body []byte) error

	// SendInstant performs a synchronous request and returns its result,
	// used by the quorum client and the country/whitelist fetchers.
	SendInstant(ctx context.Context, method, url string) (*FetchResult, error)
}
