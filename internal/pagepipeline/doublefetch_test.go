package pagepipeline

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/approver"
	"github.com/whotracksme/webextension-packages-sub000/internal/storage/memkv"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// fakeExtractor returns a scripted types.PageStructure regardless of input,
// standing in for htmlextract.GoqueryExtractor in handler tests.
type fakeExtractor struct {
	structure types.PageStructure
	err       error
}

func (f fakeExtractor) Extract(html []byte, baseURL string) (types.PageStructure, error) {
	return f.structure, f.err
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// routeToServer returns a non-redirect-following client that dials srv for
// every request, whatever host the URL names, so a test can use a hostname
// the sanitizer accepts instead of the server's 127.0.0.1 address.
func routeToServer(srv *httptest.Server) *http.Client {
	c := noRedirectClient()
	c.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, srv.Listener.Addr().String())
		},
	}
	return c
}

func newTestApprover(t *testing.T) *approver.NewPageApprover {
	a, err := approver.NewNewPageApprover(memkv.New(), arbor.NewLogger())
	require.NoError(t, err)
	return a
}

func TestDoublefetchAcceptsMatchingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	h := NewDoublefetchHandler(
		NewFetcher(routeToServer(srv)),
		fakeExtractor{structure: types.PageStructure{Title: "Example Title"}},
		newTestApprover(t),
		arbor.NewLogger(),
	)

	obs := types.PageObservation{
		URL:            "http://example.com/article",
		PreDoublefetch: types.PreDoublefetch{Title: "Example Title", RequestedIndex: true},
	}
	args, err := encodeJSON(obs)
	require.NoError(t, err)

	followUps, err := h.RunJob(context.Background(), types.Job{Args: args})
	require.NoError(t, err)
	require.Len(t, followUps, 1)
	assert.Equal(t, QuorumCheckJobType, followUps[0].Type)
}

func TestDoublefetchRequestSetsNoStoreCacheControl(t *testing.T) {
	var gotCacheControl string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCacheControl = r.Header.Get("Cache-Control")
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	h := NewDoublefetchHandler(
		NewFetcher(noRedirectClient()),
		fakeExtractor{structure: types.PageStructure{Title: "Example Title"}},
		newTestApprover(t),
		arbor.NewLogger(),
	)

	obs := types.PageObservation{
		URL:            srv.URL + "/article",
		PreDoublefetch: types.PreDoublefetch{Title: "Example Title", RequestedIndex: true},
	}
	args, err := encodeJSON(obs)
	require.NoError(t, err)

	_, err = h.RunJob(context.Background(), types.Job{Args: args})
	require.NoError(t, err)
	assert.Equal(t, "no-store", gotCacheControl, "doublefetch probe must ask intermediate caches not to store or serve a cached copy")
}

func TestDoublefetchRejectsTitleMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	h := NewDoublefetchHandler(
		NewFetcher(noRedirectClient()),
		fakeExtractor{structure: types.PageStructure{Title: "Completely Different"}},
		newTestApprover(t),
		arbor.NewLogger(),
	)

	obs := types.PageObservation{
		URL:            srv.URL + "/article",
		PreDoublefetch: types.PreDoublefetch{Title: "Example Title", RequestedIndex: true},
	}
	args, err := encodeJSON(obs)
	require.NoError(t, err)

	followUps, err := h.RunJob(context.Background(), types.Job{Args: args})
	require.NoError(t, err)
	assert.Nil(t, followUps)

	// The URL should now be marked private.
	priv, err := h.approver.MightBeMarkedAsPrivate(context.Background(), obs.URL)
	require.NoError(t, err)
	assert.True(t, priv)
}

func TestDoublefetchRejectsNoIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	h := NewDoublefetchHandler(
		NewFetcher(noRedirectClient()),
		fakeExtractor{structure: types.PageStructure{Title: "Example Title", NoIndex: true}},
		newTestApprover(t),
		arbor.NewLogger(),
	)

	obs := types.PageObservation{
		URL:            srv.URL + "/article",
		PreDoublefetch: types.PreDoublefetch{Title: "Example Title"},
	}
	args, err := encodeJSON(obs)
	require.NoError(t, err)

	followUps, err := h.RunJob(context.Background(), types.Job{Args: args})
	require.NoError(t, err)
	assert.Nil(t, followUps)
}

func TestDoublefetchMissingURLIsBadJob(t *testing.T) {
	h := NewDoublefetchHandler(NewFetcher(noRedirectClient()), fakeExtractor{}, newTestApprover(t), arbor.NewLogger())
	_, err := h.RunJob(context.Background(), types.Job{Args: map[string]any{}})
	require.Error(t, err)
	var badJob *types.BadJobError
	assert.ErrorAs(t, err, &badJob)
}

func TestDoublefetchSkipsAlreadyMarkedPrivate(t *testing.T) {
	a := newTestApprover(t)
	ctx := context.Background()
	require.NoError(t, a.MarkAsPrivate(ctx, "https://example.com/private"))

	h := NewDoublefetchHandler(NewFetcher(noRedirectClient()), fakeExtractor{}, a, arbor.NewLogger())
	obs := types.PageObservation{URL: "https://example.com/private"}
	args, err := encodeJSON(obs)
	require.NoError(t, err)

	followUps, err := h.RunJob(ctx, types.Job{Args: args})
	require.NoError(t, err)
	assert.Nil(t, followUps)
}

func TestTitlesMatchRules(t *testing.T) {
	assert.True(t, titlesMatch("Hello World", "hello world"))
	assert.True(t, titlesMatch("Example", "Example - My Site"))
	assert.False(t, titlesMatch("Example", "Totally Different"))
	assert.False(t, titlesMatch("", "Example"))
	assert.False(t, titlesMatch("Hi", "Hi There"), "pre must be at least 6 normalized chars to allow containment match")
}
