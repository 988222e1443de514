package pypi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/av/plan"
)

const requestsDoc = `{
  "info": {
    "name": "requests",
    "version": "2.32.3",
    "summary": "Python HTTP for Humans.",
    "license": "Apache-2.0",
    "home_page": "https://requests.readthedocs.io",
    "project_urls": {"Homepage": "https://github.com/psf/requests"},
    "requires_python": ">=3.8",
    "requires_dist": ["charset-normalizer<4,>=2", "idna<4,>=2.5"]
  },
  "releases": {"2.31.0": [], "2.32.3": [], "2.0.0": []}
}`

const searchPage = `<html><body><ul>
<li><a class="package-snippet" href="/project/beautifulsoup4/">
  <h3 class="package-snippet__title">
    <span class="package-snippet__name">beautifulsoup4</span>
    <span class="package-snippet__version">4.12.3</span>
  </h3>
  <p class="package-snippet__description">Screen-scraping library</p>
</a></li>
<li><a class="package-snippet" href="/project/bs4/">
  <span class="package-snippet__name">bs4</span>
  <span class="package-snippet__version">0.0.2</span>
  <p class="package-snippet__description">Dummy package for Beautiful Soup</p>
</a></li>
</ul></body></html>`

func newTestServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/pypi/requests/json", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		fmt.Fprint(w, requestsDoc)
	})
	mux.HandleFunc("/pypi/requests/2.31.0/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"info": {"name": "requests", "version": "2.31.0"}}`)
	})
	mux.HandleFunc("/pypi/broken/json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/search/", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		switch r.URL.Query().Get("q") {
		case "beautifulsoup":
			fmt.Fprint(w, searchPage)
		case "legacy":
			fmt.Fprint(w, `<div><a href="/project/legacy-pkg/">legacy-pkg</a><a href="/project/legacy-pkg/">again</a></div>`)
		default:
			fmt.Fprint(w, `<html><body>no results</body></html>`)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPackageInfo(t *testing.T) {
	srv := newTestServer(t, nil)
	c := NewClient(WithBaseURL(srv.URL))

	info, err := c.PackageInfo(context.Background(), "requests", "")
	require.NoError(t, err)
	assert.Equal(t, "requests", info.Name)
	assert.Equal(t, "2.32.3", info.Version)
	assert.Equal(t, []string{"2.0.0", "2.31.0", "2.32.3"}, info.Versions)
	assert.Equal(t, "https://github.com/psf/requests", info.HomepageURL)
	assert.Equal(t, []string{"charset-normalizer<4,>=2", "idna<4,>=2.5"}, info.Dependencies)
}

func TestPackageInfoVersion(t *testing.T) {
	srv := newTestServer(t, nil)
	c := NewClient(WithBaseURL(srv.URL))

	info, err := c.PackageInfo(context.Background(), "requests", "2.31.0")
	require.NoError(t, err)
	assert.Equal(t, "2.31.0", info.Version)
}

func TestPackageInfoNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	c := NewClient(WithBaseURL(srv.URL))

	_, err := c.PackageInfo(context.Background(), "no-such-package", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPackageInfoServerError(t *testing.T) {
	srv := newTestServer(t, nil)
	c := NewClient(WithBaseURL(srv.URL))

	_, err := c.PackageInfo(context.Background(), "broken", "")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestPackageInfoIsCached(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	c := NewClient(WithBaseURL(srv.URL))

	for i := 0; i < 3; i++ {
		_, err := c.PackageInfo(context.Background(), "requests", "")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolve(t *testing.T) {
	srv := newTestServer(t, nil)
	c := NewClient(WithBaseURL(srv.URL))

	name, err := c.Resolve(context.Background(), "requests")
	require.NoError(t, err)
	assert.Equal(t, "requests", name)

	_, err = c.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, plan.ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearch(t *testing.T) {
	srv := newTestServer(t, nil)
	c := NewClient(WithBaseURL(srv.URL))

	results, err := c.Search(context.Background(), "beautifulsoup", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, SearchResult{Name: "beautifulsoup4", Version: "4.12.3", Summary: "Screen-scraping library"}, results[0])
	assert.Equal(t, "bs4", results[1].Name)
}

func TestSearchLimitAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	c := NewClient(WithBaseURL(srv.URL))

	results, err := c.Search(context.Background(), "beautifulsoup", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = c.Search(context.Background(), "BeautifulSoup", 5)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSearchFallsBackToProjectLinks(t *testing.T) {
	srv := newTestServer(t, nil)
	c := NewClient(WithBaseURL(srv.URL))

	results, err := c.Search(context.Background(), "legacy", 10)
	require.NoError(t, err)
	assert.Equal(t, []SearchResult{{Name: "legacy-pkg"}}, results)
}

func TestSearchNoResults(t *testing.T) {
	srv := newTestServer(t, nil)
	c := NewClient(WithBaseURL(srv.URL))

	results, err := c.Search(context.Background(), "zzz", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRequiresQuery(t *testing.T) {
	c := NewClient()
	_, err := c.Search(context.Background(), "  ", 10)
	assert.Error(t, err)
}
