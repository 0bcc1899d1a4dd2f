package netguard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localFetcher(t *testing.T, opts FetcherOptions, resolver Resolver) *Fetcher {
	t.Helper()
	if resolver == nil {
		resolver = fakeResolver{}
	}
	v := NewValidator(Options{BypassHosts: []string{"127.0.0.1"}, Resolver: resolver})
	return NewFetcher(v, nil, opts)
}

func TestFetcher_GetHTMLAsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><script>steal()</script><style>p{}</style></head>
<body><h1>Title &amp; more</h1><p>First <b>para</b>.</p><p>Second</p></body></html>`)
	}))
	defer srv.Close()

	resp, err := localFetcher(t, FetcherOptions{}, nil).Get(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Text, "Title & more")
	assert.Contains(t, resp.Text, "First para.")
	assert.NotContains(t, resp.Text, "steal()")
	assert.NotContains(t, resp.Text, "<b>")
	assert.False(t, resp.Truncated)
}

func TestFetcher_PrivateWithoutBypass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	f := NewFetcher(NewValidator(Options{Resolver: fakeResolver{}}), nil, FetcherOptions{})
	_, err := f.Get(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrPrivateAddress)
}

func TestFetcher_RedirectCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/r/"))
		if n > 0 {
			http.Redirect(w, r, "/r/"+strconv.Itoa(n-1), http.StatusFound)
			return
		}
		fmt.Fprint(w, "landed")
	}))
	defer srv.Close()
	f := localFetcher(t, FetcherOptions{MaxRedirects: 5}, nil)

	resp, err := f.Get(context.Background(), srv.URL+"/r/5")
	require.NoError(t, err)
	assert.Equal(t, "landed", resp.Text)
	assert.True(t, strings.HasSuffix(resp.URL, "/r/0"))

	_, err = f.Get(context.Background(), srv.URL+"/r/6")
	assert.ErrorIs(t, err, ErrTooManyRedirects)
	assert.ErrorIs(t, err, ErrSecurityViolation)
}

func TestFetcher_RedirectToPrivateIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://metadata.internal/latest/", http.StatusFound)
	}))
	defer srv.Close()

	f := localFetcher(t, FetcherOptions{}, fakeResolver{"metadata.internal": {"169.254.169.254"}})
	_, err := f.Get(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrPrivateAddress)
}

func TestFetcher_DialRechecksResolution(t *testing.T) {
	r := &rebindResolver{}
	f := NewFetcher(NewValidator(Options{Resolver: r}), nil, FetcherOptions{})
	_, err := f.Get(context.Background(), "http://rebind.test/")
	assert.ErrorIs(t, err, ErrPrivateAddress)
	assert.GreaterOrEqual(t, r.calls.Load(), int32(2))
}

func TestFetcher_BodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("x", 4096))
	}))
	defer srv.Close()

	resp, err := localFetcher(t, FetcherOptions{MaxBytes: 1000}, nil).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Text, 1000)
}

func TestFetcher_TimeoutNoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := localFetcher(t, FetcherOptions{Timeout: 50 * time.Millisecond}, nil).Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetcher_PostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"echo":%q}`, body["query"])
	}))
	defer srv.Close()

	resp, err := localFetcher(t, FetcherOptions{}, nil).PostJSON(context.Background(), srv.URL,
		map[string]string{"query": "golang"}, map[string]string{"Authorization": "Bearer t"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"golang"}`, resp.Text)
}

func TestFetcher_RateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()
	f := localFetcher(t, FetcherOptions{RequestsPerMinute: 1}, nil)

	_, err := f.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Get(ctx, srv.URL)
	assert.Error(t, err)
}
