package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><title>" + r.Header.Get("X-Trace") + "</title></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "test-agent", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), extraction.FetchRequest{
		URL:     srv.URL + "/page",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html><title>yes</title></html>", string(resp.Body))
	require.Equal(t, srv.URL+"/page", resp.URL)
}

func TestFetchSurfacesHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), extraction.FetchRequest{URL: srv.URL + "/missing"})
	require.ErrorContains(t, err, "status 404")
}

func TestBuildCollectorAppliesConfig(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second})
	collector, state := f.buildCollector(context.Background(), extraction.FetchRequest{URL: "https://example.com"},
		time.Unix(0, 0), &extraction.FetchResponse{}, new(error))
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.False(t, collector.IgnoreRobotsTxt)
	require.NotNil(t, state)

	f = New(Config{})
	collector, state = f.buildCollector(context.Background(), extraction.FetchRequest{},
		time.Unix(0, 0), &extraction.FetchResponse{}, new(error))
	require.True(t, collector.IgnoreRobotsTxt)
	require.Nil(t, state)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := extraction.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result extraction.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(extraction.FetchRequest{}, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
