package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

func TestRobotsRetryReturnsAllowAllOnTimeout(t *testing.T) {
	t.Parallel()

	state := newRobotsProbeState()
	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	transport := &robotsAwareTransport{base: base, state: state}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "User-agent: *\nAllow: /", string(body))
	require.Equal(t, 4, base.calls)

	var out extraction.FetchResponse
	state.apply(&out)
	require.True(t, out.RobotsIndeterminate)
}

func TestRobotsRetryStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	state := newRobotsProbeState()
	base := &stubRoundTripper{
		results: []roundTripResult{
			{err: context.DeadlineExceeded},
			{resp: httptest.NewRecorder().Result()},
		},
	}
	transport := &robotsAwareTransport{base: base, state: state}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)

	var out extraction.FetchResponse
	state.apply(&out)
	require.False(t, out.RobotsIndeterminate)
}

func TestRobotsNonTransientErrorIsReturned(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("connection refused")}}}
	transport := &robotsAwareTransport{base: base, state: newRobotsProbeState()}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	_, err := transport.RoundTrip(req)
	require.ErrorContains(t, err, "non-transient")
	require.Equal(t, 1, base.calls)
}

func TestPageRequestsBypassRetry(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	transport := &robotsAwareTransport{base: base, state: newRobotsProbeState()}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/page", nil)
	_, err := transport.RoundTrip(req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, base.calls)
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	res := s.results[idx]
	return res.resp, res.err
}
