// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package proxy

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// proxyFunc unwraps the retry layer and returns the proxy selector.
func proxyFunc(t *testing.T, rt http.RoundTripper) func(*http.Request) (*url.URL, error) {
	t.Helper()

	retry, ok := rt.(*RetryTransport)
	require.True(t, ok)
	transport, ok := retry.base.(*http.Transport)
	require.True(t, ok)
	return transport.Proxy
}

func TestNewTransportDisabled(t *testing.T) {
	rt, err := NewTransport(Config{})
	require.NoError(t, err)
	assert.Nil(t, proxyFunc(t, rt), "no proxy selector without a configured proxy")
}

func TestNewTransportScopeAll(t *testing.T) {
	rt, err := NewTransport(Config{Enabled: true, URL: "http://127.0.0.1:8118", Scope: ScopeAll})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	proxyURL, err := proxyFunc(t, rt)(req)
	require.NoError(t, err)
	require.NotNil(t, proxyURL)
	assert.Equal(t, "127.0.0.1:8118", proxyURL.Host)
}

func TestNewTransportScopeSites(t *testing.T) {
	rt, err := NewTransport(Config{
		Enabled:   true,
		URL:       "http://127.0.0.1:8118",
		Scope:     ScopeSites,
		SiteHosts: []string{"aniworld.to", "s.to"},
	})
	require.NoError(t, err)
	selector := proxyFunc(t, rt)

	siteReq := httptest.NewRequest(http.MethodGet, "https://aniworld.to/animes-alphabet", nil)
	proxyURL, err := selector(siteReq)
	require.NoError(t, err)
	require.NotNil(t, proxyURL, "site traffic goes through the proxy")

	otherReq := httptest.NewRequest(http.MethodGet, "https://api.tvmaze.com/shows/1", nil)
	proxyURL, err = selector(otherReq)
	require.NoError(t, err)
	assert.Nil(t, proxyURL, "non-site traffic bypasses the proxy")
}

func TestNewTransportRejectsBadConfig(t *testing.T) {
	_, err := NewTransport(Config{Enabled: true, URL: "::not-a-url"})
	assert.Error(t, err)

	_, err = NewTransport(Config{Enabled: true, URL: "http://127.0.0.1:8118", Scope: "global"})
	assert.Error(t, err)
}

type flakyTransport struct {
	failures int32
	calls    int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return nil, syscall.ECONNRESET
	}
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusOK)
	return rec.Result(), nil
}

func TestRetryTransportRecoversFromTransientErrors(t *testing.T) {
	flaky := &flakyTransport{failures: 2}
	rt := NewRetryTransport(flaky)

	req := httptest.NewRequest(http.MethodGet, "http://upstream.test/", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))
}

func TestRetryTransportGivesUpAfterMaxRetries(t *testing.T) {
	flaky := &flakyTransport{failures: 100}
	rt := NewRetryTransport(flaky)

	req := httptest.NewRequest(http.MethodGet, "http://upstream.test/", nil)
	start := time.Now()
	_, err := rt.RoundTrip(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ECONNRESET))
	assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&flaky.calls))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryTransportDoesNotRetryPost(t *testing.T) {
	flaky := &flakyTransport{failures: 1}
	rt := NewRetryTransport(flaky)

	req := httptest.NewRequest(http.MethodPost, "http://upstream.test/", nil)
	_, err := rt.RoundTrip(req)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&flaky.calls))
}
