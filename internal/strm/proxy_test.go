// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package strm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibridge/anibridge/internal/domain"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/resolver"
	"github.com/anibridge/anibridge/internal/sites"
	"github.com/anibridge/anibridge/internal/testdb"
)

// seqResolver hands out a new upstream URL per call.
type seqResolver struct {
	urls  []string
	calls atomic.Int32
}

func (s *seqResolver) Resolve(ctx context.Context, req resolver.Request) (*resolver.Result, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.urls) {
		return nil, &resolver.NoProviderError{Tried: []string{"VOE"}}
	}
	return &resolver.Result{URL: s.urls[n], Provider: "VOE"}, nil
}

func newTestProxy(t *testing.T, res *seqResolver, auth Auth, opts ...ProxyOption) *httptest.Server {
	t.Helper()
	reg, err := sites.Load()
	require.NoError(t, err)
	mappings := models.NewStrmMappingStore(testdb.Open(t, "strm"))

	builder := URLBuilder{Base: "http://proxy.local", Auth: auth}
	p := NewProxy(res, mappings, reg, auth, builder, time.Minute, opts...)

	r := chi.NewRouter()
	r.Route("/strm", p.Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func streamQuery() string {
	return "site=aniworld&slug=solo-leveling&s=1&e=5&lang=German+Dub"
}

func TestStreamProxiesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("X-Internal", "secret")
		w.Write([]byte("media-bytes"))
	}))
	defer upstream.Close()

	res := &seqResolver{urls: []string{upstream.URL + "/ep5.mp4"}}
	srv := newTestProxy(t, res, Auth{})

	resp, err := http.Get(srv.URL + "/strm/stream?" + streamQuery())
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "media-bytes", string(body))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Empty(t, resp.Header.Get("X-Internal"), "only allow-listed headers pass through")
}

func TestStreamReResolvesOnceOnStaleMapping(t *testing.T) {
	var goodHits atomic.Int32
	stale := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer stale.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
		w.Write([]byte("fresh"))
	}))
	defer good.Close()

	res := &seqResolver{urls: []string{stale.URL, good.URL}}
	srv := newTestProxy(t, res, Auth{})

	resp, err := http.Get(srv.URL + "/strm/stream?" + streamQuery())
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fresh", string(body))
	assert.Equal(t, int32(2), res.calls.Load(), "exactly one re-resolve")
	assert.Equal(t, int32(1), goodHits.Load())
}

func TestStreamSurfaces502WhenRefreshFails(t *testing.T) {
	stale := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer stale.Close()

	// both resolutions land on the same dead upstream
	res := &seqResolver{urls: []string{stale.URL, stale.URL}}
	srv := newTestProxy(t, res, Auth{})

	resp, err := http.Get(srv.URL + "/strm/stream?" + streamQuery())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStreamRewritesPlaylists(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, "#EXTM3U\n#EXTINF:6.0,\nseg-001.ts\n")
	}))
	defer upstream.Close()

	res := &seqResolver{urls: []string{upstream.URL + "/vod/index.m3u8"}}
	srv := newTestProxy(t, res, Auth{})

	resp, err := http.Get(srv.URL + "/strm/stream?" + streamQuery())
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, PlaylistContentType, resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "http://proxy.local/strm/proxy?u=")
	assert.NotContains(t, string(body), "\nseg-001.ts\n")
}

func TestStreamBadParams(t *testing.T) {
	srv := newTestProxy(t, &seqResolver{}, Auth{})

	for _, q := range []string{
		"",
		"site=unknown&slug=x&s=1&e=1&lang=German+Dub",
		"site=aniworld&slug=x&s=one&e=1&lang=German+Dub",
		"site=aniworld&slug=&s=1&e=1&lang=German+Dub",
	} {
		resp, err := http.Get(srv.URL + "/strm/stream?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %q", q)
	}
}

func TestProxyEndpointSchemeCheck(t *testing.T) {
	srv := newTestProxy(t, &seqResolver{}, Auth{})

	resp, err := http.Get(srv.URL + "/strm/proxy?u=file%3A%2F%2F%2Fetc%2Fpasswd")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProxyEndpointStreamsArbitraryUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-99", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("chunk"))
	}))
	defer upstream.Close()

	srv := newTestProxy(t, &seqResolver{}, Auth{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/strm/proxy?u="+upstream.URL+"%2Fseg.ts", nil)
	req.Header.Set("Range", "bytes=0-99")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "chunk", string(body))
}

func TestHeadFallsBackToRangedGet(t *testing.T) {
	var sawRange atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sawRange.Store(r.Header.Get("Range"))
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("x"))
	}))
	defer upstream.Close()

	res := &seqResolver{urls: []string{upstream.URL + "/ep5.mp4"}}
	srv := newTestProxy(t, res, Auth{})

	resp, err := http.Head(srv.URL + "/strm/stream?" + streamQuery())
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bytes=0-0", sawRange.Load())
}

func TestProxyAuthModes(t *testing.T) {
	srv := newTestProxy(t, &seqResolver{}, Auth{Mode: domain.StrmAuthAPIKey, Secret: "s3cret"})

	resp, err := http.Get(srv.URL + "/strm/stream?" + streamQuery())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongKey, err := http.Get(srv.URL + "/strm/stream?apikey=wrong&" + streamQuery())
	require.NoError(t, err)
	wrongKey.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, wrongKey.StatusCode)

	tokens := newTestProxy(t, &seqResolver{}, Auth{Mode: domain.StrmAuthToken, Secret: "s3cret", TokenTTL: time.Hour})
	unsigned, err := http.Get(tokens.URL + "/strm/stream?" + streamQuery())
	require.NoError(t, err)
	unsigned.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, unsigned.StatusCode, "missing signature")

	misconfigured := newTestProxy(t, &seqResolver{}, Auth{Mode: domain.StrmAuthToken})
	resp, err = http.Get(misconfigured.URL + "/strm/stream?" + streamQuery())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStreamServesFromMappingCache(t *testing.T) {
	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.Write([]byte("cached-bytes"))
	}))
	defer upstream.Close()

	res := &seqResolver{urls: []string{upstream.URL + "/ep5.mp4"}}
	srv := newTestProxy(t, res, Auth{})

	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/strm/stream?" + streamQuery())
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	assert.Equal(t, int32(1), res.calls.Load(), "resolution happens once, then the cache answers")
	assert.Equal(t, int32(3), upstreamHits.Load())
}
