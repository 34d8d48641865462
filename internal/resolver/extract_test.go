// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindStreamURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example/master.m3u8",
		findStreamURL(`player.setup({file: "https://cdn.example/master.m3u8"});`))
	assert.Equal(t, "https://cdn.example/v.mp4?t=1",
		findStreamURL(`<source src='https://cdn.example/v.mp4?t=1'>`))
	assert.Equal(t, "https://cdn.example/stream",
		findStreamURL(`{"source": "https://cdn.example/stream"}`))
	assert.Empty(t, findStreamURL(`<html>nothing here</html>`))
}

func TestRedirectExtractorScansEmbedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/redirect/101":
			http.Redirect(w, r, "/e/abc", http.StatusFound)
		case "/e/abc":
			w.Write([]byte(`<script>var sources = {hls: "https://cdn.example/master.m3u8"};</script>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res, err := redirectExtractor{}.Extract(context.Background(), srv.Client(), srv.URL+"/redirect/101")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/master.m3u8", res.URL)
	assert.Contains(t, res.RequestHeaders["Referer"], "http://")
}

func TestRedirectExtractorDirectMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer srv.Close()

	res, err := redirectExtractor{}.Extract(context.Background(), srv.Client(), srv.URL+"/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/master.m3u8", res.URL)
}

func TestRedirectExtractorNoStreamFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>obfuscated player</html>"))
	}))
	defer srv.Close()

	_, err := redirectExtractor{}.Extract(context.Background(), srv.Client(), srv.URL+"/e/x")
	assert.Error(t, err)
}

func TestParseFfprobeOutput(t *testing.T) {
	raw := []byte(`{
		"streams": [
			{"codec_type": "audio", "codec_name": "aac"},
			{"codec_type": "video", "codec_name": "h264", "height": 1080}
		],
		"format": {"duration": "1420.5", "bit_rate": "2500000"}
	}`)

	info, err := parseFfprobeOutput(raw)
	require.NoError(t, err)
	assert.Equal(t, 1080, info.Height)
	assert.Equal(t, "h264", info.Codec)
	assert.InDelta(t, 1420.5, info.Duration, 0.001)
	assert.Equal(t, int64(2500000), info.Bitrate)
}

func TestParseFfprobeOutputNoVideo(t *testing.T) {
	_, err := parseFfprobeOutput([]byte(`{"streams": [], "format": {}}`))
	assert.Error(t, err)

	_, err = parseFfprobeOutput([]byte(`not json`))
	assert.Error(t, err)
}
