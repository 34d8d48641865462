// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxRetries       = 3
	initialRetryWait = 50 * time.Millisecond
	maxRetryWait     = 500 * time.Millisecond
)

// RetryTransport retries idempotent requests on transient network
// errors with exponential backoff.
type RetryTransport struct {
	base http.RoundTripper
}

func NewRetryTransport(base http.RoundTripper) *RetryTransport {
	return &RetryTransport{
		base: base,
	}
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		reqClone := req.Clone(req.Context())

		resp, err := t.base.RoundTrip(reqClone)
		if err == nil {
			if attempt > 0 {
				log.Debug().
					Str("method", req.Method).
					Str("url", req.URL.String()).
					Int("attempt", attempt+1).
					Msg("[PROXY] Request succeeded after retry")
			}
			return resp, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			return nil, err
		}

		// clear potentially stale pooled connections before retrying
		t.closeIdleConnections()

		if !isIdempotentMethod(req.Method) {
			return nil, err
		}

		if attempt >= maxRetries {
			log.Warn().
				Err(err).
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("attempts", attempt+1).
				Msg("[PROXY] Request failed after max retries")
			return nil, err
		}

		backoff := calculateBackoff(attempt, initialRetryWait, maxRetryWait)

		log.Debug().
			Err(err).
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("[PROXY] Retrying after transient error")

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

func (t *RetryTransport) closeIdleConnections() {
	type closeIdler interface {
		CloseIdleConnections()
	}
	if tr, ok := t.base.(closeIdler); ok {
		tr.CloseIdleConnections()
	}
}

// isRetryableError reports whether the error looks like a transient
// network failure. Timeouts are not retried; they may be legitimate
// slow responses.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return false
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" || opErr.Op == "read" {
			return true
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isRetryableError(urlErr.Err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") {
		return true
	}

	return errors.Is(err, io.EOF)
}

func isIdempotentMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func calculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	backoff := initial
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > max {
			return max
		}
	}
	return backoff
}
