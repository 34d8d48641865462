// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ipmon periodically logs the public IP the outbound stack
// presents. When downloads run through a proxy or VPN this makes an
// unnoticed tunnel drop visible in the logs.
package ipmon

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/buildinfo"
)

var defaultEndpoints = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

const checkTimeout = 10 * time.Second

type Service struct {
	client    *http.Client
	interval  time.Duration
	endpoints []string

	mu     sync.Mutex
	lastIP string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Service)

// WithClient overrides the HTTP client, primarily so the check rides
// the same proxied transport as the downloads it guards.
func WithClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

func WithEndpoints(endpoints []string) Option {
	return func(s *Service) { s.endpoints = endpoints }
}

func New(interval time.Duration, opts ...Option) *Service {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	s := &Service{
		client:    &http.Client{Timeout: checkTimeout},
		interval:  interval,
		endpoints: defaultEndpoints,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start checks once immediately, then on every interval tick.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	log.Info().Dur("interval", s.interval).Msg("[IPMON] Public IP monitor started")
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()

	s.check(s.ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.check(s.ctx)
		}
	}
}

// check resolves the public IP and logs changes. Every endpoint failing
// is logged and retried on the next tick.
func (s *Service) check(ctx context.Context) {
	ip, err := s.Lookup(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[IPMON] Public IP check failed")
		return
	}

	s.mu.Lock()
	previous := s.lastIP
	s.lastIP = ip
	s.mu.Unlock()

	switch {
	case previous == "":
		log.Info().Str("ip", ip).Msg("[IPMON] Public IP detected")
	case previous != ip:
		log.Warn().Str("ip", ip).Str("previous", previous).Msg("[IPMON] Public IP changed")
	default:
		log.Debug().Str("ip", ip).Msg("[IPMON] Public IP unchanged")
	}
}

// Lookup queries the endpoints in order and returns the first valid
// address.
func (s *Service) Lookup(ctx context.Context) (string, error) {
	var lastErr error
	for _, endpoint := range s.endpoints {
		ip, err := s.query(ctx, endpoint)
		if err != nil {
			lastErr = err
			continue
		}
		return ip, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no lookup endpoints configured")
	}
	return "", lastErr
}

func (s *Service) query(ctx context.Context, endpoint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("%s returned %q, not an IP address", endpoint, ip)
	}
	return ip, nil
}

// LastIP returns the most recently observed address, or "".
func (s *Service) LastIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIP
}
