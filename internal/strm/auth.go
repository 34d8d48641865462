// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package strm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/anibridge/anibridge/internal/domain"
)

var (
	// ErrAuthMisconfigured means the selected mode cannot work as
	// configured, e.g. token auth without a secret. Maps to 500.
	ErrAuthMisconfigured = errors.New("strm proxy auth misconfigured")
	// ErrUnauthorized means the request failed the check. Maps to 401.
	ErrUnauthorized = errors.New("unauthorized")
)

// Auth implements the three STRM proxy authentication modes.
type Auth struct {
	Mode     domain.StrmAuthMode
	Secret   string
	TokenTTL time.Duration
}

// Sign augments query parameters so the resulting URL passes Verify.
// Used when building proxy URLs for .strm files and playlist rewrites.
func (a Auth) Sign(q url.Values, now time.Time) error {
	switch a.Mode {
	case domain.StrmAuthNone, "":
		return nil
	case domain.StrmAuthAPIKey:
		if a.Secret == "" {
			return ErrAuthMisconfigured
		}
		q.Set("apikey", a.Secret)
		return nil
	case domain.StrmAuthToken:
		if a.Secret == "" {
			return ErrAuthMisconfigured
		}
		ttl := a.TokenTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		q.Set("exp", strconv.FormatInt(now.Add(ttl).Unix(), 10))
		q.Set("sig", computeSig(q, a.Secret))
		return nil
	default:
		return ErrAuthMisconfigured
	}
}

// Verify checks a request's query against the configured mode.
func (a Auth) Verify(q url.Values, now time.Time) error {
	switch a.Mode {
	case domain.StrmAuthNone, "":
		return nil

	case domain.StrmAuthAPIKey:
		if a.Secret == "" {
			return ErrAuthMisconfigured
		}
		if subtleEqual(q.Get("apikey"), a.Secret) {
			return nil
		}
		return ErrUnauthorized

	case domain.StrmAuthToken:
		if a.Secret == "" {
			return ErrAuthMisconfigured
		}
		sig := q.Get("sig")
		if sig == "" {
			return errors.Wrap(ErrUnauthorized, "missing signature")
		}
		expRaw := q.Get("exp")
		if expRaw == "" {
			return errors.Wrap(ErrUnauthorized, "missing expiry")
		}
		exp, err := strconv.ParseInt(expRaw, 10, 64)
		if err != nil {
			return errors.Wrap(ErrUnauthorized, "malformed expiry")
		}
		if now.Unix() > exp {
			return errors.Wrap(ErrUnauthorized, "token expired")
		}
		if !subtleEqual(sig, computeSig(q, a.Secret)) {
			return errors.Wrap(ErrUnauthorized, "signature mismatch")
		}
		return nil

	default:
		return ErrAuthMisconfigured
	}
}

// computeSig HMACs the canonical query: every parameter except sig,
// key-sorted via Encode.
func computeSig(q url.Values, secret string) string {
	canonical := make(url.Values, len(q))
	for k, vs := range q {
		if k == "sig" {
			continue
		}
		canonical[k] = vs
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func subtleEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
