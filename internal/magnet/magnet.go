// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package magnet

import (
	"crypto/sha1"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/anibridge/anibridge/internal/sites"
)

// Mode selects what the scheduled job produces.
type Mode string

const (
	ModeDownload Mode = "download"
	ModeStrm     Mode = "strm"
)

// Payload is the episode identity a magnet carries. Parse(Build(p))
// returns an equal payload.
type Payload struct {
	Site     string
	Slug     string
	Season   int
	Episode  int
	Language string

	Provider string // optional preferred provider
	Absolute int    // optional absolute episode number
	Mode     Mode   // download unless the magnet says strm

	DisplayName string
	InfoHash    string // 40 lowercase hex chars, derived, set by Build/Parse
}

var (
	ErrNotMagnet      = errors.New("not a magnet URI")
	ErrMixedPrefixes  = errors.New("magnet mixes site parameter prefixes")
	ErrMissingPayload = errors.New("magnet carries no episode payload")
)

// InfoHash derives the synthetic BTIH for an episode identity. Stable
// across processes: hex(SHA1("slug|season|episode|language")).
func InfoHash(slug string, season, episode int, language string) string {
	sum := sha1.Sum(fmt.Appendf(nil, "%s|%d|%d|%s", slug, season, episode, language))
	return fmt.Sprintf("%x", sum)
}

func prefixFor(reg *sites.Registry, siteID string) (string, error) {
	site := reg.Get(siteID)
	if site == nil {
		return "", errors.Errorf("unknown site %q", siteID)
	}
	return site.MagnetPrefix, nil
}

// Build encodes the payload into a magnet URI. The xt colons stay literal;
// downstream clients reject percent-encoded urns.
func Build(reg *sites.Registry, p Payload) (string, error) {
	if p.Slug == "" || p.Language == "" {
		return "", errors.New("slug and language are required")
	}

	prefix, err := prefixFor(reg, p.Site)
	if err != nil {
		return "", err
	}

	hexHash := InfoHash(p.Slug, p.Season, p.Episode, p.Language)
	var hash metainfo.Hash
	if err := hash.FromHexString(hexHash); err != nil {
		return "", errors.Wrap(err, "derive info hash")
	}

	params := url.Values{}
	params.Set(prefix+"_slug", p.Slug)
	params.Set(prefix+"_s", strconv.Itoa(p.Season))
	params.Set(prefix+"_e", strconv.Itoa(p.Episode))
	params.Set(prefix+"_lang", p.Language)
	params.Set(prefix+"_site", p.Site)
	if p.Provider != "" {
		params.Set(prefix+"_provider", p.Provider)
	}
	if p.Absolute > 0 {
		params.Set(prefix+"_abs", strconv.Itoa(p.Absolute))
	}
	if p.Mode == ModeStrm {
		params.Set(prefix+"_mode", string(ModeStrm))
	}

	m := metainfo.Magnet{
		InfoHash:    hash,
		DisplayName: p.DisplayName,
		Params:      params,
	}
	return m.String(), nil
}

// Parse decodes a magnet built by Build. It rejects non-magnet input,
// mixed site prefixes, and payloads missing required keys.
func Parse(reg *sites.Registry, uri string) (*Payload, error) {
	if !strings.HasPrefix(strings.TrimSpace(uri), "magnet:") {
		return nil, ErrNotMagnet
	}

	m, err := metainfo.ParseMagnetUri(strings.TrimSpace(uri))
	if err != nil {
		return nil, errors.Wrap(ErrNotMagnet, err.Error())
	}

	prefix, err := detectPrefix(m.Params)
	if err != nil {
		return nil, err
	}

	get := func(key string) string { return m.Params.Get(prefix + "_" + key) }

	p := &Payload{
		Site:        get("site"),
		Slug:        get("slug"),
		Language:    get("lang"),
		Provider:    get("provider"),
		Mode:        ModeDownload,
		DisplayName: m.DisplayName,
		InfoHash:    m.InfoHash.HexString(),
	}

	if p.Slug == "" || p.Language == "" || p.Site == "" {
		return nil, ErrMissingPayload
	}
	if reg.Get(p.Site) == nil {
		return nil, errors.Errorf("magnet names unknown site %q", p.Site)
	}

	if p.Season, err = requiredInt(get("s"), "season"); err != nil {
		return nil, err
	}
	if p.Episode, err = requiredInt(get("e"), "episode"); err != nil {
		return nil, err
	}
	if abs := get("abs"); abs != "" {
		if p.Absolute, err = requiredInt(abs, "absolute number"); err != nil {
			return nil, err
		}
	}
	if get("mode") == string(ModeStrm) {
		p.Mode = ModeStrm
	}

	return p, nil
}

func requiredInt(raw, what string) (int, error) {
	if raw == "" {
		return 0, errors.Wrapf(ErrMissingPayload, "missing %s", what)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Errorf("invalid %s %q", what, raw)
	}
	if n < 0 {
		return 0, errors.Errorf("negative %s %q", what, raw)
	}
	return n, nil
}

var knownPrefixes = []string{"aw", "sto"}

func detectPrefix(params url.Values) (string, error) {
	seen := make(map[string]bool)
	for key := range params {
		for _, prefix := range knownPrefixes {
			if strings.HasPrefix(key, prefix+"_") {
				seen[prefix] = true
			}
		}
	}

	switch len(seen) {
	case 0:
		return "", ErrMissingPayload
	case 1:
		for prefix := range seen {
			return prefix, nil
		}
	}
	return "", ErrMixedPrefixes
}
