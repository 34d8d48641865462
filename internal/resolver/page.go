// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/anibridge/anibridge/internal/buildinfo"
	"github.com/anibridge/anibridge/internal/sites"
)

// langKeys maps the site's data-lang-key values onto canonical languages.
var langKeys = map[string]string{
	"1": sites.LangGermanDub,
	"2": sites.LangEnglishSub,
	"3": sites.LangGermanSub,
	"4": sites.LangEnglishDub,
}

// ProviderLink is one hoster offering on an episode page.
type ProviderLink struct {
	Provider string
	Language string
	// Target is the site-local redirect path that leads to the hoster.
	Target string
}

// EpisodePage is the parsed provider table of one episode.
type EpisodePage struct {
	URL       string
	Languages []string
	Links     []ProviderLink
}

// LinksFor returns the links carrying one canonical language, in page
// order.
func (p *EpisodePage) LinksFor(language string) []ProviderLink {
	var out []ProviderLink
	for _, l := range p.Links {
		if l.Language == language {
			out = append(out, l)
		}
	}
	return out
}

// HasLanguage reports whether the page advertises the canonical language.
func (p *EpisodePage) HasLanguage(language string) bool {
	for _, l := range p.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// fetchEpisodePage loads and parses the provider table for one episode.
func fetchEpisodePage(ctx context.Context, client *http.Client, site *sites.Site, slug string, season, episode int) (*EpisodePage, error) {
	return fetchEpisodePageURL(ctx, client, site.EpisodeURL(slug, season, episode), site.BaseURL)
}

// fetchEpisodePageURL is the direct-link variant.
func fetchEpisodePageURL(ctx context.Context, client *http.Client, pageURL, baseURL string) (*EpisodePage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch episode page %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("episode page %s: status %d", pageURL, resp.StatusCode)
	}

	page, err := parseEpisodePage(resp.Body, baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse episode page %s: %w", pageURL, err)
	}
	page.URL = pageURL
	return page, nil
}

// parseEpisodePage extracts the language selector and the per-provider
// redirect links. The markup uses data-lang-key on both.
func parseEpisodePage(r io.Reader, baseURL string) (*EpisodePage, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	page := &EpisodePage{}
	seenLang := make(map[string]bool)

	doc.Find(".changeLanguageBox [data-lang-key]").Each(func(_ int, sel *goquery.Selection) {
		key, _ := sel.Attr("data-lang-key")
		lang, ok := langKeys[key]
		if !ok || seenLang[lang] {
			return
		}
		seenLang[lang] = true
		page.Languages = append(page.Languages, lang)
	})

	doc.Find("li[data-link-target]").Each(func(_ int, sel *goquery.Selection) {
		target, _ := sel.Attr("data-link-target")
		if target == "" {
			return
		}
		key, _ := sel.Attr("data-lang-key")
		lang, ok := langKeys[key]
		if !ok {
			return
		}

		provider := strings.TrimSpace(sel.Find("h4").First().Text())
		if provider == "" {
			provider = strings.TrimSpace(sel.Text())
		}
		if provider == "" {
			return
		}

		if strings.HasPrefix(target, "/") {
			target = baseURL + target
		}

		page.Links = append(page.Links, ProviderLink{
			Provider: provider,
			Language: lang,
			Target:   target,
		})
	})

	return page, nil
}
