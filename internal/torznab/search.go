// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torznab

import (
	"context"
	"net/url"
	"strconv"

	"github.com/moistari/rls"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/domain"
	"github.com/anibridge/anibridge/internal/magnet"
	"github.com/anibridge/anibridge/internal/metadata"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/resolver"
	"github.com/anibridge/anibridge/internal/sites"
	"github.com/anibridge/anibridge/internal/specials"
	"github.com/anibridge/anibridge/internal/titles"
)

// search answers t=search. Scene-formatted queries carry their own season
// and episode; plain titles get the S01E01 preview treatment.
func (h *Handler) search(ctx context.Context, q url.Values) []Release {
	query := q.Get("q")
	if query == "" {
		if h.cfg.ReturnTestResult {
			return []Release{h.testRelease()}
		}
		return nil
	}

	if h.wantsMovies(q) {
		return h.movieSearch(ctx, q)
	}

	parsed := rls.ParseString(query)
	title := parsed.Title
	if title == "" {
		title = query
	}

	match := h.resolveSeries(ctx, title)
	if match == nil {
		return nil
	}

	if parsed.Series > 0 && parsed.Episode > 0 {
		return page(h.episodeReleases(ctx, match, parsed.Series, parsed.Episode, 0), q)
	}
	if parsed.Series > 0 {
		return page(h.seasonReleases(ctx, match, parsed.Series, 0), q)
	}

	return page(h.previewReleases(ctx, match), q)
}

// tvSearch answers t=tvsearch. Season is mandatory; the query comes either
// verbatim or through an external id resolved by the metadata service.
func (h *Handler) tvSearch(ctx context.Context, q url.Values) []Release {
	query, showID := h.queryFromParams(ctx, q)
	if query == "" {
		return nil
	}

	season, ok := optionalInt(q, "season")
	if !ok {
		return nil
	}

	match := h.resolveSeries(ctx, query)
	if match == nil {
		return nil
	}

	if episode, ok := optionalInt(q, "ep"); ok {
		return page(h.episodeReleases(ctx, match, season, episode, showID), q)
	}
	return page(h.seasonReleases(ctx, match, season, showID), q)
}

// movieSearch answers t=movie. The movie site gets first refusal; the anime
// sites cover films the movie site does not carry.
func (h *Handler) movieSearch(ctx context.Context, q url.Values) []Release {
	query, _ := h.queryFromParams(ctx, q)
	if query == "" {
		return nil
	}

	if movieSite := h.registry.MovieSite(); movieSite != nil {
		if match := h.titles.ResolveOnSite(ctx, query, movieSite.ID); match != nil {
			if rels := h.movieReleases(ctx, match); len(rels) > 0 {
				return page(rels, q)
			}
		}
	}

	// fall back to the anime sites' season-zero film listings
	match := h.resolveSeries(ctx, query)
	if match == nil {
		return nil
	}
	return page(h.movieReleases(ctx, match), q)
}

// queryFromParams extracts the search text, consulting the metadata service
// for id-based searches. The returned show id is non-zero only when an id
// lookup produced it.
func (h *Handler) queryFromParams(ctx context.Context, q url.Values) (string, int) {
	if query := q.Get("q"); query != "" {
		return query, 0
	}
	if h.meta == nil {
		return "", 0
	}

	var (
		show *metadata.Show
		err  error
	)
	switch {
	case q.Get("tvdbid") != "":
		var id int
		if id, err = strconv.Atoi(q.Get("tvdbid")); err == nil {
			show, err = h.meta.LookupTVDB(ctx, id)
		}
	case q.Get("imdbid") != "":
		show, err = h.meta.LookupIMDB(ctx, q.Get("imdbid"))
	default:
		return "", 0
	}

	if err != nil || show == nil {
		log.Debug().Err(err).Msg("[TORZNAB] Id lookup yielded no show")
		return "", 0
	}
	return show.Name, show.ID
}

// resolveSeries prefers a series site; a movie-site top match falls through
// to the best series-site match instead.
func (h *Handler) resolveSeries(ctx context.Context, query string) *titles.Match {
	match := h.titles.Resolve(ctx, query)
	if match == nil || !match.Site.Movies {
		return match
	}
	for _, site := range h.registry.Series() {
		if m := h.titles.ResolveOnSite(ctx, query, site.ID); m != nil {
			return m
		}
	}
	return nil
}

// episodeReleases emits items for one (season, episode) pair, one or two per
// available language. A season-zero miss retries through the specials alias
// mapping when a show id is known.
func (h *Handler) episodeReleases(ctx context.Context, match *titles.Match, season, episode, showID int) []Release {
	rels := h.languageWalk(ctx, match, coordinates{
		Season: season, Episode: episode,
		DisplaySeason: season, DisplayEpisode: episode,
	})
	if len(rels) > 0 {
		return rels
	}

	if rels := h.absoluteReleases(ctx, match, season, episode, showID); len(rels) > 0 {
		return rels
	}

	if season != 0 || h.specials == nil {
		return nil
	}
	if showID == 0 {
		showID = h.lookupShowID(ctx, match.Title)
		if showID == 0 {
			return nil
		}
	}

	aliases, err := h.specials.Aliases(ctx, match.Site, match.Slug, showID)
	if err != nil {
		log.Debug().Err(err).Str("slug", match.Slug).Msg("[TORZNAB] Specials aliasing failed")
		return nil
	}
	alias := specials.ByMetaCoordinates(aliases, season, episode)
	if alias == nil {
		return nil
	}

	// the item displays the metadata coordinates; the magnet carries the
	// site's film index so the decoded magnet drives the real download
	return h.languageWalk(ctx, match, coordinates{
		Season: alias.SiteSeason, Episode: alias.SiteEpisode,
		DisplaySeason: season, DisplayEpisode: episode,
	})
}

// absoluteReleases retries a missed episode probe through the absolute
// numbering table. Anime-profile indexers request S01E125 for shows the
// sites split into seasons; the mapping recovers the site coordinates.
func (h *Handler) absoluteReleases(ctx context.Context, match *titles.Match, season, episode, showID int) []Release {
	if h.epnums == nil || season != 1 || episode < 1 {
		return nil
	}

	if err := h.ensureEpisodeNumbers(ctx, match, showID); err != nil {
		log.Debug().Err(err).Str("slug", match.Slug).Msg("[TORZNAB] Absolute mapping refresh failed")
	}

	m, err := h.epnums.ByAbsolute(ctx, match.Slug, episode)
	if err != nil || m == nil {
		return nil
	}
	if m.Season == season && m.Episode == episode {
		// the direct probe already covered these coordinates
		return nil
	}

	return h.languageWalk(ctx, match, coordinates{
		Season: m.Season, Episode: m.Episode,
		DisplaySeason: m.Season, DisplayEpisode: m.Episode,
		Absolute: episode,
	})
}

// ensureEpisodeNumbers fills the mapping table for a series on first use,
// from the metadata episode listing with its derived absolute ordinals.
func (h *Handler) ensureEpisodeNumbers(ctx context.Context, match *titles.Match, showID int) error {
	n, err := h.epnums.CountForSlug(ctx, match.Slug)
	if err != nil || n > 0 {
		return err
	}
	if h.meta == nil {
		return nil
	}

	if showID == 0 {
		showID = h.lookupShowID(ctx, match.Title)
		if showID == 0 {
			return nil
		}
	}

	eps, err := h.meta.Episodes(ctx, showID)
	if err != nil {
		return err
	}

	mappings := make([]*models.EpisodeNumberMapping, 0, len(eps))
	for _, e := range eps {
		if e.Absolute <= 0 {
			continue
		}
		mappings = append(mappings, &models.EpisodeNumberMapping{
			Slug:           match.Slug,
			AbsoluteNumber: e.Absolute,
			Season:         e.Season,
			Episode:        e.Number,
			Title:          e.Name,
		})
	}
	if len(mappings) == 0 {
		return nil
	}
	return h.epnums.ReplaceForSlug(ctx, match.Slug, mappings)
}

// seasonReleases discovers a season's episodes: metadata listing first, then
// fresh cache rows, then blind sequential probing with a consecutive-miss
// cutoff.
func (h *Handler) seasonReleases(ctx context.Context, match *titles.Match, season, showID int) []Release {
	ceiling := h.cfg.SeasonMaxEpisodes

	if count := h.metadataEpisodeCount(ctx, showID, season); count > 0 {
		if count < ceiling {
			ceiling = count
		}
		return h.probeEpisodeRange(ctx, match, season, ceiling, 0)
	}

	if highest := h.cachedSeasonCeiling(ctx, match, season); highest > 0 {
		if highest > ceiling {
			highest = ceiling
		}
		return h.probeEpisodeRange(ctx, match, season, highest, 0)
	}

	return h.probeEpisodeRange(ctx, match, season, ceiling, h.cfg.SeasonMaxConsecutiveMisses)
}

// lookupShowID finds the metadata show id for a title-only request.
func (h *Handler) lookupShowID(ctx context.Context, title string) int {
	if h.meta == nil {
		return 0
	}
	show, err := h.meta.SearchByName(ctx, title)
	if err != nil || show == nil {
		return 0
	}
	return show.ID
}

func (h *Handler) metadataEpisodeCount(ctx context.Context, showID, season int) int {
	if h.meta == nil || showID == 0 {
		return 0
	}
	eps, err := h.meta.Episodes(ctx, showID)
	if err != nil {
		log.Debug().Err(err).Int("show", showID).Msg("[TORZNAB] Episode listing failed")
		return 0
	}
	return len(metadata.Season(eps, season))
}

// cachedSeasonCeiling returns the highest episode number the availability
// cache has fresh rows for, across all candidate languages.
func (h *Handler) cachedSeasonCeiling(ctx context.Context, match *titles.Match, season int) int {
	highest := 0
	for _, lang := range match.Site.DefaultLanguages {
		rows, err := h.avail.ListFreshForSeason(ctx, match.Site.ID, match.Slug, season, lang, h.cfg.AvailabilityTTL)
		if err != nil {
			log.Error().Err(err).Msg("[TORZNAB] Availability listing failed")
			continue
		}
		for ep := range rows {
			if ep > highest {
				highest = ep
			}
		}
	}
	return highest
}

// probeEpisodeRange walks e = 1..ceiling. maxConsecutiveMisses of zero
// disables the cutoff (the ceiling is trusted).
func (h *Handler) probeEpisodeRange(ctx context.Context, match *titles.Match, season, ceiling, maxConsecutiveMisses int) []Release {
	var (
		out    []Release
		misses int
	)
	for episode := 1; episode <= ceiling; episode++ {
		rels := h.languageWalk(ctx, match, coordinates{
			Season: season, Episode: episode,
			DisplaySeason: season, DisplayEpisode: episode,
		})
		if len(rels) == 0 {
			misses++
			if maxConsecutiveMisses > 0 && misses >= maxConsecutiveMisses {
				break
			}
			continue
		}
		misses = 0
		out = append(out, rels...)
	}
	return out
}

// previewReleases emits the S01E01 connectivity preview: episode-less titles,
// one per available language.
func (h *Handler) previewReleases(ctx context.Context, match *titles.Match) []Release {
	var out []Release
	for _, lang := range match.Site.DefaultLanguages {
		a, err := h.availability(ctx, models.EpisodeKey{
			Site: match.Site.ID, Slug: match.Slug, Season: 1, Episode: 1, Language: lang,
		})
		if err != nil || !a.Available {
			continue
		}

		name := magnet.PreviewName(h.nameParams(match, a, coordinates{Season: 1, Episode: 1, DisplaySeason: 1, DisplayEpisode: 1}))
		out = append(out, h.releasesFor(match, a, coordinates{Season: 1, Episode: 1}, name, h.cfg.CatAnime)...)
	}
	return out
}

func (h *Handler) movieReleases(ctx context.Context, match *titles.Match) []Release {
	coords := coordinates{Movie: true}
	if !match.Site.Movies {
		// anime sites list films under season zero, film index one
		coords.Episode = 1
	}

	var out []Release
	for _, lang := range match.Site.DefaultLanguages {
		a, err := h.availability(ctx, models.EpisodeKey{
			Site: match.Site.ID, Slug: match.Slug, Season: coords.Season, Episode: coords.Episode, Language: lang,
		})
		if err != nil || !a.Available {
			continue
		}

		name := magnet.ReleaseName(h.nameParams(match, a, coords))
		out = append(out, h.releasesFor(match, a, coords, name, h.cfg.CatMovies)...)
	}
	return out
}

// coordinates separates what the magnet encodes from what the title shows.
// They only diverge for aliased specials.
type coordinates struct {
	Season  int
	Episode int

	DisplaySeason  int
	DisplayEpisode int

	Absolute int
	Movie    bool
}

// languageWalk probes each candidate language once and builds the items for
// the available ones.
func (h *Handler) languageWalk(ctx context.Context, match *titles.Match, coords coordinates) []Release {
	var out []Release
	for _, lang := range match.Site.DefaultLanguages {
		a, err := h.availability(ctx, models.EpisodeKey{
			Site: match.Site.ID, Slug: match.Slug, Season: coords.Season, Episode: coords.Episode, Language: lang,
		})
		if err != nil || !a.Available {
			continue
		}

		name := magnet.ReleaseName(h.nameParams(match, a, coords))
		out = append(out, h.releasesFor(match, a, coords, name, h.cfg.CatAnime)...)
	}
	return out
}

// availability consults the cache and probes on a miss. Probe outcomes are
// upserted either way so a dead episode is not re-probed per request.
func (h *Handler) availability(ctx context.Context, key models.EpisodeKey) (*models.EpisodeAvailability, error) {
	if cached, err := h.avail.GetFresh(ctx, key, h.cfg.AvailabilityTTL); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	a := &models.EpisodeAvailability{EpisodeKey: key, CheckedAt: h.now().UTC()}

	res, err := h.resolver.Resolve(ctx, resolver.Request{
		Site:     h.registry.Get(key.Site),
		Slug:     key.Slug,
		Season:   key.Season,
		Episode:  key.Episode,
		Language: key.Language,
	})
	if err == nil {
		a.Available = true
		a.Provider = res.Provider
		h.probeQuality(ctx, a, res)
	}

	if err := h.avail.Upsert(ctx, a); err != nil {
		log.Error().Err(err).Str("episode", key.String()).Msg("[TORZNAB] Availability upsert failed")
	}
	return a, nil
}

func (h *Handler) probeQuality(ctx context.Context, a *models.EpisodeAvailability, res *resolver.Result) {
	if h.prober == nil {
		return
	}
	info, err := h.prober.Probe(ctx, res.URL, res.RequestHeaders)
	if err != nil {
		log.Debug().Err(err).Str("episode", a.String()).Msg("[TORZNAB] Quality probe failed")
		return
	}
	if info.Height > 0 {
		height := info.Height
		a.Height = &height
	}
	a.Codec = info.Codec
}

func (h *Handler) nameParams(match *titles.Match, a *models.EpisodeAvailability, coords coordinates) magnet.NameParams {
	height := 0
	if a.Height != nil {
		height = *a.Height
	}
	return magnet.NameParams{
		Title:     match.Title,
		Season:    coords.DisplaySeason,
		Episode:   coords.DisplayEpisode,
		Absolute:  coords.Absolute,
		Movie:     coords.Movie,
		Height:    height,
		Codec:     a.Codec,
		Language:  a.Language,
		SourceTag: h.cfg.SourceTag,
		Group:     h.groupFor(match.Site),
	}
}

func (h *Handler) groupFor(site *sites.Site) string {
	if override, ok := h.cfg.ReleaseGroupOverrides[site.ID]; ok {
		return override
	}
	return site.ReleaseGroup
}

// releasesFor builds the download and/or STRM variant for one named release,
// honouring the STRM files mode.
func (h *Handler) releasesFor(match *titles.Match, a *models.EpisodeAvailability, coords coordinates, name string, category int) []Release {
	var out []Release

	if h.cfg.StrmMode != domain.StrmFilesOnly {
		if rel, ok := h.buildRelease(match, a, coords, name, category, magnet.ModeDownload); ok {
			out = append(out, rel)
		}
	}
	if h.cfg.StrmMode != domain.StrmFilesNo {
		if rel, ok := h.buildRelease(match, a, coords, name, category, magnet.ModeStrm); ok {
			out = append(out, rel)
		}
	}
	return out
}

func (h *Handler) buildRelease(match *titles.Match, a *models.EpisodeAvailability, coords coordinates, name string, category int, mode magnet.Mode) (Release, bool) {
	title := name
	hash := magnet.InfoHash(match.Slug, a.Season, a.Episode, a.Language)
	guid := hash
	if mode == magnet.ModeStrm {
		// same payload, distinct item; the tag keeps the variants apart in
		// indexer dedup and makes the intent visible in the client. Only the
		// guid carries the suffix: the infohash attr must stay the 40-hex
		// the magnet xt declares.
		title += ".STRM"
		guid += "-strm"
	}

	uri, err := magnet.Build(h.registry, magnet.Payload{
		Site:        match.Site.ID,
		Slug:        match.Slug,
		Season:      a.Season,
		Episode:     a.Episode,
		Language:    a.Language,
		Provider:    a.Provider,
		Absolute:    coords.Absolute,
		Mode:        mode,
		DisplayName: title,
	})
	if err != nil {
		log.Error().Err(err).Str("episode", a.EpisodeKey.String()).Msg("[TORZNAB] Magnet build failed")
		return Release{}, false
	}

	return Release{
		Title:    title,
		Magnet:   uri,
		InfoHash: hash,
		GUID:     guid,
		Size:     magnet.EstimateSize(name),
		Category: category,
		Absolute: coords.Absolute,
		PubDate:  h.now(),
		Seeders:  h.cfg.FakeSeeders,
		Leechers: h.cfg.FakeLeechers,
	}, true
}

// testRelease is the synthetic item that lets indexer add-flows complete
// before any real query runs.
func (h *Handler) testRelease() Release {
	series := h.registry.Series()
	if len(series) == 0 {
		return Release{Title: h.cfg.IndexerName + ".Connectivity.Test", PubDate: h.now()}
	}

	first := series[0]
	lang := "German Dub"
	if len(first.DefaultLanguages) > 0 {
		lang = first.DefaultLanguages[0]
	}

	name := magnet.PreviewName(magnet.NameParams{
		Title:     h.cfg.IndexerName + " Connectivity Test",
		Height:    1080,
		Language:  lang,
		SourceTag: h.cfg.SourceTag,
		Group:     h.groupFor(first),
	})

	uri, err := magnet.Build(h.registry, magnet.Payload{
		Site:        first.ID,
		Slug:        "connectivity-test",
		Season:      1,
		Episode:     1,
		Language:    lang,
		DisplayName: name,
	})
	if err != nil {
		return Release{Title: name, PubDate: h.now()}
	}

	return Release{
		Title:    name,
		Magnet:   uri,
		InfoHash: magnet.InfoHash("connectivity-test", 1, 1, lang),
		Size:     magnet.EstimateSize(name),
		Category: h.cfg.CatAnime,
		PubDate:  h.now(),
		Seeders:  h.cfg.FakeSeeders,
		Leechers: h.cfg.FakeLeechers,
	}
}

func optionalInt(q url.Values, key string) (int, bool) {
	raw := q.Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
