// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package strm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/anibridge/anibridge/internal/domain"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/resolver"
)

// lockGrace extends the build timeout before a lock file counts as
// abandoned.
const lockGrace = 30 * time.Second

// minRemuxDuration rejects builds that produced a stub.
const minRemuxDuration = 30 * time.Second

// volatileQueryParams are auth/expiry parameters stripped before
// fingerprinting an upstream URL, so rotating CDN tokens do not bust the
// cache.
var volatileQueryParams = map[string]bool{
	"token": true, "expires": true, "expire": true, "exp": true,
	"sig": true, "signature": true, "hash": true, "st": true,
	"ttl": true, "validfrom": true, "validto": true,
}

// remuxMeta is the per-key state record next to the artifact.
type remuxMeta struct {
	Status    string    `json:"status"` // ready | failed
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RemuxCache turns HLS upstreams into cached progressive MP4s. State
// lives on disk: <key>.mp4 artifact, <key>.json meta, <key>.lock while a
// build runs.
type RemuxCache struct {
	cfg    domain.RemuxConfig
	ffmpeg string
	prober *resolver.Prober
	builds *semaphore.Weighted

	// test seams
	runFfmpeg func(ctx context.Context, upstream string, headers map[string]string, outPath string) error
	validate  func(ctx context.Context, path string) error
}

func NewRemuxCache(cfg domain.RemuxConfig, ffmpegPath string, prober *resolver.Prober) *RemuxCache {
	if cfg.MaxConcurrentBuilds < 1 {
		cfg.MaxConcurrentBuilds = 1
	}
	if cfg.BuildTimeoutSeconds < 1 {
		cfg.BuildTimeoutSeconds = 200
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	c := &RemuxCache{
		cfg:    cfg,
		ffmpeg: ffmpegPath,
		prober: prober,
		builds: semaphore.NewWeighted(int64(cfg.MaxConcurrentBuilds)),
	}
	c.runFfmpeg = c.execFfmpeg
	c.validate = c.probeArtifact
	return c
}

func (c *RemuxCache) buildTimeout() time.Duration {
	return time.Duration(c.cfg.BuildTimeoutSeconds) * time.Second
}

// waitWindow is how long a request blocks for an in-flight build before
// falling back to HLS.
func (c *RemuxCache) waitWindow() time.Duration {
	w := c.buildTimeout() / 40
	if w < time.Second {
		w = time.Second
	}
	return w
}

// Key derives the cache key for one mapping.
func (c *RemuxCache) Key(m *models.StrmURLMapping) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%d|%s|%s|%s|%d",
		m.Site, m.Slug, m.Season, m.Episode, m.Language, m.Provider,
		sourceFingerprint(m.URL), c.cfg.ConfigVersion))
	return hex.EncodeToString(sum[:])
}

// sourceFingerprint hashes the upstream URL with volatile query params
// stripped and the remainder sorted.
func sourceFingerprint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		sum := sha256.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:])
	}

	q := u.Query()
	for k := range q {
		if volatileQueryParams[strings.ToLower(k)] {
			q.Del(k)
		}
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(u.Scheme + "://" + u.Host + u.Path)
	for _, k := range keys {
		for _, v := range q[k] {
			b.WriteString("&" + k + "=" + v)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (c *RemuxCache) artifactPath(key string) string { return filepath.Join(c.cfg.Dir, key+".mp4") }
func (c *RemuxCache) metaPath(key string) string     { return filepath.Join(c.cfg.Dir, key+".json") }
func (c *RemuxCache) lockPath(key string) string     { return filepath.Join(c.cfg.Dir, key+".lock") }

// Serve returns a ready artifact path, kicking off or briefly waiting on
// a build when there is none. ok=false means the caller falls back to
// HLS rewriting.
func (c *RemuxCache) Serve(ctx context.Context, m *models.StrmURLMapping) (string, bool) {
	key := c.Key(m)

	switch c.state(key) {
	case "ready":
		return c.artifactPath(key), true
	case "failed":
		return "", false // cooldown
	case "building":
	default:
		go c.build(key, m)
	}

	// short synchronous window for the build to land
	deadline := time.NewTimer(c.waitWindow())
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			return "", false
		case <-tick.C:
			if c.state(key) == "ready" {
				return c.artifactPath(key), true
			}
		}
	}
}

// state derives the key's lifecycle state from the filesystem.
func (c *RemuxCache) state(key string) string {
	if info, err := os.Stat(c.lockPath(key)); err == nil {
		if time.Since(info.ModTime()) < c.buildTimeout()+lockGrace {
			return "building"
		}
		// abandoned lock, reclaim
		os.Remove(c.lockPath(key))
		return "missing"
	}

	meta, err := c.readMeta(key)
	if err != nil {
		return "missing"
	}

	switch meta.Status {
	case "ready":
		if _, err := os.Stat(c.artifactPath(key)); err == nil {
			return "ready"
		}
		return "missing"
	case "failed":
		cooldown := time.Duration(c.cfg.CooldownSeconds) * time.Second
		if time.Since(meta.CreatedAt) < cooldown {
			return "failed"
		}
		return "missing"
	default:
		return "missing"
	}
}

func (c *RemuxCache) readMeta(key string) (*remuxMeta, error) {
	raw, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return nil, err
	}
	var meta remuxMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *RemuxCache) writeMeta(key string, meta remuxMeta) {
	meta.CreatedAt = time.Now()
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	tmp := c.metaPath(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.Error().Err(err).Str("key", key).Msg("[REMUX] Meta write failed")
		return
	}
	if err := os.Rename(tmp, c.metaPath(key)); err != nil {
		log.Error().Err(err).Str("key", key).Msg("[REMUX] Meta publish failed")
	}
}

// build runs one remux under the semaphore and the lock file.
func (c *RemuxCache) build(key string, m *models.StrmURLMapping) {
	if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", c.cfg.Dir).Msg("[REMUX] Cannot create cache dir")
		return
	}

	lock, err := os.OpenFile(c.lockPath(key), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return // someone else is building
	}
	lock.Close()
	defer os.Remove(c.lockPath(key))

	if err := c.builds.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer c.builds.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), c.buildTimeout())
	defer cancel()

	tmp := c.artifactPath(key) + ".tmp"
	defer os.Remove(tmp)

	start := time.Now()
	if err := c.runFfmpeg(ctx, m.URL, m.RequestHeaders, tmp); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("[REMUX] Build failed")
		c.writeMeta(key, remuxMeta{Status: "failed", Error: err.Error()})
		return
	}
	if err := c.validate(ctx, tmp); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("[REMUX] Artifact rejected")
		c.writeMeta(key, remuxMeta{Status: "failed", Error: err.Error()})
		return
	}

	if err := os.Rename(tmp, c.artifactPath(key)); err != nil {
		log.Error().Err(err).Str("key", key).Msg("[REMUX] Artifact publish failed")
		c.writeMeta(key, remuxMeta{Status: "failed", Error: err.Error()})
		return
	}
	c.writeMeta(key, remuxMeta{Status: "ready"})

	log.Info().
		Str("key", key).
		Dur("elapsed", time.Since(start)).
		Stringer("episode", m.EpisodeKey).
		Msg("[REMUX] Artifact built")
}

func (c *RemuxCache) execFfmpeg(ctx context.Context, upstream string, headers map[string]string, outPath string) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if len(headers) > 0 {
		var b strings.Builder
		for k, v := range headers {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
		args = append(args, "-headers", b.String())
	}
	args = append(args,
		"-fflags", "+genpts",
		"-i", upstream,
		"-map", "0:v:0", "-map", "0:a:0?",
		"-c", "copy",
		"-movflags", "+faststart",
		"-avoid_negative_ts", "make_zero",
		"-f", "mp4",
		outPath,
	)

	cmd := exec.CommandContext(ctx, c.ffmpeg, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return errors.Wrapf(err, "ffmpeg: %s", msg)
	}
	return nil
}

// probeArtifact requires a plausible duration and a usable bitrate,
// explicit or inferred from size over duration.
func (c *RemuxCache) probeArtifact(ctx context.Context, path string) error {
	if c.prober == nil {
		return nil
	}

	info, err := c.prober.Probe(ctx, path, nil)
	if err != nil {
		return errors.Wrap(err, "probe artifact")
	}
	if info.Duration < minRemuxDuration.Seconds() {
		return errors.Errorf("artifact too short: %.1fs", info.Duration)
	}

	bitrate := info.Bitrate
	if bitrate <= 0 {
		if stat, err := os.Stat(path); err == nil && info.Duration > 0 {
			bitrate = int64(float64(stat.Size()*8) / info.Duration)
		}
	}
	if bitrate < 100_000 {
		return errors.Errorf("artifact bitrate implausible: %d", bitrate)
	}
	return nil
}

// Cleanup removes expired artifacts, stale failure metas, abandoned
// locks and orphan temp files. Meant to run from the periodic cleanup
// service.
func (c *RemuxCache) Cleanup(ctx context.Context) error {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	ttl := time.Duration(c.cfg.TTLHours) * time.Hour
	cooldown := time.Duration(c.cfg.CooldownSeconds) * time.Second
	var removed int

	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.cfg.Dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		age := time.Since(info.ModTime())

		switch {
		case strings.HasSuffix(e.Name(), ".tmp"):
			if age > c.buildTimeout()+lockGrace {
				os.Remove(path)
				removed++
			}
		case strings.HasSuffix(e.Name(), ".lock"):
			if age > c.buildTimeout()+lockGrace {
				os.Remove(path)
				removed++
			}
		case strings.HasSuffix(e.Name(), ".mp4"):
			if ttl > 0 && age > ttl {
				key := strings.TrimSuffix(e.Name(), ".mp4")
				os.Remove(path)
				os.Remove(c.metaPath(key))
				removed++
			}
		case strings.HasSuffix(e.Name(), ".json"):
			key := strings.TrimSuffix(e.Name(), ".json")
			meta, err := c.readMeta(key)
			if err != nil {
				continue
			}
			if meta.Status == "failed" && age > cooldown*2 {
				os.Remove(path)
				removed++
			}
		}
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("[REMUX] Cache cleanup")
	}
	return nil
}
