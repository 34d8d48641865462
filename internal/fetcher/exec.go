// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package fetcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Hellseher/go-shellquote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// progressTemplate makes the tool emit machine-readable lines:
// ANIBRIDGE|<downloaded>|<total>|<speed>|<eta>
const progressTemplate = "ANIBRIDGE|%(progress.downloaded_bytes)s|%(progress.total_bytes)s|%(progress.speed)s|%(progress.eta)s"

const progressPrefix = "ANIBRIDGE|"

// ErrCancelled marks a fetch stopped by the progress callback or context.
var ErrCancelled = errors.New("fetch cancelled")

// ExecFetcher shells out to a yt-dlp style downloader.
type ExecFetcher struct {
	binary    string
	extraArgs []string
}

// NewExec builds the fetcher. extraArgs is a shell-quoted string appended
// verbatim to every invocation.
func NewExec(binary, extraArgs string) (*ExecFetcher, error) {
	if binary == "" {
		binary = "yt-dlp"
	}

	var parsed []string
	if strings.TrimSpace(extraArgs) != "" {
		var err error
		parsed, err = shellquote.Split(extraArgs)
		if err != nil {
			return nil, errors.Wrap(err, "parse fetcher extra args")
		}
	}

	return &ExecFetcher{binary: binary, extraArgs: parsed}, nil
}

func (f *ExecFetcher) buildArgs(req Request, outputTemplate string) []string {
	args := []string{
		"--newline",
		"--no-part",
		"--no-playlist",
		"--progress-template", progressTemplate,
		"-o", outputTemplate,
	}

	if req.ProxyURL != "" {
		args = append(args, "--proxy", req.ProxyURL)
	}

	for k, v := range req.Headers {
		args = append(args, "--add-headers", fmt.Sprintf("%s:%s", k, v))
	}

	if limit := effectiveRateLimit(req); limit > 0 {
		args = append(args, "--limit-rate", strconv.FormatInt(limit, 10))
	}
	if req.IsHLS && req.ConcurrentFragments > 1 {
		args = append(args, "--concurrent-fragments", strconv.Itoa(req.ConcurrentFragments))
	}

	args = append(args, f.extraArgs...)
	args = append(args, req.URL)
	return args
}

// Fetch runs the downloader, streaming progress lines back through the
// callback. The context cancels the child process.
func (f *ExecFetcher) Fetch(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	if req.FilenameHint == "" {
		return "", errors.New("filename hint is required")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create output directory %s", req.OutputDir)
	}

	outputTemplate := filepath.Join(req.OutputDir, req.FilenameHint+".%(ext)s")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binary, f.buildArgs(req, outputTemplate)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "start fetcher %s", f.binary)
	}

	var cbErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		snap, ok := parseProgressLine(scanner.Text())
		if !ok {
			continue
		}
		if progress == nil {
			continue
		}
		if err := progress(snap); err != nil {
			cbErr = err
			cancel() // kills the child
			break
		}
	}

	waitErr := cmd.Wait()

	switch {
	case cbErr != nil:
		return "", errors.Wrap(ErrCancelled, cbErr.Error())
	case ctx.Err() != nil:
		return "", ErrCancelled
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return "", errors.Wrapf(waitErr, "fetcher failed: %s", msg)
	}

	path, err := findProducedFile(req.OutputDir, req.FilenameHint)
	if err != nil {
		return "", err
	}

	log.Debug().Str("path", path).Msg("[FETCHER] Download finished")
	return path, nil
}

// parseProgressLine decodes an ANIBRIDGE|d|t|s|e line. "NA" and empty
// fields mean unknown.
func parseProgressLine(line string) (Progress, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, progressPrefix) {
		return Progress{}, false
	}

	parts := strings.Split(line[len(progressPrefix):], "|")
	if len(parts) != 4 {
		return Progress{}, false
	}

	var p Progress
	p.DownloadedBytes = parseBytes(parts[0])
	if v := parseOptInt(parts[1]); v != nil {
		p.TotalBytes = v
	}
	if v := parseOptInt(parts[2]); v != nil {
		p.Speed = v
	}
	if v := parseOptInt(parts[3]); v != nil {
		p.ETA = v
	}
	return p, true
}

func parseBytes(s string) int64 {
	v := parseOptInt(s)
	if v == nil {
		return 0
	}
	return *v
}

func parseOptInt(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" || s == "None" {
		return nil
	}
	// the tool reports floats for speed
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	v := int64(f)
	return &v
}

// findProducedFile locates the file the tool wrote for the hint; the
// extension is the tool's choice.
func findProducedFile(dir, hint string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, hint+".*"))
	if err != nil {
		return "", err
	}

	var newest string
	var newestMod int64
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest, newestMod = m, mod
		}
	}

	if newest == "" {
		return "", errors.Errorf("fetcher produced no file for %q in %s", hint, dir)
	}
	return newest, nil
}
