// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package fetcher

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Fake is the test-mode fetcher: no network, no subprocess. It writes a
// small placeholder file and replays a fixed progress sequence, honouring
// cancellation like the real one.
type Fake struct {
	// Fail makes every fetch end in an error after the first snapshot.
	Fail error
	// Content is what gets written; defaults to a short marker.
	Content []byte
}

func (f *Fake) Fetch(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	if req.FilenameHint == "" {
		return "", errors.New("filename hint is required")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create output directory %s", req.OutputDir)
	}

	content := f.Content
	if content == nil {
		content = []byte("anibridge test mode\n")
	}
	total := int64(len(content))

	steps := []Progress{
		{DownloadedBytes: 0, TotalBytes: &total},
		{DownloadedBytes: total / 2, TotalBytes: &total},
		{DownloadedBytes: total, TotalBytes: &total},
	}

	for i, snap := range steps {
		select {
		case <-ctx.Done():
			return "", ErrCancelled
		default:
		}

		if progress != nil {
			if err := progress(snap); err != nil {
				return "", errors.Wrap(ErrCancelled, err.Error())
			}
		}

		if f.Fail != nil && i == 0 {
			return "", f.Fail
		}
	}

	path := filepath.Join(req.OutputDir, req.FilenameHint+".mp4")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
