// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const maxProbeTimeout = 30 * time.Second

// MediaInfo is what the metadata-only probe learns about a stream.
type MediaInfo struct {
	Height   int
	Codec    string
	Duration float64 // seconds
	Bitrate  int64   // bits per second, 0 when unknown
}

// Prober runs ffprobe against a resolved URL without downloading the
// stream.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber builds a prober. An empty path defaults to "ffprobe" on PATH;
// the timeout is clamped to 30s.
func NewProber(ffprobePath string, timeout time.Duration) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 || timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}
	return &Prober{ffprobePath: ffprobePath, timeout: timeout}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// Probe inspects the stream at url, sending the given request headers so
// referer-gated CDNs answer.
func (p *Prober) Probe(ctx context.Context, url string, headers map[string]string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
	}
	if len(headers) > 0 {
		var b strings.Builder
		for k, v := range headers {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
		args = append(args, "-headers", b.String())
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe timed out after %s", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseFfprobeOutput(stdout.Bytes())
}

func parseFfprobeOutput(raw []byte) (*MediaInfo, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &MediaInfo{}
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			info.Height = s.Height
			info.Codec = s.CodecName
			break
		}
	}

	if out.Format.Duration != "" {
		info.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	}
	if out.Format.BitRate != "" {
		info.Bitrate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)
	}

	if info.Height == 0 && info.Codec == "" {
		return nil, fmt.Errorf("ffprobe reported no video stream")
	}
	return info, nil
}
