// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package logger configures the global zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls log destination and verbosity.
type Options struct {
	Level string // trace, debug, info, warn, error
	Path  string // optional log file, rotated; empty logs to stderr only

	MaxSizeMB  int
	MaxBackups int
}

// Setup installs the global logger. Console output is pretty-printed when
// stderr is a terminal, JSON otherwise.
func Setup(opts Options) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))

	var writers []io.Writer
	if term.IsTerminal(int(os.Stderr.Fd())) {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		writers = append(writers, os.Stderr)
	}

	if opts.Path != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

// SetLevel changes the global level at runtime. The config watcher calls
// this when the log level setting changes on disk.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO", "":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
