// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestSetLevel(t *testing.T) {
	old := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(old)

	SetLevel("debug")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
