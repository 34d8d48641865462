// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package resolver

import (
	"fmt"
	"strings"
)

// LanguageUnavailableError aborts the provider walk: the site simply does
// not carry the requested language for this episode, so trying more
// providers is wasted work.
type LanguageUnavailableError struct {
	Requested string
	Available []string
}

func (e *LanguageUnavailableError) Error() string {
	return fmt.Sprintf("Sprache nicht verfügbar: %s. Verfügbar: %s",
		e.Requested, strings.Join(e.Available, ", "))
}

// NoProviderError means every candidate in the walk returned nothing.
type NoProviderError struct {
	Tried []string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider yielded a URL (tried: %s)", strings.Join(e.Tried, ", "))
}
