// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Notifier periodically compares the running version against the latest
// GitHub release and logs when an update is available. It never applies
// anything; the update command does that.
type Notifier struct {
	updater  *Updater
	interval time.Duration

	mu        sync.Mutex
	available string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNotifier(config Config, interval time.Duration) *Notifier {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Notifier{
		updater:  NewUpdater(config),
		interval: interval,
	}
}

func (n *Notifier) Start(ctx context.Context) {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.run()
	log.Info().Dur("interval", n.interval).Msg("[UPDATE] Release check started")
}

func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

func (n *Notifier) run() {
	defer n.wg.Done()

	n.check(n.ctx)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.check(n.ctx)
		}
	}
}

func (n *Notifier) check(ctx context.Context) {
	latest, newer, err := n.updater.Latest(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[UPDATE] Release check failed")
		return
	}
	if !newer {
		log.Debug().Msg("[UPDATE] Running the latest release")
		return
	}

	n.mu.Lock()
	n.available = latest.Version()
	n.mu.Unlock()

	log.Info().
		Str("current", n.updater.config.Version).
		Str("latest", latest.Version()).
		Msg("[UPDATE] A newer release is available")
}

// Available returns the newest known release version, or "" when the
// running build is current.
func (n *Notifier) Available() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.available
}
