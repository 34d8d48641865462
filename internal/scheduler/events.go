// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"sync"

	"github.com/anibridge/anibridge/internal/models"
)

const subscriberBuffer = 16

// Broadcaster fans job snapshots out to per-job subscribers. Slow
// subscribers drop snapshots instead of blocking the worker; the SSE
// layer re-reads the row on connect so nothing is lost for good.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan *models.Job]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan *models.Job]struct{})}
}

// Subscribe returns a snapshot channel for one job and a release func.
// The channel is closed on release.
func (b *Broadcaster) Subscribe(jobID string) (<-chan *models.Job, func()) {
	ch := make(chan *models.Job, subscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan *models.Job]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[jobID], ch)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, release
}

// Publish delivers a snapshot to every subscriber of the job.
func (b *Broadcaster) Publish(job *models.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[job.ID] {
		select {
		case ch <- job:
		default:
		}
	}
}
