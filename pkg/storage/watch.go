// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"sync"

	"github.com/antgroup/omega/modules/pathmatch"
	"github.com/antgroup/omega/pkg/omega"
)

type watchEvent struct {
	revision omega.Revision
	err      error
}

// waiter is one outstanding watch. Its channel has a buffer of one and
// receives exactly one event: the next matching revision, a drain failure,
// or nothing at all when the waiter is cancelled first.
type waiter struct {
	pattern *pathmatch.Pattern
	ch      chan watchEvent
}

func newWaiter(pattern *pathmatch.Pattern) *waiter {
	return &waiter{pattern: pattern, ch: make(chan watchEvent, 1)}
}

type watchBucket struct {
	pattern *pathmatch.Pattern
	waiters map[*waiter]struct{}
}

// commitWatchers holds the pending waiters of one repository, keyed by
// pattern. It never touches repository state; the repository notifies it
// while holding its own lock so that registration and notification are
// totally ordered with commits.
type commitWatchers struct {
	mu      sync.Mutex
	buckets map[string]*watchBucket
	closed  error
}

func newCommitWatchers() *commitWatchers {
	return &commitWatchers{buckets: make(map[string]*watchBucket)}
}

func (cw *commitWatchers) register(w *waiter) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed != nil {
		w.ch <- watchEvent{err: cw.closed}
		return
	}
	key := w.pattern.String()
	b, ok := cw.buckets[key]
	if !ok {
		b = &watchBucket{pattern: w.pattern, waiters: make(map[*waiter]struct{})}
		cw.buckets[key] = b
	}
	b.waiters[w] = struct{}{}
}

// unregister removes a cancelled waiter; the last waiter of a pattern takes
// the bucket with it.
func (cw *commitWatchers) unregister(w *waiter) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	key := w.pattern.String()
	if b, ok := cw.buckets[key]; ok {
		delete(b.waiters, w)
		if len(b.waiters) == 0 {
			delete(cw.buckets, key)
		}
	}
}

// notify wakes every waiter whose pattern matches at least one changed path.
func (cw *commitWatchers) notify(rev omega.Revision, changedPaths []string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	for key, b := range cw.buckets {
		if !b.pattern.MatchAny(changedPaths) {
			continue
		}
		for w := range b.waiters {
			w.ch <- watchEvent{revision: rev}
		}
		delete(cw.buckets, key)
	}
}

// drain completes every pending waiter with reason and refuses future
// registrations with the same failure.
func (cw *commitWatchers) drain(reason error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed != nil {
		return
	}
	cw.closed = reason
	for key, b := range cw.buckets {
		for w := range b.waiters {
			w.ch <- watchEvent{err: reason}
		}
		delete(cw.buckets, key)
	}
}

func (cw *commitWatchers) pending() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	n := 0
	for _, b := range cw.buckets {
		n += len(b.waiters)
	}
	return n
}
