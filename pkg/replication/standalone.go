// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Standalone is the in-process backend used when replication is disabled.
// The log, locks and counters live in memory; the single replica is always
// the leader. The executor drives exactly the same code paths as in a
// cluster, which keeps the two modes from drifting apart.
type Standalone struct {
	mu          sync.Mutex
	entries     []Entry
	subscribers map[chan Entry]uint64

	locks    *keyedMutex
	counters *windowCounters

	leader      atomic.Bool
	lastApplied sync.Map
}

var _ Backend = (*Standalone)(nil)

func NewStandalone() *Standalone {
	return &Standalone{
		subscribers: make(map[chan Entry]uint64),
		locks:       newKeyedMutex(),
		counters:    newWindowCounters(),
	}
}

func (s *Standalone) Log() Log         { return (*standaloneLog)(s) }
func (s *Standalone) Locker() Locker   { return s.locks }
func (s *Standalone) Counter() Counter { return s.counters }

func (s *Standalone) RunElection(ctx context.Context, serverID string, cb LeaderCallbacks) error {
	s.leader.Store(true)
	if cb.OnTakeLeadership != nil {
		cb.OnTakeLeadership(ctx)
	}
	<-ctx.Done()
	s.leader.Store(false)
	if cb.OnReleaseLeadership != nil {
		cb.OnReleaseLeadership()
	}
	return nil
}

func (s *Standalone) IsLeader() bool {
	return s.leader.Load()
}

func (s *Standalone) LastApplied(ctx context.Context, serverID string) (uint64, error) {
	if v, ok := s.lastApplied.Load(serverID); ok {
		return v.(uint64), nil
	}
	return 0, nil
}

func (s *Standalone) SetLastApplied(ctx context.Context, serverID string, index uint64) error {
	s.lastApplied.Store(serverID, index)
	return nil
}

func (s *Standalone) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
	return nil
}

type standaloneLog Standalone

func (l *standaloneLog) Append(ctx context.Context, origin string, payload []byte) (uint64, error) {
	s := (*Standalone)(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Entry{
		Index:            uint64(len(s.entries)) + 1,
		Origin:           origin,
		AppendedAtMillis: time.Now().UnixMilli(),
		Payload:          payload,
	}
	s.entries = append(s.entries, e)
	for ch := range s.subscribers {
		select {
		case ch <- e:
		default:
			// slow subscriber: it will re-watch from its last index
			close(ch)
			delete(s.subscribers, ch)
		}
	}
	return e.Index, nil
}

func (l *standaloneLog) Watch(ctx context.Context, from uint64) (<-chan Entry, error) {
	s := (*Standalone)(l)
	s.mu.Lock()
	backlog := make([]Entry, 0)
	for _, e := range s.entries {
		if e.Index > from {
			backlog = append(backlog, e)
		}
	}
	ch := make(chan Entry, 256)
	for _, e := range backlog {
		ch <- e
	}
	s.subscribers[ch] = from
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			close(ch)
			delete(s.subscribers, ch)
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

func (l *standaloneLog) LastIndex(ctx context.Context) (uint64, error) {
	s := (*Standalone)(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.entries)), nil
}

func (l *standaloneLog) Prune(ctx context.Context, upTo uint64, olderThan time.Time) error {
	// the in-memory log keeps indexes stable; pruning only drops payloads
	s := (*Standalone)(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := olderThan.UnixMilli()
	for i := range s.entries {
		if s.entries[i].Index > upTo {
			break
		}
		if s.entries[i].AppendedAtMillis >= cutoff {
			break
		}
		s.entries[i].Payload = nil
	}
	return nil
}

// keyedMutex is a per-key mutex with context-aware acquisition.
type keyedMutex struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{chans: make(map[string]chan struct{})}
}

func (k *keyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		k.mu.Lock()
		holder, ok := k.chans[key]
		if !ok {
			holder = make(chan struct{})
			k.chans[key] = holder
			k.mu.Unlock()
			var once sync.Once
			release := func() {
				once.Do(func() {
					k.mu.Lock()
					delete(k.chans, key)
					k.mu.Unlock()
					close(holder)
				})
			}
			return release, nil
		}
		k.mu.Unlock()
		select {
		case <-holder:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// windowCounters implements the shared quota counter in memory.
type windowCounters struct {
	mu     sync.Mutex
	counts map[string]*windowCount
}

type windowCount struct {
	windowStart time.Time
	n           int64
}

func newWindowCounters() *windowCounters {
	return &windowCounters{counts: make(map[string]*windowCount)}
}

func (w *windowCounters) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	c, ok := w.counts[key]
	if !ok || now.Sub(c.windowStart) >= window {
		c = &windowCount{windowStart: now}
		w.counts[key] = c
	}
	c.n++
	return c.n, nil
}
