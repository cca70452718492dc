// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package replication defines the coordination contracts the command
// executor relies on: a totally-ordered command log, distributed
// per-repository locks, leader election, shared quota counters and replica
// progress tracking. Two backends exist: an in-process one for standalone
// servers and tests, and an etcd-backed one for clusters.
package replication

import (
	"context"
	"time"
)

// Entry is one replicated command. Origin is the server that appended it;
// replicas skip their own entries on replay because they already applied
// them before appending. AppendedAtMillis is stamped by Append and drives
// age-based retention.
type Entry struct {
	Index            uint64 `json:"index"`
	Origin           string `json:"origin"`
	AppendedAtMillis int64  `json:"appendedAtMillis"`
	Payload          []byte `json:"payload"`
}

// AppendedAt returns the append timestamp of the entry.
func (e *Entry) AppendedAt() time.Time {
	return time.UnixMilli(e.AppendedAtMillis)
}

// Log is the totally-ordered command log. Only the leader appends.
type Log interface {
	// Append persists the payload and returns its index, starting at 1.
	Append(ctx context.Context, origin string, payload []byte) (uint64, error)
	// Watch streams entries with Index > from until ctx ends. The channel
	// closes when the stream fails; the consumer re-watches from its last
	// applied index.
	Watch(ctx context.Context, from uint64) (<-chan Entry, error)
	// LastIndex reports the highest appended index.
	LastIndex(ctx context.Context) (uint64, error)
	// Prune removes entries with Index <= upTo that were appended before
	// olderThan. Both conditions must hold: a recent entry survives even
	// when the log has grown past its count bound.
	Prune(ctx context.Context, upTo uint64, olderThan time.Time) error
}

// Locker hands out named locks with automatic release on holder failure.
type Locker interface {
	// Acquire blocks until the lock is held or ctx ends. The returned
	// function releases the lock.
	Acquire(ctx context.Context, key string) (func(), error)
}

// LeaderCallbacks fire when this replica gains or loses leadership. The
// implementation serializes the two per replica; they never overlap.
type LeaderCallbacks struct {
	OnTakeLeadership    func(ctx context.Context)
	OnReleaseLeadership func()
}

// Counter is a shared windowed counter used to bound the aggregate write
// rate across replicas.
type Counter interface {
	// Incr increments the counter of key for the current window and
	// returns the new value.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Backend bundles every coordination contract plus replica progress.
type Backend interface {
	Log() Log
	Locker() Locker
	Counter() Counter

	// RunElection keeps campaigning until ctx ends, invoking the callbacks
	// on every leadership transition.
	RunElection(ctx context.Context, serverID string, cb LeaderCallbacks) error
	// IsLeader reports whether this replica currently leads.
	IsLeader() bool

	LastApplied(ctx context.Context, serverID string) (uint64, error)
	SetLastApplied(ctx context.Context, serverID string, index uint64) error

	Close() error
}
