// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package quota bounds the write rate per repository. A standalone server
// uses local token buckets; a replicated cluster shares a windowed counter
// through the coordination service so the aggregate rate stays bounded. A
// nil quota means unlimited and bypasses all accounting.
package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/antgroup/omega/pkg/omega"
	"github.com/antgroup/omega/pkg/replication"
)

type WriteQuota struct {
	RequestQuota      int64 `json:"requestQuota" toml:"request_quota"`
	TimeWindowSeconds int64 `json:"timeWindowSeconds" toml:"time_window_seconds"`
}

func (q *WriteQuota) window() time.Duration {
	if q.TimeWindowSeconds <= 0 {
		return time.Second
	}
	return time.Duration(q.TimeWindowSeconds) * time.Second
}

// Gate admits or rejects writes keyed by "<project>/<repo>".
type Gate struct {
	defaultQuota *WriteQuota
	shared       replication.Counter

	mu      sync.RWMutex
	quotas  map[string]*WriteQuota
	buckets map[string]*rate.Limiter
}

// New builds a gate. shared may be nil, in which case local token buckets
// apply; defaultQuota may be nil for unlimited-by-default.
func New(defaultQuota *WriteQuota, shared replication.Counter) *Gate {
	return &Gate{
		defaultQuota: defaultQuota,
		shared:       shared,
		quotas:       make(map[string]*WriteQuota),
		buckets:      make(map[string]*rate.Limiter),
	}
}

// SetQuota overrides the quota of one repository. A nil quota removes the
// override, falling back to the default.
func (g *Gate) SetQuota(key string, q *WriteQuota) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if q == nil {
		delete(g.quotas, key)
	} else {
		g.quotas[key] = q
	}
	delete(g.buckets, key)
}

func (g *Gate) quotaFor(key string) *WriteQuota {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if q, ok := g.quotas[key]; ok {
		return q
	}
	return g.defaultQuota
}

// Admit accounts one write. Unlimited repositories skip accounting
// entirely so the hot path stays contention free.
func (g *Gate) Admit(ctx context.Context, key string) error {
	q := g.quotaFor(key)
	if q == nil || q.RequestQuota <= 0 {
		return nil
	}
	if g.shared != nil {
		n, err := g.shared.Incr(ctx, key, q.window())
		if err != nil {
			return omega.WrapError(omega.ReplicationError, err, "failed to account write quota for %s", key)
		}
		if n > q.RequestQuota {
			return tooManyRequests(key, q)
		}
		return nil
	}
	if !g.bucketFor(key, q).Allow() {
		return tooManyRequests(key, q)
	}
	return nil
}

func (g *Gate) bucketFor(key string, q *WriteQuota) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buckets[key]; ok {
		return b
	}
	b := rate.NewLimiter(rate.Limit(float64(q.RequestQuota)/q.window().Seconds()), int(q.RequestQuota))
	g.buckets[key] = b
	return b
}

func tooManyRequests(key string, q *WriteQuota) error {
	return omega.NewErrorf(omega.TooManyRequests,
		"write quota of %s exceeded (%d requests per %s)", key, q.RequestQuota, q.window())
}
