// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/antgroup/omega/pkg/omega"
)

// CacheSpec bounds the in-memory cache of materialized trees, shared by
// every repository of a store.
type CacheSpec struct {
	NumCounters       int64 `toml:"num_counters"`
	MaxWeightBytes    int64 `toml:"max_weight_bytes"`
	BufferItems       int64 `toml:"buffer_items"`
	ExpireAfterAccess time.Duration
}

func (s *CacheSpec) withDefaults() CacheSpec {
	out := CacheSpec{NumCounters: 1 << 16, MaxWeightBytes: 256 << 20, BufferItems: 64}
	if s == nil {
		return out
	}
	if s.NumCounters > 0 {
		out.NumCounters = s.NumCounters
	}
	if s.MaxWeightBytes > 0 {
		out.MaxWeightBytes = s.MaxWeightBytes
	}
	if s.BufferItems > 0 {
		out.BufferItems = s.BufferItems
	}
	out.ExpireAfterAccess = s.ExpireAfterAccess
	return out
}

type treeCache struct {
	c   *ristretto.Cache[string, tree]
	ttl time.Duration
}

func newTreeCache(spec *CacheSpec) (*treeCache, error) {
	s := spec.withDefaults()
	c, err := ristretto.NewCache(&ristretto.Config[string, tree]{
		NumCounters: s.NumCounters,
		MaxCost:     s.MaxWeightBytes,
		BufferItems: s.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to initialize tree cache, error: %w", err)
	}
	return &treeCache{c: c, ttl: s.ExpireAfterAccess}, nil
}

func cacheKey(repoKey string, rev omega.Revision) string {
	return fmt.Sprintf("%s@%d", repoKey, rev)
}

func (tc *treeCache) get(repoKey string, rev omega.Revision) (tree, bool) {
	return tc.c.Get(cacheKey(repoKey, rev))
}

func (tc *treeCache) put(repoKey string, rev omega.Revision, t tree) {
	if tc.ttl > 0 {
		tc.c.SetWithTTL(cacheKey(repoKey, rev), t, t.approxSize(), tc.ttl)
		return
	}
	tc.c.Set(cacheKey(repoKey, rev), t, t.approxSize())
}

func (tc *treeCache) close() {
	tc.c.Close()
}
