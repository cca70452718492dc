// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package storage implements the versioned content engine: one append-only
// commit journal per repository, atomic multi-change commits, revision
// normalization, finds, diffs, histories, and the commit watch primitive.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antgroup/omega/modules/pathmatch"
	"github.com/antgroup/omega/pkg/omega"
)

type DiffMode int

const (
	// DiffModeUpsert renders every difference as a full replacement.
	DiffModeUpsert DiffMode = iota + 1
	// DiffModePatch renders differences as minimal JSON or text patches.
	DiffModePatch
)

// CommitRequest carries everything a push needs. A zero PushedAt means "use
// the server clock"; the executor pins it before replication so replicas
// journal identical commits.
type CommitRequest struct {
	BaseRevision omega.Revision
	PushedAt     time.Time
	Author       omega.Author
	Summary      string
	Detail       string
	Markup       omega.Markup
	Changes      []omega.Change
}

// CommitResult is the outcome of a successful commit: the new revision, the
// authoritative timestamp and the normalized change-set that replicas replay
// verbatim.
type CommitResult struct {
	Revision omega.Revision `json:"revision"`
	PushedAt time.Time      `json:"pushedAt"`
	Changes  []omega.Change `json:"changes"`
}

// Repository is a single lineage of commits over a tree of paths. All
// operations are safe for concurrent use; commits are serialized internally.
type Repository interface {
	Name() string
	Head() omega.Revision
	CreatedAt() time.Time

	Normalize(rev omega.Revision) (omega.Revision, error)
	NormalizeRange(from, to omega.Revision) (omega.Revision, omega.Revision, error)
	Exists(rev omega.Revision, path string) (bool, error)
	Get(rev omega.Revision, q *omega.Query) (*omega.Entry, error)
	Find(rev omega.Revision, pattern string) ([]*omega.Entry, error)
	Diff(from, to omega.Revision, pattern string, mode DiffMode) ([]omega.Change, error)
	DiffQuery(from, to omega.Revision, q *omega.Query) (*omega.Change, error)
	PreviewDiff(base omega.Revision, changes ...omega.Change) ([]omega.Change, error)
	History(from, to omega.Revision, pattern string) ([]*omega.Commit, error)

	Commit(req *CommitRequest) (*CommitResult, error)
	Replay(author omega.Author, summary, detail string, markup omega.Markup, result *CommitResult) error

	Watch(ctx context.Context, lastKnown omega.Revision, pattern string) (omega.Revision, error)
	WatchQuery(ctx context.Context, lastKnown omega.Revision, q *omega.Query) (*omega.Entry, error)

	Close(reason error) error
}

type repository struct {
	store     *Store
	project   string
	name      string
	key       string
	createdAt time.Time
	watchers  *commitWatchers

	mu       sync.RWMutex
	j        *journal
	commits  []*omega.Commit
	headTree tree
	closed   error
}

var _ Repository = (*repository)(nil)

func (r *repository) Name() string {
	return r.name
}

func (r *repository) CreatedAt() time.Time {
	return r.createdAt
}

func (r *repository) Head() omega.Revision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return omega.Revision(len(r.commits))
}

func (r *repository) guard() error {
	if r.closed != nil {
		return r.closed
	}
	return nil
}

// normalizeLocked resolves rev against the given head. 0 is treated as the
// head, matching -1.
func normalizeRevision(rev, head omega.Revision) (omega.Revision, error) {
	abs := rev
	if rev == 0 {
		abs = head
	} else if rev < 0 {
		abs = head + rev + 1
	}
	if abs < omega.Init || abs > head {
		return 0, omega.NewErrorf(omega.RevisionNotFound, "revision %d does not exist (head: %d)", rev, head)
	}
	return abs, nil
}

func (r *repository) Normalize(rev omega.Revision) (omega.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.guard(); err != nil {
		return 0, err
	}
	return normalizeRevision(rev, omega.Revision(len(r.commits)))
}

// NormalizeRange resolves both revisions against one head snapshot so that a
// (from, to) pair is always internally consistent.
func (r *repository) NormalizeRange(from, to omega.Revision) (omega.Revision, omega.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.guard(); err != nil {
		return 0, 0, err
	}
	head := omega.Revision(len(r.commits))
	absFrom, err := normalizeRevision(from, head)
	if err != nil {
		return 0, 0, err
	}
	absTo, err := normalizeRevision(to, head)
	if err != nil {
		return 0, 0, err
	}
	return absFrom, absTo, nil
}

// treeAt materializes the tree at an absolute revision. The head tree is
// kept resident; older revisions are rebuilt by replaying normalized
// change-sets and cached by weight in the shared tree cache.
func (r *repository) treeAt(rev omega.Revision) (tree, error) {
	head := omega.Revision(len(r.commits))
	if rev == head {
		return r.headTree, nil
	}
	if t, ok := r.store.cache.get(r.key, rev); ok {
		return t, nil
	}
	t := tree{}
	for i := omega.Revision(2); i <= rev; i++ {
		next, err := applyNormalized(t, r.commits[i-1].Changes)
		if err != nil {
			return nil, omega.WrapError(omega.StorageFault, err,
				"failed to materialize %s at revision %d", r.key, rev)
		}
		t = next
	}
	r.store.cache.put(r.key, rev, t)
	return t, nil
}

// Commit applies the changes on top of base and seals a new revision. The
// request fails with ChangeConflict when base is no longer the head, and
// with RedundantChange when the change list leaves the tree untouched.
func (r *repository) Commit(req *CommitRequest) (*CommitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(); err != nil {
		return nil, err
	}
	head := omega.Revision(len(r.commits))
	base, err := normalizeRevision(req.BaseRevision, head)
	if err != nil {
		return nil, err
	}
	if base != head {
		return nil, omega.NewErrorf(omega.ChangeConflict,
			"invalid base revision %d (expected: %d)", base, head)
	}
	if len(req.Changes) == 0 {
		return nil, omega.NewError(omega.RedundantChange, "changeset is empty")
	}
	next, err := applyChanges(r.headTree, req.Changes, r.store.maxFileBytes)
	if err != nil {
		return nil, err
	}
	normalized := effectiveDiff(r.headTree, next)
	if len(normalized) == 0 {
		return nil, omega.NewError(omega.RedundantChange, "changeset does not change anything")
	}
	pushedAt := req.PushedAt
	if pushedAt.IsZero() {
		pushedAt = time.Now()
	}
	c := &omega.Commit{
		Revision: head + 1,
		Author:   req.Author,
		PushedAt: pushedAt.UTC(),
		Summary:  req.Summary,
		Detail:   req.Detail,
		Markup:   req.Markup,
		Changes:  normalized,
	}
	if err := r.seal(c, next); err != nil {
		return nil, err
	}
	return &CommitResult{Revision: c.Revision, PushedAt: c.PushedAt, Changes: normalized}, nil
}

// Replay journals a commit that a leader already normalized. No conflict
// resolution runs; the change-set is applied verbatim and must land on the
// exact next revision.
func (r *repository) Replay(author omega.Author, summary, detail string, markup omega.Markup, result *CommitResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(); err != nil {
		return err
	}
	head := omega.Revision(len(r.commits))
	if result.Revision != head+1 {
		return omega.NewErrorf(omega.ReplicationError,
			"cannot replay revision %d of %s onto head %d", result.Revision, r.key, head)
	}
	next, err := applyNormalized(r.headTree, result.Changes)
	if err != nil {
		return err
	}
	c := &omega.Commit{
		Revision: result.Revision,
		Author:   author,
		PushedAt: result.PushedAt.UTC(),
		Summary:  summary,
		Detail:   detail,
		Markup:   markup,
		Changes:  result.Changes,
	}
	return r.seal(c, next)
}

// seal persists the commit, advances the head and wakes matching watchers.
// The caller holds the write lock. A journal failure is a storage fault: the
// repository closes and every later call fails.
func (r *repository) seal(c *omega.Commit, next tree) error {
	if err := r.store.withWorker(func() error { return r.j.append(c) }); err != nil {
		fault := omega.WrapError(omega.StorageFault, err, "failed to persist revision %d of %s", c.Revision, r.key)
		r.closeLocked(fault)
		logrus.Errorf("repository %s: journal append failed, closing: %v", r.key, err)
		return fault
	}
	r.commits = append(r.commits, c)
	r.headTree = next
	r.store.cache.put(r.key, c.Revision, next)
	changed := make([]string, 0, len(c.Changes))
	for i := range c.Changes {
		changed = append(changed, c.Changes[i].Path)
	}
	r.watchers.notify(c.Revision, changed)
	return nil
}

// Watch blocks until a commit newer than lastKnown touches a path matching
// pattern, the context ends, or the repository closes. When such a commit
// already exists the call returns immediately with the current head.
func (r *repository) Watch(ctx context.Context, lastKnown omega.Revision, pattern string) (omega.Revision, error) {
	p, err := pathmatch.Compile(pattern)
	if err != nil {
		return 0, omega.WrapError(omega.QueryExecution, err, "invalid watch pattern")
	}
	w, rev, err := r.subscribe(lastKnown, p)
	if err != nil || w == nil {
		return rev, err
	}
	select {
	case ev := <-w.ch:
		return ev.revision, ev.err
	case <-ctx.Done():
		r.watchers.unregister(w)
		return 0, ctx.Err()
	}
}

// subscribe performs the immediate check and the waiter registration under
// one read lock so that no commit can slip between the two.
func (r *repository) subscribe(lastKnown omega.Revision, p *pathmatch.Pattern) (*waiter, omega.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.guard(); err != nil {
		return nil, 0, err
	}
	head := omega.Revision(len(r.commits))
	abs, err := normalizeRevision(lastKnown, head)
	if err != nil {
		return nil, 0, err
	}
	if head > abs {
		for i := abs + 1; i <= head; i++ {
			for j := range r.commits[i-1].Changes {
				if p.Match(r.commits[i-1].Changes[j].Path) {
					return nil, head, nil
				}
			}
		}
	}
	w := newWaiter(p)
	r.watchers.register(w)
	return w, 0, nil
}

// WatchQuery blocks until the query result differs from its value at
// lastKnown. A change that rewrites the file to identical query output does
// not complete the watch.
func (r *repository) WatchQuery(ctx context.Context, lastKnown omega.Revision, q *omega.Query) (*omega.Entry, error) {
	prev, err := r.queryAt(lastKnown, q)
	if err != nil {
		return nil, err
	}
	current := lastKnown
	for {
		rev, err := r.Watch(ctx, current, q.Path)
		if err != nil {
			return nil, err
		}
		entry, err := r.queryAt(rev, q)
		if err != nil {
			return nil, err
		}
		if entry != nil && (prev == nil || !bytes.Equal(prev.Content, entry.Content)) {
			return entry, nil
		}
		current = rev
	}
}

// queryAt evaluates q at rev; a missing entry yields (nil, nil) so callers
// can distinguish "not there yet" from a hard failure.
func (r *repository) queryAt(rev omega.Revision, q *omega.Query) (*omega.Entry, error) {
	entry, err := r.Get(rev, q)
	if err != nil {
		if omega.IsKind(err, omega.EntryNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

func (r *repository) Close(reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(reason)
}

func (r *repository) closeLocked(reason error) error {
	if r.closed != nil {
		return nil
	}
	if reason == nil {
		reason = omega.NewErrorf(omega.ShuttingDown, "repository %s is closing", r.key)
	}
	r.closed = reason
	r.watchers.drain(reason)
	if err := r.j.close(); err != nil {
		logrus.Errorf("repository %s: journal close error: %v", r.key, err)
	}
	return nil
}

func repoKey(project, name string) string {
	return fmt.Sprintf("%s/%s", project, name)
}
