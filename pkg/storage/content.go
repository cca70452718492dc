// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/sergi/go-diff/diffmatchpatch"
	jsonpatch "gomodules.xyz/jsonpatch/v2"

	"github.com/antgroup/omega/modules/pathmatch"
	"github.com/antgroup/omega/pkg/omega"
)

// snapshot resolves rev and returns the tree at it under a read lock.
func (r *repository) snapshot(rev omega.Revision) (omega.Revision, tree, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.guard(); err != nil {
		return 0, nil, err
	}
	abs, err := normalizeRevision(rev, omega.Revision(len(r.commits)))
	if err != nil {
		return 0, nil, err
	}
	t, err := r.treeAt(abs)
	return abs, t, err
}

func (r *repository) snapshotRange(from, to omega.Revision) (omega.Revision, tree, omega.Revision, tree, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.guard(); err != nil {
		return 0, nil, 0, nil, err
	}
	head := omega.Revision(len(r.commits))
	absFrom, err := normalizeRevision(from, head)
	if err != nil {
		return 0, nil, 0, nil, err
	}
	absTo, err := normalizeRevision(to, head)
	if err != nil {
		return 0, nil, 0, nil, err
	}
	a, err := r.treeAt(absFrom)
	if err != nil {
		return 0, nil, 0, nil, err
	}
	b, err := r.treeAt(absTo)
	if err != nil {
		return 0, nil, 0, nil, err
	}
	return absFrom, a, absTo, b, nil
}

func (r *repository) Exists(rev omega.Revision, path string) (bool, error) {
	_, t, err := r.snapshot(rev)
	if err != nil {
		return false, err
	}
	if _, ok := t[path]; ok {
		return true, nil
	}
	return t.hasDirectory(path), nil
}

// Get fetches one entry, optionally projected through the query. Looking up
// a directory path yields a synthetic directory entry for identity queries.
func (r *repository) Get(rev omega.Revision, q *omega.Query) (*omega.Entry, error) {
	abs, t, err := r.snapshot(rev)
	if err != nil {
		return nil, err
	}
	f, ok := t[q.Path]
	if !ok {
		if q.Type == omega.Identity && t.hasDirectory(q.Path) {
			return &omega.Entry{Revision: abs, Path: q.Path, Type: omega.Directory}, nil
		}
		return nil, omega.NewErrorf(omega.EntryNotFound, "entry %s does not exist at revision %d", q.Path, abs)
	}
	entry := &omega.Entry{Revision: abs, Path: q.Path, Type: f.Type, Content: f.Content}
	return evaluateQuery(entry, q)
}

// Find returns every entry matching the pattern at rev, ordered by path.
// Directories are synthesized for every prefix holding at least one matched
// file.
func (r *repository) Find(rev omega.Revision, pattern string) ([]*omega.Entry, error) {
	p, err := pathmatch.Compile(pattern)
	if err != nil {
		return nil, omega.WrapError(omega.QueryExecution, err, "invalid find pattern")
	}
	abs, t, err := r.snapshot(rev)
	if err != nil {
		return nil, err
	}
	m := treemap.NewWithStringComparator()
	for path, f := range t {
		if !p.Match(path) {
			continue
		}
		m.Put(path, &omega.Entry{Revision: abs, Path: path, Type: f.Type, Content: f.Content})
		for _, dir := range ancestors(path) {
			if _, ok := m.Get(dir); !ok {
				m.Put(dir, &omega.Entry{Revision: abs, Path: dir, Type: omega.Directory})
			}
		}
	}
	out := make([]*omega.Entry, 0, m.Size())
	it := m.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*omega.Entry))
	}
	return out, nil
}

func ancestors(path string) []string {
	var out []string
	for {
		idx := strings.LastIndexByte(path, '/')
		if idx <= 0 {
			return out
		}
		path = path[:idx]
		out = append(out, path)
	}
}

// Diff returns the changes that transform the tree at from into the tree at
// to, restricted to pattern.
func (r *repository) Diff(from, to omega.Revision, pattern string, mode DiffMode) ([]omega.Change, error) {
	p, err := pathmatch.Compile(pattern)
	if err != nil {
		return nil, omega.WrapError(omega.QueryExecution, err, "invalid diff pattern")
	}
	_, a, _, b, err := r.snapshotRange(from, to)
	if err != nil {
		return nil, err
	}
	var out []omega.Change
	for _, c := range effectiveDiff(a, b) {
		if !p.Match(c.Path) {
			continue
		}
		if mode == DiffModePatch {
			if pc, err := asPatch(a[c.Path], &c); err != nil {
				return nil, err
			} else if pc != nil {
				out = append(out, *pc)
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// asPatch converts a full-replacement change into a minimal patch when both
// sides exist with the same type; otherwise it reports nil and the caller
// keeps the replacement form.
func asPatch(before *file, c *omega.Change) (*omega.Change, error) {
	if before == nil {
		return nil, nil
	}
	switch {
	case c.Type == omega.UpsertJSON && before.Type == omega.JSON:
		patch, err := makeJSONPatch(before.Content, c.Content)
		if err != nil {
			return nil, err
		}
		out := omega.NewJSONPatch(c.Path, patch)
		return &out, nil
	case c.Type == omega.UpsertText && before.Type == omega.Text:
		out := omega.NewTextPatch(c.Path, makeTextPatch(before.Content, c.Content))
		return &out, nil
	}
	return nil, nil
}

func makeJSONPatch(from, to []byte) ([]byte, error) {
	ops, err := jsonpatch.CreatePatch(from, to)
	if err != nil {
		return nil, omega.WrapError(omega.QueryExecution, err, "failed to compute JSON patch")
	}
	return json.Marshal(ops)
}

func makeTextPatch(from, to []byte) string {
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(string(from), string(to)))
}

// DiffQuery diffs the projected content of a single path between two
// revisions.
func (r *repository) DiffQuery(from, to omega.Revision, q *omega.Query) (*omega.Change, error) {
	absFrom, a, absTo, b, err := r.snapshotRange(from, to)
	if err != nil {
		return nil, err
	}
	before, err := projectFile(a, absFrom, q)
	if err != nil {
		return nil, err
	}
	after, err := projectFile(b, absTo, q)
	if err != nil {
		return nil, err
	}
	switch {
	case before == nil && after == nil:
		return nil, omega.NewErrorf(omega.EntryNotFound,
			"entry %s does not exist at revision %d or %d", q.Path, absFrom, absTo)
	case before == nil:
		c := upsertOf(after)
		return &c, nil
	case after == nil:
		c := omega.NewRemove(q.Path)
		return &c, nil
	case before.Type == omega.JSON && after.Type == omega.JSON:
		patch, err := makeJSONPatch(before.Content, after.Content)
		if err != nil {
			return nil, err
		}
		c := omega.NewJSONPatch(q.Path, patch)
		return &c, nil
	case before.Type == omega.Text && after.Type == omega.Text && bytes.Equal(before.Content, after.Content):
		c := omega.NewTextPatch(q.Path, "")
		return &c, nil
	case before.Type == omega.Text && after.Type == omega.Text:
		c := omega.NewTextPatch(q.Path, makeTextPatch(before.Content, after.Content))
		return &c, nil
	}
	c := upsertOf(after)
	return &c, nil
}

func projectFile(t tree, rev omega.Revision, q *omega.Query) (*omega.Entry, error) {
	f, ok := t[q.Path]
	if !ok {
		return nil, nil
	}
	return evaluateQuery(&omega.Entry{Revision: rev, Path: q.Path, Type: f.Type, Content: f.Content}, q)
}

func upsertOf(e *omega.Entry) omega.Change {
	if e.Type == omega.JSON {
		return omega.NewUpsertJSON(e.Path, e.Content)
	}
	return omega.Change{Type: omega.UpsertText, Path: e.Path, Content: e.Content}
}

// PreviewDiff applies changes to the tree at base in memory and returns the
// effective diff, rejecting conflicts exactly the way a commit would.
func (r *repository) PreviewDiff(base omega.Revision, changes ...omega.Change) ([]omega.Change, error) {
	_, t, err := r.snapshot(base)
	if err != nil {
		return nil, err
	}
	next, err := applyChanges(t, changes, r.store.maxFileBytes)
	if err != nil {
		return nil, err
	}
	return effectiveDiff(t, next), nil
}

// History lists the commits between from and to, newest-to-oldest when from
// is the newer end, restricted to commits touching the pattern. The initial
// empty commit belongs to the result only for a match-all pattern.
func (r *repository) History(from, to omega.Revision, pattern string) ([]*omega.Commit, error) {
	p, err := pathmatch.Compile(pattern)
	if err != nil {
		return nil, omega.WrapError(omega.QueryExecution, err, "invalid history pattern")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.guard(); err != nil {
		return nil, err
	}
	head := omega.Revision(len(r.commits))
	absFrom, err := normalizeRevision(from, head)
	if err != nil {
		return nil, err
	}
	absTo, err := normalizeRevision(to, head)
	if err != nil {
		return nil, err
	}
	step := omega.Revision(1)
	if absFrom > absTo {
		step = -1
	}
	var out []*omega.Commit
	for rev := absFrom; ; rev += step {
		c := r.commits[rev-1]
		switch {
		case rev == omega.Init:
			if p.MatchesAll() {
				out = append(out, c)
			}
		default:
			for i := range c.Changes {
				if p.Match(c.Changes[i].Path) {
					out = append(out, c)
					break
				}
			}
		}
		if rev == absTo {
			return out, nil
		}
	}
}
