// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/antgroup/omega/modules/jsontext"
	"github.com/antgroup/omega/pkg/omega"
)

// file is the content of one path inside a tree. Directories are implicit;
// a tree only stores files.
type file struct {
	Type    omega.EntryType
	Content []byte
}

// tree maps absolute paths to files. Trees are treated as immutable once a
// commit is sealed; mutation always happens on a clone.
type tree map[string]*file

func (t tree) clone() tree {
	out := make(tree, len(t))
	for p, f := range t {
		out[p] = f
	}
	return out
}

func (t tree) paths() []string {
	out := make([]string, 0, len(t))
	for p := range t {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// hasDirectory reports whether p is a directory prefix of at least one file.
func (t tree) hasDirectory(p string) bool {
	prefix := strings.TrimSuffix(p, "/") + "/"
	if prefix == "/" {
		return len(t) > 0
	}
	for q := range t {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func (t tree) approxSize() int64 {
	var n int64
	for p, f := range t {
		n += int64(len(p)) + int64(len(f.Content)) + 16
	}
	return n
}

func validatePath(p string) error {
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || strings.Contains(p, "//") {
		return omega.NewErrorf(omega.ChangeConflict, "invalid path: %q", p)
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == "." || seg == ".." {
			return omega.NewErrorf(omega.ChangeConflict, "invalid path: %q", p)
		}
	}
	return nil
}

// applyChanges applies the change list to a clone of base and returns the
// resulting tree. The caller still has to compute the effective diff; a
// change list may legally cancel itself out, which the commit path rejects
// as redundant afterwards.
func applyChanges(base tree, changes []omega.Change, maxFileBytes int64) (tree, error) {
	next := base.clone()
	for i := range changes {
		c := &changes[i]
		if err := validatePath(c.Path); err != nil {
			return nil, err
		}
		if maxFileBytes > 0 && int64(len(c.Content)) > maxFileBytes {
			return nil, omega.NewErrorf(omega.ChangeConflict,
				"content of %s exceeds the size limit (%d bytes)", c.Path, maxFileBytes)
		}
		var err error
		switch c.Type {
		case omega.UpsertJSON:
			err = next.upsertJSON(c.Path, c.Content)
		case omega.UpsertText:
			err = next.upsertText(c.Path, c.Content)
		case omega.Remove:
			err = next.remove(c.Path)
		case omega.Rename:
			err = next.rename(c.Path, c.RenameTarget())
		case omega.ApplyJSONPatch:
			err = next.applyJSONPatch(c.Path, c.Content)
		case omega.ApplyTextPatch:
			err = next.applyTextPatch(c.Path, c.Content)
		default:
			err = omega.NewErrorf(omega.ChangeConflict, "unsupported change type: %v", c.Type)
		}
		if err != nil {
			return nil, err
		}
	}
	return next, nil
}

// applyNormalized replays a normalized change-set: upserts and removes only,
// produced by a previous successful commit. No conflict checks run here;
// a failure means the replica diverged and is a replication fault.
func applyNormalized(base tree, changes []omega.Change) (tree, error) {
	next := base.clone()
	for i := range changes {
		c := &changes[i]
		switch c.Type {
		case omega.UpsertJSON:
			next[c.Path] = &file{Type: omega.JSON, Content: c.Content}
		case omega.UpsertText:
			next[c.Path] = &file{Type: omega.Text, Content: c.Content}
		case omega.Remove:
			delete(next, c.Path)
		default:
			return nil, omega.NewErrorf(omega.ReplicationError,
				"unexpected change type %v in normalized change-set", c.Type)
		}
	}
	return next, nil
}

// insertable rejects upserting a path that is currently a directory, or
// whose ancestor is currently a file.
func (t tree) insertable(p string) error {
	if _, ok := t[p]; ok {
		return nil
	}
	if t.hasDirectory(p) {
		return omega.NewErrorf(omega.ChangeConflict, "%s conflicts with an existing directory", p)
	}
	for q := p; ; {
		idx := strings.LastIndexByte(q, '/')
		if idx <= 0 {
			break
		}
		q = q[:idx]
		if _, ok := t[q]; ok {
			return omega.NewErrorf(omega.ChangeConflict, "%s conflicts with an existing file: %s", p, q)
		}
	}
	return nil
}

func (t tree) upsertJSON(p string, content []byte) error {
	if err := t.insertable(p); err != nil {
		return err
	}
	normalized, err := jsontext.Normalize(content)
	if err != nil {
		return omega.WrapError(omega.ChangeConflict, err, "invalid JSON content for %s", p)
	}
	t[p] = &file{Type: omega.JSON, Content: normalized}
	return nil
}

func (t tree) upsertText(p string, content []byte) error {
	if err := t.insertable(p); err != nil {
		return err
	}
	t[p] = &file{Type: omega.Text, Content: jsontext.SanitizeText(content)}
	return nil
}

func (t tree) remove(p string) error {
	if _, ok := t[p]; ok {
		delete(t, p)
		return nil
	}
	if t.hasDirectory(p) {
		prefix := strings.TrimSuffix(p, "/") + "/"
		for q := range t {
			if strings.HasPrefix(q, prefix) {
				delete(t, q)
			}
		}
		return nil
	}
	return omega.NewErrorf(omega.ChangeConflict, "cannot remove non-existent entry: %s", p)
}

func (t tree) rename(from, to string) error {
	if err := validatePath(to); err != nil {
		return err
	}
	if from == to {
		return omega.NewErrorf(omega.ChangeConflict, "cannot rename %s to itself", from)
	}
	f, ok := t[from]
	if !ok {
		return omega.NewErrorf(omega.ChangeConflict, "cannot rename non-existent entry: %s", from)
	}
	if _, ok := t[to]; ok {
		return omega.NewErrorf(omega.ChangeConflict, "cannot rename %s to existing entry: %s", from, to)
	}
	if err := t.insertable(to); err != nil {
		return err
	}
	delete(t, from)
	t[to] = f
	return nil
}

func (t tree) applyJSONPatch(p string, patchDoc []byte) error {
	f, ok := t[p]
	if !ok || f.Type != omega.JSON {
		return omega.NewErrorf(omega.ChangeConflict, "cannot apply JSON patch to %s: not an existing JSON entry", p)
	}
	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return omega.WrapError(omega.JSONPatchConflict, err, "invalid JSON patch for %s", p)
	}
	patched, err := patch.Apply(f.Content)
	if err != nil {
		return omega.WrapError(omega.JSONPatchConflict, err, "failed to apply JSON patch to %s", p)
	}
	return t.upsertJSON(p, patched)
}

func (t tree) applyTextPatch(p string, patchText []byte) error {
	f, ok := t[p]
	if !ok || f.Type != omega.Text {
		return omega.NewErrorf(omega.ChangeConflict, "cannot apply text patch to %s: not an existing text entry", p)
	}
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(string(patchText))
	if err != nil {
		return omega.WrapError(omega.TextPatchConflict, err, "invalid text patch for %s", p)
	}
	patched, applied := dmp.PatchApply(patches, string(f.Content))
	for _, ok := range applied {
		if !ok {
			return omega.NewErrorf(omega.TextPatchConflict, "failed to apply text patch to %s: previous text mismatch", p)
		}
	}
	return t.upsertText(p, []byte(patched))
}

// effectiveDiff computes the normalized change-set that transforms a into b.
// The result contains only upserts and removes, ordered by path.
func effectiveDiff(a, b tree) []omega.Change {
	var out []omega.Change
	seen := make(map[string]bool, len(a))
	for _, p := range b.paths() {
		fb := b[p]
		fa, ok := a[p]
		seen[p] = true
		if ok && fa.Type == fb.Type && bytes.Equal(fa.Content, fb.Content) {
			continue
		}
		switch fb.Type {
		case omega.JSON:
			out = append(out, omega.NewUpsertJSON(p, fb.Content))
		default:
			out = append(out, omega.Change{Type: omega.UpsertText, Path: p, Content: fb.Content})
		}
	}
	for _, p := range a.paths() {
		if !seen[p] {
			out = append(out, omega.NewRemove(p))
		}
	}
	return out
}
