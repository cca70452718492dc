// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package omega

import "encoding/json"

type ChangeType int

const (
	UpsertJSON ChangeType = iota + 1
	UpsertText
	Remove
	Rename
	ApplyJSONPatch
	ApplyTextPatch
)

var changeTypeNames = [...]string{
	"UNKNOWN",
	"UPSERT_JSON",
	"UPSERT_TEXT",
	"REMOVE",
	"RENAME",
	"APPLY_JSON_PATCH",
	"APPLY_TEXT_PATCH",
}

func (t ChangeType) String() string {
	if t < 1 || int(t) >= len(changeTypeNames) {
		return changeTypeNames[0]
	}
	return changeTypeNames[t]
}

func (t ChangeType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ChangeType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for i, name := range changeTypeNames {
		if name == s {
			*t = ChangeType(i)
			return nil
		}
	}
	return NewErrorf(ChangeConflict, "unknown change type %q", s)
}

// Change is one mutation of a single path. The meaning of Content depends on
// Type: JSON bytes for UPSERT_JSON, text bytes for UPSERT_TEXT, an RFC-6902
// patch document for APPLY_JSON_PATCH, a unified diff for APPLY_TEXT_PATCH,
// the destination path for RENAME, and nil for REMOVE.
type Change struct {
	Type    ChangeType `json:"type"`
	Path    string     `json:"path"`
	Content []byte     `json:"content,omitempty"`
}

func NewUpsertJSON(path string, content []byte) Change {
	return Change{Type: UpsertJSON, Path: path, Content: content}
}

func NewUpsertText(path, content string) Change {
	return Change{Type: UpsertText, Path: path, Content: []byte(content)}
}

func NewRemove(path string) Change {
	return Change{Type: Remove, Path: path}
}

func NewRename(path, to string) Change {
	return Change{Type: Rename, Path: path, Content: []byte(to)}
}

func NewJSONPatch(path string, patch []byte) Change {
	return Change{Type: ApplyJSONPatch, Path: path, Content: patch}
}

func NewTextPatch(path, unified string) Change {
	return Change{Type: ApplyTextPatch, Path: path, Content: []byte(unified)}
}

// RenameTarget returns the destination path of a RENAME change.
func (c *Change) RenameTarget() string {
	return string(c.Content)
}
