// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package omega holds the value types shared by the versioned configuration
// store: revisions, queries, changes, commits and the error taxonomy. The
// wire layer and the storage engine both speak these types; neither owns
// them.
package omega

import (
	"encoding/json"
	"time"
)

type EntryType int

const (
	JSON EntryType = iota + 1
	Text
	Directory
)

var entryTypeNames = [...]string{
	"UNKNOWN",
	"JSON",
	"TEXT",
	"DIRECTORY",
}

func (t EntryType) String() string {
	if t < 1 || int(t) >= len(entryTypeNames) {
		return entryTypeNames[0]
	}
	return entryTypeNames[t]
}

func (t EntryType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EntryType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for i, name := range entryTypeNames {
		if name == s {
			*t = EntryType(i)
			return nil
		}
	}
	return NewErrorf(QueryExecution, "unknown entry type %q", s)
}

// Entry is the content of one path at one revision. Content holds canonical
// JSON bytes for JSON entries, sanitized text bytes for TEXT entries, and is
// nil for directories.
type Entry struct {
	Revision Revision  `json:"revision"`
	Path     string    `json:"path"`
	Type     EntryType `json:"type"`
	Content  []byte    `json:"content,omitempty"`
}

// Author identifies who issued a command or a commit.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// System is the author recorded on commits the server issues on its own
// behalf, such as the initial empty commit and purge markers.
var System = Author{Name: "System", Email: "system@localhost.localdomain"}

type Markup int

const (
	Plaintext Markup = iota + 1
	Markdown
)

var markupNames = [...]string{
	"UNKNOWN",
	"PLAINTEXT",
	"MARKDOWN",
}

func (m Markup) String() string {
	if m < 1 || int(m) >= len(markupNames) {
		return markupNames[0]
	}
	return markupNames[m]
}

func (m Markup) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Markup) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for i, name := range markupNames {
		if name == s {
			*m = Markup(i)
			return nil
		}
	}
	*m = Plaintext
	return nil
}

// Commit is an immutable unit of change. Changes holds the normalized
// change-set that transforms the parent tree into this commit's tree; it is
// empty only for the initial commit.
type Commit struct {
	Revision Revision  `json:"revision"`
	Author   Author    `json:"author"`
	PushedAt time.Time `json:"pushedAt"`
	Summary  string    `json:"summary"`
	Detail   string    `json:"detail,omitempty"`
	Markup   Markup    `json:"markup,omitempty"`
	Changes  []Change  `json:"changes,omitempty"`
}

// PushResult is what a successful push returns to the client.
type PushResult struct {
	Revision Revision  `json:"revision"`
	PushedAt time.Time `json:"pushedAt"`
}
