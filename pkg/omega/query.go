// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package omega

import "strings"

type QueryType int

const (
	// Identity fetches the entry at a path as-is, JSON or text.
	Identity QueryType = iota + 1
	// IdentityText fetches the entry as its canonical text form.
	IdentityText
	// JSONPath projects a JSON entry through one or more JSON-path
	// expressions, applied left to right.
	JSONPath
)

var queryTypeNames = [...]string{
	"UNKNOWN",
	"IDENTITY",
	"IDENTITY_TEXT",
	"JSON_PATH",
}

func (t QueryType) String() string {
	if t < 1 || int(t) >= len(queryTypeNames) {
		return queryTypeNames[0]
	}
	return queryTypeNames[t]
}

// Query selects the content of a single path, optionally projected.
type Query struct {
	Path        string    `json:"path"`
	Type        QueryType `json:"type"`
	Expressions []string  `json:"expressions,omitempty"`
}

func NewQuery(path string) *Query {
	return &Query{Path: normalizeQueryPath(path), Type: Identity}
}

func NewTextQuery(path string) *Query {
	return &Query{Path: normalizeQueryPath(path), Type: IdentityText}
}

func NewJSONPathQuery(path string, expressions ...string) *Query {
	return &Query{Path: normalizeQueryPath(path), Type: JSONPath, Expressions: expressions}
}

func normalizeQueryPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}
