// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/antgroup/omega/modules/jsontext"
	"github.com/antgroup/omega/pkg/omega"
)

// evaluateQuery projects a file entry through a query. Identity returns the
// entry untouched; IdentityText re-types JSON content as text; JSONPath
// applies each expression in order to the parsed JSON document.
func evaluateQuery(e *omega.Entry, q *omega.Query) (*omega.Entry, error) {
	switch q.Type {
	case omega.Identity:
		return e, nil
	case omega.IdentityText:
		if e.Type == omega.Directory {
			return nil, omega.NewErrorf(omega.QueryExecution, "cannot query a directory: %s", e.Path)
		}
		return &omega.Entry{
			Revision: e.Revision,
			Path:     e.Path,
			Type:     omega.Text,
			Content:  jsontext.SanitizeText(e.Content),
		}, nil
	case omega.JSONPath:
		return evaluateJSONPath(e, q.Expressions)
	}
	return nil, omega.NewErrorf(omega.QueryExecution, "unsupported query type: %v", q.Type)
}

func evaluateJSONPath(e *omega.Entry, expressions []string) (*omega.Entry, error) {
	if e.Type != omega.JSON {
		return nil, omega.NewErrorf(omega.QueryExecution,
			"JSON path is not applicable to %s entry: %s", e.Type, e.Path)
	}
	doc, err := oj.Parse(e.Content)
	if err != nil {
		return nil, omega.WrapError(omega.QueryExecution, err, "failed to parse JSON entry: %s", e.Path)
	}
	for _, expression := range expressions {
		expr, err := jp.ParseString(expression)
		if err != nil {
			return nil, omega.WrapError(omega.QueryExecution, err, "invalid JSON path: %q", expression)
		}
		results := expr.Get(doc)
		if definitePath(expression) {
			if len(results) == 0 {
				return nil, omega.NewErrorf(omega.QueryExecution,
					"JSON path %q matched nothing in %s", expression, e.Path)
			}
			doc = results[0]
			continue
		}
		values := make([]any, len(results))
		copy(values, results)
		doc = values
	}
	content, err := jsontext.Normalize([]byte(oj.JSON(doc)))
	if err != nil {
		return nil, omega.WrapError(omega.QueryExecution, err, "failed to serialize JSON path result for %s", e.Path)
	}
	return &omega.Entry{Revision: e.Revision, Path: e.Path, Type: omega.JSON, Content: content}, nil
}

// definitePath mirrors the usual JSON-path convention: expressions without
// wildcards, filters or recursive descent address exactly one value and
// yield it unwrapped; everything else yields an array.
func definitePath(expression string) bool {
	if strings.ContainsAny(expression, "*?") {
		return false
	}
	return !strings.Contains(expression, "..")
}
