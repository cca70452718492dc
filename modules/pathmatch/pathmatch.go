// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package pathmatch compiles the path patterns used by finds, diffs,
// histories and watches. A pattern is a comma separated list of glob
// alternatives: '*' matches within one path segment, '**' crosses segments.
// An alternative without a leading '/' is matched anywhere in the tree.
package pathmatch

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type Pattern struct {
	raw  string
	alts []string
}

// All matches every path in a repository.
var All = &Pattern{raw: "/**", alts: []string{"/**"}}

// Compile parses and validates a pattern. An empty pattern compiles to All.
func Compile(s string) (*Pattern, error) {
	if s == "" {
		return All, nil
	}
	p := &Pattern{raw: s}
	for _, alt := range strings.Split(s, ",") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		alt = normalize(alt)
		if !doublestar.ValidatePattern(alt) {
			return nil, fmt.Errorf("invalid path pattern: %q", s)
		}
		p.alts = append(p.alts, alt)
	}
	if len(p.alts) == 0 {
		return nil, fmt.Errorf("invalid path pattern: %q", s)
	}
	return p, nil
}

func normalize(alt string) string {
	if !strings.HasPrefix(alt, "/") {
		alt = "/**/" + alt
	}
	// a trailing slash denotes a directory and everything beneath it
	if strings.HasSuffix(alt, "/") {
		alt += "**"
	}
	return alt
}

func (p *Pattern) String() string {
	return p.raw
}

// Match reports whether the absolute file path matches any alternative.
func (p *Pattern) Match(path string) bool {
	for _, alt := range p.alts {
		if ok, _ := doublestar.Match(alt, path); ok {
			return true
		}
	}
	return false
}

// MatchAny reports whether at least one of paths matches.
func (p *Pattern) MatchAny(paths []string) bool {
	for _, path := range paths {
		if p.Match(path) {
			return true
		}
	}
	return false
}

// MatchesAll reports whether the pattern is equivalent to All. History uses
// this to decide whether the initial empty commit belongs to the result.
func (p *Pattern) MatchesAll() bool {
	for _, alt := range p.alts {
		if alt == "/**" || alt == "/**/*" || alt == "/**/**" {
			return true
		}
	}
	return false
}
