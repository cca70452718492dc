// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package omega

import (
	"fmt"
	"strconv"
	"strings"
)

// Revision names a commit in a repository. Positive values are absolute;
// values less than or equal to zero are relative to the head: -1 (and 0) is
// the head, -2 the commit before it, and so on.
type Revision int32

const (
	// Init is the first revision of every repository, an empty commit.
	Init Revision = 1
	// Head is the relative revision of the most recent commit.
	Head Revision = -1
)

// IsRelative reports whether r must be resolved against a head revision.
func (r Revision) IsRelative() bool {
	return r <= 0
}

func (r Revision) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// ParseRevision accepts a decimal revision or the literal "head" (case
// insensitive), which maps to Head.
func ParseRevision(s string) (Revision, error) {
	if strings.EqualFold(s, "head") || s == "" {
		return Head, nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("revision '%s' is not an integer", s)
	}
	return Revision(n), nil
}
