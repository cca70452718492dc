// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package omega

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRevision(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Revision
	}{
		{"1", 1},
		{"42", 42},
		{"-1", Head},
		{"-3", -3},
		{"0", 0},
		{"head", Head},
		{"HEAD", Head},
		{"", Head},
	} {
		got, err := ParseRevision(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
	for _, bad := range []string{"abc", "1.5", "1e3", "головной"} {
		_, err := ParseRevision(bad)
		require.Error(t, err, bad)
	}
}

func TestRevisionIsRelative(t *testing.T) {
	assert.True(t, Head.IsRelative())
	assert.True(t, Revision(0).IsRelative())
	assert.True(t, Revision(-5).IsRelative())
	assert.False(t, Init.IsRelative())
	assert.False(t, Revision(7).IsRelative())
}

func TestChangeTypeCodec(t *testing.T) {
	b, err := json.Marshal(UpsertJSON)
	require.NoError(t, err)
	assert.Equal(t, `"UPSERT_JSON"`, string(b))

	var ct ChangeType
	require.NoError(t, json.Unmarshal([]byte(`"APPLY_TEXT_PATCH"`), &ct))
	assert.Equal(t, ApplyTextPatch, ct)

	err = json.Unmarshal([]byte(`"NOT_A_CHANGE"`), &ct)
	require.Error(t, err)
	assert.Equal(t, ChangeConflict, KindOf(err))
}

func TestMarkupCodec(t *testing.T) {
	b, err := json.Marshal(Markdown)
	require.NoError(t, err)
	assert.Equal(t, `"MARKDOWN"`, string(b))

	// unknown markup degrades to plaintext instead of failing the commit
	var m Markup
	require.NoError(t, json.Unmarshal([]byte(`"ASCIIDOC"`), &m))
	assert.Equal(t, Plaintext, m)
}

func TestQueryPathNormalization(t *testing.T) {
	assert.Equal(t, "/a.json", NewQuery("a.json").Path)
	assert.Equal(t, "/a.json", NewQuery("/a.json").Path)
	assert.Equal(t, Identity, NewQuery("/a.json").Type)
	assert.Equal(t, IdentityText, NewTextQuery("/a.txt").Type)

	q := NewJSONPathQuery("/a.json", "$.a", "$.b")
	assert.Equal(t, JSONPath, q.Type)
	assert.Equal(t, []string{"$.a", "$.b"}, q.Expressions)
}

func TestRenameTarget(t *testing.T) {
	c := NewRename("/old.json", "/new.json")
	assert.Equal(t, "/new.json", c.RenameTarget())
	assert.Equal(t, "/old.json", c.Path)
}

func TestErrorKindMapping(t *testing.T) {
	err := NewErrorf(RepositoryNotFound, "repository %s not found", "foo/bar")
	assert.Equal(t, RepositoryNotFound, KindOf(err))
	assert.Equal(t, "REPOSITORY_NOT_FOUND", KindOf(err).String())
	assert.Equal(t, ErrorKind(0), KindOf(json.Unmarshal([]byte("{"), &struct{}{})))
	assert.True(t, IsConflict(NewErrorf(RedundantChange, "no-op")))
	assert.False(t, IsConflict(err))
}
