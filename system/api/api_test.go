package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func TestProxyTagMatch(t *testing.T) {
	tests := []struct {
		tag     ProxyTag
		body    string
		want    string
		matches bool
	}{
		{ProxyTag{Prefix: "l:"}, "l: hello", "hello", true},
		{ProxyTag{Prefix: "l:"}, "l:hello there  ", "hello there", true},
		{ProxyTag{Prefix: "l:"}, "hello l:", "", false},
		{ProxyTag{Prefix: "["}, "[anything goes", "anything goes", true},
		{ProxyTag{Prefix: "[", Suffix: "]"}, "[hi]", "hi", true},
		{ProxyTag{Prefix: "[", Suffix: "]"}, "[hi", "", false},
		{ProxyTag{Prefix: "[", Suffix: "]"}, "[ ]", "", true},
		{ProxyTag{Prefix: "::", Suffix: "::"}, "::", "", true},
	}
	for _, tt := range tests {
		got, ok := tt.tag.Match(tt.body)
		assert.Equal(t, tt.matches, ok, "%+v against %q", tt.tag, tt.body)
		assert.Equal(t, tt.want, got, "%+v against %q", tt.tag, tt.body)
	}
}

func testSystem() *System {
	return &System{
		ID:   "sys",
		Slug: "seraphim",
		Tag:  "[S]",
		Members: []*Member{
			{ID: "m1", Slug: "lily", Name: "Lily", ProxyTags: []ProxyTag{{Prefix: "l:"}, {Prefix: "[", Suffix: "]"}}},
			{ID: "m2", Slug: "lilac", Name: "Lilac", DisplayName: "Lilac 🌸", ProxyTags: []ProxyTag{{Prefix: "l"}}},
			{ID: "m3", Slug: "rose", Name: "Rose", ProxyTags: []ProxyTag{{Prefix: "r:"}}},
		},
	}
}

func TestSystemMatchFirstWins(t *testing.T) {
	s := testSystem()

	res, ok := s.Match("l: hello")
	assert.True(t, ok)
	assert.Equal(t, "lily", res.Member.Slug)
	assert.Equal(t, "hello", res.Content)

	// "l" also prefixes "l: hello" but lily comes first.
	res, ok = s.Match("lunch?")
	assert.True(t, ok)
	assert.Equal(t, "lilac", res.Member.Slug)
	assert.Equal(t, "unch?", res.Content)

	res, ok = s.Match("[bracketed]")
	assert.True(t, ok)
	assert.Equal(t, "lily", res.Member.Slug)
	assert.Equal(t, "bracketed", res.Content)
}

func TestSystemMatchEmptyContentAborts(t *testing.T) {
	s := testSystem()
	s.AutoproxyMemberID = "m3"

	_, ok := s.Match("l:   ")
	assert.False(t, ok)
}

func TestSystemMatchAutoproxy(t *testing.T) {
	s := testSystem()
	_, ok := s.Match("hi there")
	assert.False(t, ok)

	s.AutoproxyMemberID = "m3"
	res, ok := s.Match("  hi there ")
	assert.True(t, ok)
	assert.True(t, res.Autoproxy)
	assert.Equal(t, "rose", res.Member.Slug)
	assert.Equal(t, "hi there", res.Content)

	_, ok = s.Match("   ")
	assert.False(t, ok)

	s.AutoproxyMemberID = "gone"
	_, ok = s.Match("hi there")
	assert.False(t, ok)
}

func TestGhostNaming(t *testing.T) {
	s := testSystem()
	lily := s.MemberBySlug("LILY")
	if assert.NotNil(t, lily) {
		assert.Equal(t, id.UserID("@_plural_seraphim_lily:example.com"), GhostUserID("_plural_", s, lily, "example.com"))
		assert.Equal(t, "Lily [S]", lily.GhostDisplayName(s))
	}
	assert.Equal(t, "Lilac 🌸 [S]", s.MemberBySlug("lilac").GhostDisplayName(s))
	assert.Equal(t, "Rose", s.MemberBySlug("rose").GhostDisplayName(&System{}))
	assert.True(t, IsSystemGhost("_plural_", s, "example.com", "@_plural_seraphim_lily:example.com"))
	assert.True(t, IsSystemGhost("_plural_", s, "example.com", "@_plural_seraphim_gone:example.com"))
	assert.False(t, IsSystemGhost("_plural_", s, "example.com", "@_plural_seraphim_lily:evil.example"))
	assert.False(t, IsSystemGhost("_plural_", s, "example.com", "@_plural_seraphim_:example.com"))
	assert.False(t, IsSystemGhost("_plural_", s, "example.com", "@_plural_other_lily:example.com"))
	assert.False(t, IsSystemGhost("_plural_", s, "example.com", "@alice:example.com"))
	assert.Nil(t, s.MemberBySlug("nobody"))
}
