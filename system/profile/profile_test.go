package profile

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

const room = id.RoomID("!room:example.com")

var (
	seraphim = &api.System{ID: "sys1", Slug: "seraphim", Tag: "[S]"}
	lily     = &api.Member{ID: "m1", Slug: "lily", Name: "Lily", AvatarURL: "mxc://example.com/lily"}
	ghost    = id.UserID("@_plural_seraphim_lily:example.com")
)

func TestSyncGhostProfile(t *testing.T) {
	hs := test.NewHomeserver("example.com")
	s := NewSync(hs, "_plural_", "example.com")

	require.NoError(t, s.SyncGhostProfile(context.Background(), lily, seraphim))

	names := hs.Calls("SetDisplayName")
	require.Len(t, names, 1)
	assert.Equal(t, ghost, names[0].UserID)
	assert.Equal(t, "Lily [S]", names[0].Reason)
	avatars := hs.Calls("SetAvatarURL")
	require.Len(t, avatars, 1)
	assert.Equal(t, "mxc://example.com/lily", avatars[0].Reason)
}

func TestDecommissionGhost(t *testing.T) {
	hs := test.NewHomeserver("example.com")
	hs.SetMembers("!a:example.com", ghost)
	hs.SetMembers("!b:example.com", ghost, "@alice:example.com")
	hs.SetMembers("!c:example.com", "@alice:example.com")
	s := NewSync(hs, "_plural_", "example.com")

	require.NoError(t, s.DecommissionGhost(context.Background(), lily, seraphim))

	var left []id.RoomID
	for _, c := range hs.Calls("LeaveRoom") {
		assert.Equal(t, ghost, c.UserID)
		left = append(left, c.RoomID)
	}
	assert.ElementsMatch(t, []id.RoomID{"!a:example.com", "!b:example.com"}, left)
}

func TestPrepareGhost(t *testing.T) {
	t.Run("joins with a member event", func(t *testing.T) {
		hs := test.NewHomeserver("example.com")
		s := NewSync(hs, "_plural_", "example.com")

		intent, err := s.PrepareGhost(context.Background(), room, lily, seraphim)
		require.NoError(t, err)
		assert.Equal(t, ghost, intent.UserID())

		states := hs.Calls("SendStateEvent")
		require.Len(t, states, 1)
		assert.Equal(t, string(ghost), states[0].Reason)
		content := json.RawMessage(states[0].Content)
		assert.Equal(t, "join", gjson.GetBytes(content, "membership").String())
		assert.Equal(t, "Lily [S]", gjson.GetBytes(content, "displayname").String())
		assert.Equal(t, "mxc://example.com/lily", gjson.GetBytes(content, "avatar_url").String())
		assert.Empty(t, hs.Calls("InviteUser"))
	})

	t.Run("falls back to invite and join", func(t *testing.T) {
		hs := test.NewHomeserver("example.com")
		hs.StateHook = func(c test.Call) error {
			if c.Method == "SendStateEvent" {
				return test.Forbidden()
			}
			return nil
		}
		s := NewSync(hs, "_plural_", "example.com")

		_, err := s.PrepareGhost(context.Background(), room, lily, seraphim)
		require.NoError(t, err)

		invites := hs.Calls("InviteUser")
		require.Len(t, invites, 1)
		assert.Equal(t, hs.BotUserID, invites[0].UserID)
		assert.Equal(t, string(ghost), invites[0].Reason)
		joins := hs.Calls("JoinRoom")
		require.Len(t, joins, 1)
		assert.Equal(t, ghost, joins[0].UserID)
		require.Len(t, hs.Calls("SetDisplayName"), 1)
	})

	t.Run("join failure is returned", func(t *testing.T) {
		hs := test.NewHomeserver("example.com")
		hs.StateHook = func(c test.Call) error {
			if c.Method == "SendStateEvent" {
				return test.Forbidden()
			}
			return nil
		}
		hs.JoinHook = func(test.Call) error { return test.Forbidden() }
		s := NewSync(hs, "_plural_", "example.com")

		_, err := s.PrepareGhost(context.Background(), room, lily, seraphim)
		assert.Error(t, err)
	})
}
