package proxy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func seraphimGhost(userID id.UserID) bool {
	return api.IsSystemGhost("_plural_", &api.System{Slug: "seraphim"}, "example.com", userID)
}

func addEncrypted(t *testing.T, hs *test.Homeserver, sender id.UserID, content any) *homeserver.Event {
	t.Helper()
	opened, err := json.Marshal(content)
	require.NoError(t, err)
	envelope, err := test.Encrypt(event.EventMessage.Type, opened)
	require.NoError(t, err)
	return hs.AddEvent(&homeserver.Event{
		Type:    event.EventEncrypted.Type,
		RoomID:  room,
		Sender:  sender,
		Content: envelope,
	})
}

func addClear(t *testing.T, hs *test.Homeserver, sender id.UserID, content any) *homeserver.Event {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return hs.AddEvent(&homeserver.Event{Type: event.EventMessage.Type, RoomID: room, Sender: sender, Content: raw})
}

func TestResolveNewestGhostMessage(t *testing.T) {
	hs := test.NewHomeserver("example.com")
	root := addClear(t, hs, lilyGhost, text("mine"))
	addClear(t, hs, alice, text("chatter"))
	addClear(t, hs, "@_plural_other_rose:example.com", text("someone else's"))

	target, err := NewResolver(hs.Bot(), nil).Resolve(context.Background(), room, "", seraphimGhost)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, root.EventID, target.RootID)
	assert.Equal(t, lilyGhost, target.Sender)
	assert.Equal(t, "mine", target.Latest)
}

func TestResolveSkipsRedacted(t *testing.T) {
	hs := test.NewHomeserver("example.com")
	older := addClear(t, hs, lilyGhost, text("older"))
	newer := addClear(t, hs, lilyGhost, text("newer"))
	_, err := hs.Bot().RedactEvent(context.Background(), room, newer.EventID, "")
	require.NoError(t, err)

	target, err := NewResolver(hs.Bot(), nil).Resolve(context.Background(), room, "", seraphimGhost)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, older.EventID, target.RootID)
}

func TestResolveEncryptedHistory(t *testing.T) {
	hs := test.NewHomeserver("example.com")
	root := addEncrypted(t, hs, lilyGhost, text("First text"))
	addEncrypted(t, hs, lilyGhost, edit(root.EventID, "Second text"))

	t.Run("with a decrypter", func(t *testing.T) {
		target, err := NewResolver(hs.Bot(), fakeDecrypter{}).Resolve(context.Background(), room, "", seraphimGhost)
		require.NoError(t, err)
		require.NotNil(t, target)
		assert.Equal(t, root.EventID, target.RootID)
		assert.Equal(t, "Second text", target.Latest)
	})

	t.Run("without a decrypter", func(t *testing.T) {
		target, err := NewResolver(hs.Bot(), nil).Resolve(context.Background(), room, "", seraphimGhost)
		require.NoError(t, err)
		assert.Nil(t, target)
	})
}

func TestResolveReplyToEdit(t *testing.T) {
	hs := test.NewHomeserver("example.com")
	root := addClear(t, hs, lilyGhost, text("v1"))
	e1 := addClear(t, hs, lilyGhost, edit(root.EventID, "v2"))
	e2 := addClear(t, hs, lilyGhost, edit(e1.EventID, "v3"))
	addClear(t, hs, lilyGhost, text("unrelated"))

	target, err := NewResolver(hs.Bot(), nil).Resolve(context.Background(), room, e2.EventID, seraphimGhost)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, root.EventID, target.RootID)
	assert.Equal(t, "v3", target.Latest)
}

func TestResolveReplyOutsideScrollback(t *testing.T) {
	hs := test.NewHomeserver("example.com")
	old := addClear(t, hs, lilyGhost, text("ancient"))
	for i := 0; i < ScrollbackLimit+5; i++ {
		addClear(t, hs, alice, text("filler"))
	}

	target, err := NewResolver(hs.Bot(), nil).Resolve(context.Background(), room, old.EventID, seraphimGhost)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, old.EventID, target.RootID)
	assert.Equal(t, "ancient", target.Latest)
}

func TestResolveRejectsForeignReplies(t *testing.T) {
	hs := test.NewHomeserver("example.com")
	human := addClear(t, hs, alice, text("me"))
	other := addClear(t, hs, "@_plural_other_rose:example.com", text("them"))
	r := NewResolver(hs.Bot(), nil)

	for _, replyTo := range []id.EventID{human.EventID, other.EventID, "$missing"} {
		target, err := r.Resolve(context.Background(), room, replyTo, seraphimGhost)
		require.NoError(t, err)
		assert.Nil(t, target, replyTo)
	}
}

func TestResolveIgnoresRemoteLookalikes(t *testing.T) {
	hs := test.NewHomeserver("example.com")
	mine := addClear(t, hs, lilyGhost, text("mine"))
	remote := addClear(t, hs, "@_plural_seraphim_lily:evil.example", text("lookalike"))
	r := NewResolver(hs.Bot(), nil)

	target, err := r.Resolve(context.Background(), room, "", seraphimGhost)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, mine.EventID, target.RootID)

	target, err = r.Resolve(context.Background(), room, remote.EventID, seraphimGhost)
	require.NoError(t, err)
	assert.Nil(t, target)
}

func TestLatestEditIgnoresOtherSenders(t *testing.T) {
	hs := test.NewHomeserver("example.com")
	root := addClear(t, hs, lilyGhost, text("original"))
	addClear(t, hs, alice, edit(root.EventID, "hijacked"))

	target, err := NewResolver(hs.Bot(), nil).Resolve(context.Background(), room, "", seraphimGhost)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "original", target.Latest)
}
