// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []*homeserver.Event
}

func (r *recordingHandler) HandleEvent(ctx context.Context, ev *homeserver.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingHandler) received() []*homeserver.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*homeserver.Event(nil), r.events...)
}

func newTestRouter(h *harness) (*Router, *recordingHandler) {
	handler := &recordingHandler{}
	decrypter := NewDecrypter(h.manager, h.hs.BotUserID)
	return NewRouter(h.manager, h.dispatcher, decrypter, h.hs, h.hs.BotUserID, handler), handler
}

func encryptedEvent(t *testing.T, eventID id.EventID, body string) *homeserver.Event {
	t.Helper()
	content, err := test.Encrypt(event.EventMessage.Type, json.RawMessage(`{"msgtype":"m.text","body":"`+body+`"}`))
	require.NoError(t, err)
	return &homeserver.Event{
		Type:           event.EventEncrypted.Type,
		EventID:        eventID,
		RoomID:         room,
		Sender:         alice,
		Content:        content,
		OriginServerTS: 1234,
	}
}

func TestRouterFeedsKeysBeforeTimeline(t *testing.T) {
	h := newHarness(t)
	router, handler := newTestRouter(h)

	var toDevice []json.RawMessage
	h.factory.Prepare = func(e *test.Engine) {
		e.OnSyncChanges = func(e *test.Engine, changes api.SyncChanges) {
			toDevice = append(toDevice, changes.ToDevice...)
		}
	}

	txn := &Transaction{
		Events: []*homeserver.Event{encryptedEvent(t, "$enc", "hello")},
		ToDevice: []json.RawMessage{
			json.RawMessage(`{"type":"m.room_key","sender":"@alice:example.com","to_user_id":"@plural_bot:example.com","content":{}}`),
		},
	}
	router.Process(context.Background(), txn)

	ops := h.factory.Engine(h.hs.BotUserID).Log()
	keyed := indexOf(ops, "ReceiveSyncChanges:1:0")
	decrypted := indexOf(ops, "DecryptRoomEvent")
	require.True(t, keyed >= 0 && decrypted >= 0, "%v", ops)
	assert.Less(t, keyed, decrypted)

	require.Len(t, toDevice, 1)
	assert.False(t, gjson.GetBytes(toDevice[0], "to_user_id").Exists())
	assert.Equal(t, "m.room_key", gjson.GetBytes(toDevice[0], "type").String())

	events := handler.received()
	require.Len(t, events, 1)
	assert.True(t, events[0].Decrypted)
	assert.Equal(t, event.EventMessage.Type, events[0].Type)
	assert.Equal(t, id.EventID("$enc"), events[0].EventID)
	assert.Equal(t, room, events[0].RoomID)
	assert.Equal(t, alice, events[0].Sender)
	assert.Equal(t, int64(1234), events[0].OriginServerTS)
	assert.Equal(t, "hello", events[0].Body())
}

func TestRouterDrainsEveryTouchedIdentity(t *testing.T) {
	h := newHarness(t)
	router, _ := newTestRouter(h)
	h.factory.Prepare = func(e *test.Engine) {
		e.OnSyncChanges = func(e *test.Engine, changes api.SyncChanges) {
			e.Queue(api.OutgoingRequest{ID: string(e.User), Type: api.RequestKeysQuery})
		}
	}

	router.Process(context.Background(), &Transaction{
		ToDevice: []json.RawMessage{
			json.RawMessage(`{"type":"m.room.encrypted","to_user_id":"@_plural_abc_ghost:example.com","content":{}}`),
			json.RawMessage(`{"type":"m.room.encrypted","to_user_id":"@_plural_abc_ghost:example.com","content":{}}`),
			json.RawMessage(`{"type":"m.room.encrypted","to_user_id":"@plural_bot:example.com","content":{}}`),
			json.RawMessage(`{"type":"m.room.encrypted","content":{}}`),
		},
	})

	ghostEngine := h.factory.Engine(ghost)
	require.NotNil(t, ghostEngine)
	assert.Equal(t, 2, countOps(ghostEngine.Log(), "ReceiveSyncChanges:1:0"))
	_, ok := ghostEngine.Sent(string(ghost))
	assert.True(t, ok)

	botEngine := h.factory.Engine(h.hs.BotUserID)
	require.NotNil(t, botEngine)
	_, ok = botEngine.Sent(string(h.hs.BotUserID))
	assert.True(t, ok)
	assert.Equal(t, 2, h.factory.OpenCount())
}

func TestRouterDecryptFailureRequestsKeys(t *testing.T) {
	h := newHarness(t)
	router, handler := newTestRouter(h)
	h.factory.Prepare = func(e *test.Engine) {
		e.DecryptFunc = func(id.RoomID, json.RawMessage) (*api.DecryptedEvent, error) {
			return nil, assert.AnError
		}
	}

	router.Process(context.Background(), &Transaction{
		Events: []*homeserver.Event{encryptedEvent(t, "$enc", "hello")},
	})

	assert.Empty(t, handler.received())
	engine := h.factory.Engine(h.hs.BotUserID)
	assert.Equal(t, []id.UserID{alice}, engine.Tracked())
	ops := engine.Log()
	assert.Greater(t, indexOf(ops, "OutgoingRequests"), indexOf(ops, "UpdateTrackedUsers"))
}

func TestRouterForwardsPlaintextInOrder(t *testing.T) {
	h := newHarness(t)
	router, handler := newTestRouter(h)

	router.Process(context.Background(), &Transaction{
		Events: []*homeserver.Event{
			{Type: event.EventMessage.Type, EventID: "$1", RoomID: room, Sender: alice, Content: json.RawMessage(`{"body":"one"}`)},
			encryptedEvent(t, "$2", "two"),
			{Type: event.EventMessage.Type, EventID: "$3", RoomID: room, Sender: alice, Content: json.RawMessage(`{"body":"three"}`)},
		},
	})

	var ids []id.EventID
	for _, ev := range handler.received() {
		ids = append(ids, ev.EventID)
	}
	assert.Equal(t, []id.EventID{"$1", "$2", "$3"}, ids)
}

func TestRouterSkipsEncryptedWithoutRoom(t *testing.T) {
	h := newHarness(t)
	router, handler := newTestRouter(h)
	ev := encryptedEvent(t, "$enc", "hello")
	ev.RoomID = ""

	router.Process(context.Background(), &Transaction{Events: []*homeserver.Event{ev}})
	assert.Empty(t, handler.received())
}

func countOps(ops []string, op string) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}
