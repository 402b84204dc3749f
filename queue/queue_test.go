// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/process"
	"github.com/chiaracoetzee/pluralmatrix-sub000/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

const (
	room  = id.RoomID("!room:example.com")
	alice = id.UserID("@alice:example.com")
	ghost = id.UserID("@_plural_seraphim_lily:example.com")
)

type sendCall struct {
	userID  id.UserID
	roomID  id.RoomID
	content json.RawMessage
}

// scriptedSender fails sends according to fail and records every call.
type scriptedSender struct {
	mu    sync.Mutex
	calls []sendCall
	fail  func(call sendCall, n int) error
}

func (s *scriptedSender) Send(ctx context.Context, intent homeserver.Intent, roomID id.RoomID, eventType string, content any) (id.EventID, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	call := sendCall{userID: intent.UserID(), roomID: roomID, content: raw}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	n := len(s.calls)
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		if err = fail(call, n); err != nil {
			return "", err
		}
	}
	return "$sent", nil
}

func (s *scriptedSender) callsBy(userID id.UserID) []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sendCall
	for _, c := range s.calls {
		if c.userID == userID {
			out = append(out, c)
		}
	}
	return out
}

type queueHarness struct {
	hs     *test.Homeserver
	sender *scriptedSender
	vault  *Vault
	queue  *Queue

	mu     sync.Mutex
	sleeps []time.Duration
}

func newQueueHarness(t *testing.T) *queueHarness {
	t.Helper()
	cfg := &config.Queue{}
	cfg.Defaults()
	h := &queueHarness{
		hs:     test.NewHomeserver("example.com"),
		sender: &scriptedSender{},
		vault:  NewVault(cfg.DeadLetterTTL),
	}
	h.queue = NewQueue(process.NewProcessContext(), cfg, h.sender, h.hs.Bot(), h.vault)
	h.queue.Jitter = func() time.Duration { return 0 }
	h.queue.Sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *queueHarness) slept() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func forbidden() error {
	return &homeserver.MatrixError{Code: homeserver.ErrCodeForbidden, Message: "You are not allowed", StatusCode: http.StatusForbidden}
}

func TestQueueDelivers(t *testing.T) {
	h := newQueueHarness(t)
	h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "hello", nil)
	h.queue.Wait()

	calls := h.sender.callsBy(ghost)
	require.Len(t, calls, 1)
	assert.Equal(t, "m.text", gjson.GetBytes(calls[0].content, "msgtype").String())
	assert.Equal(t, "hello", gjson.GetBytes(calls[0].content, "body").String())
	assert.False(t, gjson.GetBytes(calls[0].content, `m\.relates_to`).Exists())
	assert.Equal(t, 0, h.queue.Len(room))
	assert.Empty(t, h.slept())
}

func TestQueueKeepsRelation(t *testing.T) {
	h := newQueueHarness(t)
	reply := json.RawMessage(`{"m.in_reply_to":{"event_id":"$orig"}}`)
	h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "hello", reply)
	edit := json.RawMessage(`{"rel_type":"m.replace","event_id":"$root"}`)
	h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "fixed", edit)
	h.queue.Wait()

	calls := h.sender.callsBy(ghost)
	require.Len(t, calls, 2)
	assert.Equal(t, "$orig", gjson.GetBytes(calls[0].content, `m\.relates_to.m\.in_reply_to.event_id`).String())
	assert.Equal(t, "* fixed", gjson.GetBytes(calls[1].content, "body").String())
	assert.Equal(t, "fixed", gjson.GetBytes(calls[1].content, `m\.new_content.body`).String())
	assert.Equal(t, "$root", gjson.GetBytes(calls[1].content, `m\.relates_to.event_id`).String())
}

func TestQueueFIFO(t *testing.T) {
	h := newQueueHarness(t)
	release := make(chan struct{})
	firstStarted := make(chan struct{})
	var secondStartedEarly bool
	var mu sync.Mutex
	resolved := false
	h.sender.fail = func(call sendCall, n int) error {
		body := gjson.GetBytes(call.content, "body").String()
		switch body {
		case "m1":
			close(firstStarted)
			<-release
			mu.Lock()
			resolved = true
			mu.Unlock()
		case "m2":
			mu.Lock()
			secondStartedEarly = !resolved
			mu.Unlock()
		}
		return nil
	}

	h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "m1", nil)
	h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "m2", nil)
	<-firstStarted
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.sender.callsBy(ghost), 1, "m2 must wait for m1")
	close(release)
	h.queue.Wait()

	calls := h.sender.callsBy(ghost)
	require.Len(t, calls, 2)
	assert.Equal(t, "m1", gjson.GetBytes(calls[0].content, "body").String())
	assert.Equal(t, "m2", gjson.GetBytes(calls[1].content, "body").String())
	assert.False(t, secondStartedEarly)
}

func TestQueueRoomsAreIndependent(t *testing.T) {
	h := newQueueHarness(t)
	release := make(chan struct{})
	h.sender.fail = func(call sendCall, n int) error {
		if call.roomID == room {
			<-release
		}
		return nil
	}
	h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "slow", nil)
	h.queue.Enqueue("!other:example.com", alice, h.hs.Intent(ghost), "fast", nil)

	assert.Eventually(t, func() bool {
		for _, c := range h.sender.callsBy(ghost) {
			if c.roomID == "!other:example.com" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	h.queue.Wait()
}

func TestQueueFatalErrorSkipsRetry(t *testing.T) {
	h := newQueueHarness(t)
	h.sender.fail = func(call sendCall, n int) error {
		if call.userID == ghost {
			return forbidden()
		}
		return nil
	}
	h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "hello", nil)
	h.queue.Wait()

	assert.Len(t, h.sender.callsBy(ghost), 1)
	bot := h.sender.callsBy(h.hs.BotUserID)
	require.Len(t, bot, 1)
	assert.Equal(t, "m.notice", gjson.GetBytes(bot[0].content, "msgtype").String())
	body := gjson.GetBytes(bot[0].content, "body").String()
	assert.Contains(t, body, "⚠️ Delivery Failed for "+string(ghost)+":\n\n> hello\n\n(Error: ")
	assert.Empty(t, h.slept())
	assert.Empty(t, h.vault.List(nil))
}

func TestQueueExhaustedRetries(t *testing.T) {
	h := newQueueHarness(t)
	h.sender.fail = func(call sendCall, n int) error {
		if call.userID == ghost {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "hello", nil)
	h.queue.Wait()

	assert.Len(t, h.sender.callsBy(ghost), 4)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, h.slept())
	assert.Len(t, h.sender.callsBy(h.hs.BotUserID), 1)
}

func TestQueueTransientThenSuccess(t *testing.T) {
	h := newQueueHarness(t)
	h.sender.fail = func(call sendCall, n int) error {
		if n == 1 {
			return errors.New("timeout")
		}
		return nil
	}
	h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "hello", nil)
	h.queue.Wait()

	assert.Len(t, h.sender.callsBy(ghost), 2)
	assert.Len(t, h.slept(), 1)
	assert.Empty(t, h.sender.callsBy(h.hs.BotUserID))
}

func TestQueueDeadLetter(t *testing.T) {
	h := newQueueHarness(t)
	h.sender.fail = func(call sendCall, n int) error {
		return forbidden()
	}
	itemID := h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "hello", nil)
	h.queue.Wait()

	letters := h.vault.List(nil)
	require.Len(t, letters, 1)
	dl := letters[0]
	assert.Equal(t, itemID, dl.ID)
	assert.Equal(t, room, dl.RoomID)
	assert.Equal(t, ghost, dl.GhostUserID)
	assert.Equal(t, alice, dl.SenderID)
	assert.Equal(t, "hello", dl.Plaintext)
	assert.Contains(t, dl.ErrorReason, "You are not allowed")
}

func TestQueueUnusableRelationFallsBack(t *testing.T) {
	bad := json.RawMessage(`{"m.in_reply_to":`)

	t.Run("bot notice", func(t *testing.T) {
		h := newQueueHarness(t)
		h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "hello", bad)
		h.queue.Wait()

		assert.Empty(t, h.sender.callsBy(ghost))
		notices := h.sender.callsBy(h.hs.BotUserID)
		require.Len(t, notices, 1)
		assert.Equal(t, "m.notice", gjson.GetBytes(notices[0].content, "msgtype").String())
		assert.Contains(t, gjson.GetBytes(notices[0].content, "body").String(), "hello")
		assert.Empty(t, h.vault.List(nil))
	})

	t.Run("dead letter", func(t *testing.T) {
		h := newQueueHarness(t)
		h.sender.fail = func(call sendCall, n int) error { return forbidden() }
		itemID := h.queue.Enqueue(room, alice, h.hs.Intent(ghost), "hello", bad)
		h.queue.Wait()

		letters := h.vault.List(nil)
		require.Len(t, letters, 1)
		assert.Equal(t, itemID, letters[0].ID)
		assert.Equal(t, "hello", letters[0].Plaintext)
		assert.Contains(t, letters[0].ErrorReason, "invalid message relation")
	})
}
