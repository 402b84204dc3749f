// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package queue delivers ghost messages in order, one room at a time,
// with retries and a two-step fallback when delivery fails.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/process"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Sender delivers a room event as an intent, encrypting where needed.
type Sender interface {
	Send(ctx context.Context, intent homeserver.Intent, roomID id.RoomID, eventType string, content any) (id.EventID, error)
}

// Item is one outbound ghost message. It belongs to its room's queue.
type Item struct {
	ID       string
	RoomID   id.RoomID
	SenderID id.UserID
	Ghost    homeserver.Intent
	Text     string
	// Raw m.relates_to to attach, if any. An m.replace relation turns the
	// message into an edit.
	Relation json.RawMessage

	ItemState
}

type roomQueue struct {
	items   []*Item
	running bool
}

// Queue runs one worker per room with pending items. Items of a room are
// sent strictly in order and never concurrently; rooms are independent.
type Queue struct {
	process     *process.ProcessContext
	sender      Sender
	bot         homeserver.Intent
	vault       *Vault
	maxAttempts int

	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() time.Duration

	mu    sync.Mutex
	rooms map[id.RoomID]*roomQueue
	idle  *sync.Cond
	busy  int
}

func NewQueue(processCtx *process.ProcessContext, cfg *config.Queue, sender Sender, bot homeserver.Intent, vault *Vault) *Queue {
	q := &Queue{
		process:     processCtx,
		sender:      sender,
		bot:         bot,
		vault:       vault,
		maxAttempts: cfg.MaxAttempts,
		Sleep:       sleepContext,
		Jitter:      defaultJitter,
		rooms:       make(map[id.RoomID]*roomQueue),
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func defaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
}

// Backoff returns how long to wait before retry number attempts.
func (q *Queue) Backoff(attempts int) time.Duration {
	return time.Duration(1<<uint(attempts))*time.Second + q.Jitter()
}

// Enqueue appends a message to the room's queue and starts the room's
// worker if it is not running. It returns the item ID.
func (q *Queue) Enqueue(roomID id.RoomID, senderID id.UserID, ghost homeserver.Intent, text string, relation json.RawMessage) string {
	item := &Item{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		SenderID: senderID,
		Ghost:    ghost,
		Text:     text,
		Relation: relation,
	}

	q.mu.Lock()
	rq, ok := q.rooms[roomID]
	if !ok {
		rq = &roomQueue{}
		q.rooms[roomID] = rq
	}
	rq.items = append(rq.items, item)
	start := !rq.running
	if start {
		rq.running = true
		q.busy++
	}
	q.mu.Unlock()
	observeQueueDepth(1)

	if start {
		q.process.Go("queue "+string(roomID), func(ctx context.Context) error {
			q.run(ctx, roomID)
			return nil
		})
	}
	return item.ID
}

// Len returns the number of items queued for a room, including the one
// being sent.
func (q *Queue) Len(roomID id.RoomID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rq, ok := q.rooms[roomID]; ok {
		return len(rq.items)
	}
	return 0
}

// Wait blocks until every room's worker has emptied its queue.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.busy > 0 {
		q.idle.Wait()
	}
}

// head returns the room's next item, or nil after marking the worker
// stopped when the queue is empty.
func (q *Queue) head(roomID id.RoomID) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq := q.rooms[roomID]
	if len(rq.items) == 0 {
		rq.running = false
		delete(q.rooms, roomID)
		q.busy--
		q.idle.Broadcast()
		return nil
	}
	return rq.items[0]
}

func (q *Queue) pop(roomID id.RoomID) {
	q.mu.Lock()
	rq := q.rooms[roomID]
	rq.items[0] = nil
	rq.items = rq.items[1:]
	q.mu.Unlock()
	observeQueueDepth(-1)
}

func (q *Queue) run(ctx context.Context, roomID id.RoomID) {
	for item := q.head(roomID); item != nil; item = q.head(roomID) {
		q.deliver(ctx, item)
		q.pop(roomID)
	}
}

// deliver drives one item to a terminal state. The item stays at the head
// of its queue throughout, so later items wait for it.
func (q *Queue) deliver(ctx context.Context, item *Item) {
	logger := log.WithFields(log.Fields{
		"room_id": item.RoomID,
		"user_id": util.MaskUserID(item.Ghost.UserID()),
		"item_id": item.ID,
	})
	content, err := messageContent(item.Text, item.Relation)
	if err != nil {
		// No attempt as the ghost can succeed, but the text is still posted.
		item.ItemState = ItemState{State: FallbackBot, Attempts: item.Attempts}
		q.fallback(ctx, item, err, logger)
		return
	}
	for {
		_, sendErr := q.sender.Send(ctx, item.Ghost, item.RoomID, event.EventMessage.Type, content)
		item.ItemState = Transition(item.ItemState, sendErr, q.maxAttempts)
		switch item.State {
		case Delivered:
			outcomes.WithLabelValues(outcomeDelivered).Inc()
			return
		case Retrying:
			outcomes.WithLabelValues(outcomeRetried).Inc()
			wait := q.Backoff(item.Attempts)
			logger.WithError(sendErr).WithField("attempt", item.Attempts).Warnf("Transient send failure, retrying in %s", wait)
			if err = q.Sleep(ctx, wait); err != nil {
				// Shutting down: hand the item to the fallback ladder
				// rather than losing it.
				q.fallback(context.WithoutCancel(ctx), item, sendErr, logger)
				return
			}
		case FallbackBot:
			q.fallback(ctx, item, sendErr, logger)
			return
		}
	}
}

// fallback posts a notice as the bot and, if that fails too, keeps the
// message in the vault.
func (q *Queue) fallback(ctx context.Context, item *Item, cause error, logger *log.Entry) {
	logger.WithError(cause).Error("Delivery failed, posting notice as the bot")
	notice := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body: fmt.Sprintf("⚠️ Delivery Failed for %s:\n\n> %s\n\n(Error: %s)",
			item.Ghost.UserID(), item.Text, cause.Error()),
	}
	_, botErr := q.sender.Send(ctx, q.bot, item.RoomID, event.EventMessage.Type, &notice)
	item.ItemState = ResolveFallback(item.ItemState, botErr)
	if item.State != DeadLettered {
		outcomes.WithLabelValues(outcomeFallbackBot).Inc()
		return
	}

	outcomes.WithLabelValues(outcomeDeadLettered).Inc()
	logger.WithError(botErr).Error("Bot notice failed too, storing dead letter")
	q.vault.Add(&DeadLetter{
		ID:          item.ID,
		Timestamp:   q.vault.Now(),
		RoomID:      item.RoomID,
		GhostUserID: item.Ghost.UserID(),
		SenderID:    item.SenderID,
		Plaintext:   item.Text,
		ErrorReason: cause.Error(),
	})
	sentry.CaptureException(fmt.Errorf("dead letter %s in %s: %w", item.ID, item.RoomID, cause))
}

// messageContent builds the m.room.message content for text. A replace
// relation makes it an edit carrying the new text in m.new_content.
func messageContent(text string, relation json.RawMessage) (json.RawMessage, error) {
	if len(relation) > 0 && !gjson.ValidBytes(relation) {
		return nil, fmt.Errorf("invalid message relation %q", relation)
	}
	content := event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if event.RelationType(gjson.GetBytes(relation, "rel_type").String()) == event.RelReplace {
		content.Body = "* " + text
		content.NewContent = &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	}
	raw, err := json.Marshal(&content)
	if err != nil {
		return nil, err
	}
	if len(relation) > 0 {
		if raw, err = sjson.SetRawBytes(raw, `m\.relates_to`, relation); err != nil {
			return nil, err
		}
	}
	return raw, nil
}
