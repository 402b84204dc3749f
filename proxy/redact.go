// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package proxy

import (
	"context"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/queue"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const permissionWarning = "⚠️ I don't have permission to redact (delete) messages in this room. " +
	"To enable high-fidelity proxying and 'Zero-Flash' cleanup, please promote me to a Moderator or give me 'Redact events' permissions."

// WarnedRooms remembers rooms that were told the bot cannot redact.
type WarnedRooms struct {
	rooms *cache.Cache
}

// NewWarnedRooms returns an empty set. Entries are forgotten after ttl so
// that a room that never fixed its permissions is eventually reminded; a
// zero ttl remembers them for the life of the process.
func NewWarnedRooms(ttl time.Duration) *WarnedRooms {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &WarnedRooms{rooms: cache.New(ttl, 10*time.Minute)}
}

// First records roomID and reports whether it was not already present.
func (w *WarnedRooms) First(roomID id.RoomID) bool {
	return w.rooms.Add(string(roomID), struct{}{}, cache.DefaultExpiration) == nil
}

// Forget removes roomID so the next failure warns again.
func (w *WarnedRooms) Forget(roomID id.RoomID) {
	w.rooms.Delete(string(roomID))
}

// Redactor removes events, preferring the identity that sent them and
// falling back to the bot.
type Redactor struct {
	bot    homeserver.Intent
	notice queue.Sender
	warned *WarnedRooms
}

func NewRedactor(bot homeserver.Intent, notice queue.Sender, warned *WarnedRooms) *Redactor {
	return &Redactor{bot: bot, notice: notice, warned: warned}
}

// Redact removes eventID. When as is set it is tried first. If the bot
// may not redact either, the room is warned once.
func (r *Redactor) Redact(ctx context.Context, as homeserver.Intent, roomID id.RoomID, eventID id.EventID, reason string) error {
	logger := log.WithFields(log.Fields{
		"room_id":  roomID,
		"event_id": eventID,
	})
	if as != nil && as.UserID() != r.bot.UserID() {
		_, err := as.RedactEvent(ctx, roomID, eventID, reason)
		if err == nil {
			return nil
		}
		logger.WithError(err).Debug("Sender could not redact, falling back to the bot")
	}

	_, err := r.bot.RedactEvent(ctx, roomID, eventID, reason)
	if err == nil {
		return nil
	}
	if !homeserver.IsForbidden(err) {
		logger.WithError(err).Error("Failed to redact event")
		return err
	}
	logger.Warn("Missing redaction permission")
	if r.warned.First(roomID) {
		content := event.MessageEventContent{MsgType: event.MsgNotice, Body: permissionWarning}
		if _, sendErr := r.notice.Send(ctx, r.bot, roomID, event.EventMessage.Type, &content); sendErr != nil {
			logger.WithError(sendErr).Error("Failed to warn room about redaction permission")
			r.warned.Forget(roomID)
		}
	}
	return err
}
