// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"context"
	"encoding/json"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/id"
)

// EventHandler consumes timeline events once key material is in place.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *homeserver.Event)
}

// Router processes appservice transactions: key material first, then
// timeline events.
type Router struct {
	manager    *Manager
	dispatcher *Dispatcher
	decrypter  *Decrypter
	intents    Intents
	botUserID  id.UserID
	handler    EventHandler
}

func NewRouter(manager *Manager, dispatcher *Dispatcher, decrypter *Decrypter, intents Intents, botUserID id.UserID, handler EventHandler) *Router {
	return &Router{
		manager:    manager,
		dispatcher: dispatcher,
		decrypter:  decrypter,
		intents:    intents,
		botUserID:  botUserID,
		handler:    handler,
	}
}

// Process handles one transaction. Every to-device event is fed to its
// target's engine before any timeline event is looked at, because the
// timeline may need keys delivered in the same transaction.
func (r *Router) Process(ctx context.Context, txn *Transaction) {
	touched := r.routeToDevice(ctx, txn.ToDevice)
	for _, userID := range touched {
		r.drain(ctx, userID)
	}

	anyEncrypted := false
	for _, ev := range txn.Events {
		if ev.IsEncrypted() {
			anyEncrypted = true
			if ev.RoomID != "" {
				r.routeEncrypted(ctx, ev)
			}
			continue
		}
		r.handler.HandleEvent(ctx, ev)
	}
	if anyEncrypted {
		r.drain(ctx, r.botUserID)
	}
}

func (r *Router) routeToDevice(ctx context.Context, events []json.RawMessage) []id.UserID {
	var touched []id.UserID
	seen := make(map[id.UserID]struct{})
	for _, raw := range events {
		target := id.UserID(gjson.GetBytes(raw, "to_user_id").String())
		if target == "" {
			continue
		}
		if _, ok := seen[target]; !ok {
			seen[target] = struct{}{}
			touched = append(touched, target)
		}
		logger := log.WithFields(log.Fields{
			"user_id": util.MaskUserID(target),
			"type":    gjson.GetBytes(raw, "type").String(),
		})
		engine, err := r.manager.Engine(ctx, target)
		if err != nil {
			logger.WithError(err).Error("Failed to route to-device event")
			continue
		}
		clientEvent, err := sjson.DeleteBytes(raw, "to_user_id")
		if err != nil {
			logger.WithError(err).Error("Failed to normalise to-device event")
			continue
		}
		if err = engine.ReceiveSyncChanges(ctx, api.SyncChanges{ToDevice: []json.RawMessage{clientEvent}}); err != nil {
			logger.WithError(err).Error("Failed to route to-device event")
		}
	}
	return touched
}

func (r *Router) routeEncrypted(ctx context.Context, ev *homeserver.Event) {
	clear, err := r.decrypter.Decrypt(ctx, ev)
	if err != nil {
		log.WithFields(log.Fields{
			"event_id": ev.EventID,
			"room_id":  ev.RoomID,
			"sender":   util.MaskUserID(ev.Sender),
		}).WithError(err).Warn("Decryption failed, requesting sender keys")
		if err = r.decrypter.TrackSender(ctx, ev.Sender); err != nil {
			log.WithError(err).Debug("Failed to track sender")
			return
		}
		r.drain(ctx, r.botUserID)
		return
	}
	r.handler.HandleEvent(ctx, clear)
}

func (r *Router) drain(ctx context.Context, userID id.UserID) {
	engine, err := r.manager.Engine(ctx, userID)
	if err != nil {
		log.WithField("user_id", util.MaskUserID(userID)).WithError(err).Error("Failed to open session engine")
		return
	}
	if err = r.dispatcher.Drain(ctx, engine, r.intents.Intent(userID)); err != nil {
		log.WithField("user_id", util.MaskUserID(userID)).WithError(err).Error("Failed to drain session engine requests")
		sentry.CaptureException(err)
	}
}
