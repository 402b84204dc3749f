// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package proxy reacts to room events: it re-sends tagged messages as
// member ghosts, runs chat commands and cleans up after both.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/queue"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Intents hands out homeserver intents.
type Intents interface {
	Intent(userID id.UserID) homeserver.Intent
	Bot() homeserver.Intent
}

// GhostPreparer makes a member's ghost ready to speak in a room.
type GhostPreparer interface {
	PrepareGhost(ctx context.Context, roomID id.RoomID, m *api.Member, sys *api.System) (homeserver.Intent, error)
}

// Enqueuer accepts outbound ghost messages.
type Enqueuer interface {
	Enqueue(roomID id.RoomID, senderID id.UserID, ghost homeserver.Intent, text string, relation json.RawMessage) string
}

// Decrypter turns an m.room.encrypted event into its clear form.
type Decrypter interface {
	Decrypt(ctx context.Context, ev *homeserver.Event) (*homeserver.Event, error)
}

// Proxier sends text as a member's ghost through the delivery queue.
type Proxier struct {
	ghosts GhostPreparer
	queue  Enqueuer
}

func NewProxier(ghosts GhostPreparer, q Enqueuer) *Proxier {
	return &Proxier{ghosts: ghosts, queue: q}
}

// Send prepares the member's ghost in the room and queues the text. The
// message itself is delivered asynchronously.
func (p *Proxier) Send(ctx context.Context, roomID id.RoomID, sender id.UserID, sys *api.System, m *api.Member, text string, relation json.RawMessage) error {
	ghost, err := p.ghosts.PrepareGhost(ctx, roomID, m, sys)
	if err != nil {
		return fmt.Errorf("prepare ghost of %s: %w", m.Slug, err)
	}
	p.queue.Enqueue(roomID, sender, ghost, text, relation)
	return nil
}

// Handler is the bridge's event handler. Every event runs through an
// ordered list of rules and the first rule that matches handles it.
type Handler struct {
	cfg      *config.Global
	systems  api.SystemInternalAPI
	intents  Intents
	proxier  *Proxier
	queue    Enqueuer
	replies  queue.Sender
	redactor *Redactor
	resolver *Resolver

	rules    []rule
	commands map[string]*command
}

func NewHandler(
	cfg *config.Global,
	systems api.SystemInternalAPI,
	intents Intents,
	proxier *Proxier,
	q Enqueuer,
	replies queue.Sender,
	redactor *Redactor,
	resolver *Resolver,
) *Handler {
	h := &Handler{
		cfg:      cfg,
		systems:  systems,
		intents:  intents,
		proxier:  proxier,
		queue:    q,
		replies:  replies,
		redactor: redactor,
		resolver: resolver,
	}
	h.rules = h.defaultRules()
	h.commands = h.defaultCommands()
	return h
}

// eventContext carries what the rules learn about an event while it is
// being classified.
type eventContext struct {
	ev *homeserver.Event
	// body is the effective text: the new body for an edit.
	body string
	// editOf is the event an m.replace edit targets.
	editOf id.EventID

	sys       *api.System
	sysLoaded bool
	cmd       *parsedCommand
}

func (h *Handler) newEventContext(ev *homeserver.Event) *eventContext {
	ec := &eventContext{ev: ev, body: ev.Body()}
	if ev.RelType() == event.RelReplace {
		ec.editOf = ev.RelatesTo()
		if newBody := ev.NewContentBody(); newBody != "" {
			ec.body = newBody
		}
	}
	return ec
}

// system returns the sender's cached ruleset, or nil.
func (h *Handler) system(ctx context.Context, ec *eventContext) *api.System {
	if ec.sysLoaded {
		return ec.sys
	}
	ec.sysLoaded = true
	sys, err := h.systems.SystemForAccount(ctx, ec.ev.Sender)
	if err != nil {
		log.WithField("user_id", util.MaskUserID(ec.ev.Sender)).WithError(err).Error("Failed to load proxy rules")
		return nil
	}
	ec.sys = sys
	return sys
}

// isGhostOf matches the ghosts of sys on this server.
func (h *Handler) isGhostOf(sys *api.System) func(id.UserID) bool {
	return func(userID id.UserID) bool {
		return api.IsSystemGhost(h.cfg.GhostPrefix, sys, h.cfg.ServerName, userID)
	}
}

// HandleEvent implements crypto.EventHandler.
func (h *Handler) HandleEvent(ctx context.Context, ev *homeserver.Event) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "proxy.HandleEvent")
	defer span.Finish()
	span.SetTag("event_id", string(ev.EventID))
	span.SetTag("type", ev.Type)

	ec := h.newEventContext(ev)
	r := h.classify(ctx, ec)
	if r == nil {
		return
	}
	span.SetTag("rule", r.name)
	handledEvents.WithLabelValues(r.name).Inc()
	if r.handle != nil {
		r.handle(ctx, ec)
	}
}

// classify returns the first rule matching the event, or nil.
func (h *Handler) classify(ctx context.Context, ec *eventContext) *rule {
	for i := range h.rules {
		if h.rules[i].match(ctx, ec) {
			return &h.rules[i]
		}
	}
	return nil
}

func (h *Handler) reply(ctx context.Context, roomID id.RoomID, text string) {
	content := event.MessageEventContent{MsgType: event.MsgText, Body: text}
	h.sendReply(ctx, roomID, &content)
}

func (h *Handler) replyRich(ctx context.Context, roomID id.RoomID, markdown string) {
	h.sendReply(ctx, roomID, RichText(markdown))
}

func (h *Handler) sendReply(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) {
	if _, err := h.replies.Send(ctx, h.intents.Bot(), roomID, event.EventMessage.Type, content); err != nil {
		log.WithField("room_id", roomID).WithError(err).Error("Failed to send command reply")
	}
}

// hasCommandPrefix reports whether body starts with prefix, ignoring case.
func hasCommandPrefix(body, prefix string) bool {
	return len(body) >= len(prefix) && strings.EqualFold(body[:len(prefix)], prefix)
}
