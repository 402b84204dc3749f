// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package gatekeeper decides, before the homeserver stores a message,
// whether the message is about to be proxied and should never be shown.
package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/process"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionBlock Action = "BLOCK"
)

// CheckRequest is posted by the homeserver module for every message
// before it is persisted.
type CheckRequest struct {
	EventID          id.EventID      `json:"event_id"`
	Sender           id.UserID       `json:"sender"`
	RoomID           id.RoomID       `json:"room_id"`
	BotID            id.UserID       `json:"bot_id,omitempty"`
	Content          json.RawMessage `json:"content,omitempty"`
	EncryptedPayload json.RawMessage `json:"encrypted_payload,omitempty"`
	OriginServerTS   int64           `json:"origin_server_ts,omitempty"`
	Type             string          `json:"type,omitempty"`
}

type CheckResponse struct {
	Action Action `json:"action"`
}

var errInvalidRequest = errors.New("invalid check request")

// Validate checks the request has the shape the module promises.
func (r *CheckRequest) Validate() error {
	if !strings.HasPrefix(string(r.Sender), "@") {
		return fmt.Errorf("%w: sender %q", errInvalidRequest, r.Sender)
	}
	if !strings.HasPrefix(string(r.RoomID), "!") {
		return fmt.Errorf("%w: room_id %q", errInvalidRequest, r.RoomID)
	}
	if len(r.Content) > 0 && string(r.Content) != "null" {
		var content struct {
			Body    *string `json:"body"`
			MsgType *string `json:"msgtype"`
		}
		if err := json.Unmarshal(r.Content, &content); err != nil {
			return fmt.Errorf("%w: content: %s", errInvalidRequest, err)
		}
	}
	return nil
}

// Decrypter opens an encrypted payload as the bridge.
type Decrypter interface {
	Decrypt(ctx context.Context, ev *homeserver.Event) (*homeserver.Event, error)
}

// Sender delivers a message as a member's ghost.
type Sender interface {
	Send(ctx context.Context, roomID id.RoomID, sender id.UserID, sys *api.System, m *api.Member, text string, relation json.RawMessage) error
}

type Gatekeeper struct {
	cfg       *config.Gatekeeper
	global    *config.Global
	systems   api.SystemInternalAPI
	decrypter Decrypter
	sender    Sender
	process   *process.ProcessContext

	Sleep func(ctx context.Context, d time.Duration) error
}

// NewGatekeeper returns a gatekeeper. decrypter may be nil, in which case
// encrypted payloads are always allowed.
func NewGatekeeper(
	processCtx *process.ProcessContext,
	cfg *config.Gatekeeper, global *config.Global,
	systems api.SystemInternalAPI, decrypter Decrypter, sender Sender,
) *Gatekeeper {
	return &Gatekeeper{
		cfg:       cfg,
		global:    global,
		systems:   systems,
		decrypter: decrypter,
		sender:    sender,
		process:   processCtx,
		Sleep:     sleepContext,
	}
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

// Check decides whether req may be stored. Every failure allows the
// message through.
func (g *Gatekeeper) Check(ctx context.Context, req *CheckRequest) Action {
	action, reason := g.check(ctx, req)
	decisions.WithLabelValues(string(action), reason).Inc()
	return action
}

func (g *Gatekeeper) check(ctx context.Context, req *CheckRequest) (Action, string) {
	logger := log.WithFields(log.Fields{
		"room_id":  req.RoomID,
		"event_id": req.EventID,
		"user_id":  util.MaskUserID(req.Sender),
	})
	if err := req.Validate(); err != nil {
		logger.WithError(err).Warn("Allowing malformed check request")
		return ActionAllow, "invalid"
	}
	if g.global.IsBridgeUser(req.Sender) || (req.BotID != "" && req.Sender == req.BotID) {
		return ActionAllow, "bridge_sender"
	}

	content := req.Content
	encrypted := false
	if (len(content) == 0 || string(content) == "null") && len(req.EncryptedPayload) > 0 {
		encrypted = true
		opened, err := g.decrypt(ctx, req)
		if err != nil {
			logger.WithError(err).Warn("Allowing message that could not be decrypted")
			return ActionAllow, "undecryptable"
		}
		content = opened.Content
	}
	if len(content) == 0 {
		return ActionAllow, "no_content"
	}

	ev := &homeserver.Event{Type: event.EventMessage.Type, RoomID: req.RoomID, Sender: req.Sender, Content: content}
	body := ev.Body()
	// Edits need their original removed, which only the event handler does.
	if ev.RelType() == event.RelReplace {
		return ActionAllow, "edit"
	}
	if strings.HasPrefix(body, "\\") || strings.HasPrefix(strings.ToLower(body), strings.ToLower(g.global.CommandPrefix)) {
		return ActionAllow, "bypass"
	}

	sys, err := g.systems.SystemForAccount(ctx, req.Sender)
	if err != nil {
		logger.WithError(err).Error("Failed to load proxy rules")
		return ActionAllow, "error"
	}
	if sys == nil {
		return ActionAllow, "no_system"
	}
	match, ok := sys.Match(body)
	if !ok {
		return ActionAllow, "no_match"
	}

	if encrypted {
		// The bridge sends once it decrypts the event from its own sync.
		return ActionBlock, "encrypted_match"
	}
	relation := ev.Relation()
	roomID, sender, member, text := req.RoomID, req.Sender, match.Member, match.Content
	g.process.Go("gatekeeper.send", func(ctx context.Context) error {
		if err := g.sender.Send(ctx, roomID, sender, sys, member, text, relation); err != nil {
			return fmt.Errorf("send as %s: %w", member.Slug, err)
		}
		return nil
	})
	logger.WithField("member", member.Slug).Info("Blocking proxied message")
	return ActionBlock, "match"
}

// decrypt retries because the room key may still be on its way to the
// bridge when the homeserver asks.
func (g *Gatekeeper) decrypt(ctx context.Context, req *CheckRequest) (*homeserver.Event, error) {
	if g.decrypter == nil {
		return nil, errors.New("no decrypter configured")
	}
	envelope := &homeserver.Event{
		Type:           event.EventEncrypted.Type,
		RoomID:         req.RoomID,
		EventID:        req.EventID,
		Sender:         req.Sender,
		OriginServerTS: req.OriginServerTS,
		Content:        req.EncryptedPayload,
	}
	attempts := g.cfg.DecryptAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var opened *homeserver.Event
		if opened, err = g.decrypter.Decrypt(ctx, envelope); err == nil {
			return opened, nil
		}
		if attempt == attempts {
			break
		}
		if sleepErr := g.Sleep(ctx, g.cfg.DecryptRetryInterval); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, fmt.Errorf("decrypt after %d attempts: %w", attempts, err)
}
