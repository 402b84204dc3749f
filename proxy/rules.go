package proxy

import (
	"context"
	"strings"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
)

// rule pairs a classifier with what to do about the events it claims. A
// nil handle means the event is deliberately ignored.
type rule struct {
	name   string
	match  func(ctx context.Context, ec *eventContext) bool
	handle func(ctx context.Context, ec *eventContext)
}

// Redaction reasons.
const (
	reasonProxy     = "PluralProxy"
	reasonZeroFlash = "ZeroFlash"
	reasonCommand   = "PluralCommand"
	reasonUser      = "UserRequest"
)

// deleteGlyphs are the reaction keys that delete a proxied message.
var deleteGlyphs = map[string]struct{}{
	"❌":   {},
	"x":   {},
	":x:": {},
}

func (h *Handler) defaultRules() []rule {
	return []rule{
		{name: "invite", match: h.isBotInvite, handle: h.acceptInvite},
		{name: "delete_reaction", match: isDeleteReaction, handle: h.deleteByReaction},
		{name: "encrypted", match: isUndecrypted},
		{name: "not_message", match: isNotMessage},
		{name: "edit_loop", match: h.isEditOfProxied},
		{name: "bridge_sender", match: h.isBridgeSender},
		{name: "zero_flash", match: isBlank, handle: h.zeroFlash},
		{name: "command", match: h.isCommand, handle: h.runCommand},
		{name: "escaped", match: isEscaped},
		{name: "proxy", match: h.matchesMember, handle: h.proxyMessage},
	}
}

func (h *Handler) isBotInvite(_ context.Context, ec *eventContext) bool {
	ev := ec.ev
	return ev.Type == event.StateMember.Type &&
		ev.StateKey != nil && *ev.StateKey == string(h.intents.Bot().UserID()) &&
		ev.Membership() == event.MembershipInvite
}

func (h *Handler) acceptInvite(ctx context.Context, ec *eventContext) {
	logger := log.WithField("room_id", ec.ev.RoomID)
	if err := h.intents.Bot().JoinRoom(ctx, ec.ev.RoomID); err != nil {
		logger.WithError(err).Error("Failed to accept invite")
		return
	}
	logger.Info("Joined room after invite")
}

func isDeleteReaction(_ context.Context, ec *eventContext) bool {
	if ec.ev.Type != event.EventReaction.Type || ec.ev.RelType() != event.RelAnnotation {
		return false
	}
	_, ok := deleteGlyphs[ec.ev.AnnotationKey()]
	return ok
}

// deleteByReaction removes a message when its author's system reacts to
// it with a delete glyph. Reactions to anything else are left alone.
func (h *Handler) deleteByReaction(ctx context.Context, ec *eventContext) {
	sys := h.system(ctx, ec)
	if sys == nil {
		return
	}
	ev := ec.ev
	target, err := h.intents.Bot().GetEvent(ctx, ev.RoomID, ev.RelatesTo())
	if err != nil {
		log.WithField("event_id", ev.RelatesTo()).WithError(err).Debug("Failed to fetch reaction target")
		return
	}
	if !h.isGhostOf(sys)(target.Sender) {
		return
	}
	_ = h.redactor.Redact(ctx, h.intents.Intent(target.Sender), ev.RoomID, target.EventID, reasonUser)
	_ = h.redactor.Redact(ctx, nil, ev.RoomID, ev.EventID, reasonUser)
}

// Undecrypted envelopes are picked up by the transaction router.
func isUndecrypted(_ context.Context, ec *eventContext) bool {
	return ec.ev.IsEncrypted()
}

func isNotMessage(_ context.Context, ec *eventContext) bool {
	return (!ec.ev.IsMessage() && !ec.ev.Decrypted) || !ec.ev.HasBody()
}

// isEditOfProxied stops edits of messages the bridge already replaced
// from being proxied a second time.
func (h *Handler) isEditOfProxied(ctx context.Context, ec *eventContext) bool {
	if ec.editOf == "" {
		return false
	}
	original, err := h.intents.Bot().GetEvent(ctx, ec.ev.RoomID, ec.editOf)
	if err != nil {
		log.WithField("event_id", ec.editOf).WithError(err).Debug("Failed to fetch edited event")
		return false
	}
	redactor := original.RedactedBy()
	return redactor != "" && h.cfg.IsBridgeUser(redactor)
}

func (h *Handler) isBridgeSender(_ context.Context, ec *eventContext) bool {
	return h.cfg.IsBridgeUser(ec.ev.Sender)
}

func isBlank(_ context.Context, ec *eventContext) bool {
	return strings.TrimSpace(ec.body) == ""
}

// zeroFlash removes messages a client emptied before sending.
func (h *Handler) zeroFlash(ctx context.Context, ec *eventContext) {
	log.WithFields(log.Fields{
		"room_id":  ec.ev.RoomID,
		"event_id": ec.ev.EventID,
	}).Debug("Redacting empty message")
	_ = h.redactor.Redact(ctx, nil, ec.ev.RoomID, ec.ev.EventID, reasonZeroFlash)
}

func isEscaped(_ context.Context, ec *eventContext) bool {
	return strings.HasPrefix(ec.body, `\`)
}

func (h *Handler) matchesMember(ctx context.Context, ec *eventContext) bool {
	sys := h.system(ctx, ec)
	if sys == nil {
		return false
	}
	_, ok := sys.Match(ec.body)
	return ok
}

// proxyMessage replaces the original message, and the message it edits,
// with one sent by the member's ghost.
func (h *Handler) proxyMessage(ctx context.Context, ec *eventContext) {
	sys := ec.sys
	match, _ := sys.Match(ec.body)
	ev := ec.ev
	logger := log.WithFields(log.Fields{
		"room_id":   ev.RoomID,
		"user_id":   util.MaskUserID(ev.Sender),
		"member":    match.Member.Slug,
		"autoproxy": match.Autoproxy,
	})
	logger.Info("Proxying message")

	_ = h.redactor.Redact(ctx, nil, ev.RoomID, ev.EventID, reasonProxy)
	relation := ev.Relation()
	if ec.editOf != "" {
		_ = h.redactor.Redact(ctx, nil, ev.RoomID, ec.editOf, reasonProxy)
		// A proxied edit becomes a fresh message.
		relation = nil
	}
	if err := h.proxier.Send(ctx, ev.RoomID, ev.Sender, sys, match.Member, match.Content, relation); err != nil {
		logger.WithError(err).Error("Failed to proxy message")
	}
}
