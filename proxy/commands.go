// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type parsedCommand struct {
	name string
	args []string
	// rest is the text after the subcommand with its spacing intact.
	rest string
}

// parseCommand splits "pk;edit some text" into its subcommand and
// arguments. The subcommand is lowercased.
func parseCommand(prefix, body string) (*parsedCommand, bool) {
	if !hasCommandPrefix(body, prefix) {
		return nil, false
	}
	text := strings.TrimLeft(body[len(prefix):], " \t\n")
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, false
	}
	rest := strings.TrimSpace(text[len(fields[0]):])
	return &parsedCommand{
		name: strings.ToLower(fields[0]),
		args: fields[1:],
		rest: rest,
	}, true
}

type command struct {
	name string
	run  func(ctx context.Context, ec *eventContext)
}

func (h *Handler) defaultCommands() map[string]*command {
	commands := make(map[string]*command)
	add := func(c *command, aliases ...string) {
		commands[c.name] = c
		for _, alias := range aliases {
			commands[alias] = c
		}
	}
	add(&command{name: "list", run: h.cmdList})
	add(&command{name: "link", run: h.cmdLink})
	add(&command{name: "unlink", run: h.cmdUnlink})
	add(&command{name: "member", run: h.cmdMember})
	add(&command{name: "autoproxy", run: h.cmdAutoproxy}, "auto", "ap")
	add(&command{name: "edit", run: h.cmdEdit}, "e")
	add(&command{name: "reproxy", run: h.cmdReproxy}, "rp")
	add(&command{name: "message", run: h.cmdMessage}, "msg", "m")
	return commands
}

// isCommand claims only known subcommands; anything else under the
// prefix is treated as an ordinary message.
func (h *Handler) isCommand(_ context.Context, ec *eventContext) bool {
	cmd, ok := parseCommand(h.cfg.CommandPrefix, ec.body)
	if !ok {
		return false
	}
	if _, known := h.commands[cmd.name]; !known {
		return false
	}
	ec.cmd = cmd
	return true
}

func (h *Handler) runCommand(ctx context.Context, ec *eventContext) {
	c := h.commands[ec.cmd.name]
	commandsRun.WithLabelValues(c.name).Inc()
	log.WithFields(log.Fields{
		"room_id": ec.ev.RoomID,
		"user_id": util.MaskUserID(ec.ev.Sender),
		"command": c.name,
	}).Debug("Running command")
	c.run(ctx, ec)
}

func (h *Handler) usage(ctx context.Context, ec *eventContext, syntax string) {
	h.reply(ctx, ec.ev.RoomID, "Usage: "+h.cfg.CommandPrefix+syntax)
}

func (h *Handler) cmdList(ctx context.Context, ec *eventContext) {
	sys := h.system(ctx, ec)
	if sys == nil || len(sys.Members) == 0 {
		h.reply(ctx, ec.ev.RoomID, "You don't have any alters registered yet.")
		return
	}
	h.replyRich(ctx, ec.ev.RoomID, memberList(sys))
}

func memberList(sys *api.System) string {
	members := append([]*api.Member(nil), sys.Members...)
	sort.SliceStable(members, func(i, j int) bool { return members[i].Slug < members[j].Slug })

	name := sys.Name
	if name == "" {
		name = "Your System"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "### %s Members\n", name)
	for i, m := range members {
		prefix := m.FirstPrefix()
		if prefix == "" {
			prefix = "None"
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "* **%s** - `%s` (id: `%s`)", m.Name, prefix, m.Slug)
	}
	return b.String()
}

func (h *Handler) cmdMember(ctx context.Context, ec *eventContext) {
	if len(ec.cmd.args) == 0 {
		h.usage(ctx, ec, "member <id>")
		return
	}
	slug := strings.ToLower(ec.cmd.args[0])
	var m *api.Member
	if sys := h.system(ctx, ec); sys != nil {
		m = sys.MemberBySlug(slug)
	}
	if m == nil {
		h.reply(ctx, ec.ev.RoomID, "No member found with ID: "+slug)
		return
	}
	h.replyRich(ctx, ec.ev.RoomID, memberCard(m))
}

func memberCard(m *api.Member) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Member Details: %s\n\n", m.Name)
	if m.Pronouns != "" {
		fmt.Fprintf(&b, "* **Pronouns:** %s\n", m.Pronouns)
	}
	if m.Color != "" {
		fmt.Fprintf(&b, "* **Color:** `#%s`\n", strings.TrimPrefix(m.Color, "#"))
	}
	if m.Description != "" {
		fmt.Fprintf(&b, "\n### Description\n%s\n\n", m.Description)
	}
	tags := make([]string, 0, len(m.ProxyTags))
	for _, tag := range m.ProxyTags {
		tags = append(tags, "`"+tag.Pattern()+"`")
	}
	list := strings.Join(tags, ", ")
	if list == "" {
		list = "None"
	}
	fmt.Fprintf(&b, "--- \n* **Proxy Tags:** %s", list)
	return b.String()
}

func (h *Handler) targetAccount(ctx context.Context, ec *eventContext, syntax string) (id.UserID, bool) {
	if len(ec.cmd.args) == 0 {
		h.usage(ctx, ec, syntax)
		return "", false
	}
	target, err := util.QualifyUserID(ec.cmd.args[0], h.cfg.ServerName)
	if err != nil {
		h.reply(ctx, ec.ev.RoomID, "That doesn't look like a valid user ID: "+ec.cmd.args[0])
		return "", false
	}
	return target, true
}

func (h *Handler) cmdLink(ctx context.Context, ec *eventContext) {
	target, ok := h.targetAccount(ctx, ec, "link <user>")
	if !ok {
		return
	}
	outcome, err := h.systems.LinkAccount(ctx, ec.ev.Sender, target)
	switch {
	case errors.Is(err, api.ErrLinkedWithMembers):
		h.reply(ctx, ec.ev.RoomID, fmt.Sprintf("%s already belongs to a system with members. Unlink it there first.", target))
	case err != nil:
		h.commandFailed(ctx, ec, err)
	case outcome == api.LinkSelf:
		h.reply(ctx, ec.ev.RoomID, "That's you! Your own account is already part of your system.")
	case outcome == api.LinkAlreadyPresent:
		h.reply(ctx, ec.ev.RoomID, fmt.Sprintf("%s is already linked to your system.", target))
	default:
		h.reply(ctx, ec.ev.RoomID, fmt.Sprintf("Linked %s to your system.", target))
	}
}

func (h *Handler) cmdUnlink(ctx context.Context, ec *eventContext) {
	target, ok := h.targetAccount(ctx, ec, "unlink <user>")
	if !ok {
		return
	}
	err := h.systems.UnlinkAccount(ctx, ec.ev.Sender, target)
	switch {
	case errors.Is(err, api.ErrCannotUnlinkPrimary):
		h.reply(ctx, ec.ev.RoomID, "You can't unlink your own primary account.")
	case errors.Is(err, api.ErrNotLinked):
		h.reply(ctx, ec.ev.RoomID, fmt.Sprintf("%s is not linked to your system.", target))
	case err != nil:
		h.commandFailed(ctx, ec, err)
	default:
		h.reply(ctx, ec.ev.RoomID, fmt.Sprintf("Unlinked %s from your system.", target))
	}
}

func (h *Handler) cmdAutoproxy(ctx context.Context, ec *eventContext) {
	if len(ec.cmd.args) == 0 {
		sys := h.system(ctx, ec)
		if sys == nil {
			h.reply(ctx, ec.ev.RoomID, "You don't have a system yet.")
			return
		}
		if m := sys.AutoproxyMember(); m != nil {
			h.reply(ctx, ec.ev.RoomID, fmt.Sprintf("Autoproxy is set to %s (%s).", m.Name, m.Slug))
			return
		}
		h.reply(ctx, ec.ev.RoomID, "Autoproxy is off.")
		return
	}

	slug := strings.ToLower(ec.cmd.args[0])
	if slug == "off" {
		slug = ""
	}
	m, err := h.systems.SetAutoproxy(ctx, ec.ev.Sender, slug)
	switch {
	case errors.Is(err, api.ErrMemberNotFound):
		h.reply(ctx, ec.ev.RoomID, "No member found with ID: "+slug)
	case err != nil:
		h.commandFailed(ctx, ec, err)
	case m == nil:
		h.reply(ctx, ec.ev.RoomID, "Autoproxy disabled.")
	default:
		h.reply(ctx, ec.ev.RoomID, fmt.Sprintf("Autoproxy set to %s.", m.Name))
	}
}

// resolveTarget finds the proxied message a command refers to: the one
// it replies to, or the sender's most recent one.
func (h *Handler) resolveTarget(ctx context.Context, ec *eventContext) (*Target, *api.System) {
	sys := h.system(ctx, ec)
	if sys == nil {
		return nil, nil
	}
	target, err := h.resolver.Resolve(ctx, ec.ev.RoomID, ec.ev.InReplyTo(), h.isGhostOf(sys))
	if err != nil {
		log.WithField("room_id", ec.ev.RoomID).WithError(err).Warn("Failed to resolve target message")
		return nil, sys
	}
	return target, sys
}

func (h *Handler) cmdEdit(ctx context.Context, ec *eventContext) {
	text := ec.cmd.rest
	if text == "" {
		h.usage(ctx, ec, "edit <new text>")
		return
	}
	target, _ := h.resolveTarget(ctx, ec)
	if target == nil {
		h.reply(ctx, ec.ev.RoomID, "Could not find a message to edit.")
		return
	}
	relation, _ := json.Marshal(&event.RelatesTo{Type: event.RelReplace, EventID: target.RootID})
	h.queue.Enqueue(ec.ev.RoomID, ec.ev.Sender, h.intents.Intent(target.Sender), text, relation)
	_ = h.redactor.Redact(ctx, nil, ec.ev.RoomID, ec.ev.EventID, reasonCommand)
}

func (h *Handler) cmdReproxy(ctx context.Context, ec *eventContext) {
	if len(ec.cmd.args) == 0 {
		h.usage(ctx, ec, "reproxy <member id>")
		return
	}
	slug := strings.ToLower(ec.cmd.args[0])
	target, sys := h.resolveTarget(ctx, ec)
	if sys == nil {
		h.reply(ctx, ec.ev.RoomID, "You don't have a system yet.")
		return
	}
	m := sys.MemberBySlug(slug)
	if m == nil {
		h.reply(ctx, ec.ev.RoomID, "No member found with ID: "+slug)
		return
	}
	if target == nil {
		h.reply(ctx, ec.ev.RoomID, "Could not find a message to reproxy.")
		return
	}

	roomID := ec.ev.RoomID
	_ = h.redactor.Redact(ctx, h.intents.Intent(target.Sender), roomID, target.RootID, reasonProxy)
	var relation json.RawMessage
	if target.Root != nil && target.Root.RelType() != event.RelReplace {
		relation = target.Root.Relation()
	}
	if err := h.proxier.Send(ctx, roomID, ec.ev.Sender, sys, m, target.Latest, relation); err != nil {
		log.WithField("room_id", roomID).WithError(err).Error("Failed to reproxy message")
	}
	_ = h.redactor.Redact(ctx, nil, roomID, ec.ev.EventID, reasonCommand)
}

func (h *Handler) cmdMessage(ctx context.Context, ec *eventContext) {
	if len(ec.cmd.args) == 0 {
		h.usage(ctx, ec, "message -delete")
		return
	}
	switch strings.ToLower(ec.cmd.args[0]) {
	case "-delete", "-d":
	default:
		h.usage(ctx, ec, "message -delete")
		return
	}
	target, _ := h.resolveTarget(ctx, ec)
	if target == nil {
		return
	}
	_ = h.redactor.Redact(ctx, h.intents.Intent(target.Sender), ec.ev.RoomID, target.RootID, reasonUser)
	_ = h.redactor.Redact(ctx, nil, ec.ev.RoomID, ec.ev.EventID, reasonCommand)
}

func (h *Handler) commandFailed(ctx context.Context, ec *eventContext, err error) {
	if errors.Is(err, api.ErrNoSystem) {
		h.reply(ctx, ec.ev.RoomID, "You don't have a system yet.")
		return
	}
	log.WithFields(log.Fields{
		"room_id": ec.ev.RoomID,
		"command": ec.cmd.name,
	}).WithError(err).Error("Command failed")
	h.reply(ctx, ec.ev.RoomID, "Something went wrong running that command.")
}
