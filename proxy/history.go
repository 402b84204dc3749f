package proxy

import (
	"context"
	"strings"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ScrollbackLimit is how many recent events are searched for a target.
const ScrollbackLimit = 50

// Target is a proxied message a command acts on.
type Target struct {
	RootID id.EventID
	// Root is the event the target was found through: the root itself,
	// or an edit of it when a command replied to the edit.
	Root   *homeserver.Event
	Sender id.UserID
	// Latest is the newest text of the message after following edits.
	Latest string
}

// Resolver finds proxied messages in recent room history.
type Resolver struct {
	bot       homeserver.Intent
	decrypter Decrypter
}

// NewResolver returns a resolver reading history as bot. decrypter may be
// nil, in which case encrypted events are skipped.
func NewResolver(bot homeserver.Intent, decrypter Decrypter) *Resolver {
	return &Resolver{bot: bot, decrypter: decrypter}
}

// Resolve returns the message a command targets, or nil if there is none.
// isGhost tells the system's ghosts apart from everyone else. With replyTo
// set the target is that message, provided one of the system's ghosts
// sent it; otherwise it is the newest root message a
// ghost sent. Recency is by the root's position in history, so an older
// message that was edited recently does not win over a newer one.
func (r *Resolver) Resolve(ctx context.Context, roomID id.RoomID, replyTo id.EventID, isGhost func(id.UserID) bool) (*Target, error) {
	history, err := r.bot.Messages(ctx, roomID, ScrollbackLimit)
	if err != nil {
		return nil, err
	}
	// Events are decrypted at most once, and strictly one after another.
	revealed := make(map[id.EventID]*homeserver.Event, len(history))
	reveal := func(ev *homeserver.Event) *homeserver.Event {
		if c, ok := revealed[ev.EventID]; ok {
			return c
		}
		c := r.reveal(ctx, ev)
		revealed[ev.EventID] = c
		return c
	}
	fromGhost := func(ev *homeserver.Event) bool {
		return isGhost(ev.Sender)
	}

	var target *Target
	if replyTo != "" {
		ev := findEvent(history, replyTo)
		if ev == nil {
			if ev, err = r.bot.GetEvent(ctx, roomID, replyTo); err != nil {
				if homeserver.IsNotFound(err) {
					return nil, nil
				}
				return nil, err
			}
		}
		if !fromGhost(ev) || ev.IsRedacted() {
			return nil, nil
		}
		c := reveal(ev)
		if c == nil || !c.IsMessage() {
			return nil, nil
		}
		target = &Target{RootID: c.EventID, Root: c, Sender: c.Sender, Latest: messageText(c)}
		if c.RelType() == event.RelReplace {
			target.RootID = r.followEdits(ctx, roomID, history, c, reveal)
		}
	} else {
		for _, ev := range history {
			if !fromGhost(ev) || ev.IsRedacted() {
				continue
			}
			c := reveal(ev)
			if c == nil || !c.IsMessage() || !c.HasBody() || c.RelType() == event.RelReplace {
				continue
			}
			target = &Target{RootID: c.EventID, Root: c, Sender: c.Sender, Latest: c.Body()}
			break
		}
	}
	if target == nil {
		return nil, nil
	}

	if latest, ok := latestEdit(history, target, reveal); ok {
		target.Latest = latest
	}
	return target, nil
}

// followEdits walks an edit back to the message it ultimately edits.
func (r *Resolver) followEdits(ctx context.Context, roomID id.RoomID, history []*homeserver.Event, edit *homeserver.Event, reveal func(*homeserver.Event) *homeserver.Event) id.EventID {
	root := edit.RelatesTo()
	for hops := 0; hops < ScrollbackLimit; hops++ {
		ev := findEvent(history, root)
		if ev == nil {
			fetched, err := r.bot.GetEvent(ctx, roomID, root)
			if err != nil {
				return root
			}
			ev = fetched
		}
		c := reveal(ev)
		if c == nil || c.RelType() != event.RelReplace {
			return root
		}
		root = c.RelatesTo()
	}
	return root
}

// latestEdit returns the text of the newest edit in the target's chain.
// Edits of edits count as edits of the root. History is newest first, so
// it is walked oldest first to build the chain and the last hit wins.
func latestEdit(history []*homeserver.Event, target *Target, reveal func(*homeserver.Event) *homeserver.Event) (string, bool) {
	chain := map[id.EventID]struct{}{target.RootID: {}}
	var latest string
	found := false
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if ev.Sender != target.Sender || ev.IsRedacted() {
			continue
		}
		c := reveal(ev)
		if c == nil || c.RelType() != event.RelReplace {
			continue
		}
		if _, ok := chain[c.RelatesTo()]; !ok {
			continue
		}
		chain[c.EventID] = struct{}{}
		latest, found = messageText(c), true
	}
	return latest, found
}

// reveal returns the clear form of ev, or nil if it cannot be decrypted.
func (r *Resolver) reveal(ctx context.Context, ev *homeserver.Event) *homeserver.Event {
	if !ev.IsEncrypted() {
		return ev
	}
	if r.decrypter == nil {
		return nil
	}
	c, err := r.decrypter.Decrypt(ctx, ev)
	if err != nil {
		log.WithField("event_id", ev.EventID).WithError(err).Debug("Skipping undecryptable history event")
		return nil
	}
	return c
}

func findEvent(history []*homeserver.Event, eventID id.EventID) *homeserver.Event {
	for _, ev := range history {
		if ev.EventID == eventID {
			return ev
		}
	}
	return nil
}

// messageText is the displayed text of a message: the new content of an
// edit, or the body.
func messageText(ev *homeserver.Event) string {
	if ev.RelType() == event.RelReplace {
		if text := ev.NewContentBody(); text != "" {
			return text
		}
		return strings.TrimPrefix(ev.Body(), "* ")
	}
	return ev.Body()
}
