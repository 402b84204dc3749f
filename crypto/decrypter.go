package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"maunium.net/go/mautrix/id"
)

// Decrypter decrypts room events with the bridge identity's engine.
type Decrypter struct {
	manager   *Manager
	botUserID id.UserID
}

func NewDecrypter(manager *Manager, botUserID id.UserID) *Decrypter {
	return &Decrypter{manager: manager, botUserID: botUserID}
}

// Decrypt returns the clear event for an m.room.encrypted envelope. Room,
// event ID, sender and unsigned data are taken from the envelope.
func (d *Decrypter) Decrypt(ctx context.Context, ev *homeserver.Event) (*homeserver.Event, error) {
	engine, err := d.manager.Engine(ctx, d.botUserID)
	if err != nil {
		return nil, err
	}
	envelope, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("crypto: encode envelope: %w", err)
	}
	decrypted, err := engine.DecryptRoomEvent(ctx, ev.RoomID, envelope)
	if err != nil {
		decryptions.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("crypto: decrypt %s: %w", ev.EventID, err)
	}
	if decrypted == nil || len(decrypted.Event) == 0 {
		decryptions.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("crypto: decrypt %s: engine returned no event", ev.EventID)
	}
	var opened homeserver.Event
	if err = json.Unmarshal(decrypted.Event, &opened); err != nil {
		decryptions.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("crypto: parse decrypted %s: %w", ev.EventID, err)
	}
	opened.RoomID = ev.RoomID
	opened.EventID = ev.EventID
	opened.Sender = ev.Sender
	opened.OriginServerTS = ev.OriginServerTS
	opened.Unsigned = ev.Unsigned
	opened.Decrypted = true
	decryptions.WithLabelValues("ok").Inc()
	return &opened, nil
}

// TrackSender asks the bridge engine to discover a sender's keys after a
// failed decryption.
func (d *Decrypter) TrackSender(ctx context.Context, sender id.UserID) error {
	engine, err := d.manager.Engine(ctx, d.botUserID)
	if err != nil {
		return err
	}
	return engine.UpdateTrackedUsers(ctx, []id.UserID{sender})
}
