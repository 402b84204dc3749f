package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Sender delivers room events, encrypting them when the room requires it.
type Sender struct {
	manager          *Manager
	dispatcher       *Dispatcher
	propagationDelay time.Duration
	sleep            SleepFunc
}

func NewSender(manager *Manager, dispatcher *Dispatcher, propagationDelay time.Duration) *Sender {
	return &Sender{
		manager:          manager,
		dispatcher:       dispatcher,
		propagationDelay: propagationDelay,
		sleep:            dispatcher.Sleep,
	}
}

// Send delivers content to roomID as the intent's user. In encrypted rooms
// keys are discovered, claimed and shared with every joined member before
// the event is encrypted. Any failure before the final send is returned;
// an encrypted room never falls back to plaintext.
func (s *Sender) Send(ctx context.Context, intent homeserver.Intent, roomID id.RoomID, eventType string, content any) (id.EventID, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "crypto.Send")
	defer span.Finish()
	span.SetTag("room_id", string(roomID))

	algorithm, err := homeserver.EncryptionAlgorithm(ctx, intent, roomID)
	if err != nil {
		return "", fmt.Errorf("crypto: read encryption state of %s: %w", roomID, err)
	}
	if algorithm != id.AlgorithmMegolmV1 {
		return intent.SendMessageEvent(ctx, roomID, eventType, content)
	}
	span.SetTag("encrypted", true)

	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("crypto: encode content: %w", err)
	}

	logger := log.WithFields(log.Fields{
		"user_id": util.MaskUserID(intent.UserID()),
		"room_id": roomID,
	})

	engine, err := s.manager.Engine(ctx, intent.UserID())
	if err != nil {
		return "", err
	}
	newDevice, err := s.dispatcher.RegisterDevice(ctx, intent, engine.DeviceID())
	if err != nil {
		return "", err
	}

	members, err := intent.JoinedMembers(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("crypto: joined members of %s: %w", roomID, err)
	}

	// Discovery: treat every member's device list as changed so that their
	// keys are queried.
	if err = engine.ReceiveSyncChanges(ctx, api.SyncChanges{
		DeviceLists: api.DeviceLists{Changed: members},
	}); err != nil {
		return "", fmt.Errorf("crypto: mark devices changed: %w", err)
	}
	if err = engine.UpdateTrackedUsers(ctx, members); err != nil {
		return "", fmt.Errorf("crypto: track users: %w", err)
	}
	if err = s.dispatcher.Drain(ctx, engine, intent); err != nil {
		return "", err
	}

	if newDevice && s.propagationDelay > 0 {
		logger.Debug("New device, waiting for homeserver propagation")
		if err = s.sleep(ctx, s.propagationDelay); err != nil {
			return "", err
		}
	}

	claim, err := engine.GetMissingSessions(ctx, members)
	if err != nil {
		return "", fmt.Errorf("crypto: missing sessions: %w", err)
	}
	if claim != nil {
		if err = s.dispatcher.DispatchOne(ctx, engine, intent, *claim); err != nil {
			return "", err
		}
		if err = s.dispatcher.Drain(ctx, engine, intent); err != nil {
			return "", err
		}
	}

	shares, err := engine.ShareRoomKey(ctx, roomID, members, api.DefaultEncryptionSettings())
	if err != nil {
		return "", fmt.Errorf("crypto: share room key: %w", err)
	}
	for _, req := range shares {
		if err = s.dispatcher.DispatchOne(ctx, engine, intent, req); err != nil {
			logger.WithError(err).WithField("request_id", req.ID).Warn("Failed to send room key")
		}
	}

	if err = s.dispatcher.Drain(ctx, engine, intent); err != nil {
		return "", err
	}

	encrypted, err := engine.EncryptRoomEvent(ctx, roomID, eventType, raw)
	if err != nil {
		return "", fmt.Errorf("crypto: encrypt: %w", err)
	}
	// Relations stay visible to the server so that edits and replies thread.
	if relation := gjson.GetBytes(raw, `m\.relates_to`); relation.Exists() {
		if encrypted, err = sjson.SetRawBytes(encrypted, `m\.relates_to`, []byte(relation.Raw)); err != nil {
			return "", fmt.Errorf("crypto: hoist relation: %w", err)
		}
	}
	return intent.SendMessageEvent(ctx, roomID, event.EventEncrypted.Type, json.RawMessage(encrypted))
}
