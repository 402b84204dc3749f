package homeserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Intent is the homeserver API surface available to one identity.
type Intent interface {
	UserID() id.UserID

	EnsureRegistered(ctx context.Context) error
	LoginDevice(ctx context.Context, deviceID id.DeviceID, displayName string) error
	SetDisplayName(ctx context.Context, displayName string) error
	SetAvatarURL(ctx context.Context, avatarURL string) error

	JoinRoom(ctx context.Context, roomID id.RoomID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)

	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (id.EventID, error)
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any) (id.EventID, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) (id.EventID, error)

	StateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (json.RawMessage, error)
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*Event, error)
	// Messages returns up to limit of the most recent events, newest first.
	Messages(ctx context.Context, roomID id.RoomID, limit int) ([]*Event, error)
	Sync(ctx context.Context, filter string) (*SyncResponse, error)

	// CryptoRequest performs a raw key-management call as a specific device.
	CryptoRequest(ctx context.Context, method, path string, body []byte, deviceID id.DeviceID) ([]byte, error)
}

type intent struct {
	client *Client
	userID id.UserID
}

func (i *intent) UserID() id.UserID { return i.userID }

func (i *intent) do(ctx context.Context, r request) ([]byte, error) {
	r.userID = i.userID
	return i.client.do(ctx, r)
}

// EnsureRegistered registers the user in the appservice namespace. An
// already-registered user is not an error.
func (i *intent) EnsureRegistered(ctx context.Context) error {
	localpart, _, err := i.userID.Parse()
	if err != nil {
		return fmt.Errorf("homeserver: invalid user ID %q: %w", i.userID, err)
	}
	_, err = i.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/_matrix/client/v3/register",
		body: map[string]any{
			"type":     "m.login.application_service",
			"username": localpart,
		},
	})
	if err != nil && !IsMatrixError(err, ErrCodeUserInUse) {
		return fmt.Errorf("homeserver: register %s: %w", i.userID, err)
	}
	return nil
}

// LoginDevice creates (or reuses) a device for the user via appservice login.
func (i *intent) LoginDevice(ctx context.Context, deviceID id.DeviceID, displayName string) error {
	_, err := i.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/_matrix/client/v3/login",
		body: map[string]any{
			"type": "m.login.application_service",
			"identifier": map[string]string{
				"type": "m.id.user",
				"user": string(i.userID),
			},
			"device_id":                   deviceID,
			"initial_device_display_name": displayName,
		},
	})
	if err != nil {
		return fmt.Errorf("homeserver: login %s/%s: %w", i.userID, deviceID, err)
	}
	return nil
}

func (i *intent) SetDisplayName(ctx context.Context, displayName string) error {
	_, err := i.do(ctx, request{
		method: http.MethodPut,
		path:   "/_matrix/client/v3/profile/" + url.PathEscape(string(i.userID)) + "/displayname",
		body:   map[string]string{"displayname": displayName},
	})
	return err
}

func (i *intent) SetAvatarURL(ctx context.Context, avatarURL string) error {
	_, err := i.do(ctx, request{
		method: http.MethodPut,
		path:   "/_matrix/client/v3/profile/" + url.PathEscape(string(i.userID)) + "/avatar_url",
		body:   map[string]string{"avatar_url": avatarURL},
	})
	return err
}

func (i *intent) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := i.do(ctx, request{method: http.MethodPost, path: roomPath(roomID, "join"), body: struct{}{}})
	return err
}

func (i *intent) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := i.do(ctx, request{
		method: http.MethodPost,
		path:   roomPath(roomID, "invite"),
		body:   map[string]id.UserID{"user_id": userID},
	})
	return err
}

func (i *intent) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := i.do(ctx, request{method: http.MethodPost, path: roomPath(roomID, "leave"), body: struct{}{}})
	return err
}

func (i *intent) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	body, err := i.do(ctx, request{method: http.MethodGet, path: "/_matrix/client/v3/joined_rooms"})
	if err != nil {
		return nil, err
	}
	var resp struct {
		JoinedRooms []id.RoomID `json:"joined_rooms"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse joined_rooms: %w", err)
	}
	return resp.JoinedRooms, nil
}

func (i *intent) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	body, err := i.do(ctx, request{method: http.MethodGet, path: roomPath(roomID, "joined_members")})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Joined map[id.UserID]json.RawMessage `json:"joined"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse joined_members: %w", err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

type eventIDResponse struct {
	EventID id.EventID `json:"event_id"`
}

func (i *intent) sendForEventID(ctx context.Context, r request) (id.EventID, error) {
	body, err := i.do(ctx, r)
	if err != nil {
		return "", err
	}
	var resp eventIDResponse
	if err = json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("homeserver: failed to parse event_id: %w", err)
	}
	return resp.EventID, nil
}

func (i *intent) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (id.EventID, error) {
	return i.sendForEventID(ctx, request{
		method: http.MethodPut,
		path:   roomPath(roomID, "send", eventType, uuid.NewString()),
		body:   content,
	})
}

func (i *intent) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any) (id.EventID, error) {
	return i.sendForEventID(ctx, request{
		method: http.MethodPut,
		path:   roomPath(roomID, "state", eventType, stateKey),
		body:   content,
	})
}

func (i *intent) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) (id.EventID, error) {
	content := map[string]string{}
	if reason != "" {
		content["reason"] = reason
	}
	return i.sendForEventID(ctx, request{
		method: http.MethodPut,
		path:   roomPath(roomID, "redact", string(eventID), uuid.NewString()),
		body:   content,
	})
}

func (i *intent) StateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (json.RawMessage, error) {
	body, err := i.do(ctx, request{method: http.MethodGet, path: roomPath(roomID, "state", eventType, stateKey)})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (i *intent) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*Event, error) {
	body, err := i.do(ctx, request{method: http.MethodGet, path: roomPath(roomID, "event", string(eventID))})
	if err != nil {
		return nil, err
	}
	var ev Event
	if err = json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse event: %w", err)
	}
	if ev.RoomID == "" {
		ev.RoomID = roomID
	}
	return &ev, nil
}

func (i *intent) Messages(ctx context.Context, roomID id.RoomID, limit int) ([]*Event, error) {
	body, err := i.do(ctx, request{
		method: http.MethodGet,
		path:   roomPath(roomID, "messages"),
		query:  url.Values{"dir": {"b"}, "limit": {strconv.Itoa(limit)}},
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Chunk []*Event `json:"chunk"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse messages: %w", err)
	}
	for _, ev := range resp.Chunk {
		if ev.RoomID == "" {
			ev.RoomID = roomID
		}
	}
	return resp.Chunk, nil
}

func (i *intent) Sync(ctx context.Context, filter string) (*SyncResponse, error) {
	query := url.Values{"timeout": {"0"}}
	if filter != "" {
		query.Set("filter", filter)
	}
	body, err := i.do(ctx, request{method: http.MethodGet, path: "/_matrix/client/v3/sync", query: query})
	if err != nil {
		return nil, err
	}
	var resp SyncResponse
	if err = json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse sync: %w", err)
	}
	return &resp, nil
}

func (i *intent) CryptoRequest(ctx context.Context, method, path string, body []byte, deviceID id.DeviceID) ([]byte, error) {
	return i.client.do(ctx, request{
		method:   method,
		path:     path,
		userID:   i.userID,
		deviceID: deviceID,
		rawBody:  body,
	})
}

// EncryptionAlgorithm returns the room's m.room.encryption algorithm, or ""
// when the room is not encrypted.
func EncryptionAlgorithm(ctx context.Context, in Intent, roomID id.RoomID) (id.Algorithm, error) {
	raw, err := in.StateEvent(ctx, roomID, event.StateEncryption.Type, "")
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	var content event.EncryptionEventContent
	if err = json.Unmarshal(raw, &content); err != nil {
		return "", fmt.Errorf("homeserver: failed to parse encryption state: %w", err)
	}
	return content.Algorithm, nil
}
