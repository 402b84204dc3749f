// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package test contains in-memory fakes shared by package tests.
package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Call records one request made through a fake intent.
type Call struct {
	UserID    id.UserID
	Method    string
	RoomID    id.RoomID
	EventID   id.EventID
	EventType string
	Content   json.RawMessage
	Reason    string
	Path      string
	DeviceID  id.DeviceID
}

// Homeserver is an in-memory homeserver. Hooks, when set, are consulted
// before the default behaviour and can fail a call.
type Homeserver struct {
	ServerName string
	BotUserID  id.UserID

	mu        sync.Mutex
	calls     []Call
	nextID    int
	encrypted map[id.RoomID]bool
	members   map[id.RoomID][]id.UserID
	history   map[id.RoomID][]*homeserver.Event
	events    map[id.EventID]*homeserver.Event
	invites   []id.RoomID

	SendHook   func(call Call) error
	RedactHook func(call Call) error
	JoinHook   func(call Call) error
	StateHook  func(call Call) error
	LoginHook  func(call Call) error
	CryptoHook func(call Call) ([]byte, error)
}

func NewHomeserver(serverName string) *Homeserver {
	return &Homeserver{
		ServerName: serverName,
		BotUserID:  id.NewUserID("plural_bot", serverName),
		encrypted:  make(map[id.RoomID]bool),
		members:    make(map[id.RoomID][]id.UserID),
		history:    make(map[id.RoomID][]*homeserver.Event),
		events:     make(map[id.EventID]*homeserver.Event),
	}
}

// Intent implements crypto.Intents.
func (h *Homeserver) Intent(userID id.UserID) homeserver.Intent {
	return &fakeIntent{hs: h, userID: userID}
}

func (h *Homeserver) Bot() homeserver.Intent {
	return h.Intent(h.BotUserID)
}

func (h *Homeserver) SetEncrypted(roomID id.RoomID, encrypted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.encrypted[roomID] = encrypted
}

func (h *Homeserver) SetMembers(roomID id.RoomID, members ...id.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[roomID] = members
}

func (h *Homeserver) AddInvite(roomID id.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invites = append(h.invites, roomID)
}

// AddEvent appends an event to its room's history, assigning an event ID
// if it has none.
func (h *Homeserver) AddEvent(ev *homeserver.Event) *homeserver.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addEventLocked(ev)
}

func (h *Homeserver) addEventLocked(ev *homeserver.Event) *homeserver.Event {
	h.nextID++
	if ev.EventID == "" {
		ev.EventID = id.EventID(fmt.Sprintf("$ev%d", h.nextID))
	}
	if ev.OriginServerTS == 0 {
		ev.OriginServerTS = int64(h.nextID)
	}
	h.history[ev.RoomID] = append(h.history[ev.RoomID], ev)
	h.events[ev.EventID] = ev
	return ev
}

// Calls returns every recorded call with the given method name, or every
// call if method is empty.
func (h *Homeserver) Calls(method string) []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Call
	for _, c := range h.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Event returns a stored event.
func (h *Homeserver) Event(eventID id.EventID) *homeserver.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[eventID]
}

func (h *Homeserver) record(c Call) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, c)
}

func forbidden() error {
	return &homeserver.MatrixError{Code: homeserver.ErrCodeForbidden, Message: "forbidden", StatusCode: http.StatusForbidden}
}

func notFound() error {
	return &homeserver.MatrixError{Code: homeserver.ErrCodeNotFound, Message: "not found", StatusCode: http.StatusNotFound}
}

// Forbidden is a ready-made permission error for hooks.
var Forbidden = forbidden

type fakeIntent struct {
	hs     *Homeserver
	userID id.UserID
}

func (i *fakeIntent) UserID() id.UserID { return i.userID }

func (i *fakeIntent) EnsureRegistered(ctx context.Context) error {
	i.hs.record(Call{UserID: i.userID, Method: "EnsureRegistered"})
	return nil
}

func (i *fakeIntent) LoginDevice(ctx context.Context, deviceID id.DeviceID, displayName string) error {
	c := Call{UserID: i.userID, Method: "LoginDevice", DeviceID: deviceID}
	i.hs.record(c)
	if i.hs.LoginHook != nil {
		return i.hs.LoginHook(c)
	}
	return nil
}

func (i *fakeIntent) SetDisplayName(ctx context.Context, displayName string) error {
	i.hs.record(Call{UserID: i.userID, Method: "SetDisplayName", Reason: displayName})
	return nil
}

func (i *fakeIntent) SetAvatarURL(ctx context.Context, avatarURL string) error {
	i.hs.record(Call{UserID: i.userID, Method: "SetAvatarURL", Reason: avatarURL})
	return nil
}

func (i *fakeIntent) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	c := Call{UserID: i.userID, Method: "JoinRoom", RoomID: roomID}
	i.hs.record(c)
	if i.hs.JoinHook != nil {
		if err := i.hs.JoinHook(c); err != nil {
			return err
		}
	}
	i.hs.mu.Lock()
	defer i.hs.mu.Unlock()
	i.hs.members[roomID] = appendUnique(i.hs.members[roomID], i.userID)
	return nil
}

func (i *fakeIntent) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	i.hs.record(Call{UserID: i.userID, Method: "InviteUser", RoomID: roomID, Reason: string(userID)})
	return nil
}

func (i *fakeIntent) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	i.hs.record(Call{UserID: i.userID, Method: "LeaveRoom", RoomID: roomID})
	i.hs.mu.Lock()
	defer i.hs.mu.Unlock()
	members := i.hs.members[roomID][:0]
	for _, m := range i.hs.members[roomID] {
		if m != i.userID {
			members = append(members, m)
		}
	}
	i.hs.members[roomID] = members
	return nil
}

func (i *fakeIntent) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	i.hs.mu.Lock()
	defer i.hs.mu.Unlock()
	var rooms []id.RoomID
	for roomID, members := range i.hs.members {
		for _, m := range members {
			if m == i.userID {
				rooms = append(rooms, roomID)
				break
			}
		}
	}
	return rooms, nil
}

func (i *fakeIntent) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	i.hs.record(Call{UserID: i.userID, Method: "JoinedMembers", RoomID: roomID})
	i.hs.mu.Lock()
	defer i.hs.mu.Unlock()
	return append([]id.UserID(nil), i.hs.members[roomID]...), nil
}

func (i *fakeIntent) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (id.EventID, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	c := Call{UserID: i.userID, Method: "SendMessageEvent", RoomID: roomID, EventType: eventType, Content: raw}
	if i.hs.SendHook != nil {
		if err = i.hs.SendHook(c); err != nil {
			i.hs.record(c)
			return "", err
		}
	}
	i.hs.mu.Lock()
	ev := i.hs.addEventLocked(&homeserver.Event{Type: eventType, RoomID: roomID, Sender: i.userID, Content: raw})
	c.EventID = ev.EventID
	i.hs.calls = append(i.hs.calls, c)
	i.hs.mu.Unlock()
	return ev.EventID, nil
}

func (i *fakeIntent) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any) (id.EventID, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	c := Call{UserID: i.userID, Method: "SendStateEvent", RoomID: roomID, EventType: eventType, Content: raw, Reason: stateKey}
	i.hs.record(c)
	if i.hs.StateHook != nil {
		if err = i.hs.StateHook(c); err != nil {
			return "", err
		}
	}
	if eventType == event.StateMember.Type {
		i.hs.mu.Lock()
		i.hs.members[roomID] = appendUnique(i.hs.members[roomID], id.UserID(stateKey))
		i.hs.mu.Unlock()
	}
	return "$state", nil
}

func (i *fakeIntent) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) (id.EventID, error) {
	c := Call{UserID: i.userID, Method: "RedactEvent", RoomID: roomID, EventID: eventID, Reason: reason}
	i.hs.record(c)
	if i.hs.RedactHook != nil {
		if err := i.hs.RedactHook(c); err != nil {
			return "", err
		}
	}
	i.hs.mu.Lock()
	defer i.hs.mu.Unlock()
	if ev, ok := i.hs.events[eventID]; ok {
		unsigned, _ := sjson.SetBytes(ev.Unsigned, "redacted_because.sender", string(i.userID))
		ev.Unsigned = unsigned
		ev.Content = json.RawMessage(`{}`)
	}
	return "$redaction", nil
}

func (i *fakeIntent) StateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (json.RawMessage, error) {
	c := Call{UserID: i.userID, Method: "StateEvent", RoomID: roomID, EventType: eventType}
	i.hs.record(c)
	if i.hs.StateHook != nil {
		if err := i.hs.StateHook(c); err != nil {
			return nil, err
		}
	}
	i.hs.mu.Lock()
	defer i.hs.mu.Unlock()
	if eventType == event.StateEncryption.Type && i.hs.encrypted[roomID] {
		return json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2"}`), nil
	}
	return nil, notFound()
}

func (i *fakeIntent) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*homeserver.Event, error) {
	i.hs.record(Call{UserID: i.userID, Method: "GetEvent", RoomID: roomID, EventID: eventID})
	i.hs.mu.Lock()
	defer i.hs.mu.Unlock()
	ev, ok := i.hs.events[eventID]
	if !ok || ev.RoomID != roomID {
		return nil, notFound()
	}
	cp := *ev
	return &cp, nil
}

func (i *fakeIntent) Messages(ctx context.Context, roomID id.RoomID, limit int) ([]*homeserver.Event, error) {
	i.hs.record(Call{UserID: i.userID, Method: "Messages", RoomID: roomID})
	i.hs.mu.Lock()
	defer i.hs.mu.Unlock()
	history := i.hs.history[roomID]
	var out []*homeserver.Event
	for j := len(history) - 1; j >= 0 && len(out) < limit; j-- {
		cp := *history[j]
		out = append(out, &cp)
	}
	return out, nil
}

func (i *fakeIntent) Sync(ctx context.Context, filter string) (*homeserver.SyncResponse, error) {
	i.hs.record(Call{UserID: i.userID, Method: "Sync"})
	i.hs.mu.Lock()
	defer i.hs.mu.Unlock()
	resp := &homeserver.SyncResponse{NextBatch: "s1"}
	resp.Rooms.Invite = make(map[id.RoomID]json.RawMessage)
	for _, roomID := range i.hs.invites {
		resp.Rooms.Invite[roomID] = json.RawMessage(`{}`)
	}
	return resp, nil
}

func (i *fakeIntent) CryptoRequest(ctx context.Context, method, path string, body []byte, deviceID id.DeviceID) ([]byte, error) {
	c := Call{UserID: i.userID, Method: "CryptoRequest", Path: path, DeviceID: deviceID, Content: body}
	i.hs.record(c)
	if i.hs.CryptoHook != nil {
		return i.hs.CryptoHook(c)
	}
	return []byte(`{}`), nil
}

func appendUnique(list []id.UserID, userID id.UserID) []id.UserID {
	for _, u := range list {
		if u == userID {
			return list
		}
	}
	return append(list, userID)
}
