package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto/api"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

// Engine is a session engine that keeps everything in memory and
// "encrypts" by wrapping the clear event in the ciphertext field.
type Engine struct {
	User   id.UserID
	Device id.DeviceID

	mu      sync.Mutex
	pending []api.OutgoingRequest
	log     []string
	sent    map[string]json.RawMessage
	tracked []id.UserID
	closed  bool
	broken  bool

	// MissingSessions, when set, is returned once from GetMissingSessions.
	MissingSessions *api.OutgoingRequest
	// Shares is returned from ShareRoomKey.
	Shares []api.OutgoingRequest

	DecryptFunc func(roomID id.RoomID, event json.RawMessage) (*api.DecryptedEvent, error)
	EncryptFunc func(roomID id.RoomID, eventType string, content json.RawMessage) (json.RawMessage, error)
	// OnSyncChanges runs inside ReceiveSyncChanges and may queue requests.
	OnSyncChanges func(e *Engine, changes api.SyncChanges)
}

func NewEngine(userID id.UserID, deviceID id.DeviceID) *Engine {
	return &Engine{User: userID, Device: deviceID, sent: make(map[string]json.RawMessage)}
}

// Queue adds requests to the pending list.
func (e *Engine) Queue(reqs ...api.OutgoingRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, reqs...)
}

// Log returns the operations performed, in order.
func (e *Engine) Log() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

// Sent returns the response recorded for a request.
func (e *Engine) Sent(requestID string) (json.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, ok := e.sent[requestID]
	return resp, ok
}

func (e *Engine) Tracked() []id.UserID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]id.UserID(nil), e.tracked...)
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Break makes the engine report itself as unusable.
func (e *Engine) Break() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broken = true
}

func (e *Engine) Broken() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broken
}

func (e *Engine) record(op string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, op)
}

func (e *Engine) UserID() id.UserID     { return e.User }
func (e *Engine) DeviceID() id.DeviceID { return e.Device }

func (e *Engine) IdentityKeys() api.IdentityKeys {
	return api.IdentityKeys{Curve25519: "curve-" + string(e.Device), Ed25519: "ed-" + string(e.Device)}
}

func (e *Engine) OutgoingRequests(ctx context.Context) ([]api.OutgoingRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, "OutgoingRequests")
	return append([]api.OutgoingRequest(nil), e.pending...), nil
}

func (e *Engine) MarkRequestAsSent(ctx context.Context, requestID string, requestType api.RequestType, response json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, "MarkRequestAsSent:"+requestID)
	e.sent[requestID] = response
	for i, req := range e.pending {
		if req.ID == requestID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (e *Engine) ReceiveSyncChanges(ctx context.Context, changes api.SyncChanges) error {
	e.record(fmt.Sprintf("ReceiveSyncChanges:%d:%d", len(changes.ToDevice), len(changes.DeviceLists.Changed)))
	if e.OnSyncChanges != nil {
		e.OnSyncChanges(e, changes)
	}
	return nil
}

func (e *Engine) UpdateTrackedUsers(ctx context.Context, users []id.UserID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, "UpdateTrackedUsers")
	e.tracked = append(e.tracked, users...)
	return nil
}

func (e *Engine) GetMissingSessions(ctx context.Context, users []id.UserID) (*api.OutgoingRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, "GetMissingSessions")
	claim := e.MissingSessions
	e.MissingSessions = nil
	return claim, nil
}

func (e *Engine) ShareRoomKey(ctx context.Context, roomID id.RoomID, users []id.UserID, settings api.EncryptionSettings) ([]api.OutgoingRequest, error) {
	e.record("ShareRoomKey")
	return e.Shares, nil
}

func (e *Engine) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, eventType string, content json.RawMessage) (json.RawMessage, error) {
	e.record("EncryptRoomEvent")
	if e.EncryptFunc != nil {
		return e.EncryptFunc(roomID, eventType, content)
	}
	return Encrypt(eventType, content)
}

func (e *Engine) DecryptRoomEvent(ctx context.Context, roomID id.RoomID, event json.RawMessage) (*api.DecryptedEvent, error) {
	e.record("DecryptRoomEvent")
	if e.DecryptFunc != nil {
		return e.DecryptFunc(roomID, event)
	}
	return Decrypt(event)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Encrypt builds the fake ciphertext envelope content for a clear event.
func Encrypt(eventType string, content json.RawMessage) (json.RawMessage, error) {
	clear, err := json.Marshal(map[string]any{"type": eventType, "content": content})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"algorithm":  string(id.AlgorithmMegolmV1),
		"ciphertext": string(clear),
		"sender_key": "fake",
		"session_id": "fake",
	})
}

// Decrypt reverses Encrypt given a whole m.room.encrypted event.
func Decrypt(event json.RawMessage) (*api.DecryptedEvent, error) {
	ciphertext := gjson.GetBytes(event, "content.ciphertext")
	if !ciphertext.Exists() || !gjson.Valid(ciphertext.String()) {
		return nil, errors.New("unable to decrypt: unknown session")
	}
	return &api.DecryptedEvent{Event: json.RawMessage(ciphertext.String())}, nil
}

// EngineFactory opens fake engines and remembers them by user.
type EngineFactory struct {
	mu      sync.Mutex
	Engines map[id.UserID]*Engine
	Opens   int
	// Prepare customises each engine before it is returned.
	Prepare func(e *Engine)
}

func NewEngineFactory() *EngineFactory {
	return &EngineFactory{Engines: make(map[id.UserID]*Engine)}
}

func (f *EngineFactory) Open(ctx context.Context, userID id.UserID, deviceID id.DeviceID, storePath string) (api.SessionEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Opens++
	e := NewEngine(userID, deviceID)
	if f.Prepare != nil {
		f.Prepare(e)
	}
	f.Engines[userID] = e
	return e, nil
}

// Engine returns the engine opened for userID, if any.
func (f *EngineFactory) Engine(userID id.UserID) *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Engines[userID]
}

// OpenCount returns how many engines were opened.
func (f *EngineFactory) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Opens
}
