// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sidecar implements a session engine backed by a long-lived helper
// process. The helper owns the cryptographic store; the bridge exchanges
// length-prefixed CBOR frames with it over the helper's stdin and stdout,
// one request and one response at a time.
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto/api"
	"maunium.net/go/mautrix/id"
)

// Method names understood by the helper.
const (
	MethodIdentity           = "identity"
	MethodOutgoingRequests   = "outgoing_requests"
	MethodMarkRequestAsSent  = "mark_request_as_sent"
	MethodReceiveSyncChanges = "receive_sync_changes"
	MethodUpdateTrackedUsers = "update_tracked_users"
	MethodGetMissingSessions = "get_missing_sessions"
	MethodShareRoomKey       = "share_room_key"
	MethodEncryptRoomEvent   = "encrypt_room_event"
	MethodDecryptRoomEvent   = "decrypt_room_event"
	MethodShutdown           = "shutdown"
)

// ErrBroken is returned once the frame stream can no longer be trusted,
// for example after the helper exited or answered out of order.
var ErrBroken = errors.New("sidecar: helper connection is broken")

// HelperError is a failure reported by the helper itself. The connection
// stays usable after one.
type HelperError struct {
	Method  string
	Message string
}

func (e *HelperError) Error() string {
	return fmt.Sprintf("sidecar: %s: %s", e.Method, e.Message)
}

type identity struct {
	UserID       id.UserID        `cbor:"user_id"`
	DeviceID     id.DeviceID      `cbor:"device_id"`
	IdentityKeys api.IdentityKeys `cbor:"identity_keys"`
}

type markSentArgs struct {
	RequestID   string          `cbor:"request_id"`
	RequestType api.RequestType `cbor:"request_type"`
	Response    []byte          `cbor:"response"`
}

type usersArgs struct {
	Users []id.UserID `cbor:"users"`
}

type shareRoomKeyArgs struct {
	RoomID   id.RoomID              `cbor:"room_id"`
	Users    []id.UserID            `cbor:"users"`
	Settings api.EncryptionSettings `cbor:"settings"`
}

type encryptArgs struct {
	RoomID    id.RoomID `cbor:"room_id"`
	EventType string    `cbor:"event_type"`
	Content   []byte    `cbor:"content"`
}

type encryptResult struct {
	Content []byte `cbor:"content"`
}

type decryptArgs struct {
	RoomID id.RoomID `cbor:"room_id"`
	Event  []byte    `cbor:"event"`
}

// Engine is an api.SessionEngine whose state lives in a helper process.
// Calls are serialised; the helper handles one request at a time.
type Engine struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	stdout io.Reader
	stop   func() error
	nextID uint64
	broken bool
	closed bool

	// abandoned is a call whose caller gave up before the response
	// arrived. Its response is read and discarded before the next request.
	abandoned *exchange

	userID   id.UserID
	deviceID id.DeviceID
	keys     api.IdentityKeys
}

var _ api.SessionEngine = (*Engine)(nil)

// Connect performs the identity handshake over an established stream. stop
// is called once from Close after stdin has been closed, and should reap
// the helper.
func Connect(ctx context.Context, stdin io.WriteCloser, stdout io.Reader, stop func() error) (*Engine, error) {
	e := &Engine{stdin: stdin, stdout: stdout, stop: stop}
	var ident identity
	if err := e.call(ctx, MethodIdentity, nil, &ident); err != nil {
		return nil, err
	}
	e.userID = ident.UserID
	e.deviceID = ident.DeviceID
	e.keys = ident.IdentityKeys
	return e, nil
}

// Broken reports whether the engine can no longer be used and must be
// replaced.
func (e *Engine) Broken() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broken
}

func (e *Engine) UserID() id.UserID              { return e.userID }
func (e *Engine) DeviceID() id.DeviceID          { return e.deviceID }
func (e *Engine) IdentityKeys() api.IdentityKeys { return e.keys }

func (e *Engine) OutgoingRequests(ctx context.Context) ([]api.OutgoingRequest, error) {
	var requests []api.OutgoingRequest
	err := e.call(ctx, MethodOutgoingRequests, nil, &requests)
	return requests, err
}

func (e *Engine) MarkRequestAsSent(ctx context.Context, requestID string, requestType api.RequestType, response json.RawMessage) error {
	return e.call(ctx, MethodMarkRequestAsSent, markSentArgs{
		RequestID:   requestID,
		RequestType: requestType,
		Response:    response,
	}, nil)
}

func (e *Engine) ReceiveSyncChanges(ctx context.Context, changes api.SyncChanges) error {
	return e.call(ctx, MethodReceiveSyncChanges, changes, nil)
}

func (e *Engine) UpdateTrackedUsers(ctx context.Context, users []id.UserID) error {
	return e.call(ctx, MethodUpdateTrackedUsers, usersArgs{Users: users}, nil)
}

func (e *Engine) GetMissingSessions(ctx context.Context, users []id.UserID) (*api.OutgoingRequest, error) {
	var claim *api.OutgoingRequest
	if err := e.call(ctx, MethodGetMissingSessions, usersArgs{Users: users}, &claim); err != nil {
		return nil, err
	}
	return claim, nil
}

func (e *Engine) ShareRoomKey(ctx context.Context, roomID id.RoomID, users []id.UserID, settings api.EncryptionSettings) ([]api.OutgoingRequest, error) {
	var requests []api.OutgoingRequest
	err := e.call(ctx, MethodShareRoomKey, shareRoomKeyArgs{RoomID: roomID, Users: users, Settings: settings}, &requests)
	return requests, err
}

func (e *Engine) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, eventType string, content json.RawMessage) (json.RawMessage, error) {
	var res encryptResult
	if err := e.call(ctx, MethodEncryptRoomEvent, encryptArgs{RoomID: roomID, EventType: eventType, Content: content}, &res); err != nil {
		return nil, err
	}
	if !json.Valid(res.Content) {
		return nil, fmt.Errorf("sidecar: %s: helper returned invalid JSON", MethodEncryptRoomEvent)
	}
	return res.Content, nil
}

func (e *Engine) DecryptRoomEvent(ctx context.Context, roomID id.RoomID, event json.RawMessage) (*api.DecryptedEvent, error) {
	var res api.DecryptedEvent
	if err := e.call(ctx, MethodDecryptRoomEvent, decryptArgs{RoomID: roomID, Event: event}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Close asks the helper to flush its store and exit, then reaps it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	broken := e.broken
	e.mu.Unlock()

	var errs []error
	if !broken {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.call(ctx, MethodShutdown, nil, nil); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	if err := e.stdin.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.stop != nil {
		if err := e.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// exchange is one request written to the helper and its response read
// back. done is closed once both have happened or failed.
type exchange struct {
	id   uint64
	done chan struct{}
	res  response
	err  error
}

func (e *Engine) start(req request) *exchange {
	x := &exchange{id: req.ID, done: make(chan struct{})}
	go func() {
		defer close(x.done)
		if x.err = writeFrame(e.stdin, req); x.err != nil {
			return
		}
		x.err = readFrame(e.stdout, &x.res)
	}()
	return x
}

// settle checks a finished exchange kept the stream aligned.
func (e *Engine) settle(x *exchange) error {
	if x.err != nil {
		e.broken = true
		return x.err
	}
	if x.res.ID != x.id {
		e.broken = true
		return fmt.Errorf("response %d does not match request %d", x.res.ID, x.id)
	}
	return nil
}

// call sends one request and decodes the response's data into result. If
// ctx ends before the response arrives the exchange is left running and
// the next call discards its response first.
func (e *Engine) call(ctx context.Context, method string, args, result any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		var helperErr *HelperError
		switch {
		case err == nil:
		case errors.As(err, &helperErr):
			outcome = "helper_error"
		default:
			outcome = "transport_error"
		}
		calls.WithLabelValues(method, outcome).Inc()
		callDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.broken {
		return ErrBroken
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if prev := e.abandoned; prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.abandoned = nil
		if err = e.settle(prev); err != nil {
			return fmt.Errorf("sidecar: %s: abandoned call: %w", method, err)
		}
	}

	e.nextID++
	req := request{ID: e.nextID, Method: method}
	if args != nil {
		if req.Args, err = encMode.Marshal(args); err != nil {
			return fmt.Errorf("sidecar: encode %s arguments: %w", method, err)
		}
	}

	x := e.start(req)
	select {
	case <-x.done:
	case <-ctx.Done():
		e.abandoned = x
		return ctx.Err()
	}

	if err = e.settle(x); err != nil {
		return fmt.Errorf("sidecar: %s: %w", method, err)
	}
	if !x.res.OK {
		return &HelperError{Method: method, Message: x.res.Error}
	}
	if result == nil || len(x.res.Data) == 0 {
		return nil
	}
	if err = decMode.Unmarshal(x.res.Data, result); err != nil {
		return fmt.Errorf("sidecar: decode %s result: %w", method, err)
	}
	return nil
}
