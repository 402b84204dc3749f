// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api defines the semantic operations the bridge needs from an
// end-to-end encryption session engine. The cryptographic primitives live
// behind this interface; the bridge only moves requests and payloads.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// RequestType identifies the homeserver endpoint an outgoing request targets.
type RequestType int

const (
	RequestKeysUpload RequestType = iota
	RequestKeysQuery
	RequestKeysClaim
	RequestSignatureUpload
	RequestToDevice
	RequestRoomMessage
	RequestKeysBackup
)

func (t RequestType) String() string {
	switch t {
	case RequestKeysUpload:
		return "keys_upload"
	case RequestKeysQuery:
		return "keys_query"
	case RequestKeysClaim:
		return "keys_claim"
	case RequestSignatureUpload:
		return "signature_upload"
	case RequestToDevice:
		return "to_device"
	case RequestRoomMessage:
		return "room_message"
	case RequestKeysBackup:
		return "keys_backup"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// OutgoingRequest is a request the engine wants sent to the homeserver.
// Its response must be fed back with MarkRequestAsSent.
type OutgoingRequest struct {
	ID   string          `cbor:"id" json:"id"`
	Type RequestType     `cbor:"type" json:"type"`
	Body json.RawMessage `cbor:"body" json:"body"`
	// Only set for to-device requests.
	EventType string `cbor:"event_type,omitempty" json:"event_type,omitempty"`
	TxnID     string `cbor:"txn_id,omitempty" json:"txn_id,omitempty"`
}

// DeviceLists carries device-list changes from a sync.
type DeviceLists struct {
	Changed []id.UserID `cbor:"changed" json:"changed"`
	Left    []id.UserID `cbor:"left" json:"left"`
}

// SyncChanges is the sync-derived state handed to an engine.
type SyncChanges struct {
	ToDevice           []json.RawMessage `cbor:"to_device" json:"to_device"`
	DeviceLists        DeviceLists       `cbor:"device_lists" json:"device_lists"`
	OneTimeKeyCounts   map[string]int    `cbor:"one_time_key_counts" json:"one_time_key_counts"`
	UnusedFallbackKeys []string          `cbor:"unused_fallback_keys" json:"unused_fallback_keys"`
}

// EncryptionSettings controls room-key sharing.
type EncryptionSettings struct {
	OnlyAllowTrustedDevices bool `cbor:"only_allow_trusted_devices" json:"only_allow_trusted_devices"`
}

// DefaultEncryptionSettings shares keys with every device, trusted or not.
func DefaultEncryptionSettings() EncryptionSettings {
	return EncryptionSettings{OnlyAllowTrustedDevices: false}
}

type IdentityKeys struct {
	Curve25519 string `cbor:"curve25519" json:"curve25519"`
	Ed25519    string `cbor:"ed25519" json:"ed25519"`
}

// DecryptedEvent is the clear event JSON produced by DecryptRoomEvent.
type DecryptedEvent struct {
	Event json.RawMessage `cbor:"event" json:"event"`
}

// SessionEngine is the per-identity cryptographic state machine.
type SessionEngine interface {
	UserID() id.UserID
	DeviceID() id.DeviceID
	IdentityKeys() IdentityKeys

	OutgoingRequests(ctx context.Context) ([]OutgoingRequest, error)
	MarkRequestAsSent(ctx context.Context, requestID string, requestType RequestType, response json.RawMessage) error

	ReceiveSyncChanges(ctx context.Context, changes SyncChanges) error
	UpdateTrackedUsers(ctx context.Context, users []id.UserID) error

	// GetMissingSessions returns a keys-claim request for users lacking an
	// Olm session, or nil if every session exists.
	GetMissingSessions(ctx context.Context, users []id.UserID) (*OutgoingRequest, error)
	// ShareRoomKey returns the to-device requests carrying the room key.
	ShareRoomKey(ctx context.Context, roomID id.RoomID, users []id.UserID, settings EncryptionSettings) ([]OutgoingRequest, error)

	EncryptRoomEvent(ctx context.Context, roomID id.RoomID, eventType string, content json.RawMessage) (json.RawMessage, error)
	DecryptRoomEvent(ctx context.Context, roomID id.RoomID, event json.RawMessage) (*DecryptedEvent, error)

	Close() error
}

// EngineFactory initialises an engine bound to an identity, device and store.
type EngineFactory interface {
	Open(ctx context.Context, userID id.UserID, deviceID id.DeviceID, storePath string) (SessionEngine, error)
}

// EngineFactoryFunc adapts a function to EngineFactory.
type EngineFactoryFunc func(ctx context.Context, userID id.UserID, deviceID id.DeviceID, storePath string) (SessionEngine, error)

func (f EngineFactoryFunc) Open(ctx context.Context, userID id.UserID, deviceID id.DeviceID, storePath string) (SessionEngine, error) {
	return f(ctx, userID, deviceID, storePath)
}
