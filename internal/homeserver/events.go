package homeserver

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Event is a client-format event as delivered in appservice transactions,
// room history and to-device lists.
type Event struct {
	Type           string          `json:"type"`
	EventID        id.EventID      `json:"event_id,omitempty"`
	RoomID         id.RoomID       `json:"room_id,omitempty"`
	Sender         id.UserID       `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`

	// Only present on to-device events delivered to appservices.
	ToUserID   id.UserID   `json:"to_user_id,omitempty"`
	ToDeviceID id.DeviceID `json:"to_device_id,omitempty"`

	// Decrypted is set on events that were produced by decrypting an
	// m.room.encrypted envelope. It never leaves the process.
	Decrypted bool `json:"-"`
}

func (e *Event) content(path string) gjson.Result {
	return gjson.GetBytes(e.Content, path)
}

// IsEncrypted reports an undecrypted m.room.encrypted envelope.
func (e *Event) IsEncrypted() bool {
	return e.Type == event.EventEncrypted.Type
}

// IsMessage reports an m.room.message event, clear or decrypted.
func (e *Event) IsMessage() bool {
	return e.Type == event.EventMessage.Type
}

// Body returns content.body.
func (e *Event) Body() string {
	return e.content("body").String()
}

// HasBody reports whether content.body is present at all.
func (e *Event) HasBody() bool {
	return e.content("body").Exists()
}

// RelType returns content.m.relates_to.rel_type.
func (e *Event) RelType() event.RelationType {
	return event.RelationType(e.content(`m\.relates_to.rel_type`).String())
}

// RelatesTo returns content.m.relates_to.event_id.
func (e *Event) RelatesTo() id.EventID {
	return id.EventID(e.content(`m\.relates_to.event_id`).String())
}

// InReplyTo returns the event a rich reply points at.
func (e *Event) InReplyTo() id.EventID {
	return id.EventID(e.content(`m\.relates_to.m\.in_reply_to.event_id`).String())
}

// NewContentBody returns content.m.new_content.body of an edit.
func (e *Event) NewContentBody() string {
	return e.content(`m\.new_content.body`).String()
}

// Relation returns the raw m.relates_to object, if any.
func (e *Event) Relation() json.RawMessage {
	r := e.content(`m\.relates_to`)
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

// AnnotationKey returns the key of an m.annotation reaction.
func (e *Event) AnnotationKey() string {
	return e.content(`m\.relates_to.key`).String()
}

// Membership returns content.membership of a member event.
func (e *Event) Membership() event.Membership {
	return event.Membership(e.content("membership").String())
}

// RedactedBy returns the sender of the redaction that removed this event,
// or "" if it has not been redacted.
func (e *Event) RedactedBy() id.UserID {
	return id.UserID(gjson.GetBytes(e.Unsigned, "redacted_because.sender").String())
}

// IsRedacted reports whether the event carries a redaction in unsigned.
func (e *Event) IsRedacted() bool {
	return gjson.GetBytes(e.Unsigned, "redacted_because").Exists()
}

// SyncResponse is the subset of /sync the bridge consumes.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Invite map[id.RoomID]json.RawMessage `json:"invite"`
	} `json:"rooms"`
}
