package transport

import (
	"encoding/json"

	"signsync/internal/signing"
)

// Outbound socket event names.
const (
	EventJoinRoom            = "join_room"
	EventLeaveRoom           = "leave_room"
	EventJoinGroupRoom       = "join_group_room"
	EventLeaveGroupRoom      = "leave_group_room"
	EventDragSignature       = "drag_signature"
	EventAddSignatureLive    = "add_signature_live"
	EventRemoveSignatureLive = "remove_signature_live"
	EventTriggerReload       = "trigger_reload"
)

// Inbound socket event names. add/remove share the outbound spelling.
const (
	EventUpdateSignaturePosition = "update_signature_position"
	EventRefetchData             = "refetch_data"
)

// Envelope frames every message on the socket.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomPayload carries room membership changes.
type RoomPayload struct {
	Room string `json:"room"`
}

// DragPayload carries a throttled position broadcast. Coordinates are
// normalized; delivery is best-effort and lossy by design.
type DragPayload struct {
	DocumentID  string  `json:"documentId"`
	SignatureID string  `json:"signatureId"`
	PositionX   float64 `json:"positionX"`
	PositionY   float64 `json:"positionY"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	PageNumber  int     `json:"pageNumber"`
}

// AddSignaturePayload announces a freshly placed signature to room peers.
type AddSignaturePayload struct {
	DocumentID string                `json:"documentId"`
	Signature  signing.WireSignature `json:"signature"`
}

// RemoveSignaturePayload announces a deleted signature to room peers.
type RemoveSignaturePayload struct {
	DocumentID  string `json:"documentId"`
	SignatureID string `json:"signatureId"`
}

// ReloadPayload tells room peers to re-fetch authoritative document state.
type ReloadPayload struct {
	DocumentID string `json:"documentId"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
