package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType names an envelope on the collaboration wire.
type MessageType string

// Inbound message types.
const (
	MessageCursorMove       MessageType = "cursor-move"
	MessageNodeSelect       MessageType = "node-select"
	MessageNodeUpdate       MessageType = "node-update"
	MessageNodeCreate       MessageType = "node-create"
	MessageNodeDelete       MessageType = "node-delete"
	MessageConnectionCreate MessageType = "connection-create"
	MessageConnectionDelete MessageType = "connection-delete"
	MessageViewportUpdate   MessageType = "viewport-update"
	MessagePing             MessageType = "ping"
)

// Outbound message types. Relayed mutations reuse their inbound type.
const (
	MessageInit            MessageType = "init"
	MessageUserJoined      MessageType = "user-joined"
	MessageUserLeft        MessageType = "user-left"
	MessageCursorUpdate    MessageType = "cursor-update"
	MessageSelectionUpdate MessageType = "selection-update"
	MessagePong            MessageType = "pong"
)

const identityField = "identity"

var (
	errEmptyMessage      = errors.New("collab: empty message")
	errPayloadNotObject  = errors.New("collab: payload must be a JSON object")
	errMissingCursorAxes = errors.New("collab: cursor requires x and y")
)

// Envelope is the {type, payload} frame exchanged with clients. Payload stays
// raw so mutation relays never depend on workflow schema.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outboundEnvelope struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// DecodeEnvelope parses a raw client frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Envelope{}, errEmptyMessage
	}
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("collab: decode envelope: %w", err)
	}
	return envelope, nil
}

func encodeMessage(messageType MessageType, payload any) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Type: messageType, Payload: payload})
}

// InitPayload is sent only to a joining channel.
type InitPayload struct {
	Identity   string        `json:"identity"`
	Users      []Participant `json:"users"`
	WorkflowID string        `json:"workflowId"`
}

// UserJoinedPayload announces a newcomer to everyone else.
type UserJoinedPayload struct {
	User Participant `json:"user"`
}

// UserLeftPayload announces a departure or an idle eviction.
type UserLeftPayload struct {
	Identity string `json:"identity"`
}

// CursorUpdatePayload carries a collaborator's cursor to the others.
type CursorUpdatePayload struct {
	Identity string `json:"identity"`
	Cursor   Point  `json:"cursor"`
}

// SelectionUpdatePayload carries a collaborator's full selection to the others.
type SelectionUpdatePayload struct {
	Identity string   `json:"identity"`
	NodeIDs  []string `json:"nodeIds"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type cursorMovePayload struct {
	Cursor *Point   `json:"cursor"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
}

type nodeSelectPayload struct {
	NodeIDs []string `json:"nodeIds"`
}

// parseCursor accepts either {"x":..,"y":..} or {"cursor":{"x":..,"y":..}}.
func parseCursor(raw json.RawMessage) (Point, error) {
	var payload cursorMovePayload
	if err := json.Unmarshal(nullToEmptyObject(raw), &payload); err != nil {
		return Point{}, err
	}
	if payload.Cursor != nil {
		return *payload.Cursor, nil
	}
	if payload.X == nil || payload.Y == nil {
		return Point{}, errMissingCursorAxes
	}
	return Point{X: *payload.X, Y: *payload.Y}, nil
}

func parseSelection(raw json.RawMessage) ([]string, error) {
	var payload nodeSelectPayload
	if err := json.Unmarshal(nullToEmptyObject(raw), &payload); err != nil {
		return nil, err
	}
	if payload.NodeIDs == nil {
		return []string{}, nil
	}
	return payload.NodeIDs, nil
}

// relayPayload returns the client payload with the sender identity stamped in.
// The server-side identity wins over any identity field the client supplied.
func relayPayload(identity string, raw json.RawMessage) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(nullToEmptyObject(raw), &fields); err != nil {
		return nil, errPayloadNotObject
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	encodedIdentity, err := json.Marshal(identity)
	if err != nil {
		return nil, err
	}
	fields[identityField] = encodedIdentity
	return fields, nil
}

func nullToEmptyObject(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}")
	}
	return trimmed
}
