package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the wire envelope for every event in both directions. Payload
// stays raw until a handler decodes it against the event's fixed shape;
// moderation and collaboration payloads the hub never interprets are forwarded
// as-is.
type Message struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope, marshaling payload into the raw slot.
// A nil payload produces an envelope with no payload field.
func NewMessage(event Event, payload any) (Message, error) {
	msg := Message{Event: event}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Encode marshals the envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", m.Event, err)
	}
	return data, nil
}

// Decode parses a wire frame into an envelope. Frames without an event name
// are rejected; payloads are left raw.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("envelope missing event name")
	}
	return msg, nil
}

// DecodePayload parses the raw payload of m into out.
func (m Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Event, err)
	}
	return nil
}
