package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Value is an opaque value produced or consumed by an operation.
type Value = interface{}

// Message is the self-describing envelope handed to the dispatcher.
type Message struct {
	// Type tells the receiver how to decode Payload
	Type Type `json:"type"`

	// ID correlates a response with its request
	ID uint64 `json:"id"`

	// Payload is the encoded request or response body
	Payload []byte `json:"payload,omitempty"`

	// Values carries operation inputs and outputs alongside the payload
	Values []Value `json:"values,omitempty"`
}

// NewMessage creates a new message with the specified type and payload
func NewMessage(msgType Type, payload []byte, values ...Value) *Message {
	return &Message{
		Type:    msgType,
		Payload: payload,
		Values:  values,
	}
}

// NewAck creates the empty acknowledgment for a request
func NewAck(request *Message) *Message {
	return &Message{Type: TypeNone, ID: request.ID}
}

// NewException creates an exception response correlated to request. The
// payload is the failure text.
func NewException(request *Message, err error) *Message {
	var id uint64
	if request != nil {
		id = request.ID
	}
	return &Message{
		Type:    TypeException,
		ID:      id,
		Payload: []byte(err.Error()),
	}
}

// IsException reports whether the message carries a failure.
func (m *Message) IsException() bool {
	return m.Type == TypeException
}

// Err returns the failure carried by an exception message, or nil.
func (m *Message) Err() error {
	if !m.IsException() {
		return nil
	}
	return &RemoteError{ID: m.ID, Text: string(m.Payload)}
}

// Clone creates a copy of the message. Values are copied shallowly.
func (m *Message) Clone() *Message {
	clone := &Message{
		Type: m.Type,
		ID:   m.ID,
	}
	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}
	if m.Values != nil {
		clone.Values = make([]Value, len(m.Values))
		copy(clone.Values, m.Values)
	}
	return clone
}

// String returns a short description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s#%d(%d bytes, %d values)", m.Type, m.ID, len(m.Payload), len(m.Values))
}

// RemoteError is a failure reported by a peer through an exception
// message.
type RemoteError struct {
	ID   uint64
	Text string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Text
}

// ErrMalformedPayload is returned when a payload cannot be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// EncodePayload marshals a payload struct.
func EncodePayload(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// MustEncodePayload is EncodePayload for payload types that always marshal.
func MustEncodePayload(v interface{}) []byte {
	data, err := EncodePayload(v)
	if err != nil {
		panic(err)
	}
	return data
}

// DecodePayload unmarshals the payload of msg into v.
func DecodePayload(msg *Message, v interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformedPayload, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, msg.Type, err)
	}
	return nil
}
