package protocol

import (
	"encoding/json"

	"github.com/HMasataka/quill/pkg/domain"
	"github.com/rs/xid"
)

// Frame is the unit exchanged on every transport.
type Frame struct {
	Event domain.EventName `json:"event"`
	Data  json.RawMessage  `json:"data,omitempty"`
	ID    string           `json:"id,omitempty"`
}

// NewFrame creates a new frame carrying payload as its data
func NewFrame(event domain.EventName, payload any) (*Frame, error) {
	f := &Frame{
		Event: event,
		ID:    xid.New().String(),
	}

	if payload == nil {
		return f, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f.Data = data

	return f, nil
}

// Decode decodes the frame payload into the provided interface
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}

// ToEvent converts the frame to the event seen by listeners.
func (f *Frame) ToEvent() domain.Event {
	return domain.Event{Name: f.Event, Data: f.Data}
}

// Marshal marshals the frame to bytes
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal unmarshals bytes into a frame
func Unmarshal(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Event == "" {
		return nil, domain.NewDomainError(domain.ErrCodeInvalid, "frame without event", domain.ErrInvalidPayload)
	}
	return &f, nil
}

// MarshalBatch encodes frames as a JSON array, the long-poll body format.
func MarshalBatch(frames []*Frame) ([]byte, error) {
	if frames == nil {
		frames = []*Frame{}
	}
	return json.Marshal(frames)
}

// UnmarshalBatch decodes a JSON array of frames.
func UnmarshalBatch(data []byte) ([]*Frame, error) {
	var frames []*Frame
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, err
	}
	return frames, nil
}

// Auth is the handshake payload. An absent token encodes as {}.
type Auth struct {
	Token string `json:"token,omitempty"`
}

// ConnectAck is the server's handshake reply.
type ConnectAck struct {
	SID string `json:"sid"`
}

// ConnectError is sent instead of ConnectAck when the server refuses.
type ConnectError struct {
	Message string `json:"message"`
}

// DisconnectNotice precedes a server-initiated close.
type DisconnectNotice struct {
	Reason string `json:"reason"`
}

// NewHandshake builds the first frame a client sends.
func NewHandshake(auth Auth) (*Frame, error) {
	return NewFrame(domain.EventConnect, auth)
}
