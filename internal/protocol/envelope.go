package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tag is the message discriminant carried in the "_tag" field.
type Tag string

const (
	TagQueryRequest      Tag = "QueryRequest"
	TagQueryResponse     Tag = "QueryResponse"
	TagAppendRequest     Tag = "AppendRequest"
	TagAppendResponse    Tag = "AppendResponse"
	TagSubscribeRequest  Tag = "SubscribeRequest"
	TagSubscribeResponse Tag = "SubscribeResponse"
	TagError             Tag = "Error"
)

// ErrUnknownTag is returned when decoding an envelope whose tag is not one
// of the Tag constants.
var ErrUnknownTag = errors.New("unknown message tag")

// Payload is implemented by the pointer form of every message body.
type Payload interface {
	Tag() Tag
	CorrelationID() string
}

func (*QueryRequest) Tag() Tag      { return TagQueryRequest }
func (*QueryResponse) Tag() Tag     { return TagQueryResponse }
func (*AppendRequest) Tag() Tag     { return TagAppendRequest }
func (*AppendResponse) Tag() Tag    { return TagAppendResponse }
func (*SubscribeRequest) Tag() Tag  { return TagSubscribeRequest }
func (*SubscribeResponse) Tag() Tag { return TagSubscribeResponse }
func (*ErrorResponse) Tag() Tag     { return TagError }

func (m *QueryRequest) CorrelationID() string      { return m.RequestID }
func (m *QueryResponse) CorrelationID() string     { return m.RequestID }
func (m *AppendRequest) CorrelationID() string     { return m.RequestID }
func (m *AppendResponse) CorrelationID() string    { return m.RequestID }
func (m *SubscribeRequest) CorrelationID() string  { return m.RequestID }
func (m *SubscribeResponse) CorrelationID() string { return m.RequestID }
func (m *ErrorResponse) CorrelationID() string     { return m.RequestID }

// Envelope wraps a payload with routing information.
type Envelope struct {
	SenderPeerID    string
	RecipientPeerID string
	Payload         Payload
}

// NewEnvelope addresses payload from sender to recipient.
func NewEnvelope(sender, recipient string, payload Payload) Envelope {
	return Envelope{
		SenderPeerID:    sender,
		RecipientPeerID: recipient,
		Payload:         payload,
	}
}

// Tag returns the payload tag, or "" for an empty envelope.
func (e Envelope) Tag() Tag {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Tag()
}

// RequestID returns the payload's request id, or "" for an empty envelope.
func (e Envelope) RequestID() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.CorrelationID()
}

// Reply addresses payload from sender back to the sender of e.
func (e Envelope) Reply(sender string, payload Payload) Envelope {
	return NewEnvelope(sender, e.SenderPeerID, payload)
}

// IsRequest reports whether t tags a message that expects a reply.
func (t Tag) IsRequest() bool {
	switch t {
	case TagQueryRequest, TagAppendRequest, TagSubscribeRequest:
		return true
	}
	return false
}

// DecodeError is returned by Decode when the envelope header parsed but its
// payload did not. Whatever routing information the header and payload
// still carried is kept so the message can be answered.
type DecodeError struct {
	Tag             Tag
	SenderPeerID    string
	RecipientPeerID string
	RequestID       string
	Err             error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s envelope: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type wireEnvelope struct {
	Tag             Tag             `json:"_tag"`
	SenderPeerID    string          `json:"senderPeerId"`
	RecipientPeerID string          `json:"recipientPeerId"`
	Payload         json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("marshal envelope: nil payload")
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}
	return json.Marshal(wireEnvelope{
		Tag:             e.Payload.Tag(),
		SenderPeerID:    e.SenderPeerID,
		RecipientPeerID: e.RecipientPeerID,
		Payload:         body,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	env, err := decode(data)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

func decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	fail := func(err error) (Envelope, error) {
		return Envelope{}, &DecodeError{
			Tag:             w.Tag,
			SenderPeerID:    w.SenderPeerID,
			RecipientPeerID: w.RecipientPeerID,
			RequestID:       peekRequestID(w.Payload),
			Err:             err,
		}
	}

	payload, err := newPayload(w.Tag)
	if err != nil {
		return fail(err)
	}
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, payload); err != nil {
			return fail(fmt.Errorf("unmarshal %s payload: %w", w.Tag, err))
		}
	}
	return Envelope{
		SenderPeerID:    w.SenderPeerID,
		RecipientPeerID: w.RecipientPeerID,
		Payload:         payload,
	}, nil
}

// peekRequestID reads only the requestId of a payload that failed to decode.
func peekRequestID(raw json.RawMessage) string {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return ""
	}
	return p.RequestID
}

func newPayload(tag Tag) (Payload, error) {
	switch tag {
	case TagQueryRequest:
		return &QueryRequest{}, nil
	case TagQueryResponse:
		return &QueryResponse{}, nil
	case TagAppendRequest:
		return &AppendRequest{}, nil
	case TagAppendResponse:
		return &AppendResponse{}, nil
	case TagSubscribeRequest:
		return &SubscribeRequest{}, nil
	case TagSubscribeResponse:
		return &SubscribeResponse{}, nil
	case TagError:
		return &ErrorResponse{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
}

// Encode serializes an envelope to its wire form.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope from its wire form. A payload that cannot be
// decoded yields a *DecodeError.
func Decode(data []byte) (Envelope, error) {
	return decode(data)
}
