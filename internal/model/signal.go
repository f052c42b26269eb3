package model

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SignalType is the kind of a call_signals row.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// Signal is one append-only call_signals row. Data is the raw signal_data JSON;
// use Decode to get the typed payload.
type Signal struct {
	ID        int64      `json:"id"`
	CallID    string     `json:"call_id"`
	SenderID  string     `json:"sender_id"`
	Type      SignalType `json:"signal_type"`
	Data      []byte     `json:"signal_data"`
	CreatedAt time.Time  `json:"created_at"`
}

// Decode validates the row and returns its typed payload.
func (s Signal) Decode() (Payload, error) {
	return DecodePayload(s.Type, s.Data)
}

// Payload is the tagged union carried by a signal:
// *Offer, *Answer or *ICECandidate.
type Payload interface {
	SignalType() SignalType
}

// Offer is the caller's session description.
type Offer struct {
	SDP  string `json:"sdp" validate:"required"`
	Type string `json:"type" validate:"omitempty,eq=offer"`
}

func (*Offer) SignalType() SignalType { return SignalOffer }

// Answer is the callee's session description.
type Answer struct {
	SDP  string `json:"sdp" validate:"required"`
	Type string `json:"type" validate:"omitempty,eq=answer"`
}

func (*Answer) SignalType() SignalType { return SignalAnswer }

// ICECandidate is the RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate" validate:"required"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (*ICECandidate) SignalType() SignalType { return SignalICECandidate }

// EncodePayload validates p and renders it as signal_data JSON.
func EncodePayload(p Payload) (SignalType, []byte, error) {
	switch v := p.(type) {
	case *Offer:
		if v.Type == "" {
			v.Type = string(SignalOffer)
		}
	case *Answer:
		if v.Type == "" {
			v.Type = string(SignalAnswer)
		}
	case *ICECandidate:
	case nil:
		return "", nil, fmt.Errorf("%w: nil payload", ErrInvalidSignal)
	default:
		return "", nil, fmt.Errorf("%w: unsupported payload %T", ErrInvalidSignal, p)
	}
	if err := validate.Struct(p); err != nil {
		return "", nil, wrapValidation(ErrInvalidSignal, string(p.SignalType()), err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", p.SignalType(), err)
	}
	return p.SignalType(), b, nil
}

// DecodePayload parses and validates signal_data for the given type.
func DecodePayload(t SignalType, data []byte) (Payload, error) {
	var p Payload
	switch t {
	case SignalOffer:
		p = &Offer{}
	case SignalAnswer:
		p = &Answer{}
	case SignalICECandidate:
		p = &ICECandidate{}
	default:
		return nil, fmt.Errorf("%w: unknown signal type %q", ErrInvalidSignal, t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSignal, t, err)
	}
	if err := validate.Struct(p); err != nil {
		return nil, wrapValidation(ErrInvalidSignal, string(t), err)
	}
	return p, nil
}
