package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// EventType names a message on the relay connection.
type EventType string

const (
	EventJoin         EventType = "join"
	EventOperatorJoin EventType = "operator_join"
	EventCallRequest  EventType = "call_request"
	EventAcceptCall   EventType = "accept_call"
	EventCallAccepted EventType = "call_accepted"
	EventQueueUpdate  EventType = "queue_update"
	EventSignal       EventType = "signal"
)

// SignalKind is the negotiation step carried by a signal envelope.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// ErrMalformedEnvelope is returned when a message lacks a field its kind requires.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Message is the frame exchanged over the WebSocket in both directions
type Message struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes data as the payload of a message for event.
func NewMessage(event EventType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Message{Event: event, Data: raw}, nil
}

// Encode marshals an event frame ready to be written to a connection.
func Encode(event EventType, data any) ([]byte, error) {
	msg, err := NewMessage(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// JoinRequest is the payload of a join event. The bare string form
// `"data": "u1"` is accepted as well.
type JoinRequest struct {
	ParticipantID string `json:"participantId"`
}

func (j *JoinRequest) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		j.ParticipantID = id
		return nil
	}
	type plain JoinRequest
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*j = JoinRequest(p)
	return nil
}

// CallRequest asks to be placed in the call queue.
type CallRequest struct {
	CallerID    string `json:"callerId"`
	DisplayName string `json:"displayName"`
}

// AcceptCallRequest is sent by an operator to take a queued caller.
type AcceptCallRequest struct {
	CallerID string `json:"callerId"`
}

// CallAccepted notifies a caller which participant will answer.
type CallAccepted struct {
	OperatorID string `json:"operatorId"`
}

// SignalEnvelope carries one negotiation step between two participants.
// The relay forwards it without looking at Kind or Payload.
type SignalEnvelope struct {
	Kind    SignalKind      `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// SessionDescription is the payload of offer and answer envelopes.
type SessionDescription struct {
	SDP string `json:"sdp"`
}

// ICECandidate is the payload of ice-candidate envelopes.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex int     `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

// NewDescriptionEnvelope builds an offer or answer envelope.
func NewDescriptionEnvelope(kind SignalKind, from, to, sdp string) (SignalEnvelope, error) {
	raw, err := json.Marshal(SessionDescription{SDP: sdp})
	if err != nil {
		return SignalEnvelope{}, err
	}
	return SignalEnvelope{Kind: kind, From: from, To: to, Payload: raw}, nil
}

// NewCandidateEnvelope builds an ice-candidate envelope.
func NewCandidateEnvelope(from, to string, c ICECandidate) (SignalEnvelope, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return SignalEnvelope{}, err
	}
	return SignalEnvelope{Kind: SignalICECandidate, From: from, To: to, Payload: raw}, nil
}

// Validate checks addressing and the payload shape required by Kind.
func (e SignalEnvelope) Validate() error {
	if e.From == "" || e.To == "" {
		return fmt.Errorf("%w: missing from/to", ErrMalformedEnvelope)
	}
	switch e.Kind {
	case SignalOffer, SignalAnswer:
		_, err := e.Description()
		return err
	case SignalICECandidate:
		_, err := e.Candidate()
		return err
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}
}

// Description decodes an offer/answer payload.
func (e SignalEnvelope) Description() (SessionDescription, error) {
	var d SessionDescription
	if len(e.Payload) == 0 {
		return d, fmt.Errorf("%w: %s without payload", ErrMalformedEnvelope, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if d.SDP == "" {
		return d, fmt.Errorf("%w: %s without sdp", ErrMalformedEnvelope, e.Kind)
	}
	return d, nil
}

// Candidate decodes an ice-candidate payload.
func (e SignalEnvelope) Candidate() (ICECandidate, error) {
	var raw struct {
		Candidate     *string `json:"candidate"`
		SDPMLineIndex *int    `json:"sdpMLineIndex"`
		SDPMid        *string `json:"sdpMid"`
	}
	if len(e.Payload) == 0 {
		return ICECandidate{}, fmt.Errorf("%w: candidate without payload", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(e.Payload, &raw); err != nil {
		return ICECandidate{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if raw.Candidate == nil || raw.SDPMLineIndex == nil {
		return ICECandidate{}, fmt.Errorf("%w: candidate requires candidate and sdpMLineIndex", ErrMalformedEnvelope)
	}
	if *raw.SDPMLineIndex < 0 || *raw.SDPMLineIndex > math.MaxUint16 {
		return ICECandidate{}, fmt.Errorf("%w: sdpMLineIndex %d out of range", ErrMalformedEnvelope, *raw.SDPMLineIndex)
	}
	return ICECandidate{
		Candidate:     *raw.Candidate,
		SDPMLineIndex: *raw.SDPMLineIndex,
		SDPMid:        raw.SDPMid,
	}, nil
}
