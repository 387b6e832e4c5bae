// Package protocol defines the JSON frames exchanged over a chat channel.
//
// Every frame is {"event": string, "id"?: uint64, "data"?: any}. A client
// frame carrying an id is answered with {"event":"ack","id":<id>,"data":...}.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"

	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
	EventTyping         = "typing"
	EventUserTyping     = "user_typing"

	EventCallOffer    = "call_offer"
	EventIncomingCall = "incoming_call"
	EventCallAnswer   = "call_answer"
	EventCallAnswered = "call_answered"
	EventICECandidate = "ice_candidate"
	EventCallEnd      = "call_end"
	EventCallEnded    = "call_ended"

	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"

	EventAck   = "ack"
	EventError = "error"
)

// Error codes carried by the error event.
const (
	CodeBadMessage           = "bad_message"
	CodeUnknownEvent         = "unknown_event"
	CodeRateLimited          = "rate_limited"
	CodeAlreadyAuthenticated = "already_authenticated"
)

// Call end reasons.
const (
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
)

// Frame is an inbound frame; Data is decoded per event.
type Frame struct {
	Event string          `json:"event"`
	ID    *uint64         `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is an encoded server or client frame.
type Outbound struct {
	Event string  `json:"event"`
	ID    *uint64 `json:"id,omitempty"`
	Data  any     `json:"data,omitempty"`
}

var ErrTrailingData = errors.New("protocol: unexpected trailing data")

// ParseFrame decodes one frame, rejecting unknown fields and trailing data.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := DecodeStrict(raw, &f); err != nil {
		return Frame{}, err
	}
	if f.Event == "" {
		return Frame{}, errors.New("protocol: missing event")
	}
	return f, nil
}

// DecodeStrict decodes exactly one JSON value into v.
func DecodeStrict(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("protocol: missing data")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}

// Encode marshals an outbound frame.
func Encode(event string, id *uint64, data any) ([]byte, error) {
	return json.Marshal(Outbound{Event: event, ID: id, Data: data})
}
