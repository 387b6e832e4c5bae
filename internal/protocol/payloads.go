package protocol

import (
	"encoding/json"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

// Authenticate accepts either a bare token string or {"token": "..."}.
type Authenticate struct {
	Token string `json:"token"`
}

func (a *Authenticate) UnmarshalJSON(b []byte) error {
	var token string
	if err := json.Unmarshal(b, &token); err == nil {
		a.Token = token
		return nil
	}
	type plain Authenticate
	var p plain
	if err := DecodeStrict(b, &p); err != nil {
		return err
	}
	*a = Authenticate(p)
	return nil
}

type Authenticated struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
}

type SendMessage struct {
	RecipientID    string `json:"recipientId"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachmentUrl,omitempty"`
	AttachmentType string `json:"attachmentType,omitempty"`
}

// SendMessageAck answers send_message.
type SendMessageAck struct {
	Success bool           `json:"success"`
	Message *store.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Ack answers any other event that carried an id.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Typing struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

type UserTyping struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type CallOffer struct {
	RecipientID string          `json:"recipientId"`
	Offer       json.RawMessage `json:"offer"`
	CallType    string          `json:"callType"`
}

type IncomingCall struct {
	CallerID string          `json:"callerId"`
	Offer    json.RawMessage `json:"offer"`
	CallType string          `json:"callType"`
}

type CallAnswer struct {
	RecipientID string          `json:"recipientId"`
	Answer      json.RawMessage `json:"answer"`
}

type CallAnswered struct {
	AnswererID string          `json:"answererId"`
	Answer     json.RawMessage `json:"answer"`
}

// ICECandidate is the client-to-server form.
type ICECandidate struct {
	RecipientID string          `json:"recipientId"`
	Candidate   json.RawMessage `json:"candidate"`
}

// RelayedICECandidate is the server-to-peer form. The candidate is opaque.
type RelayedICECandidate struct {
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallEnd struct {
	RecipientID string `json:"recipientId"`
}

type CallEnded struct {
	From   string `json:"from"`
	Reason string `json:"reason,omitempty"`
}

type Presence struct {
	UserID string `json:"userId"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
