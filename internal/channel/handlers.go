package channel

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/signaling"
)

const messageNotAuthenticated = "Not authenticated"

var relayEvents = map[string]bool{
	protocol.EventSendMessage:  true,
	protocol.EventTyping:       true,
	protocol.EventCallOffer:    true,
	protocol.EventCallAnswer:   true,
	protocol.EventICECandidate: true,
	protocol.EventCallEnd:      true,
}

// handle processes one inbound frame. It returns false once the channel is
// closing.
func (c *Conn) handle(raw []byte) bool {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		c.srv.cfg.Metrics.Inc(metrics.BadMessage)
		c.protocolError(nil, protocol.CodeBadMessage, "malformed frame")
		return true
	}

	if f.Event == protocol.EventAuthenticate {
		if c.identity != "" {
			c.protocolError(f.ID, protocol.CodeAlreadyAuthenticated, "already authenticated")
			return true
		}
		var req protocol.Authenticate
		if err := protocol.DecodeStrict(f.Data, &req); err != nil {
			req.Token = ""
		}
		return c.authenticate(req.Token, f.ID)
	}

	if !relayEvents[f.Event] {
		c.protocolError(f.ID, protocol.CodeUnknownEvent, "unknown event "+f.Event)
		return true
	}
	if c.identity == "" {
		c.ack(f.ID, protocol.Ack{Success: false, Error: messageNotAuthenticated})
		return true
	}

	switch f.Event {
	case protocol.EventSendMessage:
		c.handleSendMessage(f)
	case protocol.EventTyping:
		var req protocol.Typing
		if c.decode(f, &req) {
			c.srv.cfg.Relay.SendTyping(c.identity, req.RecipientID, req.IsTyping)
			c.ack(f.ID, protocol.Ack{Success: true})
		}
	case protocol.EventCallOffer:
		var req protocol.CallOffer
		if c.decode(f, &req) {
			c.ackResult(f.ID, c.offer(req))
		}
	case protocol.EventCallAnswer:
		var req protocol.CallAnswer
		if c.decode(f, &req) {
			c.ackResult(f.ID, c.srv.cfg.Calls.Answer(c.identity, req.RecipientID, req.Answer))
		}
	case protocol.EventICECandidate:
		var req protocol.ICECandidate
		if c.decode(f, &req) {
			c.ackResult(f.ID, c.srv.cfg.Calls.Candidate(c.identity, req.RecipientID, req.Candidate))
		}
	case protocol.EventCallEnd:
		var req protocol.CallEnd
		if c.decode(f, &req) {
			if req.RecipientID == "" {
				c.protocolError(f.ID, protocol.CodeBadMessage, "missing recipientId")
				break
			}
			c.srv.cfg.Calls.End(c.identity, req.RecipientID)
			c.ack(f.ID, protocol.Ack{Success: true})
		}
	}
	return true
}

// authenticate verifies token and, on success, registers the channel. A
// failure is reported to the client and closes the channel.
func (c *Conn) authenticate(token string, id *uint64) bool {
	cfg := c.srv.cfg

	identity := ""
	if token != "" {
		claims, err := cfg.Verifier.Verify(token)
		if err == nil {
			identity = claims.Identity()
		} else {
			c.log.Debug("authentication failed", "err", err)
		}
	}
	if identity == "" {
		cfg.Metrics.Inc(metrics.AuthFailure)
		_ = c.Send(protocol.EventAuthenticated, protocol.Authenticated{Success: false})
		c.ack(id, protocol.Ack{Success: false, Error: "invalid credentials"})
		c.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
		return false
	}

	c.identity = identity
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

	if prev, replaced := cfg.Registry.Register(identity, c); replaced {
		cfg.Metrics.Inc(metrics.ChannelSuperseded)
		c.log.Info("channel superseded", "identity", identity, "previous_conn_id", prev.ConnID())
	}
	cfg.Metrics.Inc(metrics.ChannelAuthenticated)
	c.log.Info("channel authenticated", "identity", identity)

	_ = c.Send(protocol.EventAuthenticated, protocol.Authenticated{Success: true, UserID: identity})
	c.ack(id, protocol.Ack{Success: true})
	cfg.Presence.Online(identity)
	return true
}

func (c *Conn) handleSendMessage(f protocol.Frame) {
	var req protocol.SendMessage
	if !c.decode(f, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, defaultHandlerTimeout)
	defer cancel()

	msg, err := c.srv.cfg.Relay.SendMessage(ctx, c.identity, req)
	if err != nil {
		c.log.Debug("send_message rejected", "identity", c.identity, "to", req.RecipientID, "err", err)
		c.ack(f.ID, protocol.SendMessageAck{Success: false, Error: relay.ClientMessage(err)})
		return
	}
	c.ack(f.ID, protocol.SendMessageAck{Success: true, Message: &msg})
}

func (c *Conn) offer(req protocol.CallOffer) error {
	kind, err := signaling.ParseCallKind(req.CallType)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, defaultHandlerTimeout)
	defer cancel()
	return c.srv.cfg.Calls.Offer(ctx, c.identity, req.RecipientID, req.Offer, kind)
}

func (c *Conn) decode(f protocol.Frame, v any) bool {
	if err := protocol.DecodeStrict(f.Data, v); err != nil {
		c.srv.cfg.Metrics.Inc(metrics.BadMessage)
		c.protocolError(f.ID, protocol.CodeBadMessage, "invalid "+f.Event+" payload")
		return false
	}
	return true
}

func (c *Conn) ack(id *uint64, payload any) {
	if id == nil {
		return
	}
	_ = c.enqueue(protocol.EventAck, id, payload)
}

func (c *Conn) ackResult(id *uint64, err error) {
	if err != nil {
		c.log.Debug("call signaling rejected", "identity", c.identity, "err", err)
		c.ack(id, protocol.Ack{Success: false, Error: callErrorMessage(err)})
		return
	}
	c.ack(id, protocol.Ack{Success: true})
}

// protocolError reports a frame that could not be processed. The channel
// stays open.
func (c *Conn) protocolError(id *uint64, code, message string) {
	_ = c.Send(protocol.EventError, protocol.Error{Code: code, Message: message})
	c.ack(id, protocol.Ack{Success: false, Error: message})
}

var callErrors = []error{
	signaling.ErrNoPendingCall,
	signaling.ErrNoActiveCall,
	signaling.ErrInvalidOffer,
	signaling.ErrInvalidAnswer,
	signaling.ErrInvalidCandidate,
	signaling.ErrInvalidRequest,
	signaling.ErrUnauthorized,
}

func callErrorMessage(err error) string {
	for _, known := range callErrors {
		if errors.Is(err, known) {
			return strings.TrimPrefix(known.Error(), "signaling: ")
		}
	}
	return "internal error"
}
