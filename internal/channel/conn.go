package channel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/ratelimit"
)

const (
	wsWriteWait = 1 * time.Second
	writeWait   = 10 * time.Second
)

var (
	ErrClosed        = errors.New("channel: closed")
	ErrSendQueueFull = errors.New("channel: send queue full")
)

// Conn is one client channel. Inbound frames are handled in order on the
// reader goroutine; outbound frames go through a bounded queue drained by a
// single writer goroutine, so Send never blocks.
type Conn struct {
	id  string
	srv *Server
	ws  *websocket.Conn
	log *slog.Logger

	// ctx is cancelled when the channel starts closing.
	ctx    context.Context
	cancel context.CancelFunc

	out        chan []byte
	done       chan struct{}
	writerDone chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	limiter *ratelimit.ChannelLimiter

	// identity is owned by the reader goroutine.
	identity string
}

func (c *Conn) ConnID() string { return c.id }

// Send queues an event for the client. It fails with ErrSendQueueFull rather
// than waiting for a slow client.
func (c *Conn) Send(event string, data any) error {
	return c.enqueue(event, nil, data)
}

func (c *Conn) enqueue(event string, id *uint64, data any) error {
	b, err := protocol.Encode(event, id, data)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.srv.cfg.Metrics.Inc(metrics.SendQueueFull)
		c.log.Warn("send queue full; dropping frame", "event", event)
		return ErrSendQueueFull
	}
}

// closeWith starts closing the channel. The writer flushes queued frames, then
// sends a close frame with code and reason. Only the first call has effect.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
		c.cancel()
	})
}

func (c *Conn) wait() { <-c.writerDone }

func (c *Conn) run(token string) {
	cfg := c.srv.cfg
	cfg.Metrics.Inc(metrics.ChannelOpened)
	c.log.Debug("channel opened")

	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	go c.writeLoop(c.log)

	defer func() {
		c.closeWith(websocket.CloseNormalClosure, "")
		if c.identity != "" {
			cfg.Presence.Disconnected(c.identity, c)
		}
		c.wait()
		cfg.Metrics.Inc(metrics.ChannelClosed)
		c.log.Debug("channel closed", "identity", c.identity)
	}()

	c.ws.SetPongHandler(func(string) error {
		if c.identity != "" {
			return c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
		return nil
	})

	if token != "" {
		if !c.authenticate(token, nil) {
			return
		}
	} else {
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.AuthTimeout))
	}

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}
		if c.identity != "" {
			_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
		if msgType != websocket.TextMessage {
			cfg.Metrics.Inc(metrics.BadMessage)
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if d := c.limiter.Allow(); !d.Allowed {
			cfg.Metrics.Inc(metrics.RateLimited)
			if d.HardClose {
				c.log.Info("closing channel after repeated rate limit violations", "identity", c.identity)
				c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
				return
			}
			c.protocolError(nil, protocol.CodeRateLimited, "too many messages")
			continue
		}
		if !c.handle(raw) {
			return
		}
	}
}

func (c *Conn) readFailed(err error) {
	cfg := c.srv.cfg
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		cfg.Metrics.Inc(metrics.BadMessage)
		c.closeWith(websocket.CloseMessageTooBig, "message too large")
	case isTimeout(err) && c.identity == "":
		cfg.Metrics.Inc(metrics.AuthTimeout)
		c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
	case isTimeout(err):
		c.log.Debug("channel idle", "identity", c.identity)
		c.closeWith(websocket.CloseNormalClosure, "idle timeout")
	default:
		c.closeWith(websocket.CloseNormalClosure, "")
	}
}

func (c *Conn) writeLoop(log *slog.Logger) {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case b := <-c.out:
			if err := c.write(b); err != nil {
				log.Debug("channel write failed", "err", err)
				c.closeWith(websocket.CloseInternalServerErr, "")
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(websocket.CloseInternalServerErr, "")
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			c.flush()
			writeClose(c.ws, c.closeCode, c.closeReason)
			_ = c.ws.Close()
			return
		}
	}
}

// flush writes whatever is still queued without waiting for more.
func (c *Conn) flush() {
	for {
		select {
		case b := <-c.out:
			if err := c.write(b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
