package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/relay"
)

// wsConn is one signaling socket. It implements mesh.Conn.
type wsConn struct {
	srv     *Server
	conn    *websocket.Conn
	id      string
	log     *slog.Logger
	out     *outbox
	limiter *ratelimit.MessageLimiter
	idle    time.Duration

	joined  atomic.Bool
	aborted atomic.Bool

	closeMu     sync.Mutex
	closeSet    bool
	closeCode   int
	closeReason string

	writerDone chan struct{}
	stopPing   chan struct{}
}

func newWSConn(s *Server, conn *websocket.Conn, remoteAddr string) *wsConn {
	return &wsConn{
		srv:        s,
		conn:       conn,
		log:        s.log.With("remote_addr", remoteAddr),
		out:        newOutbox(s.cfg.SendQueueMessages),
		limiter:    ratelimit.NewMessageLimiter(s.cfg.Clock, s.cfg.MaxMessagesPerSecond, s.cfg.MaxMessagesPerSecond),
		idle:       s.cfg.IdleTimeout,
		writerDone: make(chan struct{}),
		stopPing:   make(chan struct{}),
	}
}

// Deliver implements mesh.Conn. It never blocks.
func (c *wsConn) Deliver(n mesh.Notice) bool {
	frame, err := encodeNotice(n)
	if err != nil {
		c.log.Warn("failed to encode notice", "kind", n.Kind, "err", err)
		return false
	}
	return c.out.push(frame)
}

func (c *wsConn) run(ctx context.Context) {
	cfg := c.srv.cfg

	c.conn.SetReadLimit(cfg.MaxMessageBytes)
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	go c.writeLoop()
	go c.pingLoop(cfg.PingInterval)

	joinTimer := time.AfterFunc(cfg.JoinTimeout, func() {
		if !c.joined.Load() {
			cfg.Metrics.ProtocolError("join_timeout")
			c.abort(websocket.ClosePolicyViolation, "join timeout")
		}
	})

	c.readLoop(ctx)

	joinTimer.Stop()
	close(c.stopPing)

	// Leave the hub first so nothing is delivered into a closed outbox.
	cfg.Hub.Disconnect(context.WithoutCancel(ctx), c.id)
	c.out.close()
	select {
	case <-c.writerDone:
	case <-time.After(wsDrainWait):
		c.log.Debug("signaling outbox drain timed out", "pending", c.out.len())
		c.out.discard()
	}

	if code, reason := c.closeFrame(); code != 0 {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	}
	_ = c.conn.Close()

	if drops := c.out.dropCount(); drops > 0 {
		c.log.Debug("signaling connection dropped notices", "drops", drops)
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}
		c.extendDeadline()

		// Rate limit after reading so the frame is consumed and the client
		// reliably sees the close code instead of a reset.
		if !c.limiter.Allow() {
			c.fail(CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}
		msg, err := parseClientMessage(data)
		if err != nil {
			c.fail(CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *wsConn) readFailed(err error) {
	switch {
	case c.aborted.Load():
	case errors.Is(err, websocket.ErrReadLimit):
		// gorilla has already sent CloseMessageTooBig.
		c.srv.cfg.Metrics.ProtocolError(CodeBadMessage)
		c.setClose(0, "")
	case isTimeout(err):
		c.setClose(websocket.CloseNormalClosure, "idle timeout")
	default:
		c.log.Debug("signaling connection closed", "err", err)
	}
}

func (c *wsConn) handle(ctx context.Context, msg clientMessage) {
	hub := c.srv.cfg.Hub
	switch msg.Type {
	case messageTypeJoin:
		if _, err := hub.Join(ctx, c.id, msg.PeerID); err != nil {
			c.reject(err)
			return
		}
		c.joined.Store(true)
	case messageTypeSignal:
		_, err := hub.Signal(ctx, c.id, relay.Signal{From: msg.From, To: msg.To, Payload: msg.Signal})
		if err != nil {
			c.reject(err)
		}
	}
}

// reject reports a recoverable error; the connection stays open.
func (c *wsConn) reject(err error) {
	pe := protocolError(err)
	c.srv.cfg.Metrics.ProtocolError(pe.Code)
	if pe.Code == CodeUnavailable {
		c.log.Warn("signaling request failed", "err", err)
	}
	c.out.pushAlways(encodeError(pe.Code, pe.Message))
}

// fail sends an error frame and ends the read loop; the close frame follows
// once the outbox has drained.
func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	c.srv.cfg.Metrics.ProtocolError(code)
	c.out.pushAlways(encodeError(code, message))
	c.setClose(closeCode, closeReason)
}

// abort ends the read loop from another goroutine. A zero code sends no
// close frame.
func (c *wsConn) abort(code int, reason string) {
	c.setClose(code, reason)
	c.aborted.Store(true)
	_ = c.conn.SetReadDeadline(time.Now())
}

// rejectAndClose is used before the writer goroutine exists.
func (c *wsConn) rejectAndClose(code, message string, closeCode int, closeReason string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, encodeError(code, message))
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, closeReason), time.Now().Add(wsWriteWait))
	_ = c.conn.Close()
}

func (c *wsConn) setClose(code int, reason string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeSet {
		return
	}
	c.closeSet = true
	c.closeCode, c.closeReason = code, reason
}

func (c *wsConn) closeFrame() (int, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeReason
}

// extendDeadline pushes the idle deadline forward unless the connection is
// being aborted, in which case the read must fail immediately.
func (c *wsConn) extendDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idle))
	if c.aborted.Load() {
		_ = c.conn.SetReadDeadline(time.Now())
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	for {
		frame, ok := c.out.pop()
		if !ok {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("signaling write failed", "err", err)
			c.out.discard()
			c.abort(0, "")
			return
		}
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopPing:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
