package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"odin-term/internal/session"
	"odin-term/internal/wire"
)

// connection is one upgraded WebSocket socket multiplexing subscriptions
// to zero or more named sessions. writeLoop is the one goroutine that
// writes queued frames; the forwarders (one per subscription) only ever
// enqueue onto outbound. The reader also writes some frames directly
// (control pongs, BAD_FRAME and UNAUTHORIZED errors, close frames), as
// does the keepalive loop (pings); writeMu serializes all socket writes.
type connection struct {
	srv     *Server
	conn    net.Conn
	logger  *zap.Logger
	limiter *rate.Limiter

	principal *session.Principal

	mu   sync.Mutex
	subs map[string]*session.Subscriber

	outbound chan []byte

	lastPong atomic.Int64 // unix nanos

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// readPollInterval bounds how long readLoop can block inside NextFrame
// before re-checking ctx.Done(), so a write-timeout or missed-pong
// cancellation from another goroutine actually unblocks the reader
// instead of waiting on the peer forever.
const readPollInterval = 2 * time.Second

func newConnection(s *Server, raw net.Conn) *connection {
	return &connection{
		srv:      s,
		conn:     raw,
		logger:   s.logger,
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), s.cfg.RateLimitBurst),
		subs:     make(map[string]*session.Subscriber),
		outbound: make(chan []byte, s.cfg.OutboundQueueSize),
	}
}

func (c *connection) serve(parent context.Context) {
	defer c.conn.Close()

	if err := c.conn.SetDeadline(time.Now().Add(c.srv.cfg.HandshakeTimeout)); err != nil {
		c.logger.Debug("set handshake deadline", zap.Error(err))
	}

	token, err := c.upgrade()
	if err != nil {
		if c.srv.metr != nil {
			c.srv.metr.Messages.AcceptErrors.Inc()
		}
		c.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	_ = c.conn.SetDeadline(time.Time{})

	principal, err := c.srv.resolver.Resolve(parent, token)
	if err != nil {
		c.writeFrameDirect(wire.Error(wire.ErrUnauthorized, "invalid or missing token", "", ""))
		c.closeWithCode(ws.StatusPolicyViolation, "unauthenticated")
		return
	}
	c.principal = principal

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.lastPong.Store(time.Now().UnixNano())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, cancel)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepaliveLoop(ctx, cancel)
	}()

	c.enqueue(wire.Connected(principal.UserID, principal.Role.String()))

	c.readLoop(ctx)
	cancel()
	c.teardownSubscriptions()
	wg.Wait()
}

// upgrade performs the WebSocket handshake, rejecting a request whose path
// is not the configured transport Path, and extracts the bearer token
// from the request's query string, using gobwas/ws's header callbacks
// instead of routing through net/http.
func (c *connection) upgrade() (string, error) {
	var token string
	upgrader := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			u, err := url.ParseRequestURI(string(uri))
			if err == nil {
				if c.srv.cfg.Path != "" && u.Path != c.srv.cfg.Path {
					return errors.New("unknown websocket path: " + u.Path)
				}
				token = u.Query().Get("token")
			}
			return nil
		},
	}
	_, err := upgrader.Upgrade(c.conn)
	return token, err
}

func (c *connection) readLoop(ctx context.Context) {
	reader := wsutil.NewReader(c.conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		head, err := reader.NextFrame()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("read frame error", zap.Error(err))
			}
			return
		}

		if int64(head.Length) > c.srv.cfg.MaxFrameBytes {
			c.writeFrameDirect(wire.Error(wire.ErrBadFrame, "frame too large", "", ""))
			c.closeWithCode(ws.StatusUnsupportedData, "frame too large")
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			c.closeWithCode(ws.StatusNormalClosure, "")
			return
		case ws.OpPing:
			if err := c.writeRaw(ws.OpPong, nil); err != nil {
				c.logger.Debug("write pong error", zap.Error(err))
				return
			}
		case ws.OpPong:
			c.lastPong.Store(time.Now().UnixNano())
		case ws.OpText, ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				c.logger.Debug("read payload error", zap.Error(err))
				return
			}
			if !c.limiter.Allow() {
				c.enqueue(wire.Error(wire.ErrRateLimited, "slow down", "", ""))
				continue
			}
			if c.handleClientFrame(ctx, payload) {
				return
			}
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}

// isTimeout reports whether err is a deadline-exceeded error from the
// periodic read deadline readLoop re-arms on every iteration, as opposed
// to a genuine connection failure.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// handleClientFrame decodes and dispatches one client frame. It returns
// true when the frame violated the protocol (malformed payload, unknown
// type) and the caller must close the connection with BAD_FRAME/1003
// after this call, per the "respond then close" contract.
func (c *connection) handleClientFrame(ctx context.Context, raw []byte) bool {
	frame, err := wire.Decode(raw)
	if err != nil {
		c.writeFrameDirect(wire.Error(wire.ErrBadFrame, "could not parse frame: "+err.Error(), "", ""))
		c.closeWithCode(ws.StatusUnsupportedData, "bad frame")
		return true
	}

	switch frame.Type {
	case wire.TypeSubscribe:
		c.subscribe(ctx, frame.SessionName)
	case wire.TypeUnsubscribe:
		c.unsubscribe(frame.SessionName)
	case wire.TypeSendKeys:
		if sub := c.lookup(frame.SessionName); sub != nil {
			if hub, err := c.srv.registry.Resolve(ctx, frame.SessionName); err == nil {
				hub.Input(sub, []byte(frame.Keys))
			}
		} else {
			c.enqueue(wire.Error(wire.ErrNotFound, "not subscribed to this session", frame.SessionName, ""))
		}
	case wire.TypeResize:
		if sub := c.lookup(frame.SessionName); sub != nil {
			if hub, err := c.srv.registry.Resolve(ctx, frame.SessionName); err == nil {
				hub.Resize(sub, int(frame.Cols), int(frame.Rows))
			}
		} else {
			c.enqueue(wire.Error(wire.ErrNotFound, "not subscribed to this session", frame.SessionName, ""))
		}
	case wire.TypeClaim:
		if sub := c.lookup(frame.SessionName); sub != nil {
			if hub, err := c.srv.registry.Resolve(ctx, frame.SessionName); err == nil {
				hub.Claim(sub)
			}
		} else {
			c.enqueue(wire.Error(wire.ErrNotFound, "not subscribed to this session", frame.SessionName, ""))
		}
	case wire.TypeRelease:
		if sub := c.lookup(frame.SessionName); sub != nil {
			if hub, err := c.srv.registry.Resolve(ctx, frame.SessionName); err == nil {
				hub.Release(sub)
			}
		} else {
			c.enqueue(wire.Error(wire.ErrNotFound, "not subscribed to this session", frame.SessionName, ""))
		}
	case wire.TypeForceRelease:
		if sub := c.lookup(frame.SessionName); sub != nil {
			if hub, err := c.srv.registry.Resolve(ctx, frame.SessionName); err == nil {
				hub.ForceRelease(sub)
			}
		} else {
			c.enqueue(wire.Error(wire.ErrNotFound, "not subscribed to this session", frame.SessionName, ""))
		}
	case wire.TypePing:
		c.enqueue(wire.Pong(frame.Nonce))
	default:
		c.writeFrameDirect(wire.Error(wire.ErrBadFrame, "unknown frame type: "+frame.Type, "", ""))
		c.closeWithCode(ws.StatusUnsupportedData, "unknown frame type")
		return true
	}
	return false
}

func (c *connection) lookup(sessionName string) *session.Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[sessionName]
}

func (c *connection) subscribe(ctx context.Context, sessionName string) {
	if sessionName == "" {
		c.enqueue(wire.Error(wire.ErrBadFrame, "sessionName is required", "", ""))
		return
	}
	if c.lookup(sessionName) != nil {
		return
	}

	hub, err := c.srv.registry.Resolve(ctx, sessionName)
	if err != nil {
		c.enqueue(wire.Error(wire.ErrNotFound, "no such session", sessionName, ""))
		return
	}

	sub := session.NewSubscriber(uuid.NewString(), sessionName, c.principal, c.srv.sessCfg.QueueOutputCap, c.srv.sessCfg.QueuePriorityCap)
	if err := hub.Subscribe(sub); err != nil {
		c.enqueue(wire.Error(wire.ErrForbidden, "role does not permit viewing this session", sessionName, ""))
		return
	}

	c.mu.Lock()
	c.subs[sessionName] = sub
	c.mu.Unlock()

	go c.forward(sub)
}

func (c *connection) unsubscribe(sessionName string) {
	c.mu.Lock()
	sub, ok := c.subs[sessionName]
	if ok {
		delete(c.subs, sessionName)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if hub, err := c.srv.registry.Resolve(context.Background(), sessionName); err == nil {
		hub.Unsubscribe(sub)
	}
	sub.Evict("")
}

// forward drains one subscriber's dual-lane queue and relays every frame
// onto the connection's shared outbound channel, until the subscriber is
// evicted or the connection shuts down. On eviction it tears down the
// subscription itself, since nothing else observes a hub-initiated close.
func (c *connection) forward(sub *session.Subscriber) {
	ctx := context.Background()
	for {
		frame, ok := sub.Dequeue(ctx)
		if !ok {
			c.handleSubscriberClosed(sub)
			return
		}
		c.enqueue(frame)
	}
}

// handleSubscriberClosed runs when a subscriber's queue reports closed:
// hub-side eviction, a lost multiplexer session, or server shutdown. The
// hub has already dropped its own membership entry by this point, so
// this only needs to drop the connection's local bookkeeping and
// surface the reason to the client, if one was recorded.
func (c *connection) handleSubscriberClosed(sub *session.Subscriber) {
	c.mu.Lock()
	if current, ok := c.subs[sub.SessionName]; ok && current == sub {
		delete(c.subs, sub.SessionName)
	}
	c.mu.Unlock()

	if reason := sub.EvictReason(); reason != "" {
		c.enqueue(wire.Error(reason, "removed from session", sub.SessionName, ""))
	}
}

func (c *connection) teardownSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*session.Subscriber)
	c.mu.Unlock()

	for name, sub := range subs {
		if hub, err := c.srv.registry.Resolve(context.Background(), name); err == nil {
			hub.Unsubscribe(sub)
		}
		sub.Evict("")
	}
}

func (c *connection) enqueue(frame *wire.ServerFrame) {
	data, err := frame.Encode()
	if err != nil {
		c.logger.Error("encode frame", zap.Error(err))
		return
	}
	select {
	case c.outbound <- data:
	default:
		// outbound is full; the connection itself is the slow consumer here.
		if c.srv.metr != nil {
			c.srv.metr.Messages.BroadcastDropped.Inc()
		}
	}
}

// writeRaw serializes every write to the socket behind one mutex.
// writeLoop, keepaliveLoop's pings, and the direct error/close writes
// below all share c.conn; gobwas/ws frames interleave into a corrupt
// stream if two goroutines write to the same conn at once.
func (c *connection) writeRaw(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteDeadline))
	return wsutil.WriteServerMessage(c.conn, op, data)
}

func (c *connection) writeFrameDirect(frame *wire.ServerFrame) {
	data, err := frame.Encode()
	if err != nil {
		return
	}
	_ = c.writeRaw(ws.OpText, data)
}

// closeWithCode sends a WebSocket close frame carrying code, per the
// connection close contract: 1000 normal, 1003 bad frame, 1008
// unauthenticated, 1011 write timeout/internal. Safe to call more than
// once or from more than one goroutine; only the first call writes.
func (c *connection) closeWithCode(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		body := ws.NewCloseFrameBody(code, reason)
		if err := c.writeRaw(ws.OpClose, body); err != nil {
			c.logger.Debug("write close frame error", zap.Error(err))
		}
	})
}

func (c *connection) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.writeRaw(ws.OpText, data); err != nil {
				c.logger.Debug("write message error", zap.Error(err))
				c.closeWithCode(ws.StatusInternalServerError, "write deadline exceeded")
				cancel()
				return
			}
			if c.srv.metr != nil {
				c.srv.metr.Messages.MessagesDelivered.Inc()
			}
		}
	}
}

// keepaliveLoop sends a WebSocket-level ping every PingInterval and
// disconnects if PongMissedLimit consecutive intervals pass without a
// pong back.
func (c *connection) keepaliveLoop(ctx context.Context, cancel context.CancelFunc) {
	if c.srv.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lastPong := time.Unix(0, c.lastPong.Load())
			if time.Since(lastPong) > c.srv.cfg.PingInterval {
				missed++
			} else {
				missed = 0
			}
			if missed >= c.srv.cfg.PongMissedLimit {
				c.logger.Debug("closing connection: missed pong limit reached")
				c.closeWithCode(ws.StatusInternalServerError, "pong keepalive timeout")
				cancel()
				return
			}
			if err := c.writeRaw(ws.OpPing, nil); err != nil {
				c.closeWithCode(ws.StatusInternalServerError, "ping write failed")
				cancel()
				return
			}
		}
	}
}
