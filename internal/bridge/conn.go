package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/metrics"
)

// Connection lifecycle constants, grounded on the ping/pong/deadline
// idiom shared by control_plane/ws_hub.go and arkeep's
// server/internal/websocket/client.go.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20 // 8 MiB; bundle output can be large

	// pendingTTL bounds pending-table memory independently of any
	// caller's own wait: an entry is dropped after this long even if
	// the caller is still waiting (see Send).
	pendingTTL = 5 * time.Second
	// defaultSendTimeout is the deadline Send waits for a Response
	// before returning ErrTimeout.
	defaultSendTimeout = 10 * time.Second
	// outboundBacklog is the bounded capacity of a connection's
	// outbound channel (spec.md section 5).
	outboundBacklog = 100
	// enqueueTimeout is how long a writer enqueue blocks before the
	// message is dropped and logged (spec.md section 4.1/5).
	enqueueTimeout = 1 * time.Second
)

// Handler processes an inbound Request and produces the Response to send
// back. It is called in its own goroutine per request.
type Handler func(ctx context.Context, req Request) json.RawMessage

type pendingEntry struct {
	ch     chan json.RawMessage
	expiry *time.Timer
}

// Connection wraps one WebSocket and implements the per-connection
// request/response correlation described in spec.md section 4.1: a
// single writer goroutine serializes outgoing frames, a single reader
// goroutine demultiplexes incoming ones, and a pending-table correlates
// Responses back to the Send call that issued the Request.
//
// There is no pack example of this correlation table; its map+mutex+TTL
// shape mirrors the teacher's lock/lease/idempotency key-with-TTL idiom
// (control_plane/store/redis.go), adapted to an in-process channel table
// instead of a Redis key.
type Connection struct {
	ws     *websocket.Conn
	log    *zap.Logger
	nextID uint64

	outbound chan wireFrame

	mu      sync.Mutex
	pending map[uint64]*pendingEntry
	closed  bool
	closeCh chan struct{}

	handler Handler

	// ClientKey, AgentIP and IsInitialized are captured from the Auth
	// handshake and cached here for the lifetime of the connection.
	ClientKey     string
	AgentIP       string
	IsInitialized bool

	onClose func()
}

type wireFrame struct {
	env Envelope
}

// NewConnection wraps ws. handler processes inbound Requests; it may be
// nil for connections that never receive Requests (not used currently,
// both Comet and Agent sides handle some request type).
func NewConnection(ws *websocket.Conn, log *zap.Logger, handler Handler) *Connection {
	c := &Connection{
		ws:       ws,
		log:      log,
		outbound: make(chan wireFrame, outboundBacklog),
		pending:  make(map[uint64]*pendingEntry),
		closeCh:  make(chan struct{}),
		handler:  handler,
		nextID:   1,
	}
	ws.SetReadLimit(maxMessageSize)
	return c
}

// Start launches the reader and writer goroutines. readTimeout bounds
// how long the reader waits for any message (including pongs) before
// treating the connection as dead; the Agent side uses 90s per spec.md
// section 4.1, the Comet side uses pongWait.
func (c *Connection) Start(readTimeout time.Duration) {
	go c.writeLoop()
	go c.readLoop(readTimeout)
}

// OnClose registers a callback invoked exactly once when the connection
// is torn down, from whichever side (read error, write error, or an
// explicit Close call).
func (c *Connection) OnClose(fn func()) { c.onClose = fn }

// SetHandler installs (or replaces) the Request handler. Callers that
// need the peer's client_key bound into the handler closure -- known
// only after the Auth handshake completes -- call this after
// NewConnection/PerformServerAuth and before Start.
func (c *Connection) SetHandler(h Handler) { c.handler = h }

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-c.closeCh:
			return
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			b, err := json.Marshal(frame.env)
			if err != nil {
				c.log.Warn("bridge: marshal envelope failed", zap.Error(err))
				continue
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				c.log.Warn("bridge: write failed, closing connection", zap.Error(err))
				c.teardown()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown()
				return
			}
		}
	}
}

func (c *Connection) readLoop(readTimeout time.Duration) {
	defer c.teardown()

	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("bridge: read loop ending", zap.Error(err))
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("bridge: dropping malformed frame", zap.Error(err))
			continue
		}

		switch env.Kind {
		case KindResponse:
			c.deliverResponse(env.ID, env.Payload)
		case KindRequest:
			go c.handleInboundRequest(env)
		default:
			c.log.Warn("bridge: dropping frame with unknown kind", zap.String("kind", string(env.Kind)))
		}
	}
}

func (c *Connection) deliverResponse(id uint64, payload json.RawMessage) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		metrics.BridgePendingRequests.Dec()
	}

	if !ok {
		// Unknown correlation id: already expired from the pending
		// table, or the peer originated a Response with no matching
		// Request on this connection. Never crashes; just logged.
		c.log.Info("bridge: response for unknown correlation id dropped", zap.Uint64("id", id))
		return
	}
	entry.expiry.Stop()
	entry.ch <- payload
}

func (c *Connection) handleInboundRequest(env Envelope) {
	var req Request
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.log.Warn("bridge: dropping malformed request", zap.Error(err))
		return
	}

	var respPayload json.RawMessage
	if c.handler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		respPayload = c.handler(ctx, req)
		cancel()
	} else {
		respPayload = marshalError("no handler registered for this connection")
	}

	c.enqueueResponse(env.ID, respPayload)
}

func (c *Connection) enqueueResponse(id uint64, payload json.RawMessage) {
	frame := wireFrame{env: Envelope{ID: id, Kind: KindResponse, Payload: payload}}
	select {
	case c.outbound <- frame:
	case <-time.After(enqueueTimeout):
		c.log.Warn("bridge: dropping response, outbound backpressure timeout", zap.Uint64("id", id))
	case <-c.closeCh:
	}
}

// Send issues req and blocks until a correlated Response arrives, the
// deadline (default 10s) elapses, or the connection is closed.
func (c *Connection) Send(ctx context.Context, req Request) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.nextID, 1)

	start := time.Now()
	defer func() { metrics.BridgeSendDuration.Observe(time.Since(start).Seconds()) }()

	entry := &pendingEntry{ch: make(chan json.RawMessage, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransport
	}
	c.pending[id] = entry
	c.mu.Unlock()
	metrics.BridgePendingRequests.Inc()

	entry.expiry = time.AfterFunc(pendingTTL, func() {
		c.mu.Lock()
		_, existed := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if existed {
			metrics.BridgePendingRequests.Dec()
		}
	})

	payload, err := json.Marshal(req)
	if err != nil {
		c.cancelPending(id)
		return nil, fmt.Errorf("bridge: marshal request: %w", err)
	}
	frame := wireFrame{env: Envelope{ID: id, Kind: KindRequest, Payload: payload}}

	select {
	case c.outbound <- frame:
	case <-time.After(enqueueTimeout):
		c.cancelPending(id)
		return nil, ErrTransport
	case <-c.closeCh:
		c.cancelPending(id)
		return nil, ErrTransport
	}

	timeout := defaultSendTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-entry.ch:
		if !ok {
			// teardown closed the reply channel.
			return nil, ErrTransport
		}
		return payload, nil
	case <-timer.C:
		c.cancelPending(id)
		metrics.BridgeTimeouts.Inc()
		return nil, ErrTimeout
	case <-ctx.Done():
		c.cancelPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.BridgeTimeouts.Inc()
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, ErrTransport
	}
}

func (c *Connection) cancelPending(id uint64) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		metrics.BridgePendingRequests.Dec()
	}
	if ok && entry.expiry != nil {
		entry.expiry.Stop()
	}
}

// sendRaw writes a frame directly with no pending-table registration and
// no response wait; used only by the Auth handshake, which always uses
// connection id 0 and is handled before the normal read/write loops
// start.
func (c *Connection) sendRaw(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *Connection) readRaw() (Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// teardown closes the underlying socket, fails every pending Send with
// ErrTransport, and fires onClose exactly once. Per spec.md section 9's
// open question about the stubbed drop() in the original, this module
// decides real cleanup always happens here.
func (c *Connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	close(c.closeCh)
	c.ws.Close()

	for _, entry := range pending {
		entry.expiry.Stop()
		close(entry.ch)
		metrics.BridgePendingRequests.Dec()
	}

	if c.onClose != nil {
		c.onClose()
	}
}

// Close tears the connection down explicitly (used by the server when it
// wants to reject an unauthenticated connection, for example).
func (c *Connection) Close() { c.teardown() }
