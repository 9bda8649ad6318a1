package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Bridge owns the table of live Connections keyed by client_key (the
// Agent's namespace/ip identity, per spec.md section 3.1 -- see
// Target.ClientKey). It is the single chokepoint both Comet (dispatching
// to Agents) and, in
// principle, a symmetric Agent-side table (not used: an Agent has at
// most one outbound Connection, held directly by agentconn) would use.
//
// Grounded on control_plane/ws_hub.go's client-table shape, but that
// file held a live *Comet back-reference for lifecycle notification.
// Per spec.md section 9's re-architecture note, that back-reference is
// replaced here by the injected ClientLifecycleSink.
type Bridge struct {
	log  *zap.Logger
	sink ClientLifecycleSink

	mu      sync.RWMutex
	clients map[string]*Connection
}

// New constructs a Bridge. sink receives OnOnline/OnOffline callbacks as
// connections register and unregister; pass NopLifecycleSink if nothing
// needs to observe this.
func New(log *zap.Logger, sink ClientLifecycleSink) *Bridge {
	if sink == nil {
		sink = NopLifecycleSink{}
	}
	return &Bridge{
		log:     log,
		sink:    sink,
		clients: make(map[string]*Connection),
	}
}

// Register associates clientKey with conn, replacing (and closing) any
// prior connection for the same key -- an Agent reconnecting always wins
// over its own stale connection. Fires OnOnline.
func (b *Bridge) Register(clientKey string, conn *Connection) {
	b.mu.Lock()
	old, hadOld := b.clients[clientKey]
	b.clients[clientKey] = conn
	b.mu.Unlock()

	if hadOld && old != conn {
		old.Close()
	}

	conn.ClientKey = clientKey
	conn.OnClose(func() { b.unregisterIfCurrent(clientKey, conn) })

	b.log.Info("bridge: client registered", zap.String("client_key", clientKey))
	b.sink.OnOnline(clientKey, conn.IsInitialized)
}

// unregisterIfCurrent removes clientKey from the table only if it still
// maps to conn -- guards against a just-registered newer connection
// being unregistered by the old connection's delayed teardown callback.
func (b *Bridge) unregisterIfCurrent(clientKey string, conn *Connection) {
	b.mu.Lock()
	current, ok := b.clients[clientKey]
	isCurrent := ok && current == conn
	if isCurrent {
		delete(b.clients, clientKey)
	}
	b.mu.Unlock()

	if !isCurrent {
		return
	}
	b.log.Info("bridge: client unregistered", zap.String("client_key", clientKey))
	b.sink.OnOffline(clientKey)
}

// Unregister forcibly removes and closes clientKey's connection, if any.
func (b *Bridge) Unregister(clientKey string) {
	b.mu.Lock()
	conn, ok := b.clients[clientKey]
	if ok {
		delete(b.clients, clientKey)
	}
	b.mu.Unlock()
	if ok {
		conn.Close()
		b.sink.OnOffline(clientKey)
	}
}

// Connection returns the live connection for clientKey, if any.
func (b *Bridge) Connection(clientKey string) (*Connection, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	conn, ok := b.clients[clientKey]
	return conn, ok
}

// IsOnline reports whether clientKey currently has a registered
// connection.
func (b *Bridge) IsOnline(clientKey string) bool {
	_, ok := b.Connection(clientKey)
	return ok
}

// Send issues req to clientKey's connection and waits for the correlated
// Response. Returns ErrNotRegistered if clientKey has no live connection.
func (b *Bridge) Send(ctx context.Context, clientKey string, req Request) (json.RawMessage, error) {
	conn, ok := b.Connection(clientKey)
	if !ok {
		return nil, ErrNotRegistered
	}
	return conn.Send(ctx, req)
}

// Clients returns a snapshot of currently registered client keys.
func (b *Bridge) Clients() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.clients))
	for k := range b.clients {
		keys = append(keys, k)
	}
	return keys
}
