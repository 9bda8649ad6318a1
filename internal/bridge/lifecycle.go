package bridge

// ClientLifecycleSink decouples the Bridge from whatever owns the
// process-wide notion of "a client came online/offline" (Comet, in this
// module). Spec.md section 9 flags the cyclic back-reference between
// Comet and Bridge in the original source as something to re-architect;
// this interface, injected into the Bridge at construction, is that
// re-architecture: the Bridge calls back into its owner without holding
// a concrete *Comet.
type ClientLifecycleSink interface {
	// OnOnline fires once a client is registered under clientKey.
	// isInitialized mirrors the Auth handshake's AuthParams.IsInitialized
	// (see Connection.IsInitialized): false means this is the client's
	// first-ever connection, true means it is reconnecting with state it
	// already persisted -- the distinction spec.md section 4.6 draws
	// between first-connect and reconnect.
	OnOnline(clientKey string, isInitialized bool)
	OnOffline(clientKey string)
}

// NopLifecycleSink is a ClientLifecycleSink that does nothing; useful for
// the Agent side of the Bridge, which has no client table of its own.
type NopLifecycleSink struct{}

func (NopLifecycleSink) OnOnline(string, bool) {}
func (NopLifecycleSink) OnOffline(string)      {}
