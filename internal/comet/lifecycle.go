package comet

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/eventbus"
)

// splitClientKey recovers (namespace, ip) from a client_key of the form
// "{namespace}/{ip}" (spec.md section 3.1).
func splitClientKey(clientKey string) (namespace, ip string) {
	i := strings.LastIndex(clientKey, "/")
	if i < 0 {
		return "", clientKey
	}
	return clientKey[:i], clientKey[i+1:]
}

// lifecycleSink implements bridge.ClientLifecycleSink: publishing
// AgentOnline/AgentOffline to the event bus and dropping any parked SSH
// socket on disconnect (spec.md section 4.2's Lifecycle actions, and
// section 4.7's "parked sockets are dropped when the Agent disconnects").
//
// This type is the explicit fix for spec.md section 9's flagged cyclic
// Comet<->Bridge reference in the teacher's ws_hub.go (MetricsHub holding
// a *API back-pointer): Bridge depends only on this narrow interface, the
// Server implements it, and nothing in internal/bridge imports
// internal/comet.
type lifecycleSink struct {
	srv *Server
	log *zap.Logger
}

func (l *lifecycleSink) OnOnline(clientKey string, isInitialized bool) {
	namespace, ip := splitClientKey(clientKey)
	l.log.Info("comet: agent online", zap.String("client_key", clientKey), zap.Bool("is_initialized", isInitialized))
	if l.srv.bus == nil {
		return
	}
	if _, err := l.srv.bus.Publish(context.Background(), eventbus.AgentOnlineMsg(eventbus.AgentOnlineParams{
		Namespace:     namespace,
		IP:            ip,
		IsInitialized: isInitialized,
	})); err != nil {
		l.log.Warn("comet: publish AgentOnline failed", zap.Error(err))
	}
}

func (l *lifecycleSink) OnOffline(clientKey string) {
	namespace, ip := splitClientKey(clientKey)
	l.log.Info("comet: agent offline", zap.String("client_key", clientKey))
	l.srv.dropParkedSSH(clientKey)
	if l.srv.bus == nil {
		return
	}
	if _, err := l.srv.bus.Publish(context.Background(), eventbus.AgentOfflineMsg(eventbus.AgentOfflineParams{
		Namespace: namespace,
		IP:        ip,
	})); err != nil {
		l.log.Warn("comet: publish AgentOffline failed", zap.Error(err))
	}
}
