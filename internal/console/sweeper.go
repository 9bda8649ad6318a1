package console

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// staleAfter is how long an instance can go without a refreshed
// heartbeat/online mark before the sweep demotes it to offline -- the
// 60-s-silence backstop spec.md section 4.3 names for an Agent that died
// without a clean disconnect reaching Comet's lifecycleSink.OnOffline.
const staleAfter = 60 * time.Second

// sweepInterval is how often the leader re-scans for stale instances.
const sweepInterval = 15 * time.Second

// Sweeper runs only on the elected leader (registry.LeaderElector), since
// every Console replica shares the same Store and an unguarded sweep would
// race itself across replicas.
type Sweeper struct {
	store Store
	log   *zap.Logger
}

func NewSweeper(store Store, log *zap.Logger) *Sweeper {
	return &Sweeper{store: store, log: log}
}

// Run is meant to be passed as a LeaderElector.SetCallbacks onElected
// callback: it loops until ctx (the elector's FencedContext) is cancelled,
// which happens the instant this node loses leadership.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-staleAfter)
	stale, err := s.store.StaleInstances(ctx, cutoff)
	if err != nil {
		s.log.Warn("console: stale instance scan failed", zap.Error(err))
		return
	}
	for _, t := range stale {
		if err := s.store.MarkInstanceOffline(ctx, t.Namespace, t.IP); err != nil {
			s.log.Warn("console: mark offline during sweep failed", zap.String("ip", t.IP), zap.Error(err))
			continue
		}
		s.log.Info("console: swept stale instance offline", zap.String("namespace", t.Namespace), zap.String("ip", t.IP))
	}
}
