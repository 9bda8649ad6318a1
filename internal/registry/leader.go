package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/metrics"
)

// leaderKey is the single key every Console process contends for
// (spec.md section 3.6).
const leaderKey = "jiascheduler:leader_election"

// leaderTTL matches spec.md's "TTL ~10s, renewal loop".
const leaderTTL = 10 * time.Second

// leaseMeta is the value stored under leaderKey while held.
type leaseMeta struct {
	NodeID    string    `json:"node_id"`
	Epoch     int64     `json:"epoch"`
	LeaseID   string    `json:"lease_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LeaderElector holds jiascheduler:leader_election against peer Console
// processes and runs onElected only while holding it. Adapted from
// control_plane/coordination/leader.go's acquire/renew/release state
// machine; the teacher split a Redis lease from a durable Postgres
// fencing epoch, incrementing the latter on every acquire. This module
// has no durable store to fence against, so the epoch here is tracked
// purely in Redis via INCR on leaderKey+":epoch" -- monotonic across
// restarts of this process, not across a flushed Redis, which spec.md's
// simpler registry model accepts.
type LeaderElector struct {
	rdb    *redis.Client
	log    *zap.Logger
	nodeID string

	mu           sync.RWMutex
	isLeader     bool
	leaseID      string
	epoch        int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	onElected func(ctx context.Context)
	onLost    func()

	cancel context.CancelFunc
}

func NewLeaderElector(rdb *redis.Client, log *zap.Logger, nodeID string) *LeaderElector {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &LeaderElector{rdb: rdb, log: log, nodeID: nodeID}
}

// SetCallbacks registers the functions run on election and loss of
// leadership. onElected's ctx is cancelled the instant leadership is
// lost, so long-running work inside it (the instance-health sweep) must
// select on ctx.Done().
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// Start launches the acquire/renew loop; it returns immediately.
func (l *LeaderElector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.loop(ctx)
}

// Stop ends the loop and releases leadership if held.
func (l *LeaderElector) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.IsLeader() {
		l.release()
		metrics.LeaderStatus.WithLabelValues(l.nodeID).Set(0)
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// FencedContext returns a context valid only while this node holds
// leadership; it is cancelled the moment leadership is lost.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := leaderTTL / 3
	minInterval := leaderTTL / 3
	maxInterval := 10 * leaderTTL

	// The first acquire attempt runs at once; later ticks follow interval.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
				l.stepDown()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil && !renewed {
					l.stepDown()
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				l.log.Warn("registry: leader election error, backing off", zap.Error(err), zap.Duration("interval", interval))
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	leaseID := uuid.NewString()
	meta := leaseMeta{NodeID: l.nodeID, LeaseID: leaseID, CreatedAt: time.Now()}
	val, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}

	ok, err := l.rdb.SetNX(ctx, leaderKey, val, leaderTTL).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	epoch, err := l.rdb.Incr(ctx, leaderKey+":epoch").Result()
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	l.leaseID = leaseID
	l.epoch = epoch
	l.mu.Unlock()
	return true, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	leaseID := l.leaseID
	l.mu.RUnlock()
	if leaseID == "" {
		return false, nil
	}

	cur, err := l.rdb.Get(ctx, leaderKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var meta leaseMeta
	if err := json.Unmarshal([]byte(cur), &meta); err != nil || meta.LeaseID != leaseID {
		return false, nil
	}
	return l.rdb.PExpire(ctx, leaderKey, leaderTTL).Result()
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	leaseID := l.leaseID
	l.mu.RUnlock()
	if leaseID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cur, err := l.rdb.Get(ctx, leaderKey).Result()
	if err != nil {
		return
	}
	var meta leaseMeta
	if json.Unmarshal([]byte(cur), &meta) == nil && meta.LeaseID == leaseID {
		l.rdb.Del(ctx, leaderKey)
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCtx = ctx
	l.leaderCancel = cancel
	epoch := l.epoch
	l.mu.Unlock()

	l.log.Info("registry: became leader", zap.String("node_id", l.nodeID), zap.Int64("epoch", epoch))
	metrics.LeaderStatus.WithLabelValues(l.nodeID).Set(1)
	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	l.log.Info("registry: lost leadership", zap.String("node_id", l.nodeID))
	metrics.LeaderStatus.WithLabelValues(l.nodeID).Set(0)
	if l.onLost != nil {
		l.onLost()
	}
}
