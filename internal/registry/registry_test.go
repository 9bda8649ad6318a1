package registry

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLinkPairSetAndLookup(t *testing.T) {
	rdb := newTestRedis(t)
	lp := NewLinkPairs(rdb)
	ctx := context.Background()

	require.NoError(t, lp.Set(ctx, "default/10.0.0.1", "comet-1:9000"))
	addr, err := lp.Lookup(ctx, "default/10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "comet-1:9000", addr)
}

func TestLinkPairLookupMissingReturnsNotRegistered(t *testing.T) {
	rdb := newTestRedis(t)
	lp := NewLinkPairs(rdb)
	_, err := lp.Lookup(context.Background(), "default/9.9.9.9")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestLinkPairDeleteOnlyIfOwned(t *testing.T) {
	rdb := newTestRedis(t)
	lp := NewLinkPairs(rdb)
	ctx := context.Background()

	require.NoError(t, lp.Set(ctx, "default/10.0.0.2", "comet-1:9000"))
	require.NoError(t, lp.Delete(ctx, "default/10.0.0.2", "comet-2:9000"))
	_, err := lp.Lookup(ctx, "default/10.0.0.2")
	require.NoError(t, err, "delete with mismatched owner must be a no-op")

	require.NoError(t, lp.Delete(ctx, "default/10.0.0.2", "comet-1:9000"))
	_, err = lp.Lookup(ctx, "default/10.0.0.2")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestLeaderElectorSingleNodeBecomesLeader(t *testing.T) {
	rdb := newTestRedis(t)
	le := NewLeaderElector(rdb, zap.NewNop(), "node-1")

	elected := make(chan struct{}, 1)
	le.SetCallbacks(func(ctx context.Context) { elected <- struct{}{} }, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	le.Start(ctx)
	defer le.Stop()

	select {
	case <-elected:
	case <-time.After(time.Second):
		t.Fatal("node never became leader")
	}
	assert.True(t, le.IsLeader())
}

func TestLeaderElectorSecondNodeDoesNotAcquire(t *testing.T) {
	rdb := newTestRedis(t)

	le1 := NewLeaderElector(rdb, zap.NewNop(), "node-1")
	le1.SetCallbacks(func(ctx context.Context) {}, func() {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	le1.Start(ctx)
	defer le1.Stop()

	require.Eventually(t, le1.IsLeader, time.Second, 10*time.Millisecond)

	le2 := NewLeaderElector(rdb, zap.NewNop(), "node-2")
	le2.SetCallbacks(func(ctx context.Context) {}, func() {})
	le2.Start(ctx)
	defer le2.Stop()

	time.Sleep(200 * time.Millisecond)
	assert.False(t, le2.IsLeader())
}
