package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

func TestPublishConsumeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	bus := New(rdb, zap.NewNop())

	// Consume creates its group at "$", so the group must exist before
	// Publish for the entry to be delivered to it.
	require.NoError(t, rdb.XGroupCreateMkStream(context.Background(), JobTopic, ConsumerGroup, "$").Err())

	code := 0
	_, err := bus.Publish(context.Background(), UpdateJobMsg(jobtypes.UpdateJobParams{ScheduleID: "s-1", ExitCode: &code}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	var received []Msg
	go bus.Consume(ctx, func(ctx context.Context, entryID string, msg Msg) error {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, MsgUpdateJob, received[0].Kind)
	require.NotNil(t, received[0].UpdateJob)
	require.Equal(t, "s-1", received[0].UpdateJob.ScheduleID)
}

func TestHandlerErrorStillAcks(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := New(rdb, zap.NewNop())

	require.NoError(t, rdb.XGroupCreateMkStream(context.Background(), JobTopic, ConsumerGroup, "$").Err())

	_, err := bus.Publish(context.Background(), HeartbeatMsg(jobtypes.HeartbeatParams{Namespace: "default"}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	calls := 0
	var mu sync.Mutex
	go bus.Consume(ctx, func(ctx context.Context, entryID string, msg Msg) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return context.DeadlineExceeded
	})

	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls, "a failing handler must still be ACKed, not redelivered")
}
