package console

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/eventbus"
	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

func TestConsumerHandleUpdateJobAppendsExecResult(t *testing.T) {
	store := newFakeStore()
	c := NewConsumer(store, nil, zap.NewNop())

	code := 0
	err := c.Handle(context.Background(), "1-0", eventbus.UpdateJobMsg(jobtypes.UpdateJobParams{
		ScheduleID: "sched-1",
		RunStatus:  jobtypes.RunStop,
		ExitCode:   &code,
		Stdout:     "done\n",
	}))
	require.NoError(t, err)
	require.Len(t, store.execCalls, 1)
	require.Equal(t, "sched-1", store.execCalls[0].ScheduleID)
	require.Equal(t, "done\n", store.execCalls[0].Stdout)
}

func TestConsumerHandleHeartbeatMarksOnline(t *testing.T) {
	store := newFakeStore()
	c := NewConsumer(store, nil, zap.NewNop())

	err := c.Handle(context.Background(), "1-0", eventbus.HeartbeatMsg(jobtypes.HeartbeatParams{
		Namespace: "default", SourceIP: "10.0.0.5", MacAddr: "aa:bb",
	}))
	require.NoError(t, err)
	require.Equal(t, "online", store.status["default/10.0.0.5"])
}

func TestConsumerHandleAgentOfflineMarksOffline(t *testing.T) {
	store := newFakeStore()
	store.status["default/10.0.0.5"] = "online"
	c := NewConsumer(store, nil, zap.NewNop())

	err := c.Handle(context.Background(), "1-0", eventbus.AgentOfflineMsg(eventbus.AgentOfflineParams{
		Namespace: "default", IP: "10.0.0.5",
	}))
	require.NoError(t, err)
	require.Equal(t, "offline", store.status["default/10.0.0.5"])
}

// fakeRedispatcher records which (scheduleID, instanceID) pairs were
// re-dispatched, standing in for *Dispatcher in the Consumer tests below.
type fakeRedispatcher struct {
	calls []redispatchCall
}

type redispatchCall struct {
	ScheduleID string
	InstanceID string
}

func (f *fakeRedispatcher) RedispatchToInstance(ctx context.Context, scheduleID, instanceID string) (*ScheduleRow, error) {
	f.calls = append(f.calls, redispatchCall{ScheduleID: scheduleID, InstanceID: instanceID})
	return &ScheduleRow{ScheduleID: scheduleID}, nil
}

func TestConsumerHandleAgentOnlineUninitializedRedispatchesRunnableSchedules(t *testing.T) {
	store := newFakeStore()
	store.addSchedule(ScheduleRow{
		ScheduleID:     "sched-timer",
		ScheduleStatus: jobtypes.ScheduleScheduling,
		DispatchData:   DispatchData{Targets: []Target{{InstanceID: "default/10.0.0.5", Namespace: "default", IP: "10.0.0.5"}}},
	})
	store.addSchedule(ScheduleRow{
		ScheduleID:     "sched-done",
		ScheduleStatus: jobtypes.ScheduleUnscheduled,
		DispatchData:   DispatchData{Targets: []Target{{InstanceID: "default/10.0.0.5", Namespace: "default", IP: "10.0.0.5"}}},
	})
	store.addSchedule(ScheduleRow{
		ScheduleID:     "sched-other-instance",
		ScheduleStatus: jobtypes.ScheduleSupervising,
		DispatchData:   DispatchData{Targets: []Target{{InstanceID: "default/10.0.0.9", Namespace: "default", IP: "10.0.0.9"}}},
	})

	redispatcher := &fakeRedispatcher{}
	c := NewConsumer(store, redispatcher, zap.NewNop())

	err := c.Handle(context.Background(), "1-0", eventbus.AgentOnlineMsg(eventbus.AgentOnlineParams{
		Namespace: "default", IP: "10.0.0.5", IsInitialized: false,
	}))
	require.NoError(t, err)

	require.Equal(t, "online", store.status["default/10.0.0.5"])
	require.Len(t, redispatcher.calls, 1, "only the runnable schedule bound to this instance should be re-dispatched")
	require.Equal(t, "sched-timer", redispatcher.calls[0].ScheduleID)
	require.Equal(t, "default/10.0.0.5", redispatcher.calls[0].InstanceID)
}

func TestConsumerHandleAgentOnlineInitializedDoesNotRedispatch(t *testing.T) {
	store := newFakeStore()
	store.addSchedule(ScheduleRow{
		ScheduleID:     "sched-timer",
		ScheduleStatus: jobtypes.ScheduleScheduling,
		DispatchData:   DispatchData{Targets: []Target{{InstanceID: "default/10.0.0.5", Namespace: "default", IP: "10.0.0.5"}}},
	})

	redispatcher := &fakeRedispatcher{}
	c := NewConsumer(store, redispatcher, zap.NewNop())

	err := c.Handle(context.Background(), "1-0", eventbus.AgentOnlineMsg(eventbus.AgentOnlineParams{
		Namespace: "default", IP: "10.0.0.5", IsInitialized: true,
	}))
	require.NoError(t, err)

	require.Equal(t, "online", store.status["default/10.0.0.5"])
	require.Empty(t, redispatcher.calls, "an AgentOnline with is_initialized==true must not trigger re-dispatch")
}

func TestConsumerUnknownKindIsANoop(t *testing.T) {
	store := newFakeStore()
	c := NewConsumer(store, nil, zap.NewNop())
	err := c.Handle(context.Background(), "1-0", eventbus.Msg{Kind: "bogus"})
	require.NoError(t, err)
}

func TestSweeperMarksStaleInstanceOffline(t *testing.T) {
	store := newFakeStore()
	store.addInstance(Target{InstanceID: "i-1", Namespace: "default", IP: "10.0.0.1"})
	store.status["default/10.0.0.1"] = "online"
	store.updatedAt["default/10.0.0.1"] = time.Now().Add(-5 * time.Minute)

	s := NewSweeper(store, zap.NewNop())
	s.sweepOnce(context.Background())

	require.Equal(t, "offline", store.status["default/10.0.0.1"])
}

func TestSweeperLeavesFreshInstanceOnline(t *testing.T) {
	store := newFakeStore()
	store.addInstance(Target{InstanceID: "i-1", Namespace: "default", IP: "10.0.0.1"})
	store.status["default/10.0.0.1"] = "online"
	store.updatedAt["default/10.0.0.1"] = time.Now()

	s := NewSweeper(store, zap.NewNop())
	s.sweepOnce(context.Background())

	require.Equal(t, "online", store.status["default/10.0.0.1"])
}
