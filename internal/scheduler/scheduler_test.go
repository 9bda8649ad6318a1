package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/executor"
	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

type recordingSink struct {
	mu     sync.Mutex
	events []jobtypes.UpdateJobParams
}

func (r *recordingSink) SendUpdateJob(ctx context.Context, p jobtypes.UpdateJobParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
	return nil
}

func (r *recordingSink) snapshot() []jobtypes.UpdateJobParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]jobtypes.UpdateJobParams, len(r.events))
	copy(out, r.events)
	return out
}

type noopFiles struct{}

func (noopFiles) FetchUploadFile(ctx context.Context, filename string) ([]byte, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	s := New(executor.New(""), sink, noopFiles{}, zap.NewNop(), t.TempDir())
	t.Cleanup(s.Stop)
	return s, sink
}

func TestExecOnceSyncReturnsOutput(t *testing.T) {
	s, sink := newTestScheduler(t)

	p := jobtypes.DispatchJobParams{
		BaseJob: jobtypes.BaseJob{Eid: "j-1", CmdName: "/bin/sh", Args: []string{"-c"}, Code: "echo hi"},
		Action:  jobtypes.ActionExec,
		IsSync:  true,
	}
	out, err := s.Reconcile(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "hi\n", out.Stdout)

	events := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, jobtypes.RunRunning, events[0].RunStatus)
	assert.Equal(t, jobtypes.RunStop, events[1].RunStatus)
}

func TestExecOnceAsyncReturnsNil(t *testing.T) {
	s, _ := newTestScheduler(t)
	p := jobtypes.DispatchJobParams{
		BaseJob: jobtypes.BaseJob{Eid: "j-2", CmdName: "/bin/sh", Args: []string{"-c"}, Code: "echo hi"},
		Action:  jobtypes.ActionExec,
		IsSync:  false,
	}
	out, err := s.Reconcile(context.Background(), p)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestKillBroadcastsToLiveRun(t *testing.T) {
	s, sink := newTestScheduler(t)
	eid := "j-3"

	go func() {
		p := jobtypes.DispatchJobParams{
			BaseJob: jobtypes.BaseJob{Eid: eid, CmdName: "/bin/sh", Args: []string{"-c"}, Code: "sleep 30"},
			Action:  jobtypes.ActionExec,
			IsSync:  false,
		}
		s.Reconcile(context.Background(), p)
	}()

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 1
	}, time.Second, 10*time.Millisecond)

	start := time.Now()
	_, err := s.Reconcile(context.Background(), jobtypes.DispatchJobParams{BaseJob: jobtypes.BaseJob{Eid: eid}, Action: jobtypes.ActionKill})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events := sink.snapshot()
		return len(events) == 2 && events[1].RunStatus == jobtypes.RunStop
	}, 3*time.Second, 20*time.Millisecond)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStartTimerThenStopTimerRemovesRegistration(t *testing.T) {
	s, sink := newTestScheduler(t)
	p := jobtypes.DispatchJobParams{
		BaseJob:   jobtypes.BaseJob{Eid: "j-4", CmdName: "/bin/sh", Args: []string{"-c"}, Code: "echo tick"},
		Action:    jobtypes.ActionStartTimer,
		TimerExpr: "*/1 * * * *",
	}
	_, err := s.Reconcile(context.Background(), p)
	require.NoError(t, err)

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, jobtypes.ScheduleScheduling, events[0].ScheduleStatus)

	_, err = s.Reconcile(context.Background(), jobtypes.DispatchJobParams{BaseJob: jobtypes.BaseJob{Eid: "j-4"}, Action: jobtypes.ActionStopTimer})
	require.NoError(t, err)

	events = sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, jobtypes.ScheduleUnscheduled, events[1].ScheduleStatus)

	s.mu.Lock()
	_, stillRegistered := s.timers["j-4"]
	s.mu.Unlock()
	assert.False(t, stillRegistered)
}

func TestSupervisingRestartsAfterExit(t *testing.T) {
	s, sink := newTestScheduler(t)
	p := jobtypes.DispatchJobParams{
		BaseJob:         jobtypes.BaseJob{Eid: "j-5", CmdName: "/bin/sh", Args: []string{"-c"}, Code: "echo beat"},
		Action:          jobtypes.ActionStartSupervising,
		RestartInterval: 50 * time.Millisecond,
	}
	_, err := s.Reconcile(context.Background(), p)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 4 // at least two full run cycles (Running+Stop)
	}, 2*time.Second, 20*time.Millisecond)

	_, err = s.Reconcile(context.Background(), jobtypes.DispatchJobParams{BaseJob: jobtypes.BaseJob{Eid: "j-5"}, Action: jobtypes.ActionStopSupervising})
	require.NoError(t, err)

	s.mu.Lock()
	_, stillSupervising := s.supervisors["j-5"]
	s.mu.Unlock()
	assert.False(t, stillSupervising)
}

func TestStartSupervisingTwiceIsNoop(t *testing.T) {
	s, _ := newTestScheduler(t)
	p := jobtypes.DispatchJobParams{
		BaseJob:         jobtypes.BaseJob{Eid: "j-6", CmdName: "/bin/sh", Args: []string{"-c"}, Code: "sleep 5"},
		Action:          jobtypes.ActionStartSupervising,
		RestartInterval: time.Second,
	}
	_, err := s.Reconcile(context.Background(), p)
	require.NoError(t, err)
	s.mu.Lock()
	firstCancel := s.supervisors["j-6"]
	s.mu.Unlock()

	_, err = s.Reconcile(context.Background(), p)
	require.NoError(t, err)
	s.mu.Lock()
	secondCancel := s.supervisors["j-6"]
	s.mu.Unlock()

	assert.True(t, firstCancel == secondCancel, "second StartSupervising must be a no-op")

	s.stopSupervising("j-6")
}
