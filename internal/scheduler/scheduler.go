// Package scheduler is the Agent-side state machine: it owns the
// timers/supervisors/kill_signals tables of spec.md section 4.4 and
// reconciles incoming DispatchJobParams/RuntimeActionParams against
// them.
//
// Grounded on the teacher's fluxforge/agent/server.go (a single
// mutex-guarded small-table idiom -- there, one busy flag; here, three
// maps) and on robfig/cron/v3 the way
// other_examples/...nmxmxh-master-ovasabi...scheduler.go.go uses it
// (cron.New(cron.WithSeconds()), AddFunc, Stop).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/bridge"
	"github.com/jiascheduler/jiascheduler/internal/executor"
	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// defaultRestartInterval is the Daemon restart-loop sleep when
// RestartInterval is unset (spec.md section 4.4.3).
const defaultRestartInterval = time.Second

// UpdateJobSink emits UpdateJob events back to Comet over the Bridge.
// Implemented by agentconn in production; a recording fake in tests.
type UpdateJobSink interface {
	SendUpdateJob(ctx context.Context, params jobtypes.UpdateJobParams) error
}

// FileFetcher retrieves an uploaded file's bytes from the currently
// registered Comet (spec.md section 4.4.1 step 1). Implemented by
// agentconn, which knows the live Comet address.
type FileFetcher interface {
	FetchUploadFile(ctx context.Context, filename string) ([]byte, error)
}

// Scheduler owns the Agent's in-memory job tables and runs Exec/Timer/
// Daemon/Kill per spec.md section 4.4.
type Scheduler struct {
	exec    *executor.Executor
	sink    UpdateJobSink
	files   FileFetcher
	log     *zap.Logger
	workDir string

	kills *killBus

	mu          sync.Mutex
	timers      map[string]cron.EntryID
	cronRunner  *cron.Cron
	supervisors map[string]chan struct{}
}

// New constructs a Scheduler. workDir is the directory fetched upload
// files are stored under before being attached to a BaseJob.
func New(exec *executor.Executor, sink UpdateJobSink, files FileFetcher, log *zap.Logger, workDir string) *Scheduler {
	c := cron.New(cron.WithLocation(time.Local))
	c.Start()
	return &Scheduler{
		exec:        exec,
		sink:        sink,
		files:       files,
		log:         log,
		workDir:     workDir,
		kills:       newKillBus(),
		timers:      make(map[string]cron.EntryID),
		cronRunner:  c,
		supervisors: make(map[string]chan struct{}),
	}
}

// Stop halts the cron runner and every supervisor loop. Used at process
// shutdown; reconnects (spec.md section 4.6) do NOT call this -- the
// scheduler survives transport restarts.
func (s *Scheduler) Stop() {
	s.cronRunner.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for eid, cancel := range s.supervisors {
		close(cancel)
		delete(s.supervisors, eid)
	}
}

// Reconcile dispatches a DispatchJobParams by its Action. It returns the
// JSON-encodable response the Bridge should send back for a synchronous
// caller (nil for actions that always reply null).
func (s *Scheduler) Reconcile(ctx context.Context, p jobtypes.DispatchJobParams) (*bridge.JobOutput, error) {
	switch p.Action {
	case jobtypes.ActionExec:
		return s.execOnce(ctx, p)
	case jobtypes.ActionStartTimer:
		s.startTimer(p)
		return nil, nil
	case jobtypes.ActionStopTimer:
		s.stopTimer(p.BaseJob.Eid)
		return nil, nil
	case jobtypes.ActionStartSupervising:
		s.startSupervising(p)
		return nil, nil
	case jobtypes.ActionRestartSupervising:
		s.stopSupervising(p.BaseJob.Eid)
		s.startSupervising(p)
		return nil, nil
	case jobtypes.ActionStopSupervising:
		s.stopSupervising(p.BaseJob.Eid)
		return nil, nil
	case jobtypes.ActionKill:
		s.kills.broadcast(p.BaseJob.Eid)
		return nil, nil
	default:
		return nil, fmt.Errorf("scheduler: unknown action %q", p.Action)
	}
}

// ReconcileRuntimeAction dispatches a RuntimeActionParams -- the subset
// of actions that target an already-dispatched eid with no fresh
// BaseJob payload.
func (s *Scheduler) ReconcileRuntimeAction(ctx context.Context, p jobtypes.RuntimeActionParams) error {
	switch p.Action {
	case jobtypes.RuntimeKill:
		s.kills.broadcast(p.Eid)
	case jobtypes.RuntimeStopTimer:
		s.stopTimer(p.Eid)
	case jobtypes.RuntimeStartSupervising:
		// RuntimeAction has no BaseJob; StartSupervising here only
		// makes sense as Restart/Stop of an existing registration.
	case jobtypes.RuntimeRestartSupervising:
		s.stopSupervising(p.Eid)
	case jobtypes.RuntimeStopSupervising:
		s.stopSupervising(p.Eid)
	default:
		return fmt.Errorf("scheduler: unknown runtime action %q", p.Action)
	}
	return nil
}

func (s *Scheduler) emit(ctx context.Context, p jobtypes.UpdateJobParams) {
	if err := s.sink.SendUpdateJob(ctx, p); err != nil {
		s.log.Warn("scheduler: failed to emit UpdateJob", zap.String("eid", p.BaseJob.Eid), zap.Error(err))
	}
}
