package scheduler

import (
	"context"
	"time"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
	"github.com/jiascheduler/jiascheduler/internal/metrics"
)

// startSupervising implements spec.md section 4.4.3: create an
// unbounded cancellation channel, insert into supervisors[eid]; if
// already present, no-op.
func (s *Scheduler) startSupervising(p jobtypes.DispatchJobParams) {
	eid := p.BaseJob.Eid

	s.mu.Lock()
	if _, exists := s.supervisors[eid]; exists {
		s.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	s.supervisors[eid] = cancel
	metrics.SchedulerActiveSupervisors.Set(float64(len(s.supervisors)))
	s.mu.Unlock()

	restartInterval := p.RestartInterval
	if restartInterval <= 0 {
		restartInterval = defaultRestartInterval
	}

	go s.superviseLoop(p, cancel, restartInterval)
}

func (s *Scheduler) superviseLoop(p jobtypes.DispatchJobParams, cancel <-chan struct{}, restartInterval time.Duration) {
	runParams := p
	runParams.BaseJob.TimeoutSeconds = 0 // infinite, per spec.md section 4.4.3
	runParams.IsSync = false

	for {
		select {
		case <-cancel:
			return
		default:
		}

		ctx := context.Background()
		_, _ = s.execOnce(ctx, runParams)

		select {
		case <-cancel:
			return
		case <-time.After(restartInterval):
		}
	}
}

// stopSupervising implements spec.md section 4.4.3: send cancel, remove
// from supervisors, then broadcast Kill to clear any live run.
func (s *Scheduler) stopSupervising(eid string) {
	s.mu.Lock()
	cancel, ok := s.supervisors[eid]
	if ok {
		delete(s.supervisors, eid)
		metrics.SchedulerActiveSupervisors.Set(float64(len(s.supervisors)))
	}
	s.mu.Unlock()

	if ok {
		close(cancel)
	}
	s.kills.broadcast(eid)
}
