package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
	"github.com/jiascheduler/jiascheduler/internal/metrics"
)

// startTimer implements spec.md section 4.4.2: replace any existing
// registration for eid, register a new cron job in the host's local
// timezone, and immediately emit Prepare/Scheduling with the computed
// next_time.
func (s *Scheduler) startTimer(p jobtypes.DispatchJobParams) {
	eid := p.BaseJob.Eid
	s.stopTimerQuiet(eid)

	entryID, err := s.cronRunner.AddFunc(p.TimerExpr, func() {
		s.runTimerFire(p)
	})
	if err != nil {
		s.log.Warn("scheduler: invalid timer_expr, not registered", zap.Error(err), zap.String("eid", eid), zap.String("timer_expr", p.TimerExpr))
		return
	}

	s.mu.Lock()
	s.timers[eid] = entryID
	metrics.SchedulerActiveTimers.Set(float64(len(s.timers)))
	s.mu.Unlock()

	var next *time.Time
	for _, e := range s.cronRunner.Entries() {
		if e.ID == entryID {
			t := e.Next
			next = &t
			break
		}
	}

	s.emit(context.Background(), jobtypes.UpdateJobParams{
		ScheduleID:     p.ScheduleID,
		BaseJob:        p.BaseJob.ToPureJob(),
		InstanceID:     p.InstanceID,
		ScheduleType:   jobtypes.ScheduleTimer,
		RunStatus:      jobtypes.RunPrepare,
		ScheduleStatus: jobtypes.ScheduleScheduling,
		CreatedUser:    p.CreatedUser,
		NextTime:       next,
	})
}

// runTimerFire is the cron callback: run the Exec flow bound to this
// timer, stamping prev_time/next_time as the final UpdateJob fields.
func (s *Scheduler) runTimerFire(p jobtypes.DispatchJobParams) {
	now := time.Now()
	firedParams := p
	firedParams.IsSync = false

	ctx := context.Background()
	_, _ = s.execOnce(ctx, firedParams)

	s.mu.Lock()
	entryID, ok := s.timers[p.BaseJob.Eid]
	s.mu.Unlock()
	if !ok {
		return
	}
	var next *time.Time
	for _, e := range s.cronRunner.Entries() {
		if e.ID == entryID {
			t := e.Next
			next = &t
			break
		}
	}
	s.emit(ctx, jobtypes.UpdateJobParams{
		ScheduleID:   p.ScheduleID,
		BaseJob:      p.BaseJob.ToPureJob(),
		InstanceID:   p.InstanceID,
		ScheduleType: jobtypes.ScheduleTimer,
		PrevTime:     &now,
		NextTime:     next,
	})
}

// stopTimer implements spec.md section 4.4.2's StopTimer: remove and
// emit ScheduleStatus=Unscheduled.
func (s *Scheduler) stopTimer(eid string) {
	if s.stopTimerQuiet(eid) {
		s.emit(context.Background(), jobtypes.UpdateJobParams{
			BaseJob:        jobtypes.BaseJob{Eid: eid},
			ScheduleStatus: jobtypes.ScheduleUnscheduled,
		})
	}
}

// stopTimerQuiet removes eid's cron registration with no UpdateJob
// emission, used internally by startTimer's "replace any existing"
// step. Returns whether something was actually removed.
func (s *Scheduler) stopTimerQuiet(eid string) bool {
	s.mu.Lock()
	entryID, ok := s.timers[eid]
	if ok {
		delete(s.timers, eid)
		metrics.SchedulerActiveTimers.Set(float64(len(s.timers)))
	}
	s.mu.Unlock()
	if ok {
		s.cronRunner.Remove(entryID)
	}
	return ok
}
