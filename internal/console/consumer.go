package console

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/eventbus"
	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// Consumer implements the Console-side Handler behaviors spec.md section
// 4.3 assigns each event bus message kind: UpdateJob persists run/exec
// history, Heartbeat and AgentOnline upsert the instance's identity and
// mark it online, AgentOffline marks it offline. Grounded on
// control_plane/reconciler.go's updateStatus-then-persist idiom, with the
// async publish step dropped -- this bus *is* the publish step, there is
// nothing further to emit to.

// Redispatcher is the narrow slice of *Dispatcher the reconnect-resume
// path needs -- satisfied by *Dispatcher, and narrowed here the same way
// Store is narrowed from the teacher's store.Store, so tests can supply a
// double without a real Dispatcher's HTTP client and link_pairs.
type Redispatcher interface {
	RedispatchToInstance(ctx context.Context, scheduleID, instanceID string) (*ScheduleRow, error)
}

type Consumer struct {
	store      Store
	dispatcher Redispatcher
	log        *zap.Logger
}

func NewConsumer(store Store, dispatcher Redispatcher, log *zap.Logger) *Consumer {
	return &Consumer{store: store, dispatcher: dispatcher, log: log}
}

// Handle is an eventbus.Handler: it never returns an error for a message
// kind it successfully routes, since section 4.3 treats storage failures
// as log-and-move-on (the bus itself ACKs regardless of handler error).
func (c *Consumer) Handle(ctx context.Context, entryID string, msg eventbus.Msg) error {
	switch msg.Kind {
	case eventbus.MsgUpdateJob:
		return c.handleUpdateJob(ctx, msg.UpdateJob)
	case eventbus.MsgHeartbeat:
		return c.handleHeartbeat(ctx, msg.Heartbeat)
	case eventbus.MsgAgentOnline:
		return c.handleAgentOnline(ctx, msg.AgentOnline)
	case eventbus.MsgAgentOffline:
		return c.handleAgentOffline(ctx, msg.AgentOffline)
	default:
		c.log.Warn("console: dropping event of unknown kind", zap.String("kind", string(msg.Kind)), zap.String("entry_id", entryID))
		return nil
	}
}

func (c *Consumer) handleUpdateJob(ctx context.Context, p *jobtypes.UpdateJobParams) error {
	if p == nil || p.ScheduleID == "" {
		return nil
	}
	if err := c.store.AppendExecResult(ctx, p.ScheduleID, string(p.RunStatus), p.ExitStatus, string(p.ScheduleStatus), p.ExitCode, p.Stdout, p.Stderr, time.Now()); err != nil {
		c.log.Warn("console: append exec result failed", zap.String("schedule_id", p.ScheduleID), zap.Error(err))
	}
	if p.BindIP != "" {
		c.markOnline(ctx, p.BindNamespace, p.BindIP, "")
	}
	return nil
}

func (c *Consumer) handleHeartbeat(ctx context.Context, p *jobtypes.HeartbeatParams) error {
	if p == nil {
		return nil
	}
	c.markOnline(ctx, p.Namespace, p.SourceIP, p.MacAddr)
	return nil
}

// handleAgentOnline marks the instance online. When the AgentOnline
// reports is_initialized==false it also re-posts every schedule still
// Scheduling or Supervising for that instance, so the Agent's timers and
// supervisors are rebuilt from the stored snapshots; an AgentOnline with
// is_initialized==true only marks the instance online.
func (c *Consumer) handleAgentOnline(ctx context.Context, p *eventbus.AgentOnlineParams) error {
	if p == nil {
		return nil
	}
	c.markOnline(ctx, p.Namespace, p.IP, p.MacAddr)
	if !p.IsInitialized {
		c.redispatchRunnable(ctx, p.Namespace, p.IP)
	}
	return nil
}

// redispatchRunnable re-posts every runnable schedule bound to
// namespace/ip to that one instance, reusing each schedule's original
// action (spec.md section 4.3's "AgentOnline -> re-dispatch runnable
// jobs").
func (c *Consumer) redispatchRunnable(ctx context.Context, namespace, ip string) {
	if c.dispatcher == nil {
		return
	}
	instanceID := namespace + "/" + ip
	schedules, err := c.store.RunnableSchedulesForInstance(ctx, instanceID)
	if err != nil {
		c.log.Warn("console: load runnable schedules for reconnect failed", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	for _, sched := range schedules {
		if _, err := c.dispatcher.RedispatchToInstance(ctx, sched.ScheduleID, instanceID); err != nil {
			c.log.Warn("console: reconnect re-dispatch failed",
				zap.String("schedule_id", sched.ScheduleID), zap.String("instance_id", instanceID), zap.Error(err))
		}
	}
}

func (c *Consumer) handleAgentOffline(ctx context.Context, p *eventbus.AgentOfflineParams) error {
	if p == nil {
		return nil
	}
	if err := c.store.MarkInstanceOffline(ctx, p.Namespace, p.IP); err != nil {
		c.log.Warn("console: mark offline from agent_offline failed", zap.String("ip", p.IP), zap.Error(err))
	}
	return nil
}

// markOnline upserts the instance's identity (so a first-ever heartbeat
// creates its instances row) before flipping it online; instanceID is the
// same "namespace/ip" shape as the Bridge's client_key (Target.ClientKey).
func (c *Consumer) markOnline(ctx context.Context, namespace, ip, macAddr string) {
	instanceID := namespace + "/" + ip
	if err := c.store.UpsertInstanceLink(ctx, instanceID, namespace, ip, macAddr); err != nil {
		c.log.Warn("console: upsert instance link failed", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	if err := c.store.MarkInstanceOnline(ctx, namespace, ip, time.Now()); err != nil {
		c.log.Warn("console: mark online failed", zap.String("instance_id", instanceID), zap.Error(err))
	}
}
