// Package eventbus is a Redis-Streams-backed publish/consume bus carrying
// the four lifecycle message kinds Console cares about: UpdateJob,
// Heartbeat, AgentOnline, AgentOffline.
//
// The teacher's control_plane/streaming package defines a Publisher
// interface (streaming/interface.go); this package does not implement it
// and exposes the concrete Bus below instead. That interface's only
// implementation, LogPublisher, is an explicit stub ("until NATS is
// available") that never touches Redis. The teacher's store layer
// (store/redis.go) never uses Redis Streams either. This package's
// XADD/XGROUP CREATE/XREADGROUP/XACK loop is grounded directly on the
// original Rust implementation (automate/src/bus.rs) rather than on any
// Go example, since the pack has no Streams consumer of its own --
// it is built on the go-redis/v9 client the teacher already imports for
// everything else (store/redis.go), not a new dependency.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
	"github.com/jiascheduler/jiascheduler/internal/metrics"
)

const (
	// JobTopic is the single stream carrying every event (bus.rs).
	JobTopic = "jiascheduler:job:event"
	// ConsumerGroup is the shared group every Console process reads
	// under, each keyed by its own local IP as consumer name.
	ConsumerGroup = "jiascheduler-group"

	blockMillis = 50
	readCount   = 100
)

// MsgKind discriminates the tagged union carried under the stream
// entry's single "event" field.
type MsgKind string

const (
	MsgUpdateJob    MsgKind = "UpdateJob"
	MsgHeartbeat    MsgKind = "Heartbeat"
	MsgAgentOnline  MsgKind = "AgentOnline"
	MsgAgentOffline MsgKind = "AgentOffline"
)

// Msg is the tagged-union envelope stored in the stream's "event" field.
type Msg struct {
	Kind         MsgKind                   `json:"kind"`
	UpdateJob    *jobtypes.UpdateJobParams `json:"update_job,omitempty"`
	Heartbeat    *jobtypes.HeartbeatParams `json:"heartbeat,omitempty"`
	AgentOnline  *AgentOnlineParams        `json:"agent_online,omitempty"`
	AgentOffline *AgentOfflineParams       `json:"agent_offline,omitempty"`
}

// AgentOnlineParams and AgentOfflineParams mirror the client_key identity
// an Agent registers/unregisters under (control_plane/store/types.go's
// Agent identity fields, narrowed to what the bus needs).
type AgentOnlineParams struct {
	Namespace string `json:"namespace"`
	IP        string `json:"ip"`
	MacAddr   string `json:"mac_addr"`
	// IsInitialized mirrors the Auth handshake's AuthParams.IsInitialized
	// (bridge.Connection.IsInitialized): false distinguishes a first-ever
	// connection from a reconnect, per spec.md section 4.6. Console's
	// handleAgentOnline uses this to decide whether to re-dispatch the
	// instance's runnable schedules.
	IsInitialized bool `json:"is_initialized"`
}

type AgentOfflineParams struct {
	Namespace string `json:"namespace"`
	IP        string `json:"ip"`
	MacAddr   string `json:"mac_addr"`
}

func UpdateJobMsg(p jobtypes.UpdateJobParams) Msg { return Msg{Kind: MsgUpdateJob, UpdateJob: &p} }
func HeartbeatMsg(p jobtypes.HeartbeatParams) Msg { return Msg{Kind: MsgHeartbeat, Heartbeat: &p} }
func AgentOnlineMsg(p AgentOnlineParams) Msg      { return Msg{Kind: MsgAgentOnline, AgentOnline: &p} }
func AgentOfflineMsg(p AgentOfflineParams) Msg    { return Msg{Kind: MsgAgentOffline, AgentOffline: &p} }

// Handler processes one decoded stream entry. Its error is logged but
// never blocks the group pointer: the entry is ACKed regardless (bus.rs's
// at-least-once, don't-block-forever contract).
type Handler func(ctx context.Context, entryID string, msg Msg) error

// Bus publishes to and consumes from JobTopic.
type Bus struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	return &Bus{rdb: rdb, log: log}
}

// Publish appends msg to the stream and returns the assigned entry id.
func (b *Bus) Publish(ctx context.Context, msg Msg) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("eventbus: marshal msg: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: JobTopic,
		Values: map[string]any{"event": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("eventbus: xadd: %w", err)
	}
	return id, nil
}

// Consume runs the read loop until ctx is cancelled. It creates the
// consumer group once (idempotently -- BUSYGROUP is expected and
// ignored), then loops XREADGROUP/handle/XACK.
func (b *Bus) Consume(ctx context.Context, handler Handler) error {
	consumerName := consumerNameFromLocalIP()

	err := b.rdb.XGroupCreateMkStream(ctx, JobTopic, ConsumerGroup, "$").Err()
	if err != nil && !isBusyGroup(err) {
		b.log.Warn("eventbus: failed to create stream group", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: consumerName,
			Streams:  []string{JobTopic, ">"},
			Block:    blockMillis * time.Millisecond,
			Count:    readCount,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.log.Warn("eventbus: xreadgroup failed", zap.Error(err))
			continue
		}

		for _, stream := range res {
			for _, entry := range stream.Messages {
				b.handleEntry(ctx, handler, entry)
			}
		}

		b.reportLag(ctx)
	}
}

// reportLag approximates jia_eventbus_lag with the stream's total length.
// A precise "entries not yet delivered to this group" figure needs
// XINFO GROUPS' own lag field; XLen is the stable, long-supported API and
// close enough for an ambient gauge, since this group is the stream's only
// reader.
func (b *Bus) reportLag(ctx context.Context) {
	n, err := b.rdb.XLen(ctx, JobTopic).Result()
	if err != nil {
		return
	}
	metrics.EventBusLag.Set(float64(n))
}

func (b *Bus) handleEntry(ctx context.Context, handler Handler, entry redis.XMessage) {
	raw, ok := entry.Values["event"]
	if ok {
		var msg Msg
		var bytesVal []byte
		switch v := raw.(type) {
		case string:
			bytesVal = []byte(v)
		case []byte:
			bytesVal = v
		}
		if err := json.Unmarshal(bytesVal, &msg); err != nil {
			b.log.Error("eventbus: failed to parse entry", zap.Error(err), zap.String("id", entry.ID))
		} else if err := handler(ctx, entry.ID, msg); err != nil {
			b.log.Error("eventbus: handler failed", zap.Error(err), zap.String("id", entry.ID))
		}
	}

	if err := b.rdb.XAck(ctx, JobTopic, ConsumerGroup, entry.ID).Err(); err != nil {
		b.log.Error("eventbus: xack failed", zap.Error(err), zap.String("id", entry.ID))
	}
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func consumerNameFromLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "unknown"
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String()
}
