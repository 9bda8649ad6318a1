package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
	"github.com/jiascheduler/jiascheduler/internal/registry"
)

func newTestLinkPairs(t *testing.T) *registry.LinkPairs {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return registry.NewLinkPairs(rdb)
}

// fakeComet stands in for internal/comet's /dispatch route, replying with
// the same {code,msg,data} envelope shape.
func fakeComet(t *testing.T, handle func(body cometDispatchBody) (status int, data any, errMsg string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body cometDispatchBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		code, data, errMsg := handle(body)
		env := cometEnvelope{Code: code, Msg: errMsg}
		if data != nil {
			b, _ := json.Marshal(data)
			env.Data = b
		}
		json.NewEncoder(w).Encode(env)
	}))
}

func cometAddr(ts *httptest.Server) string { return strings.TrimPrefix(ts.URL, "http://") }

func TestDispatchFansOutAndPersists(t *testing.T) {
	ctx := context.Background()
	lp := newTestLinkPairs(t)
	store := newFakeStore()

	store.addInstance(Target{InstanceID: "i-1", Namespace: "default", IP: "10.0.0.1"})
	store.addInstance(Target{InstanceID: "i-2", Namespace: "default", IP: "10.0.0.2"})

	comet := fakeComet(t, func(body cometDispatchBody) (int, any, string) {
		return cometCodeSuccess, map[string]string{"stdout": "ok:" + body.AgentIP}, ""
	})
	defer comet.Close()

	require.NoError(t, lp.Set(ctx, "default/10.0.0.1", cometAddr(comet)))
	require.NoError(t, lp.Set(ctx, "default/10.0.0.2", cometAddr(comet)))

	d := NewDispatcher(store, lp, zap.NewNop())
	row, err := d.Dispatch(ctx, DispatchRequest{
		ScheduleID:  "sched-1",
		InstanceIDs: []string{"i-1", "i-2"},
		Job:         jobtypes.BaseJob{Eid: "j-1", CmdName: "echo"},
		Action:      jobtypes.ActionExec,
		IsSync:      true,
	})
	require.NoError(t, err)
	require.Len(t, row.Results, 2)
	for _, r := range row.Results {
		require.False(t, r.HasErr)
		require.Contains(t, r.Response, "ok:"+r.IP)
	}

	saved, err := store.LoadSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Len(t, saved.DispatchData.Targets, 2)
}

func TestDispatchPartialFailureWhenInstanceUnregistered(t *testing.T) {
	ctx := context.Background()
	lp := newTestLinkPairs(t)
	store := newFakeStore()

	store.addInstance(Target{InstanceID: "i-1", Namespace: "default", IP: "10.0.0.1"})
	store.addInstance(Target{InstanceID: "i-unregistered", Namespace: "default", IP: "10.0.0.9"})

	comet := fakeComet(t, func(body cometDispatchBody) (int, any, string) {
		return cometCodeSuccess, map[string]string{"stdout": "ok"}, ""
	})
	defer comet.Close()
	require.NoError(t, lp.Set(ctx, "default/10.0.0.1", cometAddr(comet)))
	// 10.0.0.9 deliberately has no link_pair entry: not currently connected to any comet.

	d := NewDispatcher(store, lp, zap.NewNop())
	row, err := d.Dispatch(ctx, DispatchRequest{
		ScheduleID:  "sched-2",
		InstanceIDs: []string{"i-1", "i-unregistered"},
		Job:         jobtypes.BaseJob{Eid: "j-2"},
		Action:      jobtypes.ActionExec,
	})
	// One target failed: Dispatch must still return the persisted row
	// alongside a non-nil aggregate error (spec.md section 4.8's
	// Persistence paragraph).
	require.Error(t, err)
	require.NotNil(t, row)
	require.Len(t, row.Results, 2)

	var sawOK, sawErr bool
	for _, r := range row.Results {
		if r.IP == "10.0.0.1" {
			require.False(t, r.HasErr)
			sawOK = true
		}
		if r.IP == "10.0.0.9" {
			require.True(t, r.HasErr)
			require.Contains(t, r.Err, "not registered")
			sawErr = true
		}
	}
	require.True(t, sawOK)
	require.True(t, sawErr)

	saved, loadErr := store.LoadSchedule(ctx, "sched-2")
	require.NoError(t, loadErr)
	require.NotNil(t, saved, "schedule must still be persisted despite the partial failure")
}

func TestRedispatchToInstanceReusesOriginalActionForOneTarget(t *testing.T) {
	ctx := context.Background()
	lp := newTestLinkPairs(t)
	store := newFakeStore()
	store.addInstance(Target{InstanceID: "default/10.0.0.1", Namespace: "default", IP: "10.0.0.1"})
	store.addInstance(Target{InstanceID: "default/10.0.0.2", Namespace: "default", IP: "10.0.0.2"})

	var gotActions []jobtypes.JobAction
	comet := fakeComet(t, func(body cometDispatchBody) (int, any, string) {
		var p jobtypes.DispatchJobParams
		json.Unmarshal(body.Params, &p)
		gotActions = append(gotActions, p.Action)
		return cometCodeSuccess, map[string]string{"stdout": "ok:" + body.AgentIP}, ""
	})
	defer comet.Close()
	require.NoError(t, lp.Set(ctx, "default/10.0.0.1", cometAddr(comet)))
	require.NoError(t, lp.Set(ctx, "default/10.0.0.2", cometAddr(comet)))

	d := NewDispatcher(store, lp, zap.NewNop())
	_, err := d.Dispatch(ctx, DispatchRequest{
		ScheduleID:  "sched-reconnect",
		InstanceIDs: []string{"default/10.0.0.1", "default/10.0.0.2"},
		Job:         jobtypes.BaseJob{Eid: "j-reconnect"},
		Action:      jobtypes.ActionStartSupervising,
	})
	require.NoError(t, err)
	gotActions = nil

	row, err := d.RedispatchToInstance(ctx, "sched-reconnect", "default/10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, []jobtypes.JobAction{jobtypes.ActionStartSupervising}, gotActions, "reconnect-resume must reuse the schedule's original action, not a new one")
	require.Len(t, row.Results, 2, "the other target's result must be preserved untouched")

	var sawReconnected, sawUntouched bool
	for _, r := range row.Results {
		if r.IP == "10.0.0.1" {
			require.Contains(t, r.Response, "ok:10.0.0.1")
			sawReconnected = true
		}
		if r.IP == "10.0.0.2" {
			sawUntouched = true
		}
	}
	require.True(t, sawReconnected)
	require.True(t, sawUntouched)
}

func TestRedispatchToInstanceRejectsUnboundInstance(t *testing.T) {
	ctx := context.Background()
	lp := newTestLinkPairs(t)
	store := newFakeStore()
	store.addInstance(Target{InstanceID: "default/10.0.0.1", Namespace: "default", IP: "10.0.0.1"})

	comet := fakeComet(t, func(body cometDispatchBody) (int, any, string) {
		return cometCodeSuccess, map[string]string{"stdout": "ok"}, ""
	})
	defer comet.Close()
	require.NoError(t, lp.Set(ctx, "default/10.0.0.1", cometAddr(comet)))

	d := NewDispatcher(store, lp, zap.NewNop())
	_, err := d.Dispatch(ctx, DispatchRequest{
		ScheduleID:  "sched-unbound",
		InstanceIDs: []string{"default/10.0.0.1"},
		Job:         jobtypes.BaseJob{Eid: "j-unbound"},
		Action:      jobtypes.ActionStartTimer,
	})
	require.NoError(t, err)

	_, err = d.RedispatchToInstance(ctx, "sched-unbound", "default/10.0.0.9")
	require.Error(t, err)
}

func TestRedispatchReusesStoredSnapshot(t *testing.T) {
	ctx := context.Background()
	lp := newTestLinkPairs(t)
	store := newFakeStore()
	store.addInstance(Target{InstanceID: "i-1", Namespace: "default", IP: "10.0.0.1"})

	var lastAction jobtypes.JobAction
	comet := fakeComet(t, func(body cometDispatchBody) (int, any, string) {
		var p jobtypes.DispatchJobParams
		json.Unmarshal(body.Params, &p)
		lastAction = p.Action
		return cometCodeSuccess, map[string]string{"stdout": "done"}, ""
	})
	defer comet.Close()
	require.NoError(t, lp.Set(ctx, "default/10.0.0.1", cometAddr(comet)))

	d := NewDispatcher(store, lp, zap.NewNop())
	_, err := d.Dispatch(ctx, DispatchRequest{
		ScheduleID:  "sched-3",
		InstanceIDs: []string{"i-1"},
		Job:         jobtypes.BaseJob{Eid: "j-3"},
		Action:      jobtypes.ActionStartTimer,
		TimerExpr:   "@every 1m",
	})
	require.NoError(t, err)

	row, err := d.Redispatch(ctx, "sched-3", jobtypes.ActionStopTimer)
	require.NoError(t, err)
	require.Equal(t, jobtypes.ActionStopTimer, lastAction)
	require.Len(t, row.Results, 1)
	require.False(t, row.Results[0].HasErr)

	saved, err := store.LoadSchedule(ctx, "sched-3")
	require.NoError(t, err)
	require.Equal(t, "@every 1m", saved.DispatchData.Params.TimerExpr)
}

func TestDispatchTimesOutOnSlowComet(t *testing.T) {
	ctx := context.Background()
	lp := newTestLinkPairs(t)
	store := newFakeStore()
	store.addInstance(Target{InstanceID: "i-1", Namespace: "default", IP: "10.0.0.1"})

	comet := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(cometEnvelope{Code: cometCodeSuccess})
	}))
	defer comet.Close()
	require.NoError(t, lp.Set(ctx, "default/10.0.0.1", cometAddr(comet)))

	d := NewDispatcher(store, lp, zap.NewNop())
	d.fanOutTimeout = 50 * time.Millisecond

	row, err := d.Dispatch(ctx, DispatchRequest{
		ScheduleID:  "sched-4",
		InstanceIDs: []string{"i-1"},
		Job:         jobtypes.BaseJob{Eid: "j-4"},
		Action:      jobtypes.ActionExec,
	})
	require.Error(t, err)
	require.NotNil(t, row)
	require.True(t, row.Results[0].HasErr)
}
