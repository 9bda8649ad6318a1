package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/bridge"
	"github.com/jiascheduler/jiascheduler/internal/executor"
	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
	"github.com/jiascheduler/jiascheduler/internal/scheduler"
)

type noopSink struct{}

func (noopSink) SendUpdateJob(ctx context.Context, p jobtypes.UpdateJobParams) error { return nil }

type noopFiles struct{}

func (noopFiles) FetchUploadFile(ctx context.Context, filename string) ([]byte, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(executor.New(""), noopSink{}, noopFiles{}, zap.NewNop(), t.TempDir())
	t.Cleanup(s.Stop)
	return s
}

func TestHandleRequestRoutesDispatchJob(t *testing.T) {
	s := newTestScheduler(t)

	req, err := bridge.NewDispatchJobRequest(jobtypes.DispatchJobParams{
		BaseJob: jobtypes.BaseJob{Eid: "j-1", CmdName: "/bin/sh", Args: []string{"-c"}, Code: "echo hi"},
		Action:  jobtypes.ActionExec,
		IsSync:  true,
	})
	require.NoError(t, err)

	raw := handleRequest(context.Background(), s, zap.NewNop(), req)

	var out bridge.JobOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, "hi\n", out.Stdout)
}

func TestHandleRequestRoutesRuntimeAction(t *testing.T) {
	s := newTestScheduler(t)

	req, err := bridge.NewRuntimeActionRequest(jobtypes.RuntimeActionParams{
		Eid:    "j-unknown",
		Action: jobtypes.RuntimeKill,
	})
	require.NoError(t, err)

	raw := handleRequest(context.Background(), s, zap.NewNop(), req)
	require.Equal(t, bridge.MarshalNull(), raw)
}

func TestHandleRequestRejectsUnsupportedType(t *testing.T) {
	s := newTestScheduler(t)

	raw := handleRequest(context.Background(), s, zap.NewNop(), bridge.Request{Type: bridge.ReqAuth})
	msg, ok := bridge.AsError(raw)
	require.True(t, ok)
	require.Contains(t, msg, "unsupported request type")
}
