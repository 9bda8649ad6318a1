package executor

import (
	"context"
	"testing"
	"time"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	e := New("")
	job := jobtypes.BaseJob{
		Eid:     "j-1",
		CmdName: "/bin/sh",
		Args:    []string{"-c"},
		Code:    "echo hello; echo world 1>&2",
	}
	out, err := e.Run(context.Background(), job, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "world\n", out.Stderr)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 0, *out.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	e := New("")
	job := jobtypes.BaseJob{
		Eid:     "j-2",
		CmdName: "/bin/sh",
		Args:    []string{"-c"},
		Code:    "exit 7",
	}
	out, err := e.Run(context.Background(), job, nil, nil)
	require.Error(t, err)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 7, *out.ExitCode)
}

func TestRunTimeoutKillsProcessAndUsesKilledExitCode(t *testing.T) {
	e := New("")
	job := jobtypes.BaseJob{
		Eid:            "j-3",
		CmdName:        "/bin/sh",
		Args:           []string{"-c"},
		Code:           "sleep 5",
		TimeoutSeconds: 1,
	}
	start := time.Now()
	out, err := e.Run(context.Background(), job, nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, killedExitCode, *out.ExitCode)
	assert.Equal(t, "killed", out.ExitStatus)
}

func TestRunKillChannelTerminatesProcess(t *testing.T) {
	e := New("")
	job := jobtypes.BaseJob{
		Eid:     "j-4",
		CmdName: "/bin/sh",
		Args:    []string{"-c"},
		Code:    "sleep 30",
	}
	kill := make(chan struct{})
	go func() {
		time.Sleep(200 * time.Millisecond)
		close(kill)
	}()

	start := time.Now()
	out, err := e.Run(context.Background(), job, nil, kill)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, killedExitCode, *out.ExitCode)
}

func TestRunBundleSequentialWithPartialFailure(t *testing.T) {
	e := New("")
	bundle := []jobtypes.BundleScript{
		{Eid: "b-1", CmdName: "/bin/sh", Args: []string{"-c"}, Code: "echo one"},
		{Eid: "b-2", CmdName: "/bin/sh", Args: []string{"-c"}, Code: "exit 3"},
		{Eid: "b-3", CmdName: "/bin/sh", Args: []string{"-c"}, Code: "echo three"},
	}
	kill := make(chan struct{})
	results := e.RunBundle(context.Background(), bundle, "", "", 0, nil, kill)

	require.Len(t, results, 3)
	assert.Equal(t, "one\n", results["b-1"].Stdout)
	require.NotNil(t, results["b-2"].ExitCode)
	assert.Equal(t, 3, *results["b-2"].ExitCode)
	assert.Equal(t, "three\n", results["b-3"].Stdout)
}

func TestRunBundleEmptyProducesEmptyMap(t *testing.T) {
	e := New("")
	kill := make(chan struct{})
	results := e.RunBundle(context.Background(), nil, "", "", 0, nil, kill)
	assert.Len(t, results, 0)
}
