package console

import (
	"context"
	"sync"
	"time"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// fakeStore is an in-memory Store double used across this package's
// tests, standing in for PostgresStore the way the teacher's tests favor
// a real miniredis over mocking store.Store (control_plane has no
// in-memory store double of its own to mirror; this one is sized to just
// what Dispatcher/Consumer/Sweeper exercise).
type fakeStore struct {
	mu sync.Mutex

	instances map[string]Target // instance_id -> Target
	status    map[string]string // "namespace/ip" -> status
	updatedAt map[string]time.Time

	schedules map[string]ScheduleRow
	execCalls []execCall
}

type execCall struct {
	ScheduleID string
	RunStatus  string
	ExitStatus string
	ExitCode   *int
	Stdout     string
	Stderr     string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		instances: make(map[string]Target),
		status:    make(map[string]string),
		updatedAt: make(map[string]time.Time),
		schedules: make(map[string]ScheduleRow),
	}
}

// addSchedule seeds a schedule row directly, bypassing Dispatch, for tests
// that only care about reconnect re-dispatch and don't need a real fan-out
// to have produced the row.
func (f *fakeStore) addSchedule(row ScheduleRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[row.ScheduleID] = row
}

func (f *fakeStore) addInstance(t Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[t.InstanceID] = t
}

func (f *fakeStore) UpsertInstanceLink(ctx context.Context, instanceID, namespace, ip, macAddr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.instances[instanceID]
	t.InstanceID, t.Namespace, t.IP = instanceID, namespace, ip
	if macAddr != "" {
		t.MacAddr = macAddr
	}
	f.instances[instanceID] = t
	return nil
}

func (f *fakeStore) ResolveInstance(ctx context.Context, instanceID string) (Target, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.instances[instanceID]
	return t, ok, nil
}

func (f *fakeStore) MarkInstanceOnline(ctx context.Context, namespace, ip string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := namespace + "/" + ip
	f.status[key] = "online"
	f.updatedAt[key] = at
	return nil
}

func (f *fakeStore) MarkInstanceOffline(ctx context.Context, namespace, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[namespace+"/"+ip] = "offline"
	return nil
}

func (f *fakeStore) StaleInstances(ctx context.Context, cutoff time.Time) ([]Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Target
	for _, t := range f.instances {
		key := t.Namespace + "/" + t.IP
		if f.status[key] == "online" && f.updatedAt[key].Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveSchedule(ctx context.Context, row ScheduleRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row.CreatedAt = time.Now()
	row.UpdatedAt = row.CreatedAt
	f.schedules[row.ScheduleID] = row
	return nil
}

func (f *fakeStore) LoadSchedule(ctx context.Context, scheduleID string) (*ScheduleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.schedules[scheduleID]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (f *fakeStore) UpdateScheduleResults(ctx context.Context, scheduleID string, results []TargetResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.schedules[scheduleID]
	if !ok {
		return nil
	}
	row.Results = results
	row.UpdatedAt = time.Now()
	f.schedules[scheduleID] = row
	return nil
}

func (f *fakeStore) AppendExecResult(ctx context.Context, scheduleID string, runStatus, exitStatus, scheduleStatus string, exitCode *int, stdout, stderr string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls = append(f.execCalls, execCall{
		ScheduleID: scheduleID, RunStatus: runStatus, ExitStatus: exitStatus,
		ExitCode: exitCode, Stdout: stdout, Stderr: stderr,
	})
	if scheduleStatus != "" {
		if row, ok := f.schedules[scheduleID]; ok {
			row.ScheduleStatus = jobtypes.ScheduleStatus(scheduleStatus)
			f.schedules[scheduleID] = row
		}
	}
	return nil
}

func (f *fakeStore) RunnableSchedulesForInstance(ctx context.Context, instanceID string) ([]ScheduleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ScheduleRow
	for _, row := range f.schedules {
		if row.ScheduleStatus != jobtypes.ScheduleScheduling && row.ScheduleStatus != jobtypes.ScheduleSupervising {
			continue
		}
		if boundToInstance(row.DispatchData.Targets, instanceID) {
			out = append(out, row)
		}
	}
	return out, nil
}
