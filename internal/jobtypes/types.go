// Package jobtypes holds the data shapes shared by the Bridge wire format
// and the Agent scheduler: jobs, schedule/run status enums, and job
// actions. Field names follow the distilled specification; where the
// specification was silent on an exact shape the original Rust source
// (automate/src/scheduler/types.rs) is followed.
package jobtypes

import "time"

// ScheduleType is the kind of schedule a DispatchJobParams belongs to.
type ScheduleType string

const (
	ScheduleOnce  ScheduleType = "once"
	ScheduleTimer ScheduleType = "timer"
	ScheduleFlow  ScheduleType = "flow"
	ScheduleDaemon ScheduleType = "daemon"
)

// RunStatus is the lifecycle of a single execution.
type RunStatus string

const (
	RunPrepare RunStatus = "prepare"
	RunRunning RunStatus = "running"
	RunStop    RunStatus = "stop"
)

// ScheduleStatus is the lifecycle of a schedule's registration (timer or
// supervisor), independent of any single run's RunStatus.
type ScheduleStatus string

const (
	SchedulePrepare     ScheduleStatus = "prepare"
	ScheduleScheduling  ScheduleStatus = "scheduling"
	ScheduleUnscheduled ScheduleStatus = "unscheduled"
	ScheduleSupervising ScheduleStatus = "supervising"
	ScheduleUnsupervised ScheduleStatus = "unsupervised"
)

// JobAction is the action carried in a DispatchJobParams.
type JobAction string

const (
	ActionExec                JobAction = "exec"
	ActionKill                JobAction = "kill"
	ActionStartTimer          JobAction = "start_timer"
	ActionStopTimer           JobAction = "stop_timer"
	ActionStartSupervising    JobAction = "start_supervising"
	ActionRestartSupervising  JobAction = "restart_supervising"
	ActionStopSupervising     JobAction = "stop_supervising"
)

// RuntimeAction is the smaller action set carried in a RuntimeActionParams
// (used for out-of-band kill/stop, e.g. from Comet's /runtime_action).
type RuntimeAction string

const (
	RuntimeKill               RuntimeAction = "kill"
	RuntimeStopTimer          RuntimeAction = "stop_timer"
	RuntimeStartSupervising   RuntimeAction = "start_supervising"
	RuntimeRestartSupervising RuntimeAction = "restart_supervising"
	RuntimeStopSupervising    RuntimeAction = "stop_supervising"
)

// BundleScript is one script in a bundle job; every bundle entry shares
// the outer job's kill signal.
type BundleScript struct {
	Eid     string   `json:"eid"`
	CmdName string   `json:"cmd_name"`
	Args    []string `json:"args"`
	Code    string   `json:"code"`
}

// UploadFile describes a file the Agent must fetch from its current Comet
// before running the job.
type UploadFile struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data,omitempty"`
}

// BaseJob is the stable, job-shaped payload carried by both DispatchJob
// requests and Console's persisted schedule snapshots.
type BaseJob struct {
	Eid               string         `json:"eid"`
	CmdName           string         `json:"cmd_name"`
	Args              []string       `json:"args"`
	Code              string         `json:"code"`
	BundleScript      []BundleScript `json:"bundle_script,omitempty"`
	UploadFile        *UploadFile    `json:"upload_file,omitempty"`
	ReadCodeFromStdin bool           `json:"read_code_from_stdin"`
	TimeoutSeconds    int            `json:"timeout_s"`
	WorkDir           string         `json:"work_dir,omitempty"`
	WorkUser          string         `json:"work_user,omitempty"`
	MaxRetry          int            `json:"max_retry,omitempty"`
	MaxParallel       int            `json:"max_parallel,omitempty"`
}

// IsBundle reports whether this job is a bundle (job_type = bundle) or a
// single default script.
func (b BaseJob) IsBundle() bool {
	return len(b.BundleScript) > 0
}

// ToPureJob returns a copy of b with the upload file's data stripped, for
// persistence where carrying the raw bytes would waste space.
func (b BaseJob) ToPureJob() BaseJob {
	pure := b
	if b.UploadFile != nil {
		f := *b.UploadFile
		f.Data = nil
		pure.UploadFile = &f
	}
	return pure
}

// DispatchJobParams is the Request payload for a DispatchJob message.
type DispatchJobParams struct {
	BaseJob         BaseJob        `json:"base_job"`
	ScheduleID      string         `json:"schedule_id"`
	InstanceID      string         `json:"instance_id"`
	IsSync          bool           `json:"is_sync"`
	CreatedUser     string         `json:"created_user"`
	Action          JobAction      `json:"action"`
	TimerExpr       string         `json:"timer_expr,omitempty"`
	RestartInterval time.Duration  `json:"restart_interval,omitempty"`
	Fields          map[string]any `json:"fields,omitempty"`
}

// RuntimeActionParams is the Request payload for a RuntimeAction message,
// used by Comet's /runtime_action route to kill or stop a schedule
// without resending the whole job body.
type RuntimeActionParams struct {
	Eid         string         `json:"eid"`
	IsSync      bool           `json:"is_sync"`
	CreatedUser string         `json:"created_user"`
	Action      RuntimeAction  `json:"action"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// BundleOutputEntry is one bundle script's captured result, reported
// inside an UpdateJobParams when the job was a bundle.
type BundleOutputEntry struct {
	Eid        string `json:"eid"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	ExitStatus string `json:"exit_status,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

// UpdateJobParams is the Request payload an Agent sends back to report
// job/schedule lifecycle transitions.
type UpdateJobParams struct {
	ScheduleID     string          `json:"schedule_id"`
	ScheduleType   ScheduleType    `json:"schedule_type,omitempty"`
	BaseJob        BaseJob         `json:"base_job"`
	InstanceID     string          `json:"instance_id"`
	BindIP         string          `json:"bind_ip"`
	BindNamespace  string          `json:"bind_namespace"`
	RunStatus      RunStatus       `json:"run_status,omitempty"`
	ScheduleStatus ScheduleStatus  `json:"schedule_status,omitempty"`
	ExitCode       *int            `json:"exit_code,omitempty"`
	ExitStatus     string          `json:"exit_status,omitempty"`
	Stdout         string          `json:"stdout,omitempty"`
	Stderr         string          `json:"stderr,omitempty"`
	CreatedUser    string          `json:"created_user,omitempty"`
	BundleOutput   []BundleOutputEntry `json:"bundle_output,omitempty"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	PrevTime       *time.Time      `json:"prev_time,omitempty"`
	NextTime       *time.Time      `json:"next_time,omitempty"`
}

// HeartbeatParams is the Request payload an Agent sends every 60s.
type HeartbeatParams struct {
	Namespace string `json:"namespace"`
	MacAddr   string `json:"mac_addr"`
	SourceIP  string `json:"source_ip"`
}

// Endpoint returns the canonical "namespace:ip"-ish display string used
// in logs; the Bridge client key itself is computed separately as
// "namespace/ip" (see internal/console.Target.ClientKey).
func (h HeartbeatParams) Endpoint() string {
	if h.Namespace != "" {
		return h.Namespace + ":" + h.SourceIP
	}
	return h.SourceIP
}

// AuthParams is the Request payload exchanged once at connection start.
type AuthParams struct {
	AgentIP       string `json:"agent_ip"`
	Secret        string `json:"secret"`
	IsInitialized bool   `json:"is_initialized"`
}
