// Package console implements the Console side of spec.md section 4.8:
// resolving instances to their current Comet, fanning a dispatch out to
// every target, persisting the run history, and consuming the event bus
// to keep instance/job state current.
package console

import (
	"time"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// Target identifies one managed host a dispatch fans out to.
type Target struct {
	InstanceID string `json:"instance_id" db:"instance_id"`
	Namespace  string `json:"namespace" db:"namespace"`
	IP         string `json:"ip" db:"ip"`
	MacAddr    string `json:"mac_addr" db:"mac_addr"`
}

// ClientKey is the Bridge routing key for this target (spec.md section 3.1).
func (t Target) ClientKey() string { return t.Namespace + "/" + t.IP }

// DispatchData is the snapshot persisted alongside a schedule, so a
// redispatch can reuse it without re-deriving targets or job params
// (spec.md section 4.8's Snapshot/Redispatch).
type DispatchData struct {
	Targets []Target                    `json:"target"`
	Params  jobtypes.DispatchJobParams  `json:"params"`
}

// TargetResult is one target's fan-out outcome.
type TargetResult struct {
	Namespace string `json:"namespace"`
	IP        string `json:"ip"`
	Response  string `json:"response,omitempty"`
	HasErr    bool   `json:"has_err"`
	Err       string `json:"err,omitempty"`
}

// ScheduleRow is the job_schedule_history record (spec.md section 4.8's
// Persistence paragraph).
type ScheduleRow struct {
	ScheduleID   string
	Eid          string
	DispatchData DispatchData
	Results      []TargetResult
	JobSnapshot  jobtypes.BaseJob
	// ScheduleStatus is the most recent ScheduleStatus an Agent reported
	// for this schedule via UpdateJob (jobtypes.ScheduleScheduling/
	// ScheduleSupervising mean the schedule is still runnable). Empty
	// for a plain one-shot Exec, which never reports one.
	ScheduleStatus jobtypes.ScheduleStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// stripUploadData returns a copy of p with any upload_file payload bytes
// removed, per spec.md section 4.8: "Persist the DispatchData (with
// upload_file.data stripped to save space)".
func stripUploadData(p jobtypes.DispatchJobParams) jobtypes.DispatchJobParams {
	p.BaseJob = p.BaseJob.ToPureJob()
	return p
}
