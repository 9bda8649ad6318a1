package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jiascheduler/jiascheduler/internal/bridge"
	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// failedExitCode is emitted when the Exec flow itself fails before
// producing a real process exit (file-fetch error, missing binary):
// spec.md section 4.4.1 step 4's "On failure emit ... exit_code=99".
const failedExitCode = 99

// execOnce runs the Exec (once) flow of spec.md section 4.4.1. It is
// also the inner flow StartTimer and StartSupervising bind on each fire
// or iteration; p's ScheduleID, InstanceID and CreatedUser are copied onto
// the emitted UpdateJob events, and no ScheduleType is set on them.
func (s *Scheduler) execOnce(ctx context.Context, p jobtypes.DispatchJobParams) (*bridge.JobOutput, error) {
	job := p.BaseJob

	if job.UploadFile != nil && len(job.UploadFile.Data) == 0 {
		data, err := s.files.FetchUploadFile(ctx, job.UploadFile.Filename)
		if err != nil {
			return s.execFailed(ctx, p, fmt.Sprintf("file fetch failed: %v", err))
		}
		path := filepath.Join(s.workDir, job.UploadFile.Filename)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return s.execFailed(ctx, p, fmt.Sprintf("file write failed: %v", err))
		}
		job.UploadFile.Data = data
		if job.WorkDir == "" {
			job.WorkDir = s.workDir
		}
	}

	killCh := s.kills.register(job.Eid)
	defer s.kills.unregister(job.Eid, killCh)

	start := time.Now()
	s.emit(ctx, jobtypes.UpdateJobParams{
		ScheduleID:    p.ScheduleID,
		BaseJob:       job.ToPureJob(),
		InstanceID:    p.InstanceID,
		RunStatus:     jobtypes.RunRunning,
		CreatedUser:   p.CreatedUser,
		StartTime:     &start,
	})

	var out *bridge.JobOutput
	var runErr error

	if job.IsBundle() {
		results := s.exec.RunBundle(ctx, job.BundleScript, job.WorkDir, job.WorkUser, job.TimeoutSeconds, nil, killCh)
		entries := make([]jobtypes.BundleOutputEntry, 0, len(results))
		bentries := make([]bridge.BundleEntry, 0, len(results))
		for _, bs := range job.BundleScript {
			r := results[bs.Eid]
			entries = append(entries, jobtypes.BundleOutputEntry{Eid: bs.Eid, ExitCode: r.ExitCode, ExitStatus: r.ExitStatus, Stdout: r.Stdout, Stderr: r.Stderr})
			bentries = append(bentries, bridge.BundleEntry{Eid: bs.Eid, ExitCode: r.ExitCode, ExitStatus: r.ExitStatus, Stdout: r.Stdout, Stderr: r.Stderr})
		}
		end := time.Now()
		s.emit(ctx, jobtypes.UpdateJobParams{
			ScheduleID:   p.ScheduleID,
			BaseJob:      job.ToPureJob(),
			InstanceID:   p.InstanceID,
			RunStatus:    jobtypes.RunStop,
			CreatedUser:  p.CreatedUser,
			BundleOutput: entries,
			EndTime:      &end,
		})
		out = &bridge.JobOutput{BundleOutput: bentries}
	} else {
		res, err := s.exec.Run(ctx, job, nil, killCh)
		runErr = err
		end := time.Now()
		exitCode := res.ExitCode
		exitStatus := res.ExitStatus
		stdout := res.Stdout
		stderr := res.Stderr
		if err != nil && exitCode == nil {
			code := failedExitCode
			exitCode = &code
			exitStatus = "failed"
			stderr = err.Error()
		}
		s.emit(ctx, jobtypes.UpdateJobParams{
			ScheduleID: p.ScheduleID,
			BaseJob:    job.ToPureJob(),
			InstanceID: p.InstanceID,
			RunStatus:  jobtypes.RunStop,
			ExitCode:   exitCode,
			ExitStatus: exitStatus,
			Stdout:     stdout,
			Stderr:     stderr,
			CreatedUser: p.CreatedUser,
			EndTime:    &end,
		})
		out = &bridge.JobOutput{ExitCode: exitCode, ExitStatus: exitStatus, Stdout: stdout, Stderr: stderr}
	}

	if !p.IsSync {
		return nil, runErr
	}
	return out, runErr
}

func (s *Scheduler) execFailed(ctx context.Context, p jobtypes.DispatchJobParams, reason string) (*bridge.JobOutput, error) {
	code := failedExitCode
	end := time.Now()
	s.emit(ctx, jobtypes.UpdateJobParams{
		ScheduleID:  p.ScheduleID,
		BaseJob:     p.BaseJob.ToPureJob(),
		InstanceID:  p.InstanceID,
		RunStatus:   jobtypes.RunStop,
		ExitCode:    &code,
		ExitStatus:  "failed",
		Stdout:      reason,
		Stderr:      reason,
		CreatedUser: p.CreatedUser,
		EndTime:     &end,
	})
	if !p.IsSync {
		return nil, fmt.Errorf("scheduler: %s", reason)
	}
	return &bridge.JobOutput{ExitCode: &code, ExitStatus: "failed", Stderr: reason}, fmt.Errorf("scheduler: %s", reason)
}
