package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
	"github.com/jiascheduler/jiascheduler/internal/registry"
)

// cometEnvelope mirrors internal/comet's {code,msg,data} response shape
// (internal/comet/httpresp.go). Console only ever talks to Comet over the
// wire, never by importing that package, so the shape is duplicated here
// rather than shared.
type cometEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

const cometCodeSuccess = 20000

// DispatchError is returned alongside an already-persisted *ScheduleRow
// when at least one target's fan-out failed (spec.md section 4.8's
// Persistence paragraph: "If any target failed, also return an aggregate
// error to the HTTP caller while still persisting the partial success
// set"). Its presence, not its text, is what server.go's handlers act on.
type DispatchError struct {
	Results []TargetResult
}

func (e *DispatchError) Error() string {
	var failed []string
	for _, r := range e.Results {
		if r.HasErr {
			failed = append(failed, fmt.Sprintf("%s/%s: %s", r.Namespace, r.IP, r.Err))
		}
	}
	return "console: dispatch had target failures: " + strings.Join(failed, "; ")
}

// aggregateError returns a *DispatchError over results if any of them
// failed, nil otherwise.
func aggregateError(results []TargetResult) error {
	for _, r := range results {
		if r.HasErr {
			return &DispatchError{Results: results}
		}
	}
	return nil
}

// cometDispatchBody mirrors internal/comet's dispatchBody.
type cometDispatchBody struct {
	Namespace string          `json:"namespace"`
	AgentIP   string          `json:"agent_ip"`
	MacAddr   string          `json:"mac_addr"`
	Params    json.RawMessage `json:"params"`
}

// Dispatcher resolves instances to their live Comet, fans a job out to
// every target and persists the run. Grounded on control_plane/reconciler.go's
// Dispatcher/Reconciler split and its per-resource exclusivity idiom, but
// narrowed to spec.md section 4.8's simpler fire-and-record model: no
// check/apply/final-check phases, no CAS'd DesiredState, no shadow mode.
type Dispatcher struct {
	store     Store
	linkPairs *registry.LinkPairs
	http      *http.Client
	log       *zap.Logger

	// fanOutTimeout bounds how long a single target's /dispatch POST may
	// take before its TargetResult is recorded as an error.
	fanOutTimeout time.Duration
}

func NewDispatcher(store Store, linkPairs *registry.LinkPairs, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:         store,
		linkPairs:     linkPairs,
		http:          &http.Client{Timeout: 15 * time.Second},
		log:           log,
		fanOutTimeout: 10 * time.Second,
	}
}

// DispatchRequest is the input to Dispatch: a schedule's identity plus the
// job body to run on every resolved instance.
type DispatchRequest struct {
	ScheduleID      string
	InstanceIDs     []string
	Job             jobtypes.BaseJob
	Action          jobtypes.JobAction
	IsSync          bool
	CreatedUser     string
	TimerExpr       string
	RestartInterval time.Duration
}

// Dispatch implements spec.md section 4.8: Resolution, Snapshot, fan-out,
// and Persistence. A target Comet being unreachable or a target with no
// link_pair record produces a per-target error in Results, never a
// failure of the whole call -- partial fan-out is the expected outcome,
// not an exception. An instance_id that does not resolve to a known
// instance is skipped and gets no entry in Results (see resolveTargets).
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*ScheduleRow, error) {
	targets, err := d.resolveTargets(ctx, req.InstanceIDs)
	if err != nil {
		return nil, fmt.Errorf("console: resolve instances: %w", err)
	}

	params := jobtypes.DispatchJobParams{
		BaseJob:         req.Job,
		ScheduleID:      req.ScheduleID,
		IsSync:          req.IsSync,
		CreatedUser:     req.CreatedUser,
		Action:          req.Action,
		TimerExpr:       req.TimerExpr,
		RestartInterval: req.RestartInterval,
	}

	results := d.fanOut(ctx, targets, params)

	row := ScheduleRow{
		ScheduleID: req.ScheduleID,
		Eid:        req.Job.Eid,
		DispatchData: DispatchData{
			Targets: targets,
			Params:  stripUploadData(params),
		},
		Results:     results,
		JobSnapshot: req.Job.ToPureJob(),
	}
	if err := d.store.SaveSchedule(ctx, row); err != nil {
		return nil, fmt.Errorf("console: save schedule: %w", err)
	}
	return &row, aggregateError(results)
}

// Redispatch re-sends a previously persisted schedule's DispatchData with
// a new Action (e.g. stop, restart), per spec.md section 4.8's Redispatch
// paragraph: reuse the stored targets and job params, re-resolve each
// target's current Comet (it may have reconnected elsewhere since), and
// overwrite the stored results.
func (d *Dispatcher) Redispatch(ctx context.Context, scheduleID string, action jobtypes.JobAction) (*ScheduleRow, error) {
	row, err := d.store.LoadSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("console: load schedule: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("console: schedule %s not found", scheduleID)
	}

	params := row.DispatchData.Params
	params.Action = action

	results := d.fanOut(ctx, row.DispatchData.Targets, params)
	if err := d.store.UpdateScheduleResults(ctx, scheduleID, results); err != nil {
		return nil, fmt.Errorf("console: update schedule results: %w", err)
	}
	row.Results = results
	return row, aggregateError(results)
}

// RedispatchToInstance re-sends a stored schedule's job to exactly one of
// its already-resolved targets, reusing the schedule's original action and
// params unchanged. Console's Consumer calls it for every schedule still
// runnable on an instance whose Agent sent an AgentOnline with
// is_initialized=false (the Agent found no persisted initialized flag, so
// it holds no timers or supervisors) -- unlike Redispatch, which targets
// every instance bound to the schedule under a caller-chosen new action.
func (d *Dispatcher) RedispatchToInstance(ctx context.Context, scheduleID, instanceID string) (*ScheduleRow, error) {
	row, err := d.store.LoadSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("console: load schedule: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("console: schedule %s not found", scheduleID)
	}

	var target *Target
	for i := range row.DispatchData.Targets {
		if row.DispatchData.Targets[i].InstanceID == instanceID {
			target = &row.DispatchData.Targets[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("console: instance %s is not a target of schedule %s", instanceID, scheduleID)
	}

	results := d.fanOut(ctx, []Target{*target}, row.DispatchData.Params)
	merged := mergeTargetResult(row.Results, results[0])
	if err := d.store.UpdateScheduleResults(ctx, scheduleID, merged); err != nil {
		return nil, fmt.Errorf("console: update schedule results: %w", err)
	}
	row.Results = merged
	return row, aggregateError(results)
}

// mergeTargetResult returns a copy of existing with updated's entry
// replaced (matched by namespace+ip), or appended if no entry matched.
func mergeTargetResult(existing []TargetResult, updated TargetResult) []TargetResult {
	out := make([]TargetResult, len(existing))
	copy(out, existing)
	for i := range out {
		if out[i].Namespace == updated.Namespace && out[i].IP == updated.IP {
			out[i] = updated
			return out
		}
	}
	return append(out, updated)
}

// resolveTargets runs Store.ResolveInstance over every requested
// instance_id, per spec.md section 4.8's Resolution step. An unknown
// instance_id is silently skipped -- it never reaches the fan-out, so it
// never produces a TargetResult either, matching the teacher's own
// "missing agent is not a reconciliation failure" treatment in
// reconciler.go's GetAgent-returns-nil branch (there it fails the task;
// here the other targets still proceed, since a single bad instance_id in
// a batch must not block the rest of the fan-out).
func (d *Dispatcher) resolveTargets(ctx context.Context, instanceIDs []string) ([]Target, error) {
	targets := make([]Target, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		t, found, err := d.store.ResolveInstance(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve instance %s: %w", id, err)
		}
		if !found {
			d.log.Warn("console: instance_id does not resolve to a known instance", zap.String("instance_id", id))
			continue
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// fanOut sends params to every target concurrently, each with an
// independently overridden InstanceID, and collects one TargetResult per
// target regardless of individual failures.
func (d *Dispatcher) fanOut(ctx context.Context, targets []Target, params jobtypes.DispatchJobParams) []TargetResult {
	results := make([]TargetResult, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			results[i] = d.dispatchOne(ctx, t, params)
		}(i, t)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, t Target, params jobtypes.DispatchJobParams) TargetResult {
	result := TargetResult{Namespace: t.Namespace, IP: t.IP}

	cometAddr, err := d.linkPairs.Lookup(ctx, t.ClientKey())
	if err != nil {
		result.HasErr = true
		result.Err = fmt.Sprintf("Agent %s not registered, please deploy first", t.ClientKey())
		return result
	}

	targetParams := params
	targetParams.InstanceID = t.InstanceID
	paramsJSON, err := json.Marshal(targetParams)
	if err != nil {
		result.HasErr = true
		result.Err = err.Error()
		return result
	}

	body := cometDispatchBody{
		Namespace: t.Namespace,
		AgentIP:   t.IP,
		MacAddr:   t.MacAddr,
		Params:    paramsJSON,
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		result.HasErr = true
		result.Err = err.Error()
		return result
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.fanOutTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(sendCtx, http.MethodPost, "http://"+cometAddr+"/dispatch", bytes.NewReader(bodyJSON))
	if err != nil {
		result.HasErr = true
		result.Err = err.Error()
		return result
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(httpReq)
	if err != nil {
		result.HasErr = true
		result.Err = err.Error()
		return result
	}
	defer resp.Body.Close()

	var env cometEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		result.HasErr = true
		result.Err = fmt.Sprintf("malformed comet response: %v", err)
		return result
	}
	if env.Code != cometCodeSuccess {
		result.HasErr = true
		result.Err = env.Msg
		return result
	}
	result.Response = string(env.Data)
	return result
}
