package console

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// Store is Console's persistence boundary, matching SPEC_FULL.md section
// 3.7's named operations (ResolveInstance, UpsertInstanceLink,
// MarkInstanceOnline/Offline, SaveSchedule, LoadSchedule) plus the small
// set of extra operations section 4.3's bus Handler behaviors and
// redispatch need (StaleInstances, UpdateScheduleResults,
// AppendExecResult, RunnableSchedulesForInstance). Narrowed from the teacher's store.Store interface
// (control_plane/store/types.go), which additionally covers desired-state
// reconciliation and durable epochs this spec has no equivalent for.
type Store interface {
	// UpsertInstanceLink records or refreshes an instance's identity
	// (namespace, ip, mac_addr) without touching its online/offline
	// status -- called whenever Console learns of an instance, whether
	// from a heartbeat, an AgentOnline event, or external provisioning.
	UpsertInstanceLink(ctx context.Context, instanceID, namespace, ip, macAddr string) error
	// ResolveInstance looks up one instance_id's (namespace, ip,
	// mac_addr), per spec.md section 4.8's Resolution step. found is
	// false, not an error, for an unknown instance_id.
	ResolveInstance(ctx context.Context, instanceID string) (target Target, found bool, err error)

	// MarkInstanceOnline/MarkInstanceOffline flip an instance's status,
	// driven by the AgentOnline/AgentOffline/Heartbeat event bus messages
	// (spec.md section 4.3's Handler behaviors).
	MarkInstanceOnline(ctx context.Context, namespace, ip string, at time.Time) error
	MarkInstanceOffline(ctx context.Context, namespace, ip string) error

	// StaleInstances returns every still-online instance whose
	// last-updated time is older than cutoff, for the leader-elected
	// sweep that demotes agents which stopped heartbeating without a
	// clean AgentOffline (spec.md section 4.3).
	StaleInstances(ctx context.Context, cutoff time.Time) ([]Target, error)

	// SaveSchedule persists a new job_schedule_history row.
	SaveSchedule(ctx context.Context, row ScheduleRow) error
	// LoadSchedule loads a prior row for redispatch.
	LoadSchedule(ctx context.Context, scheduleID string) (*ScheduleRow, error)
	// UpdateScheduleResults overwrites the results list of an existing
	// row (used after a redispatch's fan-out completes).
	UpdateScheduleResults(ctx context.Context, scheduleID string, results []TargetResult) error

	// AppendExecResult folds an Agent-reported UpdateJob into the
	// schedule's run history -- run_status/exit_code/stdout/stderr,
	// schedule_status and timestamps (spec.md section 4.3's UpdateJob
	// handler behavior). scheduleStatus is "" when the Agent's report
	// carried none (a plain one-shot Exec), in which case the stored
	// value is left untouched.
	AppendExecResult(ctx context.Context, scheduleID string, runStatus, exitStatus, scheduleStatus string, exitCode *int, stdout, stderr string, at time.Time) error

	// RunnableSchedulesForInstance returns every persisted schedule bound
	// to instanceID whose most recently reported ScheduleStatus is
	// Scheduling or Supervising -- the set Console re-dispatches when that
	// instance's Agent sends an AgentOnline with is_initialized=false (the
	// Agent found no persisted initialized flag, as on its first
	// connection).
	RunnableSchedulesForInstance(ctx context.Context, instanceID string) ([]ScheduleRow, error)
}

// PostgresStore implements Store against PostgreSQL, grounded directly on
// control_plane/store/postgres.go's pgxpool.ParseConfig+tuning+NewWithConfig
// construction and its raw-SQL/ON CONFLICT/Scan idiom.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) UpsertInstanceLink(ctx context.Context, instanceID, namespace, ip, macAddr string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (instance_id, namespace, ip, mac_addr, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'offline', NOW(), NOW())
		ON CONFLICT (instance_id) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			ip = EXCLUDED.ip,
			mac_addr = EXCLUDED.mac_addr,
			updated_at = NOW()
	`, instanceID, namespace, ip, macAddr)
	return err
}

func (s *PostgresStore) ResolveInstance(ctx context.Context, instanceID string) (Target, bool, error) {
	var t Target
	err := s.pool.QueryRow(ctx, `
		SELECT instance_id, namespace, ip, mac_addr FROM instances WHERE instance_id = $1
	`, instanceID).Scan(&t.InstanceID, &t.Namespace, &t.IP, &t.MacAddr)
	if errors.Is(err, pgx.ErrNoRows) {
		return Target{}, false, nil
	}
	if err != nil {
		return Target{}, false, err
	}
	return t, true, nil
}

func (s *PostgresStore) MarkInstanceOnline(ctx context.Context, namespace, ip string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (instance_id, namespace, ip, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'online', NOW(), $4)
		ON CONFLICT (instance_id) DO UPDATE SET
			status = 'online',
			updated_at = EXCLUDED.updated_at
	`, namespace+"/"+ip, namespace, ip, at)
	return err
}

func (s *PostgresStore) MarkInstanceOffline(ctx context.Context, namespace, ip string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances SET status = 'offline', updated_at = NOW()
		WHERE namespace = $1 AND ip = $2
	`, namespace, ip)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("console: instance not found")
	}
	return nil
}

func (s *PostgresStore) StaleInstances(ctx context.Context, cutoff time.Time) ([]Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, namespace, ip, mac_addr FROM instances
		WHERE status = 'online' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.InstanceID, &t.Namespace, &t.IP, &t.MacAddr); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSchedule(ctx context.Context, row ScheduleRow) error {
	dispatchData, err := json.Marshal(row.DispatchData)
	if err != nil {
		return err
	}
	results, err := json.Marshal(row.Results)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(row.JobSnapshot)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_schedule_history (schedule_id, eid, dispatch_data, results, job_snapshot, schedule_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (schedule_id) DO UPDATE SET
			dispatch_data = EXCLUDED.dispatch_data,
			results = EXCLUDED.results,
			job_snapshot = EXCLUDED.job_snapshot,
			updated_at = NOW()
	`, row.ScheduleID, row.Eid, dispatchData, results, snapshot, string(row.ScheduleStatus))
	return err
}

func (s *PostgresStore) LoadSchedule(ctx context.Context, scheduleID string) (*ScheduleRow, error) {
	var row ScheduleRow
	var dispatchData, results, snapshot []byte
	var scheduleStatus string
	err := s.pool.QueryRow(ctx, `
		SELECT schedule_id, eid, dispatch_data, results, job_snapshot, schedule_status, created_at, updated_at
		FROM job_schedule_history WHERE schedule_id = $1
	`, scheduleID).Scan(&row.ScheduleID, &row.Eid, &dispatchData, &results, &snapshot, &scheduleStatus, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dispatchData, &row.DispatchData); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(results, &row.Results); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &row.JobSnapshot); err != nil {
		return nil, err
	}
	row.ScheduleStatus = jobtypes.ScheduleStatus(scheduleStatus)
	return &row, nil
}

// RunnableSchedulesForInstance narrows to schedule_status first in SQL,
// then filters by instanceID in Go against each row's decoded
// DispatchData.Targets -- querying target membership straight out of the
// dispatch_data JSON blob would need a jsonb containment index this store
// doesn't otherwise need, and the Scheduling/Supervising set is already
// small.
func (s *PostgresStore) RunnableSchedulesForInstance(ctx context.Context, instanceID string) ([]ScheduleRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT schedule_id, eid, dispatch_data, results, job_snapshot, schedule_status, created_at, updated_at
		FROM job_schedule_history
		WHERE schedule_status IN ($1, $2)
	`, string(jobtypes.ScheduleScheduling), string(jobtypes.ScheduleSupervising))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleRow
	for rows.Next() {
		var row ScheduleRow
		var dispatchData, results, snapshot []byte
		var scheduleStatus string
		if err := rows.Scan(&row.ScheduleID, &row.Eid, &dispatchData, &results, &snapshot, &scheduleStatus, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(dispatchData, &row.DispatchData); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(results, &row.Results); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(snapshot, &row.JobSnapshot); err != nil {
			return nil, err
		}
		row.ScheduleStatus = jobtypes.ScheduleStatus(scheduleStatus)
		if boundToInstance(row.DispatchData.Targets, instanceID) {
			out = append(out, row)
		}
	}
	return out, rows.Err()
}

func boundToInstance(targets []Target, instanceID string) bool {
	for _, t := range targets {
		if t.InstanceID == instanceID {
			return true
		}
	}
	return false
}

func (s *PostgresStore) UpdateScheduleResults(ctx context.Context, scheduleID string, results []TargetResult) error {
	data, err := json.Marshal(results)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE job_schedule_history SET results = $2, updated_at = NOW() WHERE schedule_id = $1
	`, scheduleID, data)
	return err
}

func (s *PostgresStore) AppendExecResult(ctx context.Context, scheduleID string, runStatus, exitStatus, scheduleStatus string, exitCode *int, stdout, stderr string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_schedule_history SET
			run_status = $2, exit_status = $3, exit_code = $4,
			stdout = $5, stderr = $6, updated_at = $7,
			schedule_status = CASE WHEN $8 = '' THEN schedule_status ELSE $8 END
		WHERE schedule_id = $1
	`, scheduleID, runStatus, exitStatus, exitCode, stdout, stderr, at, scheduleStatus)
	return err
}
