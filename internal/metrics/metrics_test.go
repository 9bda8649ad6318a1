package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// These just confirm the package-level vars register without panicking and
// record the values set on them, the way promauto package-level vars are
// normally exercised; the tests of the packages that update them do not
// assert on metric values.
func TestMetricsRegisterUnderExpectedNames(t *testing.T) {
	BridgePendingRequests.Set(1)
	if got := testutil.ToFloat64(BridgePendingRequests); got != 1 {
		t.Fatalf("BridgePendingRequests = %v, want 1", got)
	}

	SchedulerActiveTimers.Set(2)
	if got := testutil.ToFloat64(SchedulerActiveTimers); got != 2 {
		t.Fatalf("SchedulerActiveTimers = %v, want 2", got)
	}

	ExecutorRuns.WithLabelValues("success").Inc()
	if got := testutil.ToFloat64(ExecutorRuns.WithLabelValues("success")); got != 1 {
		t.Fatalf("ExecutorRuns{success} = %v, want 1", got)
	}

	LeaderStatus.WithLabelValues("node-a").Set(1)
	if got := testutil.ToFloat64(LeaderStatus.WithLabelValues("node-a")); got != 1 {
		t.Fatalf("LeaderStatus{node-a} = %v, want 1", got)
	}
}
