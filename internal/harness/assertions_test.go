package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddTrace("A", OpCreate, "A/1 = draft")
	r.AddTrace("B", OpSyncStarted, "import A")
	r.AddTrace("A", OpSyncStarted, "export B")
	r.AddTrace("A", OpSyncFinished, "export B ok")
	r.AddTrace("B", OpSyncFinished, "import A ok")
	r.AddTrace("B", OpImport, "from A: received=1 imported=1 applied=1 degraded=0 snapshot=false")
	r.AddTrace("B", OpImport, "from A: received=0 imported=0 applied=0 degraded=0 snapshot=false")
	return r.Trace
}

func TestAssertTraceContains_Found(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{Action: "A.sync_finished"})
	assert.NoError(t, err)
}

func TestAssertTraceContains_DetailSubstring(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{Action: "B.import", Detail: "received=0"})
	assert.NoError(t, err, "any matching event will do")

	err = assertTraceContains(sampleTrace(), Assertion{Action: "B.import", Detail: "snapshot=true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `with detail "snapshot=true"`)
}

func TestAssertTraceContains_NotFound(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{Action: "C.import"})
	require.Error(t, err)

	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, AssertTraceContains, assertErr.Type)
	assert.Equal(t, "not found in trace", assertErr.Actual)
	assert.Len(t, assertErr.Trace, 7)
}

func TestAssertTraceOrder_Correct(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{Actions: []string{
		"B.sync_started", "A.sync_started", "A.sync_finished", "B.sync_finished",
	}})
	assert.NoError(t, err)
}

func TestAssertTraceOrder_InterveningActionsAllowed(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{Actions: []string{"A.create", "B.import"}})
	assert.NoError(t, err)
}

func TestAssertTraceOrder_RepeatedAction(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{Actions: []string{"B.import", "B.import"}})
	assert.NoError(t, err)

	err = assertTraceOrder(sampleTrace(), Assertion{Actions: []string{"B.import", "B.import", "B.import"}})
	assert.Error(t, err, "only two imports happened")
}

func TestAssertTraceOrder_WrongOrder(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{Actions: []string{"B.sync_finished", "A.sync_finished"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A.sync_finished missing or out of order")
}

func TestAssertTraceOrder_MissingAction(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{Actions: []string{"A.create", "A.purge"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A.purge")
}

func TestAssertTraceCount(t *testing.T) {
	tests := []struct {
		action string
		count  int
		ok     bool
	}{
		{"B.import", 2, true},
		{"B.import", 1, false},
		{"B.import", 3, false},
		{"A.remove", 0, true},
	}
	for _, tt := range tests {
		err := assertTraceCount(sampleTrace(), Assertion{Action: tt.action, Count: tt.count})
		if tt.ok {
			assert.NoError(t, err, "%s x%d", tt.action, tt.count)
		} else {
			assert.Error(t, err, "%s x%d", tt.action, tt.count)
		}
	}
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "2 occurrences of B.import",
		Actual:   "1 occurrences",
		Trace:    sampleTrace()[:2],
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Expected: 2 occurrences of B.import")
	assert.Contains(t, msg, "Actual: 1 occurrences")
	assert.Contains(t, msg, "[1] A.create A/1 = draft")
	assert.Contains(t, msg, "[2] B.sync_started import A")

	err.Trace = nil
	assert.NotContains(t, err.Error(), "Full trace")
}

// syncedPair runs one create at A and one import at B, then evaluates
// assertions against the outcome.
func syncedPair(t *testing.T, assertions ...Assertion) []string {
	t.Helper()
	scenario := twoCenters([]Step{
		{Do: DoCreate, Center: "A", Doc: "A/1", Value: "draft"},
		{Do: DoAdvance, Ms: 10},
		{Do: DoImport, Center: "B", Peer: "A"},
	}, assertions...)
	result, err := Run(scenario)
	require.NoError(t, err)
	return result.Errors
}

func TestEvaluateAssertions_StatePass(t *testing.T) {
	errs := syncedPair(t,
		Assertion{Type: AssertValue, Center: "B", Doc: "A/1", Value: "draft"},
		Assertion{Type: AssertValue, Center: "B", Doc: "A/1", Field: FieldExists, Value: "draft"},
		Assertion{Type: AssertValue, Center: "B", Doc: "A/1", Field: FieldTitle, Absent: true},
		Assertion{Type: AssertChanges, Center: "A", Count: 1},
		Assertion{Type: AssertChanges, Center: "B", Count: 1},
		Assertion{Type: AssertSyncRecords, Center: "B", Peer: "A", Count: 1, Status: "ok"},
		Assertion{Type: AssertSyncRecords, Center: "B", Peer: "A", Direction: "export", Count: 0},
		Assertion{Type: AssertSyncRecords, Center: "A", Peer: "B", Direction: "export", Count: 1, Status: "ok"},
		Assertion{Type: AssertCenterID, Center: "B", Peer: "A", ID: 1},
	)
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_StateFail(t *testing.T) {
	errs := syncedPair(t,
		Assertion{Type: AssertValue, Center: "B", Doc: "A/1", Value: "final"},
		Assertion{Type: AssertValue, Center: "B", Doc: "A/1", Absent: true},
		Assertion{Type: AssertValue, Center: "A", Doc: "A/2", Value: "draft"},
		Assertion{Type: AssertChanges, Center: "B", Count: 2},
		Assertion{Type: AssertSyncRecords, Center: "B", Peer: "A", Count: 1, Status: "failed"},
		Assertion{Type: AssertSyncRecords, Center: "A", Peer: "B", Count: 3},
		Assertion{Type: AssertCenterID, Center: "B", Peer: "A", ID: 7},
	)
	require.Len(t, errs, 7)
	assert.Contains(t, errs[0], `exists of A/1 at B = "final"`)
	assert.Contains(t, errs[1], "absent")
	assert.Contains(t, errs[2], "Actual: absent")
	assert.Contains(t, errs[3], "Actual: 1 changes")
	assert.Contains(t, errs[4], "Actual: ok")
	assert.Contains(t, errs[5], "Actual: 1 records")
	assert.Contains(t, errs[6], "B knows A as 7")
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	h := &Harness{result: NewResult()}
	errs := EvaluateAssertions(t.Context(), h, []Assertion{{Type: "unknown_type"}})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "unknown_type"`)
}
