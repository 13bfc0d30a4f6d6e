package observability

import (
	"testing"

	"github.com/danmuck/fencectl/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	before := FencingDecisionCount("coord-a", "resource.removed", "stale_token")
	RecordFencingDecision("coord-a", "resource.removed", "stale_token")
	RecordFencingDecision("coord-a", "resource.removed", "stale_token")
	if got := FencingDecisionCount("coord-a", "resource.removed", "stale_token"); got != before+2 {
		t.Fatalf("unexpected decision count: got %v want %v", got, before+2)
	}

	RecordRemoval("coord-a", "removed")
	if got := RemovalCount("coord-a", "removed"); got < 1 {
		t.Fatalf("expected removal counter to advance, got %v", got)
	}
	SetLiveResources("coord-a", 3)
	RecordFrame("coord-a", "resource.removed")
}
