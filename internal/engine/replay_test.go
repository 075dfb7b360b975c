package engine

import (
	"testing"

	"policygate/internal/audit"
	"policygate/pkg/types"
)

func recordedEvent(t *testing.T, eng *Engine) *audit.Event {
	t.Helper()
	intent := buyIntent("AAPL", 100)
	portfolio := testPortfolio(100000, 100000, 100000)
	market := testMarket(map[string]float64{"AAPL": 200})
	exec := emptyExec()

	d, err := eng.Evaluate(intent, portfolio, market, exec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return audit.BuildEvent(d, intent, portfolio, market, exec, Version, eng.PolicyHash(), "run-test")
}

func TestReplayMatchesRecordedDecision(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ev := recordedEvent(t, eng)

	original, replayed, err := ReplayEvent(ev, eng.Policy())
	if err != nil {
		t.Fatalf("ReplayEvent: %v", err)
	}
	if !DecisionsMatch(original, replayed) {
		t.Errorf("replay mismatch:\nrecorded: %+v\nreplayed: %+v", original, replayed)
	}
}

// A replay must also hold after the event has been through its serialized
// form, where every JSON number comes back as float64.
func TestReplayAfterLogRoundTrip(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ev := recordedEvent(t, eng)

	line, err := audit.MarshalCanonical(ev)
	if err != nil {
		t.Fatalf("MarshalCanonical: %v", err)
	}
	var decoded audit.Event
	if err := types.DecodeStrict(line, &decoded); err != nil {
		t.Fatalf("decode event line: %v", err)
	}

	original, replayed, err := ReplayEvent(&decoded, eng.Policy())
	if err != nil {
		t.Fatalf("ReplayEvent: %v", err)
	}
	if !DecisionsMatch(original, replayed) {
		t.Errorf("replay mismatch after round trip:\nrecorded: %+v\nreplayed: %+v", original, replayed)
	}
}

func TestReplayDetectsTamperedDecision(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ev := recordedEvent(t, eng)
	ev.Decision.Decision = types.VerdictDeny

	original, replayed, err := ReplayEvent(ev, eng.Policy())
	if err != nil {
		t.Fatalf("ReplayEvent: %v", err)
	}
	if DecisionsMatch(original, replayed) {
		t.Error("a tampered verdict must not compare equal to the replayed one")
	}
}

func TestReplayRejectsCorruptInputs(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ev := recordedEvent(t, eng)
	ev.Intent.Qty = -1

	if _, _, err := ReplayEvent(ev, eng.Policy()); err == nil {
		t.Error("expected error replaying an event with invalid inputs")
	}
}

func TestDecisionsMatchIgnoresDiagnostics(t *testing.T) {
	t.Parallel()
	a := &types.Decision{
		Decision: types.VerdictAllow,
		IntentID: "int-001",
		Evidence: []types.Evidence{{Metric: "drawdown", Value: 0.01, Limit: 0.05}},
		EvalMS:   0.42,
	}
	b := &types.Decision{
		Decision: types.VerdictAllow,
		IntentID: "int-001",
		EvalMS:   1.7,
	}
	if !DecisionsMatch(a, b) {
		t.Error("evidence and eval_ms must not affect decision equality")
	}

	b.IntentID = "int-002"
	if DecisionsMatch(a, b) {
		t.Error("different intent IDs must not compare equal")
	}
}
