// replay.go re-derives decisions from recorded audit events.
//
// A mismatch between the recorded and replayed decision means one of:
// policy drift (check the event's policy_hash against the loaded policy),
// an engine regression, or a corrupted log line.
package engine

import (
	"bytes"
	"fmt"

	"policygate/internal/audit"
	"policygate/internal/policy"
	"policygate/pkg/types"
)

// ReplayEvent reconstructs the evaluation inputs from an audit event,
// validates them through the same checks as the live input path, and
// re-evaluates against the given policy. Returns the recorded decision and
// the freshly computed one.
func ReplayEvent(ev *audit.Event, pol *policy.CapitalPolicy) (original, replayed *types.Decision, err error) {
	intent := ev.Intent
	portfolio := ev.PortfolioState
	market := ev.MarketSnapshot
	execution := ev.ExecutionState

	if err := intent.Validate(); err != nil {
		return nil, nil, fmt.Errorf("event %s: invalid intent: %w", ev.EventID, err)
	}
	if err := portfolio.Validate(); err != nil {
		return nil, nil, fmt.Errorf("event %s: invalid portfolio state: %w", ev.EventID, err)
	}
	if err := execution.Validate(); err != nil {
		return nil, nil, fmt.Errorf("event %s: invalid execution state: %w", ev.EventID, err)
	}

	recorded := ev.Decision
	fresh := Evaluate(&intent, &portfolio, &market, &execution, pol)
	return &recorded, fresh, nil
}

// comparableDecision is the replay-relevant subset of a Decision: evidence
// and eval_ms are diagnostics, not part of the verdict contract.
type comparableDecision struct {
	Decision            types.Verdict      `json:"decision"`
	IntentID            string             `json:"intent_id"`
	ModifiedIntent      *types.OrderIntent `json:"modified_intent"`
	Violations          []types.Violation  `json:"violations"`
	KillSwitchTriggered bool               `json:"kill_switch_triggered"`
}

// DecisionsMatch compares two decisions for logical equality: verdict,
// intent ID, the full ordered violation list, kill-switch trigger, and the
// modified intent. Comparison goes through canonical JSON so a decision
// decoded from a log line compares equal to a freshly computed one.
func DecisionsMatch(a, b *types.Decision) bool {
	ca, errA := audit.MarshalCanonical(comparableDecision{
		Decision:            a.Decision,
		IntentID:            a.IntentID,
		ModifiedIntent:      a.ModifiedIntent,
		Violations:          a.Violations,
		KillSwitchTriggered: a.KillSwitchTriggered,
	})
	cb, errB := audit.MarshalCanonical(comparableDecision{
		Decision:            b.Decision,
		IntentID:            b.IntentID,
		ModifiedIntent:      b.ModifiedIntent,
		Violations:          b.Violations,
		KillSwitchTriggered: b.KillSwitchTriggered,
	})
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
