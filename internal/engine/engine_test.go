package engine

import (
	"strings"
	"testing"

	"policygate/pkg/types"
)

const enginePolicyYAML = `
version: "0.1"
timezone: UTC
defaults:
  mode: enforce
  decision: deny
limits:
  exposure:
    max_position_pct: 0.25
    max_gross_exposure_x: 2.0
  loss:
    daily_loss_limit_pct: 0.03
    max_drawdown_pct: 0.05
  execution:
    max_orders_per_minute_global: 20
    max_orders_per_minute_by_strategy: 10
  kill_switch:
    trip_on_rules: [LOSS-002]
    trip_after_n_violations: 3
    violation_window_seconds: 300
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewFromBytes([]byte(enginePolicyYAML))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	return eng
}

func TestEngineEvaluateStampsLatency(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	d, err := eng.Evaluate(
		buyIntent("AAPL", 10),
		testPortfolio(100000, 100000, 100000),
		testMarket(map[string]float64{"AAPL": 200}),
		emptyExec(),
	)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Decision != types.VerdictAllow {
		t.Errorf("decision = %s, want ALLOW", d.Decision)
	}
	if d.EvalMS < 0 {
		t.Errorf("eval_ms = %v, want >= 0", d.EvalMS)
	}
	if eng.PolicyHash() == "" {
		t.Error("policy hash must be set after load")
	}
}

func TestEngineRejectsInvalidInputs(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	portfolio := testPortfolio(100000, 100000, 100000)
	market := testMarket(map[string]float64{"AAPL": 200})

	bad := buyIntent("AAPL", 10)
	bad.Qty = -5
	if _, err := eng.Evaluate(bad, portfolio, market, emptyExec()); err == nil {
		t.Error("expected error for non-positive qty")
	}

	bad = buyIntent("AAPL", 10)
	bad.Timestamp = "yesterday"
	if _, err := eng.Evaluate(bad, portfolio, market, emptyExec()); err == nil {
		t.Error("expected error for unparseable timestamp")
	}

	bad = buyIntent("AAPL", 10)
	bad.OrderType = types.OrderTypeLimit
	if _, err := eng.Evaluate(bad, portfolio, market, emptyExec()); err == nil {
		t.Error("expected error for limit order without limit_price")
	}

	badPortfolio := testPortfolio(0, 100000, 100000)
	if _, err := eng.Evaluate(buyIntent("AAPL", 10), badPortfolio, market, emptyExec()); err == nil {
		t.Error("expected error for zero equity")
	}
}

func TestEngineRejectsBadPolicy(t *testing.T) {
	t.Parallel()
	src := strings.Replace(enginePolicyYAML, `version: "0.1"`, `version: "9.9"`, 1)
	if _, err := NewFromBytes([]byte(src)); err == nil {
		t.Error("expected error for unsupported policy version")
	}
}
