package policy

import (
	"errors"
	"strings"
	"testing"
)

const validPolicyYAML = `
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
overrides:
  symbols:
    TSLA:
      exposure:
        max_position_pct: 0.10
        max_gross_exposure_x: 2.0
  strategies:
    momo-1:
      execution:
        max_orders_per_minute_global: 5
        max_orders_per_minute_by_strategy: 5
      loss:
        daily_loss_limit_pct: 0.02
        max_drawdown_pct: 0.04
`

func mustParse(t *testing.T, src string) *CapitalPolicy {
	t.Helper()
	p, _, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func TestParseValidPolicy(t *testing.T) {
	t.Parallel()
	p := mustParse(t, validPolicyYAML)

	if p.Version != "0.1" {
		t.Errorf("version = %q, want 0.1", p.Version)
	}
	if p.Defaults.Mode != ModeEnforce {
		t.Errorf("mode = %q, want enforce", p.Defaults.Mode)
	}
	if p.Limits.Exposure.MaxPositionPct != 0.25 {
		t.Errorf("max_position_pct = %v, want 0.25", p.Limits.Exposure.MaxPositionPct)
	}
	if p.Limits.Exposure.MaxNetExposureX != nil {
		t.Error("max_net_exposure_x should be nil when omitted")
	}
	if !p.Limits.KillSwitch.TripsOn("LOSS-002") {
		t.Error("kill switch should trip on LOSS-002")
	}
	if p.Limits.KillSwitch.TripsOn("EXP-001") {
		t.Error("kill switch should not trip on EXP-001")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	src := strings.Replace(validPolicyYAML, "timezone: UTC", "timezone: UTC\nsurprise: 1", 1)
	if _, _, err := Parse([]byte(src)); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}

	src = strings.Replace(validPolicyYAML, "max_position_pct: 0.25", "max_position_pct: 0.25\n    typo_key: 1", 1)
	if _, _, err := Parse([]byte(src)); err == nil {
		t.Fatal("expected error for unknown nested key")
	}
}

func TestParseVersionAndTimezone(t *testing.T) {
	t.Parallel()
	src := strings.Replace(validPolicyYAML, `version: "0.1"`, `version: "0.2"`, 1)
	_, _, err := Parse([]byte(src))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("version 0.2: got %v, want ErrValidation", err)
	}

	src = strings.Replace(validPolicyYAML, "timezone: UTC", "timezone: America/New_York", 1)
	if _, _, err := Parse([]byte(src)); !errors.Is(err, ErrValidation) {
		t.Fatalf("non-UTC timezone: got %v, want ErrValidation", err)
	}
}

func TestParseDefaultsWhenOmitted(t *testing.T) {
	t.Parallel()
	src := strings.Replace(validPolicyYAML, "defaults:\n  mode: enforce\n  decision: deny\n", "", 1)
	p := mustParse(t, src)

	if p.Defaults.Mode != ModeEnforce {
		t.Errorf("mode = %q, want enforce default", p.Defaults.Mode)
	}
	if p.Defaults.Decision != "deny" {
		t.Errorf("decision = %q, want deny default", p.Defaults.Decision)
	}
}

func TestParseBounds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		old  string
		new  string
	}{
		{"position pct over 1", "max_position_pct: 0.25", "max_position_pct: 1.5"},
		{"position pct zero", "max_position_pct: 0.25", "max_position_pct: 0"},
		{"gross exposure zero", "max_gross_exposure_x: 2.0", "max_gross_exposure_x: 0"},
		{"daily loss over 1", "daily_loss_limit_pct: 0.03", "daily_loss_limit_pct: 2"},
		{"drawdown zero", "max_drawdown_pct: 0.05", "max_drawdown_pct: 0"},
		{"global rate zero", "max_orders_per_minute_global: 20", "max_orders_per_minute_global: 0"},
		{"strategy rate too high", "max_orders_per_minute_by_strategy: 10", "max_orders_per_minute_by_strategy: 20000"},
		{"trip count zero", "trip_after_n_violations: 3", "trip_after_n_violations: 0"},
		{"window zero", "violation_window_seconds: 300", "violation_window_seconds: 0"},
		{"bad override bound", "max_position_pct: 0.10", "max_position_pct: 3"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := strings.Replace(validPolicyYAML, tc.old, tc.new, 1)
			if _, _, err := Parse([]byte(src)); !errors.Is(err, ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Parallel()
	p := mustParse(t, validPolicyYAML)

	// Symbol override beats strategy override per sub-block.
	eff := p.Resolve("TSLA", "momo-1")
	if eff.Exposure.MaxPositionPct != 0.10 {
		t.Errorf("TSLA exposure = %v, want symbol override 0.10", eff.Exposure.MaxPositionPct)
	}
	if eff.Execution.MaxOrdersPerMinuteGlobal != 5 {
		t.Errorf("momo-1 global rate = %d, want strategy override 5", eff.Execution.MaxOrdersPerMinuteGlobal)
	}
	if eff.Loss.DailyLossLimitPct != 0.02 {
		t.Errorf("momo-1 daily loss = %v, want strategy override 0.02", eff.Loss.DailyLossLimitPct)
	}

	// Sub-blocks an override omits fall through to defaults.
	eff = p.Resolve("TSLA", "unknown")
	if eff.Loss.MaxDrawdownPct != 0.05 {
		t.Errorf("TSLA drawdown = %v, want default 0.05", eff.Loss.MaxDrawdownPct)
	}

	// No match anywhere resolves to the default tree.
	eff = p.Resolve("AAPL", "other")
	if eff.Exposure.MaxPositionPct != 0.25 {
		t.Errorf("AAPL exposure = %v, want default 0.25", eff.Exposure.MaxPositionPct)
	}
}

func TestHashStability(t *testing.T) {
	t.Parallel()
	_, h1, err := Parse([]byte(validPolicyYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, h2, err := Parse([]byte(validPolicyYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h1 != h2 {
		t.Errorf("same bytes hashed differently: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}

	_, h3, err := Parse([]byte(validPolicyYAML + "\n# trailing comment\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h3 == h1 {
		t.Error("different source bytes must produce a different hash")
	}
}
