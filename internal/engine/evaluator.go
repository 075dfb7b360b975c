// Package engine evaluates order intents against a capital policy.
//
// The evaluator is a pure function: given (intent, portfolio, market,
// execution, policy) it derives the risk metrics once, runs the rules in a
// fixed order, and composes a Decision. It holds no state, performs no I/O,
// and never mutates its inputs, so concurrent evaluations on independent
// inputs need no synchronization.
//
// Rule order: SYS-001, KILL-001, LOSS-001, LOSS-002, EXEC-001, EXEC-002,
// EXP-001, EXP-002, EXP-003. Every rule runs even after an earlier one has
// fired, so the audit log records the complete violation picture. The one
// exception is SYS-001: without a valid price the exposure metrics cannot be
// computed, so a missing price denies immediately with no other violations.
package engine

import (
	"math"

	"policygate/internal/policy"
	"policygate/pkg/types"
)

// metrics are the derived inputs the rules read. Computed once per
// evaluation from the raw state.
type metrics struct {
	price       float64
	currentQty  float64
	dailyReturn float64
	drawdown    float64
	newPosPct   float64
	grossX      float64
	netX        float64
}

func deriveMetrics(intent *types.OrderIntent, portfolio *types.PortfolioState, market *types.MarketSnapshot, price float64) metrics {
	symbol := intent.Instrument.Symbol
	equity := portfolio.Equity

	m := metrics{
		price:       price,
		currentQty:  portfolio.Positions[symbol],
		dailyReturn: (equity - portfolio.StartOfDayEquity) / portfolio.StartOfDayEquity,
		drawdown:    (portfolio.PeakEquity - equity) / portfolio.PeakEquity,
	}

	newQty := m.currentQty + intent.Qty
	if intent.Side == types.SideSell {
		newQty = m.currentQty - intent.Qty
	}
	m.newPosPct = math.Abs(newQty*price) / equity

	// Hypothetical post-trade portfolio: every priced position plus the
	// intent's symbol at its new quantity. Unpriced positions are excluded,
	// matching the per-symbol fail-closed handling in SYS-001.
	var gross, net float64
	for sym, qty := range portfolio.Positions {
		if sym == symbol {
			continue
		}
		p, ok := market.Price(sym)
		if !ok {
			continue
		}
		gross += math.Abs(qty * p)
		net += qty * p
	}
	gross += math.Abs(newQty * price)
	net += newQty * price

	m.grossX = gross / equity
	m.netX = math.Abs(net) / equity
	return m
}

// buildEvidence emits one entry per computable rule metric, in rule order,
// whether or not the rule fired. Downstream consumers use these to see how
// close each intent came to its limits.
func buildEvidence(m metrics, execution *types.ExecutionState, strategyID string, eff policy.EffectiveLimits) []types.Evidence {
	ev := []types.Evidence{
		{Metric: "daily_return", Value: round6(m.dailyReturn), Limit: round6(-eff.Loss.DailyLossLimitPct)},
		{Metric: "drawdown", Value: round6(m.drawdown), Limit: round6(eff.Loss.MaxDrawdownPct)},
		{Metric: "orders_last_minute_global", Value: execution.OrdersLastMinuteGlobal, Limit: eff.Execution.MaxOrdersPerMinuteGlobal},
		{Metric: "orders_last_minute_strategy", Value: execution.OrdersLastMinuteByStrategy[strategyID], Limit: eff.Execution.MaxOrdersPerMinuteByStrategy},
		{Metric: "new_position_pct", Value: round6(m.newPosPct), Limit: round6(eff.Exposure.MaxPositionPct)},
		{Metric: "gross_exposure_x", Value: round6(m.grossX), Limit: round6(eff.Exposure.MaxGrossExpX)},
	}
	if eff.Exposure.MaxNetExposureX != nil {
		ev = append(ev, types.Evidence{
			Metric: "net_exposure_x",
			Value:  round6(m.netX),
			Limit:  round6(*eff.Exposure.MaxNetExposureX),
		})
	}
	return ev
}

// Evaluate runs the rule pipeline and composes the verdict. Inputs must be
// pre-validated; see Engine.Evaluate for the validating entry point.
func Evaluate(intent *types.OrderIntent, portfolio *types.PortfolioState, market *types.MarketSnapshot, execution *types.ExecutionState, pol *policy.CapitalPolicy) *types.Decision {
	symbol := intent.Instrument.Symbol
	ks := &pol.Limits.KillSwitch

	// SYS-001 short-circuits: exposure rules need a valid price.
	if v := checkMissingPrice(symbol, market); v != nil {
		return &types.Decision{
			Decision:            types.VerdictDeny,
			IntentID:            intent.IntentID,
			Violations:          []types.Violation{*v},
			Evidence:            []types.Evidence{},
			KillSwitchTriggered: ks.TripsOn(RuleSys001),
		}
	}

	eff := pol.Resolve(symbol, intent.StrategyID)
	price, _ := market.Price(symbol)
	m := deriveMetrics(intent, portfolio, market, price)
	evidence := buildEvidence(m, execution, intent.StrategyID, eff)

	violations := []types.Violation{}
	appendIf := func(v *types.Violation) {
		if v != nil {
			violations = append(violations, *v)
		}
	}

	appendIf(checkKillSwitch(execution.KillSwitchActive))
	appendIf(checkDailyLoss(m.dailyReturn, eff.Loss))
	appendIf(checkDrawdown(m.drawdown, eff.Loss))
	appendIf(checkGlobalRate(execution.OrdersLastMinuteGlobal, eff.Execution))
	appendIf(checkStrategyRate(execution.OrdersLastMinuteByStrategy[intent.StrategyID], intent.StrategyID, eff.Execution))

	vPos, allowedQty := checkPositionLimit(m.newPosPct, intent.Qty, m.currentQty, price, portfolio.Equity, eff.Exposure)
	appendIf(vPos)
	appendIf(checkGrossExposure(m.grossX, eff.Exposure))
	if eff.Exposure.MaxNetExposureX != nil {
		appendIf(checkNetExposure(m.netX, *eff.Exposure.MaxNetExposureX))
	}

	killSwitchTriggered := false
	for _, v := range violations {
		if ks.TripsOn(v.RuleID) {
			killSwitchTriggered = true
			break
		}
	}

	decision := &types.Decision{
		IntentID:            intent.IntentID,
		Violations:          violations,
		Evidence:            evidence,
		KillSwitchTriggered: killSwitchTriggered,
	}

	switch {
	case len(violations) == 0:
		decision.Decision = types.VerdictAllow
	case len(violations) == 1 && violations[0].RuleID == RuleExp001 && allowedQty > 0:
		modified := intent.Clone()
		modified.Qty = allowedQty
		decision.Decision = types.VerdictModify
		decision.ModifiedIntent = modified
	default:
		decision.Decision = types.VerdictDeny
	}

	// Monitor mode records violations but lets the order through. The
	// kill-switch trigger is preserved so the runner still records the
	// intent-to-trip. SYS-001 never reaches this point.
	if pol.Defaults.Mode == policy.ModeMonitor {
		decision.Decision = types.VerdictAllow
		decision.ModifiedIntent = nil
	}

	return decision
}
