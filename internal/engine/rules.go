// rules.go holds one pure function per policy rule.
//
// Each rule reads pre-computed metrics plus the effective limits and returns
// a Violation when the limit is breached, or nil when it passes. Rules never
// mutate their inputs and never touch I/O; the evaluator owns ordering and
// verdict composition. Thresholds compare directly, with no epsilon: the
// boundary semantics (daily_return == -limit fires, drawdown == limit fires,
// position == limit passes) are part of the contract.
package engine

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"policygate/internal/policy"
	"policygate/pkg/types"
)

// Rule IDs in fixed evaluation order. SYS-001 runs first and short-circuits;
// the rest always all run so the audit log carries the complete picture.
const (
	RuleSys001  = "SYS-001"
	RuleKill001 = "KILL-001"
	RuleLoss001 = "LOSS-001"
	RuleLoss002 = "LOSS-002"
	RuleExec001 = "EXEC-001"
	RuleExec002 = "EXEC-002"
	RuleExp001  = "EXP-001"
	RuleExp002  = "EXP-002"
	RuleExp003  = "EXP-003"
)

// checkMissingPrice implements SYS-001: the intent's symbol has no valid
// price in the market snapshot. Fail-closed; always denies, even in monitor
// mode.
func checkMissingPrice(symbol string, market *types.MarketSnapshot) *types.Violation {
	if _, ok := market.Price(symbol); ok {
		return nil
	}
	return &types.Violation{
		RuleID:   RuleSys001,
		Severity: types.SeverityCrit,
		Message:  fmt.Sprintf("Missing or invalid price for symbol '%s'.", symbol),
		Inputs:   map[string]any{"symbol": symbol},
		Computed: map[string]any{},
	}
}

// checkKillSwitch implements KILL-001: the kill switch is already engaged.
func checkKillSwitch(active bool) *types.Violation {
	if !active {
		return nil
	}
	return &types.Violation{
		RuleID:   RuleKill001,
		Severity: types.SeverityCrit,
		Message:  "Kill switch is active; all orders denied.",
		Inputs:   map[string]any{"kill_switch_active": true},
		Computed: map[string]any{},
	}
}

// checkDailyLoss implements LOSS-001.
func checkDailyLoss(dailyReturn float64, limits policy.LossLimits) *types.Violation {
	if dailyReturn > -limits.DailyLossLimitPct {
		return nil
	}
	return &types.Violation{
		RuleID:   RuleLoss001,
		Severity: types.SeverityHigh,
		Message:  fmt.Sprintf("Daily loss %.4f breaches limit -%.4f.", dailyReturn, limits.DailyLossLimitPct),
		Inputs:   map[string]any{"daily_loss_limit_pct": limits.DailyLossLimitPct},
		Computed: map[string]any{"daily_return": round6(dailyReturn)},
	}
}

// checkDrawdown implements LOSS-002.
func checkDrawdown(drawdown float64, limits policy.LossLimits) *types.Violation {
	if drawdown < limits.MaxDrawdownPct {
		return nil
	}
	return &types.Violation{
		RuleID:   RuleLoss002,
		Severity: types.SeverityCrit,
		Message:  fmt.Sprintf("Drawdown %.4f breaches limit %.4f.", drawdown, limits.MaxDrawdownPct),
		Inputs:   map[string]any{"max_drawdown_pct": limits.MaxDrawdownPct},
		Computed: map[string]any{"drawdown": round6(drawdown)},
	}
}

// checkGlobalRate implements EXEC-001.
func checkGlobalRate(ordersLastMinute int, limits policy.ExecutionLimits) *types.Violation {
	if ordersLastMinute < limits.MaxOrdersPerMinuteGlobal {
		return nil
	}
	return &types.Violation{
		RuleID:   RuleExec001,
		Severity: types.SeverityHigh,
		Message: fmt.Sprintf("Global rate %d orders/min exceeds limit %d.",
			ordersLastMinute, limits.MaxOrdersPerMinuteGlobal),
		Inputs:   map[string]any{"max_orders_per_minute_global": limits.MaxOrdersPerMinuteGlobal},
		Computed: map[string]any{"orders_last_minute_global": ordersLastMinute},
	}
}

// checkStrategyRate implements EXEC-002.
func checkStrategyRate(ordersLastMinute int, strategyID string, limits policy.ExecutionLimits) *types.Violation {
	if ordersLastMinute < limits.MaxOrdersPerMinuteByStrategy {
		return nil
	}
	return &types.Violation{
		RuleID:   RuleExec002,
		Severity: types.SeverityHigh,
		Message: fmt.Sprintf("Strategy '%s' rate %d orders/min exceeds limit %d.",
			strategyID, ordersLastMinute, limits.MaxOrdersPerMinuteByStrategy),
		Inputs: map[string]any{
			"strategy_id":                       strategyID,
			"max_orders_per_minute_by_strategy": limits.MaxOrdersPerMinuteByStrategy,
		},
		Computed: map[string]any{"orders_last_minute_strategy": ordersLastMinute},
	}
}

// checkPositionLimit implements EXP-001, the only MODIFY-capable rule.
// When the post-trade position would exceed max_position_pct of equity, it
// computes the largest additional quantity that still fits under the cap,
// floored to 4 decimal places (quantity granularity). An allowedQty > 0 is
// the MODIFY hint; allowedQty == 0 means the position is already at or over
// the cap and the intent can only be denied.
func checkPositionLimit(newPositionPct, requestedQty, currentQty, price, equity float64, limits policy.ExposureLimits) (*types.Violation, float64) {
	if newPositionPct <= limits.MaxPositionPct {
		return nil, 0
	}

	currentValue := math.Abs(currentQty * price)
	headroom := limits.MaxPositionPct*equity - currentValue
	allowedQty := floorQty(math.Max(0, headroom/price))

	return &types.Violation{
		RuleID:   RuleExp001,
		Severity: types.SeverityHigh,
		Message:  fmt.Sprintf("Position %.4f breaches limit %.4f.", newPositionPct, limits.MaxPositionPct),
		Inputs:   map[string]any{"max_position_pct": limits.MaxPositionPct},
		Computed: map[string]any{
			"new_position_pct": round6(newPositionPct),
			"requested_qty":    requestedQty,
			"allowed_qty":      allowedQty,
		},
	}, allowedQty
}

// checkGrossExposure implements EXP-002.
func checkGrossExposure(grossX float64, limits policy.ExposureLimits) *types.Violation {
	if grossX <= limits.MaxGrossExpX {
		return nil
	}
	return &types.Violation{
		RuleID:   RuleExp002,
		Severity: types.SeverityHigh,
		Message:  fmt.Sprintf("Gross exposure %.4fx breaches limit %.4fx.", grossX, limits.MaxGrossExpX),
		Inputs:   map[string]any{"max_gross_exposure_x": limits.MaxGrossExpX},
		Computed: map[string]any{"gross_exposure_x": round6(grossX)},
	}
}

// checkNetExposure implements EXP-003. Skipped entirely (by the evaluator)
// when no net limit is configured.
func checkNetExposure(netX float64, limit float64) *types.Violation {
	if netX <= limit {
		return nil
	}
	return &types.Violation{
		RuleID:   RuleExp003,
		Severity: types.SeverityHigh,
		Message:  fmt.Sprintf("Net exposure %.4fx breaches limit %.4fx.", netX, limit),
		Inputs:   map[string]any{"max_net_exposure_x": limit},
		Computed: map[string]any{"net_exposure_x": round6(netX)},
	}
}

// round6 rounds metrics to 6 decimals before they enter the audit record,
// keeping log lines compact and stable across platforms.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// floorQty floors a quantity to the 4-decimal trade granularity. Uses
// decimal arithmetic so 0.30000000000000004-style float residue cannot bump
// the result past the cap.
func floorQty(q float64) float64 {
	f, _ := decimal.NewFromFloat(q).RoundFloor(4).Float64()
	return f
}
