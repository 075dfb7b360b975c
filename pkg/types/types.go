// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the policy engine: order intents,
// portfolio/market/execution state, decisions, violations, evidence, and the
// broker-facing order and fill records. It has no dependencies on internal
// packages, so it can be imported by any layer.
//
// All JSON field names are part of the audit log contract and must stay
// stable within a major version (fields are append-only).
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Verdict is the engine's decision on an order intent.
type Verdict string

const (
	VerdictAllow  Verdict = "ALLOW"
	VerdictModify Verdict = "MODIFY"
	VerdictDeny   Verdict = "DENY"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Severity grades a violation. v0.1 rules emit only HIGH and CRIT.
type Severity string

const (
	SeverityLow  Severity = "LOW"
	SeverityMed  Severity = "MED"
	SeverityHigh Severity = "HIGH"
	SeverityCrit Severity = "CRIT"
)

// OrderStatus is the broker-side lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Instrument identifies what an intent wants to trade.
type Instrument struct {
	Symbol     string `json:"symbol"`
	AssetClass string `json:"asset_class"` // equity, crypto, fx, futures
}

// OrderIntent is a proposed order awaiting governance approval.
// Timestamp is an RFC 3339 UTC string; Qty is always positive regardless
// of side; LimitPrice is required when OrderType is limit.
type OrderIntent struct {
	IntentID   string     `json:"intent_id"`
	Timestamp  string     `json:"timestamp"`
	StrategyID string     `json:"strategy_id"`
	AccountID  string     `json:"account_id"`
	Instrument Instrument `json:"instrument"`
	Side       Side       `json:"side"`
	OrderType  OrderType  `json:"order_type"`
	Qty        float64    `json:"qty"`
	LimitPrice *float64   `json:"limit_price"`
}

var validAssetClasses = map[string]bool{
	"equity": true, "crypto": true, "fx": true, "futures": true,
}

// Validate checks the intent's structural invariants. Called at evaluation
// entry; a well-formed intent never fails inside the rule pipeline.
func (in *OrderIntent) Validate() error {
	if in.IntentID == "" {
		return fmt.Errorf("intent_id is required")
	}
	if _, err := in.Time(); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if in.Instrument.Symbol == "" {
		return fmt.Errorf("instrument.symbol is required")
	}
	if !validAssetClasses[in.Instrument.AssetClass] {
		return fmt.Errorf("instrument.asset_class %q must be one of: equity, crypto, fx, futures", in.Instrument.AssetClass)
	}
	if in.Side != SideBuy && in.Side != SideSell {
		return fmt.Errorf("side %q must be buy or sell", in.Side)
	}
	if in.OrderType != OrderTypeMarket && in.OrderType != OrderTypeLimit {
		return fmt.Errorf("order_type %q must be market or limit", in.OrderType)
	}
	if in.Qty <= 0 {
		return fmt.Errorf("qty must be > 0, got %v", in.Qty)
	}
	if in.LimitPrice != nil && *in.LimitPrice < 0 {
		return fmt.Errorf("limit_price must be >= 0, got %v", *in.LimitPrice)
	}
	if in.OrderType == OrderTypeLimit && in.LimitPrice == nil {
		return fmt.Errorf("limit order %s requires a limit_price", in.IntentID)
	}
	return nil
}

// Time parses the intent timestamp.
func (in *OrderIntent) Time() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, in.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse RFC 3339 timestamp %q: %w", in.Timestamp, err)
	}
	return t, nil
}

// Clone returns a deep copy of the intent.
func (in *OrderIntent) Clone() *OrderIntent {
	cp := *in
	if in.LimitPrice != nil {
		lp := *in.LimitPrice
		cp.LimitPrice = &lp
	}
	return &cp
}

// PortfolioState is the account snapshot an evaluation reads. Positions map
// symbol to signed quantity (negative = short). PeakEquity monotonicity is
// the caller's contract: the runner raises it after fills, the evaluator
// never checks it.
type PortfolioState struct {
	Equity           float64            `json:"equity"`
	StartOfDayEquity float64            `json:"start_of_day_equity"`
	PeakEquity       float64            `json:"peak_equity"`
	Positions        map[string]float64 `json:"positions"`
	RealizedPnLToday float64            `json:"realized_pnl_today"`
	UnrealizedPnL    float64            `json:"unrealized_pnl"`
}

// Validate checks the portfolio invariants.
func (p *PortfolioState) Validate() error {
	if p.Equity <= 0 {
		return fmt.Errorf("equity must be > 0, got %v", p.Equity)
	}
	if p.StartOfDayEquity <= 0 {
		return fmt.Errorf("start_of_day_equity must be > 0, got %v", p.StartOfDayEquity)
	}
	if p.PeakEquity <= 0 {
		return fmt.Errorf("peak_equity must be > 0, got %v", p.PeakEquity)
	}
	return nil
}

// MarketSnapshot is the price view an evaluation reads. A symbol with a
// missing, zero, or negative entry is treated as unpriced (SYS-001).
type MarketSnapshot struct {
	Timestamp string             `json:"timestamp"`
	Prices    map[string]float64 `json:"prices"`
}

// Price returns the price for symbol and whether it is valid (present and
// strictly positive).
func (m *MarketSnapshot) Price(symbol string) (float64, bool) {
	p, ok := m.Prices[symbol]
	if !ok || p <= 0 {
		return 0, false
	}
	return p, true
}

// WindowEntry records one fired violation inside the rolling kill-switch
// window. TsEpoch is the intent timestamp in Unix seconds.
type WindowEntry struct {
	RuleID  string `json:"rule_id"`
	TsEpoch int64  `json:"timestamp_epoch_seconds"`
}

// ExecutionState carries the rolling execution counters and the kill switch.
// Mutated only by the runner, never by the evaluator.
type ExecutionState struct {
	OrdersLastMinuteGlobal     int            `json:"orders_last_minute_global"`
	OrdersLastMinuteByStrategy map[string]int `json:"orders_last_minute_by_strategy"`
	ViolationsInWindow         []WindowEntry  `json:"violations_in_window"`
	KillSwitchActive           bool           `json:"kill_switch_active"`
}

// Validate checks the execution counters.
func (e *ExecutionState) Validate() error {
	if e.OrdersLastMinuteGlobal < 0 {
		return fmt.Errorf("orders_last_minute_global must be >= 0, got %d", e.OrdersLastMinuteGlobal)
	}
	for id, n := range e.OrdersLastMinuteByStrategy {
		if n < 0 {
			return fmt.Errorf("orders_last_minute_by_strategy[%s] must be >= 0, got %d", id, n)
		}
	}
	return nil
}

// Violation is a rule's finding that a limit was breached.
type Violation struct {
	RuleID   string         `json:"rule_id"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Inputs   map[string]any `json:"inputs"`
	Computed map[string]any `json:"computed"`
}

// Evidence records a computed metric and its applicable limit, whether or
// not the owning rule fired, so consumers can see proximity to limits.
type Evidence struct {
	Metric string `json:"metric"`
	Value  any    `json:"value"`
	Limit  any    `json:"limit"`
}

// Decision is the engine's verdict for one intent.
// Invariant: ModifiedIntent != nil exactly when Decision == MODIFY.
type Decision struct {
	Decision            Verdict      `json:"decision"`
	IntentID            string       `json:"intent_id"`
	ModifiedIntent      *OrderIntent `json:"modified_intent"`
	Violations          []Violation  `json:"violations"`
	Evidence            []Evidence   `json:"evidence"`
	KillSwitchTriggered bool         `json:"kill_switch_triggered"`
	EvalMS              float64      `json:"eval_ms"`
}

// BrokerOrder is the broker-side view of a submitted order.
type BrokerOrder struct {
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Qty        float64     `json:"qty"`
	OrderType  OrderType   `json:"order_type"`
	LimitPrice *float64    `json:"limit_price"`
	Status     OrderStatus `json:"status"`
}

// Fill is a broker execution report for a submitted order.
type Fill struct {
	IntentID  string  `json:"intent_id"`
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

// DecodeStrict unmarshals JSON into v, rejecting unknown fields and
// trailing garbage. All engine inputs come through here so malformed
// payloads fail at the boundary, not inside the rule pipeline.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected trailing data after JSON value")
	}
	return nil
}
