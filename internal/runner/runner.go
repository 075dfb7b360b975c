// Package runner drives the per-intent pipeline for policygate-run: evaluate,
// audit, route, settle, then roll the execution state forward.
//
// Ordering is the load-bearing property: the audit event for an intent is on
// disk before any broker call for that intent, so the governance log can
// never show an order the engine did not rule on. A DENY skips the broker
// entirely but still feeds the violation window and the kill switch, and the
// kill switch is sticky for the life of the run once it trips.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"policygate/internal/audit"
	"policygate/internal/broker"
	"policygate/internal/engine"
	"policygate/pkg/types"
)

// rateWindowSecs is the lookback for the orders_last_minute counters.
const rateWindowSecs = 60

// Exec event kinds.
const (
	EventSubmitted     = "ORDER_SUBMITTED"
	EventFilled        = "ORDER_FILLED"
	EventOrderRejected = "ORDER_REJECTED"
)

// ExecEvent is one line of the execution log: the broker-side shadow of the
// audit log, correlated by intent_id and run_id.
type ExecEvent struct {
	Timestamp  string  `json:"ts"`
	Event      string  `json:"event"`
	IntentID   string  `json:"intent_id"`
	OrderID    string  `json:"order_id,omitempty"`
	RunID      string  `json:"run_id,omitempty"`
	PolicyHash string  `json:"policy_hash,omitempty"`
	Symbol     string  `json:"symbol,omitempty"`
	Side       string  `json:"side,omitempty"`
	Qty        float64 `json:"qty,omitempty"`
	OrderType  string  `json:"order_type,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// RunSummary aggregates one run for the operator.
type RunSummary struct {
	RunID            string             `json:"run_id"`
	TotalIntents     int                `json:"total_intents"`
	Decisions        map[string]int     `json:"decisions"`
	RuleHistogram    map[string]int     `json:"rule_histogram"`
	OrdersSubmitted  int                `json:"orders_submitted"`
	OrdersFilled     int                `json:"orders_filled"`
	FinalEquity      float64            `json:"final_equity"`
	FinalPositions   map[string]float64 `json:"final_positions"`
	KillSwitchActive bool               `json:"kill_switch_active"`
}

// Runner owns the mutable run state. It is single-threaded: one intent fully
// settles before the next is read, which is what makes a run replayable.
type Runner struct {
	engine *engine.Engine
	broker broker.Broker
	audit  *audit.Writer
	exec   *ExecWriter // nil disables the execution log
	logger *slog.Logger
	runID  string

	portfolio types.PortfolioState
	market    types.MarketSnapshot
	state     types.ExecutionState

	openOrders     []string
	orderIntent    map[string]string // order ID to originating intent ID
	submitsGlobal  []int64           // epoch seconds of recent submissions
	submitsByStrat map[string][]int64

	summary RunSummary
}

// New creates a runner over fresh execution state. execW may be nil.
func New(eng *engine.Engine, brk broker.Broker, auditW *audit.Writer, execW *ExecWriter, portfolio types.PortfolioState, market types.MarketSnapshot, logger *slog.Logger) *Runner {
	if portfolio.Positions == nil {
		portfolio.Positions = make(map[string]float64)
	}
	runID := uuid.NewString()
	return &Runner{
		engine:    eng,
		broker:    brk,
		audit:     auditW,
		exec:      execW,
		logger:    logger.With("component", "runner", "run_id", runID),
		runID:     runID,
		portfolio: portfolio,
		market:    market,
		state: types.ExecutionState{
			OrdersLastMinuteByStrategy: make(map[string]int),
		},
		orderIntent:    make(map[string]string),
		submitsByStrat: make(map[string][]int64),
		summary: RunSummary{
			RunID:         runID,
			Decisions:     map[string]int{"ALLOW": 0, "MODIFY": 0, "DENY": 0},
			RuleHistogram: make(map[string]int),
		},
	}
}

// RunID returns the correlation ID stamped on this run's events.
func (r *Runner) RunID() string { return r.runID }

// SetExecutionState seeds the execution state, for runs resuming from a
// recorded snapshot. Must be called before Run.
func (r *Runner) SetExecutionState(s types.ExecutionState) {
	if s.OrdersLastMinuteByStrategy == nil {
		s.OrdersLastMinuteByStrategy = make(map[string]int)
	}
	r.state = s
}

// Run processes the intents in order and returns the run summary. The first
// unrecoverable error (bad intent, failed audit write, broker failure) halts
// the run; everything already settled stays on disk.
func (r *Runner) Run(ctx context.Context, intents []types.OrderIntent) (*RunSummary, error) {
	for i := range intents {
		if err := ctx.Err(); err != nil {
			return r.finish(), err
		}
		if err := r.processIntent(ctx, &intents[i]); err != nil {
			return r.finish(), fmt.Errorf("intent %s: %w", intents[i].IntentID, err)
		}
	}
	return r.finish(), nil
}

func (r *Runner) finish() *RunSummary {
	r.summary.FinalEquity = r.portfolio.Equity
	r.summary.FinalPositions = r.portfolio.Positions
	r.summary.KillSwitchActive = r.state.KillSwitchActive
	return &r.summary
}

func (r *Runner) processIntent(ctx context.Context, intent *types.OrderIntent) error {
	ts, err := intent.Time()
	if err != nil {
		return err
	}
	now := ts.Unix()

	// Roll the rate counters forward to this intent's clock before the
	// engine reads them.
	r.rollRateCounters(now)

	decision, err := r.engine.Evaluate(intent, &r.portfolio, &r.market, &r.state)
	if err != nil {
		return err
	}

	// Audit before any broker interaction. A failed write halts the run.
	ev := audit.BuildEvent(decision, intent, &r.portfolio, &r.market, &r.state, engine.Version, r.engine.PolicyHash(), r.runID)
	if err := r.audit.Write(ev); err != nil {
		return err
	}

	r.summary.TotalIntents++
	r.summary.Decisions[string(decision.Decision)]++
	for _, v := range decision.Violations {
		r.summary.RuleHistogram[v.RuleID]++
	}

	r.logger.Info("decision",
		"intent_id", intent.IntentID,
		"decision", decision.Decision,
		"violations", len(decision.Violations),
		"kill_switch_triggered", decision.KillSwitchTriggered,
	)

	if decision.Decision != types.VerdictDeny {
		if err := r.routeOrder(ctx, intent, decision, now); err != nil {
			return err
		}
		if err := r.settleFills(ctx); err != nil {
			return err
		}
	}

	r.advanceKillSwitch(decision, now)
	return nil
}

// routeOrder submits the (possibly modified) intent and records the
// execution events. A transport-level broker failure is fatal; a broker-side
// rejection is recorded and the run continues.
func (r *Runner) routeOrder(ctx context.Context, intent *types.OrderIntent, decision *types.Decision, now int64) error {
	toSubmit := intent
	if decision.Decision == types.VerdictModify {
		toSubmit = decision.ModifiedIntent
	}

	result, err := r.broker.Submit(ctx, toSubmit, &r.market)
	if err != nil {
		r.writeExec(&ExecEvent{
			Event:    EventOrderRejected,
			IntentID: intent.IntentID,
			Symbol:   toSubmit.Instrument.Symbol,
			Error:    err.Error(),
		})
		return fmt.Errorf("broker submit: %w", err)
	}

	r.summary.OrdersSubmitted++
	r.orderIntent[result.OrderID] = intent.IntentID
	r.submitsGlobal = append(r.submitsGlobal, now)
	r.submitsByStrat[intent.StrategyID] = append(r.submitsByStrat[intent.StrategyID], now)
	r.rollRateCounters(now)

	if result.Status == types.OrderRejected {
		r.writeExec(&ExecEvent{
			Event:    EventOrderRejected,
			IntentID: intent.IntentID,
			OrderID:  result.OrderID,
			Symbol:   toSubmit.Instrument.Symbol,
		})
		r.logger.Warn("order rejected by broker", "intent_id", intent.IntentID, "order_id", result.OrderID)
		return nil
	}

	r.writeExec(&ExecEvent{
		Event:     EventSubmitted,
		IntentID:  intent.IntentID,
		OrderID:   result.OrderID,
		Symbol:    toSubmit.Instrument.Symbol,
		Side:      string(toSubmit.Side),
		Qty:       toSubmit.Qty,
		OrderType: string(toSubmit.OrderType),
	})
	r.openOrders = append(r.openOrders, result.OrderID)
	return nil
}

// settleFills polls for fills on open orders and applies each one to the
// portfolio under a cash model: a buy consumes equity, a sell releases it,
// and peak equity ratchets up, never down.
func (r *Runner) settleFills(ctx context.Context) error {
	if len(r.openOrders) == 0 {
		return nil
	}
	fills, err := r.broker.PollFills(ctx, r.openOrders)
	if err != nil {
		return fmt.Errorf("poll fills: %w", err)
	}

	filled := make(map[string]bool, len(fills))
	for _, f := range fills {
		intentID := f.IntentID
		if intentID == "" {
			intentID = r.orderIntent[f.OrderID]
		}
		r.applyFill(&f)
		r.summary.OrdersFilled++
		filled[f.OrderID] = true

		r.writeExec(&ExecEvent{
			Event:    EventFilled,
			IntentID: intentID,
			OrderID:  f.OrderID,
			Symbol:   f.Symbol,
			Side:     string(f.Side),
			Qty:      f.Qty,
			Price:    f.Price,
		})
		r.logger.Info("fill applied",
			"order_id", f.OrderID,
			"symbol", f.Symbol,
			"qty", f.Qty,
			"price", f.Price,
			"equity", r.portfolio.Equity,
		)
	}

	// Orders that did not fill may have died broker-side; a terminal
	// rejection gets its own exec event, a cancellation is just dropped.
	var stillOpen []string
	for _, id := range r.openOrders {
		if filled[id] {
			continue
		}
		order, err := r.broker.GetOrder(ctx, id)
		if err != nil {
			return fmt.Errorf("get order %s: %w", id, err)
		}
		switch order.Status {
		case types.OrderRejected:
			r.writeExec(&ExecEvent{
				Event:    EventOrderRejected,
				IntentID: r.orderIntent[id],
				OrderID:  id,
				Symbol:   order.Symbol,
			})
			r.logger.Warn("order rejected while open", "order_id", id)
		case types.OrderCancelled:
			r.logger.Info("order cancelled while open", "order_id", id)
		default:
			stillOpen = append(stillOpen, id)
		}
	}
	r.openOrders = stillOpen
	return nil
}

func (r *Runner) applyFill(f *types.Fill) {
	notional := f.Qty * f.Price
	if f.Side == types.SideBuy {
		r.portfolio.Positions[f.Symbol] += f.Qty
		r.portfolio.Equity -= notional
	} else {
		r.portfolio.Positions[f.Symbol] -= f.Qty
		r.portfolio.Equity += notional
	}
	if r.portfolio.Equity > r.portfolio.PeakEquity {
		r.portfolio.PeakEquity = r.portfolio.Equity
	}
}

// advanceKillSwitch appends this intent's fired violations to the rolling
// window, evicts expired entries, and applies both trip conditions. Runs for
// every intent, denied ones included, and the active state never clears
// within a run.
func (r *Runner) advanceKillSwitch(decision *types.Decision, now int64) {
	for _, v := range decision.Violations {
		r.state.ViolationsInWindow = append(r.state.ViolationsInWindow, types.WindowEntry{
			RuleID:  v.RuleID,
			TsEpoch: now,
		})
	}

	ks := r.engine.Policy().Limits.KillSwitch
	cutoff := now - int64(ks.ViolationWindowSecs)
	kept := r.state.ViolationsInWindow[:0]
	for _, e := range r.state.ViolationsInWindow {
		if e.TsEpoch > cutoff {
			kept = append(kept, e)
		}
	}
	r.state.ViolationsInWindow = kept

	if decision.KillSwitchTriggered && !r.state.KillSwitchActive {
		r.state.KillSwitchActive = true
		r.logger.Warn("kill switch tripped", "reason", "rule trip")
	}
	if len(r.state.ViolationsInWindow) >= ks.TripAfterNViolations && !r.state.KillSwitchActive {
		r.state.KillSwitchActive = true
		r.logger.Warn("kill switch tripped",
			"reason", "violation count",
			"violations_in_window", len(r.state.ViolationsInWindow),
		)
	}
}

// rollRateCounters recomputes the orders_last_minute counters from the
// recorded submission times, evicting anything outside the lookback.
func (r *Runner) rollRateCounters(now int64) {
	cutoff := now - rateWindowSecs
	r.submitsGlobal = evictBefore(r.submitsGlobal, cutoff)
	r.state.OrdersLastMinuteGlobal = len(r.submitsGlobal)

	for strat, times := range r.submitsByStrat {
		times = evictBefore(times, cutoff)
		if len(times) == 0 {
			delete(r.submitsByStrat, strat)
			delete(r.state.OrdersLastMinuteByStrategy, strat)
			continue
		}
		r.submitsByStrat[strat] = times
		r.state.OrdersLastMinuteByStrategy[strat] = len(times)
	}
}

func evictBefore(times []int64, cutoff int64) []int64 {
	kept := times[:0]
	for _, t := range times {
		if t > cutoff {
			kept = append(kept, t)
		}
	}
	return kept
}

func (r *Runner) writeExec(ev *ExecEvent) {
	if r.exec == nil {
		return
	}
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	ev.RunID = r.runID
	ev.PolicyHash = r.engine.PolicyHash()
	if err := r.exec.Write(ev); err != nil {
		// The audit log is the source of truth; a failed exec-log write is
		// logged but does not halt the run.
		r.logger.Error("exec log write failed", "error", err)
	}
}

// ExecWriter appends execution events to a JSONL file in canonical form.
type ExecWriter struct {
	f *os.File
}

// OpenExecWriter opens (or creates) an append-only execution log.
func OpenExecWriter(path string) (*ExecWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create exec log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open exec log: %w", err)
	}
	return &ExecWriter{f: f}, nil
}

// Write appends one event.
func (w *ExecWriter) Write(ev *ExecEvent) error {
	line, err := audit.MarshalCanonical(ev)
	if err != nil {
		return fmt.Errorf("marshal exec event: %w", err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append exec event: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *ExecWriter) Close() error {
	return w.f.Close()
}

// ReadIntents loads an intent stream from a JSONL file, one strict-decoded
// intent per line. Blank lines are skipped.
func ReadIntents(path string) ([]types.OrderIntent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open intents: %w", err)
	}
	defer f.Close()

	var intents []types.OrderIntent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var intent types.OrderIntent
		if err := types.DecodeStrict(line, &intent); err != nil {
			return nil, fmt.Errorf("intents line %d: %w", lineNo, err)
		}
		intents = append(intents, intent)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan intents: %w", err)
	}
	return intents, nil
}
