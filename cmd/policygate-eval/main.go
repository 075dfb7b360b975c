// policygate-eval evaluates a single order intent against a capital policy
// and prints the decision as JSON on stdout. With --replay it instead
// re-evaluates every event in an audit log and reports any decision that no
// longer matches the recorded one.
//
// Exit codes: 0 for ALLOW or MODIFY (or a clean replay), 1 for DENY (or a
// replay mismatch), 2 for any error (bad input, invalid policy, failed
// audit write).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"policygate/internal/audit"
	"policygate/internal/config"
	"policygate/internal/engine"
	"policygate/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		policyPath    = flag.String("policy", "", "capital policy YAML (required)")
		intentPath    = flag.String("intent", "", "order intent JSON (required)")
		portfolioPath = flag.String("portfolio", "", "portfolio state JSON (required)")
		marketPath    = flag.String("market", "", "market snapshot JSON (required)")
		executionPath = flag.String("execution", "", "execution state JSON (default: empty state)")
		auditPath     = flag.String("audit-log", "", "append the audit event to this JSONL file")
		replayPath    = flag.String("replay", "", "verify this audit log against the policy instead of evaluating")
		configPath    = flag.String("config", os.Getenv("PGC_CONFIG"), "runtime config YAML")
		pretty        = flag.Bool("pretty", false, "indent the decision JSON")
	)
	flag.Parse()

	if *replayPath != "" {
		if *policyPath == "" {
			fmt.Fprintln(os.Stderr, "policygate-eval: --replay requires --policy")
			return 2
		}
		return replay(*policyPath, *replayPath, *configPath)
	}

	if *policyPath == "" || *intentPath == "" || *portfolioPath == "" || *marketPath == "" {
		fmt.Fprintln(os.Stderr, "policygate-eval: --policy, --intent, --portfolio, and --market are required")
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fail(err)
	}
	logger := config.NewLogger(cfg.Logging)

	eng, err := engine.New(*policyPath)
	if err != nil {
		return fail(err)
	}

	var intent types.OrderIntent
	if err := loadJSON(*intentPath, &intent); err != nil {
		return fail(err)
	}
	var portfolio types.PortfolioState
	if err := loadJSON(*portfolioPath, &portfolio); err != nil {
		return fail(err)
	}
	var market types.MarketSnapshot
	if err := loadJSON(*marketPath, &market); err != nil {
		return fail(err)
	}
	var execution types.ExecutionState
	if *executionPath != "" {
		if err := loadJSON(*executionPath, &execution); err != nil {
			return fail(err)
		}
	}

	decision, err := eng.Evaluate(&intent, &portfolio, &market, &execution)
	if err != nil {
		return fail(err)
	}

	logger.Info("evaluated",
		"intent_id", intent.IntentID,
		"decision", decision.Decision,
		"policy_hash", eng.PolicyHash(),
		"eval_ms", decision.EvalMS,
	)

	if *auditPath != "" {
		w, err := audit.OpenWriter(*auditPath)
		if err != nil {
			return fail(err)
		}
		ev := audit.BuildEvent(decision, &intent, &portfolio, &market, &execution, engine.Version, eng.PolicyHash(), "")
		if err := w.Write(ev); err != nil {
			w.Close()
			return fail(err)
		}
		if err := w.Close(); err != nil {
			return fail(err)
		}
	}

	if err := printJSON(decision, *pretty); err != nil {
		return fail(err)
	}

	if decision.Decision == types.VerdictDeny {
		return 1
	}
	return 0
}

// replay re-evaluates every event in an audit log and reports mismatches.
// The loaded policy must be the one that produced the log; the per-event
// policy_hash is checked against it first.
func replay(policyPath, logPath, configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fail(err)
	}
	logger := config.NewLogger(cfg.Logging)

	eng, err := engine.New(policyPath)
	if err != nil {
		return fail(err)
	}
	events, err := audit.ReadEvents(logPath)
	if err != nil {
		return fail(err)
	}

	mismatches := 0
	for i := range events {
		ev := &events[i]
		if ev.PolicyHash != eng.PolicyHash() {
			return fail(fmt.Errorf("event %s: policy_hash %s does not match loaded policy %s", ev.EventID, ev.PolicyHash, eng.PolicyHash()))
		}
		original, replayed, err := engine.ReplayEvent(ev, eng.Policy())
		if err != nil {
			return fail(err)
		}
		if !engine.DecisionsMatch(original, replayed) {
			mismatches++
			logger.Error("replay mismatch",
				"event_id", ev.EventID,
				"intent_id", ev.Intent.IntentID,
				"recorded", original.Decision,
				"replayed", replayed.Decision,
			)
		}
	}

	logger.Info("replay complete",
		"events", len(events),
		"mismatches", mismatches,
		"policy_hash", eng.PolicyHash(),
	)
	if mismatches > 0 {
		return 1
	}
	return 0
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := types.DecodeStrict(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func printJSON(v any, pretty bool) error {
	if pretty {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	out, err := audit.MarshalCanonical(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "policygate-eval:", err)
	return 2
}
