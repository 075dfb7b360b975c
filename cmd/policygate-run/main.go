// policygate-run evaluates a stream of order intents against a capital
// policy, routes approved orders through a broker adapter, and writes the
// audit and execution logs. The run summary is printed as JSON on stdout.
//
// Existing audit and exec logs at the given paths are truncated before the
// run starts, so each run's logs stand alone and replay cleanly.
//
// Exit codes: 0 on a completed run, 2 on any error (the run halts at the
// first bad intent, failed audit write, or broker transport failure).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"policygate/internal/audit"
	"policygate/internal/broker"
	"policygate/internal/config"
	"policygate/internal/engine"
	"policygate/internal/runner"
	"policygate/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		policyPath    = flag.String("policy", "", "capital policy YAML (required)")
		intentsPath   = flag.String("intents", "", "order intent stream JSONL (required)")
		portfolioPath = flag.String("portfolio", "", "initial portfolio state JSON (required)")
		marketPath    = flag.String("market", "", "market snapshot JSON (required)")
		executionPath = flag.String("execution", "", "initial execution state JSON (default: empty state)")
		auditPath     = flag.String("audit-log", "audit.jsonl", "audit log output path")
		execPath      = flag.String("exec-log", "", "execution log output path (default: no exec log)")
		summaryPath   = flag.String("summary", "", "also write the run summary JSON to this path")
		brokerName    = flag.String("broker", "", "broker adapter: sim, alpaca, or tradier (default: from config)")
		configPath    = flag.String("config", os.Getenv("PGC_CONFIG"), "runtime config YAML")
		pretty        = flag.Bool("pretty", false, "indent the summary JSON")
	)
	flag.Parse()

	if *policyPath == "" || *intentsPath == "" || *portfolioPath == "" || *marketPath == "" {
		fmt.Fprintln(os.Stderr, "policygate-run: --policy, --intents, --portfolio, and --market are required")
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

	intents, err := runner.ReadIntents(*intentsPath)
	if err != nil {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brk, err := buildBroker(ctx, *brokerName, cfg, logger)
	if err != nil {
		return fail(err)
	}

	// Each run owns its logs end to end.
	if err := truncate(*auditPath); err != nil {
		return fail(err)
	}
	auditW, err := audit.OpenWriter(*auditPath)
	if err != nil {
		return fail(err)
	}
	defer auditW.Close()

	var execW *runner.ExecWriter
	if *execPath != "" {
		if err := truncate(*execPath); err != nil {
			return fail(err)
		}
		execW, err = runner.OpenExecWriter(*execPath)
		if err != nil {
			return fail(err)
		}
		defer execW.Close()
	}

	r := runner.New(eng, brk, auditW, execW, portfolio, market, logger)
	if *executionPath != "" {
		var execState types.ExecutionState
		if err := loadJSON(*executionPath, &execState); err != nil {
			return fail(err)
		}
		r.SetExecutionState(execState)
	}
	logger.Info("run starting",
		"run_id", r.RunID(),
		"intents", len(intents),
		"policy_hash", eng.PolicyHash(),
	)

	summary, runErr := r.Run(ctx, intents)
	if err := printJSON(summary, *pretty); err != nil {
		return fail(err)
	}
	if *summaryPath != "" {
		line, err := audit.MarshalCanonical(summary)
		if err != nil {
			return fail(err)
		}
		if err := os.WriteFile(*summaryPath, append(line, '\n'), 0o644); err != nil {
			return fail(fmt.Errorf("write summary: %w", err))
		}
	}
	if runErr != nil {
		return fail(runErr)
	}

	logger.Info("run complete",
		"total_intents", summary.TotalIntents,
		"orders_submitted", summary.OrdersSubmitted,
		"orders_filled", summary.OrdersFilled,
		"kill_switch_active", summary.KillSwitchActive,
	)
	return 0
}

// buildBroker constructs the selected adapter. For Alpaca the trade-updates
// stream runs in the background for the life of the run.
func buildBroker(ctx context.Context, name string, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	if name == "" {
		name = cfg.Broker.Default
	}
	switch name {
	case "sim":
		return broker.NewSim(), nil
	case "alpaca":
		a, err := broker.NewAlpaca(cfg.Broker.Alpaca, logger)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := a.StreamTradeUpdates(ctx); err != nil && ctx.Err() == nil {
				logger.Error("trade-updates stream stopped", "error", err)
			}
		}()
		return a, nil
	case "tradier":
		return broker.NewTradier(cfg.Broker.Tradier, logger)
	default:
		return nil, fmt.Errorf("unknown broker %q: want sim, alpaca, or tradier", name)
	}
}

func truncate(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.Truncate(path, 0); err != nil {
		return fmt.Errorf("truncate %s: %w", path, err)
	}
	return nil
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
	fmt.Fprintln(os.Stderr, "policygate-run:", err)
	return 2
}
