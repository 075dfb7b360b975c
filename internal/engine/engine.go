package engine

import (
	"fmt"
	"math"
	"time"

	"policygate/internal/policy"
	"policygate/pkg/types"
)

// Version is recorded in every audit event so a log line can be tied to the
// engine build that produced it.
const Version = "0.1.0"

// Engine is the top-level facade: a loaded, hashed policy plus the
// evaluation entry point. The policy is immutable after construction, so an
// Engine may be shared freely across goroutines; callers that also mutate
// portfolio or execution state must serialize those mutations against
// evaluations that read them.
type Engine struct {
	pol  *policy.CapitalPolicy
	hash string
}

// New loads and validates the policy file at path.
func New(path string) (*Engine, error) {
	pol, hash, err := policy.Load(path)
	if err != nil {
		return nil, err
	}
	return &Engine{pol: pol, hash: hash}, nil
}

// NewFromBytes builds an engine from raw policy YAML.
func NewFromBytes(data []byte) (*Engine, error) {
	pol, hash, err := policy.Parse(data)
	if err != nil {
		return nil, err
	}
	return &Engine{pol: pol, hash: hash}, nil
}

// Policy returns the loaded policy. Callers must not mutate it.
func (e *Engine) Policy() *policy.CapitalPolicy { return e.pol }

// PolicyHash returns the SHA-256 hex digest of the policy source bytes.
func (e *Engine) PolicyHash() string { return e.hash }

// Evaluate validates the inputs, runs the rule pipeline, and stamps the
// wall-clock evaluation latency onto the decision. It is a pure function of
// its inputs apart from the latency reading.
func (e *Engine) Evaluate(intent *types.OrderIntent, portfolio *types.PortfolioState, market *types.MarketSnapshot, execution *types.ExecutionState) (*types.Decision, error) {
	if err := intent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid intent: %w", err)
	}
	if err := portfolio.Validate(); err != nil {
		return nil, fmt.Errorf("invalid portfolio state: %w", err)
	}
	if err := execution.Validate(); err != nil {
		return nil, fmt.Errorf("invalid execution state: %w", err)
	}

	t0 := time.Now()
	decision := Evaluate(intent, portfolio, market, execution, e.pol)
	decision.EvalMS = math.Round(float64(time.Since(t0).Nanoseconds())/1e6*1000) / 1000
	return decision, nil
}
