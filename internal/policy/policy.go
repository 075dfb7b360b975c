// Package policy defines the capital policy DSL (v0.1) and its loader.
//
// A CapitalPolicy is immutable after load. Validation is strict and happens
// entirely at load time: unknown YAML keys, out-of-range numbers, a version
// other than "0.1" or a timezone other than "UTC" all fail the load. The
// evaluator never sees an invalid policy.
//
// Loading also computes the SHA-256 of the raw policy bytes. The hash is
// recorded on every audit event so a replayed event can be pinned to the
// exact policy text that was in force.
package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrValidation wraps every load-time failure so callers can map any policy
// problem to a single exit path.
var ErrValidation = errors.New("policy validation")

// Mode selects how violations translate to verdicts.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeMonitor Mode = "monitor"
)

// ExposureLimits caps position size and portfolio leverage.
// MaxNetExposureX is optional; nil disables the net exposure rule.
type ExposureLimits struct {
	MaxPositionPct  float64  `yaml:"max_position_pct" json:"max_position_pct"`
	MaxGrossExpX    float64  `yaml:"max_gross_exposure_x" json:"max_gross_exposure_x"`
	MaxNetExposureX *float64 `yaml:"max_net_exposure_x" json:"max_net_exposure_x"`
}

func (e *ExposureLimits) validate(path string) error {
	if e.MaxPositionPct <= 0 || e.MaxPositionPct > 1 {
		return fmt.Errorf("%w: %s.max_position_pct must be in (0,1], got %v", ErrValidation, path, e.MaxPositionPct)
	}
	if e.MaxGrossExpX <= 0 {
		return fmt.Errorf("%w: %s.max_gross_exposure_x must be > 0, got %v", ErrValidation, path, e.MaxGrossExpX)
	}
	if e.MaxNetExposureX != nil && *e.MaxNetExposureX <= 0 {
		return fmt.Errorf("%w: %s.max_net_exposure_x must be > 0, got %v", ErrValidation, path, *e.MaxNetExposureX)
	}
	return nil
}

// LossLimits caps daily loss and drawdown, both as fractions of equity.
type LossLimits struct {
	DailyLossLimitPct float64 `yaml:"daily_loss_limit_pct" json:"daily_loss_limit_pct"`
	MaxDrawdownPct    float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
}

func (l *LossLimits) validate(path string) error {
	if l.DailyLossLimitPct <= 0 || l.DailyLossLimitPct > 1 {
		return fmt.Errorf("%w: %s.daily_loss_limit_pct must be in (0,1], got %v", ErrValidation, path, l.DailyLossLimitPct)
	}
	if l.MaxDrawdownPct <= 0 || l.MaxDrawdownPct > 1 {
		return fmt.Errorf("%w: %s.max_drawdown_pct must be in (0,1], got %v", ErrValidation, path, l.MaxDrawdownPct)
	}
	return nil
}

// ExecutionLimits throttles order submission rates.
type ExecutionLimits struct {
	MaxOrdersPerMinuteGlobal     int `yaml:"max_orders_per_minute_global" json:"max_orders_per_minute_global"`
	MaxOrdersPerMinuteByStrategy int `yaml:"max_orders_per_minute_by_strategy" json:"max_orders_per_minute_by_strategy"`
}

func (x *ExecutionLimits) validate(path string) error {
	if x.MaxOrdersPerMinuteGlobal < 1 || x.MaxOrdersPerMinuteGlobal > 10000 {
		return fmt.Errorf("%w: %s.max_orders_per_minute_global must be in [1,10000], got %d", ErrValidation, path, x.MaxOrdersPerMinuteGlobal)
	}
	if x.MaxOrdersPerMinuteByStrategy < 1 || x.MaxOrdersPerMinuteByStrategy > 10000 {
		return fmt.Errorf("%w: %s.max_orders_per_minute_by_strategy must be in [1,10000], got %d", ErrValidation, path, x.MaxOrdersPerMinuteByStrategy)
	}
	return nil
}

// KillSwitch configures hard and soft kill-switch trips.
type KillSwitch struct {
	TripOnRules          []string `yaml:"trip_on_rules" json:"trip_on_rules"`
	TripAfterNViolations int      `yaml:"trip_after_n_violations" json:"trip_after_n_violations"`
	ViolationWindowSecs  int      `yaml:"violation_window_seconds" json:"violation_window_seconds"`
}

func (k *KillSwitch) validate(path string) error {
	if k.TripAfterNViolations < 1 || k.TripAfterNViolations > 10000 {
		return fmt.Errorf("%w: %s.trip_after_n_violations must be in [1,10000], got %d", ErrValidation, path, k.TripAfterNViolations)
	}
	const yearSecs = 365 * 24 * 3600
	if k.ViolationWindowSecs < 1 || k.ViolationWindowSecs > yearSecs {
		return fmt.Errorf("%w: %s.violation_window_seconds must be in [1,%d], got %d", ErrValidation, path, yearSecs, k.ViolationWindowSecs)
	}
	return nil
}

// TripsOn reports whether a fired rule should hard-trip the kill switch.
func (k *KillSwitch) TripsOn(ruleID string) bool {
	for _, id := range k.TripOnRules {
		if id == ruleID {
			return true
		}
	}
	return false
}

// Defaults holds the run mode and the advisory default verdict.
// Decision is documented as the fail-closed default when no rules fire, but
// the v0.1 evaluator's no-violation path always returns ALLOW; the field is
// preserved, not consumed.
type Defaults struct {
	Mode     Mode   `yaml:"mode" json:"mode"`
	Decision string `yaml:"decision" json:"decision"`
}

// Limits is the default limit tree applied when no override matches.
type Limits struct {
	Exposure   ExposureLimits  `yaml:"exposure" json:"exposure"`
	Loss       LossLimits      `yaml:"loss" json:"loss"`
	Execution  ExecutionLimits `yaml:"execution" json:"execution"`
	KillSwitch KillSwitch      `yaml:"kill_switch" json:"kill_switch"`
}

// Override is a partial limits block. A nil sub-block falls back to the next
// source in precedence order; a present sub-block replaces the default whole.
type Override struct {
	Exposure  *ExposureLimits  `yaml:"exposure" json:"exposure"`
	Loss      *LossLimits      `yaml:"loss" json:"loss"`
	Execution *ExecutionLimits `yaml:"execution" json:"execution"`
}

func (o *Override) validate(path string) error {
	if o.Exposure != nil {
		if err := o.Exposure.validate(path + ".exposure"); err != nil {
			return err
		}
	}
	if o.Loss != nil {
		if err := o.Loss.validate(path + ".loss"); err != nil {
			return err
		}
	}
	if o.Execution != nil {
		if err := o.Execution.validate(path + ".execution"); err != nil {
			return err
		}
	}
	return nil
}

// Overrides maps symbols and strategy IDs to partial limit blocks.
type Overrides struct {
	Symbols    map[string]Override `yaml:"symbols" json:"symbols"`
	Strategies map[string]Override `yaml:"strategies" json:"strategies"`
}

// CapitalPolicy is the validated, immutable policy document.
type CapitalPolicy struct {
	Version   string    `yaml:"version" json:"version"`
	Timezone  string    `yaml:"timezone" json:"timezone"`
	Defaults  Defaults  `yaml:"defaults" json:"defaults"`
	Limits    Limits    `yaml:"limits" json:"limits"`
	Overrides Overrides `yaml:"overrides" json:"overrides"`
}

// EffectiveLimits is the resolved limit view for one (symbol, strategy) pair.
type EffectiveLimits struct {
	Exposure  ExposureLimits
	Loss      LossLimits
	Execution ExecutionLimits
}

// Resolve picks the effective limits for a symbol/strategy pair. For each
// sub-block independently, precedence is: symbol override, then strategy
// override, then defaults. A symbol override that defines exposure but omits
// loss still takes default loss limits.
func (p *CapitalPolicy) Resolve(symbol, strategyID string) EffectiveLimits {
	eff := EffectiveLimits{
		Exposure:  p.Limits.Exposure,
		Loss:      p.Limits.Loss,
		Execution: p.Limits.Execution,
	}

	if o, ok := p.Overrides.Strategies[strategyID]; ok {
		if o.Exposure != nil {
			eff.Exposure = *o.Exposure
		}
		if o.Loss != nil {
			eff.Loss = *o.Loss
		}
		if o.Execution != nil {
			eff.Execution = *o.Execution
		}
	}
	if o, ok := p.Overrides.Symbols[symbol]; ok {
		if o.Exposure != nil {
			eff.Exposure = *o.Exposure
		}
		if o.Loss != nil {
			eff.Loss = *o.Loss
		}
		if o.Execution != nil {
			eff.Execution = *o.Execution
		}
	}
	return eff
}

// Validate checks version, timezone, and every numeric bound in the tree.
func (p *CapitalPolicy) Validate() error {
	if p.Version != "0.1" {
		return fmt.Errorf("%w: version must be \"0.1\", got %q", ErrValidation, p.Version)
	}
	if strings.ToUpper(p.Timezone) != "UTC" {
		return fmt.Errorf("%w: v0.1 requires timezone: UTC, got %q", ErrValidation, p.Timezone)
	}
	switch p.Defaults.Mode {
	case ModeEnforce, ModeMonitor:
	default:
		return fmt.Errorf("%w: defaults.mode must be enforce or monitor, got %q", ErrValidation, p.Defaults.Mode)
	}
	switch p.Defaults.Decision {
	case "deny", "allow":
	default:
		return fmt.Errorf("%w: defaults.decision must be deny or allow, got %q", ErrValidation, p.Defaults.Decision)
	}
	if err := p.Limits.Exposure.validate("limits.exposure"); err != nil {
		return err
	}
	if err := p.Limits.Loss.validate("limits.loss"); err != nil {
		return err
	}
	if err := p.Limits.Execution.validate("limits.execution"); err != nil {
		return err
	}
	if err := p.Limits.KillSwitch.validate("limits.kill_switch"); err != nil {
		return err
	}
	for sym, o := range p.Overrides.Symbols {
		if err := o.validate("overrides.symbols." + sym); err != nil {
			return err
		}
	}
	for id, o := range p.Overrides.Strategies {
		if err := o.validate("overrides.strategies." + id); err != nil {
			return err
		}
	}
	return nil
}

// Parse decodes and validates a policy from raw YAML bytes. Unknown keys
// anywhere in the tree fail the parse. Returns the policy and the SHA-256
// hex digest of the source bytes.
func Parse(data []byte) (*CapitalPolicy, string, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	p := CapitalPolicy{
		Version:  "0.1",
		Timezone: "UTC",
		Defaults: Defaults{Mode: ModeEnforce, Decision: "deny"},
	}
	if err := dec.Decode(&p); err != nil {
		return nil, "", fmt.Errorf("%w: decode policy YAML: %v", ErrValidation, err)
	}
	if p.Defaults.Mode == "" {
		p.Defaults.Mode = ModeEnforce
	}
	if p.Defaults.Decision == "" {
		p.Defaults.Decision = "deny"
	}
	if err := p.Validate(); err != nil {
		return nil, "", err
	}
	return &p, Hash(data), nil
}

// Load reads, decodes and validates a policy file.
func Load(path string) (*CapitalPolicy, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Hash returns the SHA-256 hex digest of the canonical policy source bytes.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
