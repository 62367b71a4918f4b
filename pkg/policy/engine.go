package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/launchflow/launchflow/pkg/engine"
	"github.com/launchflow/launchflow/pkg/telemetry"
)

// Engine evaluates guardrail policies against plans. It satisfies
// engine.PlanGuard: a plan with any error-severity violation is vetoed before
// execution starts.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	log      *telemetry.Logger
}

// NewEngine creates a policy engine preloaded with the built-in guardrails.
func NewEngine(log *telemetry.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*Policy),
		log:      log.NewComponentLogger("policy"),
	}
	for _, p := range BuiltinPolicies() {
		policy := p
		if err := validatePolicy(&policy); err != nil {
			return nil, fmt.Errorf("built-in policy %s: %w", policy.Name, err)
		}
		e.policies[policy.Name] = &policy
	}
	return e, nil
}

// SetPolicies replaces every non-builtin policy with the given set. Used by
// the loader's hot reload path.
func (e *Engine) SetPolicies(policies []Policy) error {
	compiled := make(map[string]*Policy, len(policies))
	for i := range policies {
		p := policies[i]
		if err := validatePolicy(&p); err != nil {
			return fmt.Errorf("policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = &p
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range BuiltinPolicies() {
		policy := p
		if _, overridden := compiled[policy.Name]; !overridden {
			compiled[policy.Name] = &policy
		}
	}
	e.policies = compiled
	e.log.Infof("loaded %d policies", len(compiled))
	return nil
}

// Policies returns the names of the loaded policies.
func (e *Engine) Policies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	return names
}

// EvaluatePlan runs every enabled policy against the plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, env *engine.Environment, override bool) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{Plan: plan, Environment: env, Override: override}
	result := &Result{Allowed: true, EvaluatedAt: time.Now().UTC()}

	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		violations, err := e.evaluatePolicy(ctx, p, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", p.Name, err)
		}
		result.Violations = append(result.Violations, violations...)
	}

	for i := range result.Violations {
		if result.Violations[i].Severity == SeverityError {
			result.Allowed = false
			break
		}
	}
	return result, nil
}

// Check implements engine.PlanGuard.
func (e *Engine) Check(ctx context.Context, plan *engine.Plan, env *engine.Environment, override bool) error {
	result, err := e.EvaluatePlan(ctx, plan, env, override)
	if err != nil {
		return engine.NewTerminalError("policy evaluation failed", err).
			WithCode(engine.ErrCodeInternal)
	}

	for _, v := range result.Violations {
		if v.Severity == SeverityWarning {
			e.log.WithPlanID(plan.ID).Warnf("policy %s: %s", v.Policy, v.Message)
		}
	}

	if result.Allowed {
		return nil
	}

	messages := make([]string, 0)
	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			messages = append(messages, v.Message)
		}
	}
	return engine.NewTerminalError(
		fmt.Sprintf("plan denied by policy: %s", strings.Join(messages, "; ")), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", result.Violations)
}

// evaluatePolicy queries the policy package's deny set.
func (e *Engine) evaluatePolicy(ctx context.Context, p *Policy, input *Input) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(p, d))
			}
		}
	}
	return violations, nil
}

// toViolation converts one deny-set element into a Violation.
func (e *Engine) toViolation(p *Policy, raw interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch value := raw.(type) {
	case string:
		v.Message = value
	case map[string]interface{}:
		if msg, ok := value["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := value["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if id, ok := value["entity_id"].(string); ok {
			v.EntityID = id
		}
	default:
		v.Message = fmt.Sprintf("%v", raw)
	}
	return v
}

// validatePolicy checks that the Rego compiles by preparing a throwaway query.
func validatePolicy(p *Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy has no name")
	}
	if p.Rego == "" {
		return fmt.Errorf("policy has no rego code")
	}
	_, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", packageName(p.Rego))),
	).PrepareForEval(context.Background())
	return err
}

// packageName extracts the package name from Rego code.
func packageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "launchflow.policies"
}
