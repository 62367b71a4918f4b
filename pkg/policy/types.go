package policy

import (
	"time"

	"github.com/launchflow/launchflow/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the plan.
	SeverityError Severity = "error"
)

// Policy is one guardrail rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The policy's deny set is queried.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`
}

// Violation is a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// EntityID is the plan step entity the violation points at, if any.
	EntityID string `json:"entity_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	// Allowed is false when any error-severity violation fired.
	Allowed bool `json:"allowed"`

	// Violations lists all violations, including non-blocking ones.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Input is the document handed to Rego evaluation.
type Input struct {
	// Plan is the plan under evaluation.
	Plan *engine.Plan `json:"plan"`

	// Environment is the target environment record, if it exists yet.
	Environment *engine.Environment `json:"environment,omitempty"`

	// Override is the caller's explicit guardrail override flag.
	Override bool `json:"override"`
}
