package engine

import "fmt"

// EntityStatus represents the lifecycle status of a managed entity.
type EntityStatus string

const (
	// StatusUncreated indicates the entity is declared but has never been applied.
	StatusUncreated EntityStatus = "uncreated"

	// StatusPending indicates the entity is queued in an active plan.
	StatusPending EntityStatus = "pending"

	// StatusLocked indicates an operation holds the entity's lease but has not
	// started applying yet.
	StatusLocked EntityStatus = "locked"

	// StatusApplying indicates a provisioning executor is running against the entity.
	StatusApplying EntityStatus = "applying"

	// StatusReady indicates the last apply succeeded and outputs are current.
	StatusReady EntityStatus = "ready"

	// StatusFailed indicates the last apply failed.
	StatusFailed EntityStatus = "failed"

	// StatusDeleting indicates a destroy is in progress.
	StatusDeleting EntityStatus = "deleting"

	// StatusUnknown indicates the stored record could not be interpreted.
	StatusUnknown EntityStatus = "unknown"
)

// IsTerminal returns true for statuses that end an operation.
func (s EntityStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Validate checks that the status is one of the known values.
func (s EntityStatus) Validate() error {
	switch s {
	case StatusUncreated, StatusPending, StatusLocked, StatusApplying,
		StatusReady, StatusFailed, StatusDeleting, StatusUnknown:
		return nil
	default:
		return fmt.Errorf("invalid entity status: %s", s)
	}
}

// Operation represents the classified operation a plan step performs.
type Operation string

const (
	// OpNoop indicates the entity already matches its desired spec.
	OpNoop Operation = "no-op"

	// OpCreate indicates the entity will be created.
	OpCreate Operation = "create"

	// OpUpdate indicates an in-place update of an existing entity.
	OpUpdate Operation = "update"

	// OpReplace indicates destroy-then-create of the same entity id, used when
	// the kind does not support in-place updates.
	OpReplace Operation = "replace"

	// OpDelete indicates the entity will be destroyed and removed from state.
	OpDelete Operation = "delete"
)

// IsDestructive returns true if the operation destroys an underlying object.
func (o Operation) IsDestructive() bool {
	return o == OpDelete || o == OpReplace
}

// Validate checks that the operation is one of the known values.
func (o Operation) Validate() error {
	switch o {
	case OpNoop, OpCreate, OpUpdate, OpReplace, OpDelete:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// LockOperation names the coarse operation recorded on a lease for display to
// concurrent viewers.
type LockOperation string

const (
	LockOpCreate  LockOperation = "create"
	LockOpDestroy LockOperation = "destroy"
	LockOpDeploy  LockOperation = "deploy"
	LockOpPromote LockOperation = "promote"
)

// PlanMode selects the direction a plan reconciles in.
type PlanMode string

const (
	// PlanModeCreate plans creations and updates of requested entities plus
	// their transitive dependencies.
	PlanModeCreate PlanMode = "create"

	// PlanModeDestroy plans deletions of requested entities plus, when allowed,
	// the entities that transitively depend on them.
	PlanModeDestroy PlanMode = "destroy"
)

// StepStatus tracks a plan step through execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"

	// StepStatusSkipped marks steps abandoned because an upstream dependency
	// failed or the run was cancelled before they started.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step has finished one way or another.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// EnvironmentType distinguishes guardrail behavior between environments.
type EnvironmentType string

const (
	EnvTypeDevelopment EnvironmentType = "development"
	EnvTypeProduction  EnvironmentType = "production"
)

// Validate checks that the environment type is known.
func (t EnvironmentType) Validate() error {
	switch t {
	case EnvTypeDevelopment, EnvTypeProduction:
		return nil
	default:
		return fmt.Errorf("invalid environment type: %s", t)
	}
}
