package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType tags the two flavors of managed entity.
type EntityType string

const (
	// EntityTypeResource is a piece of infrastructure (bucket, database, queue).
	EntityTypeResource EntityType = "resource"

	// EntityTypeService is a deployable workload.
	EntityTypeService EntityType = "service"
)

// OutputArtifactDigest is the well-known output key holding a service's
// immutable build artifact reference (a content-addressed image digest).
// Promotion pins this value across environments.
const OutputArtifactDigest = "artifact_digest"

// Context scopes an operation to one project and environment. It is threaded
// explicitly through every call; the engine keeps no process-global target.
type Context struct {
	Project     string `json:"project"`
	Environment string `json:"environment"`
}

// Validate checks that both scope fields are set.
func (c Context) Validate() error {
	if c.Project == "" || c.Environment == "" {
		return NewTerminalError("context requires project and environment", nil).
			WithCode(ErrCodeValidation)
	}
	return nil
}

// String renders the scope for logs and error messages.
func (c Context) String() string {
	return c.Project + "/" + c.Environment
}

// Entity is the unit managed by the engine: a Resource or a Service.
type Entity struct {
	// ID is unique within (project, environment, kind namespace).
	ID string `json:"id"`

	// Type tags the entity as a resource or a service.
	Type EntityType `json:"type"`

	// Kind selects the provisioning executor for this entity
	// (e.g. "aws/s3-bucket", "gcp/cloud-run-service").
	Kind string `json:"kind"`

	// Project and Environment scope the entity.
	Project     string `json:"project"`
	Environment string `json:"environment"`

	// DesiredSpec is the opaque configuration supplied by the caller.
	DesiredSpec json.RawMessage `json:"desired_spec,omitempty"`

	// Dependencies lists ids of entities this entity's spec references.
	// References are explicit, declared by the caller; they are never inferred.
	Dependencies []string `json:"dependencies,omitempty"`

	// Status is the current lifecycle status.
	Status EntityStatus `json:"status"`

	// LastAppliedFingerprint is the spec fingerprint at the time outputs were
	// last successfully produced. Empty if never applied.
	LastAppliedFingerprint string `json:"last_applied_fingerprint,omitempty"`

	// Outputs are the attributes produced by the provisioning executor.
	// Only trusted when Status is ready and the fingerprints match.
	Outputs map[string]string `json:"outputs,omitempty"`

	// LastError records the failure message when Status is failed.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// SpecFingerprint hashes the entity's desired spec together with its declared
// dependencies, so a rewiring of references also reads as a change.
func (e *Entity) SpecFingerprint() string {
	return Fingerprint(e.DesiredSpec, e.Dependencies)
}

// Drifted reports whether the stored record can no longer be trusted: outputs
// are only valid when the entity is ready and its applied fingerprint matches
// the desired spec.
func (e *Entity) Drifted() bool {
	return e.Status != StatusReady || e.LastAppliedFingerprint != e.SpecFingerprint()
}

// Scope returns the engine Context the entity belongs to.
func (e *Entity) Scope() Context {
	return Context{Project: e.Project, Environment: e.Environment}
}

// Validate checks the entity declaration for structural problems.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return NewTerminalError("entity has empty id", nil).WithCode(ErrCodeValidation)
	}
	if e.Kind == "" {
		return NewTerminalError("entity has empty kind", nil).
			WithCode(ErrCodeValidation).WithEntity(e.ID)
	}
	if e.Type != EntityTypeResource && e.Type != EntityTypeService {
		return NewTerminalError(fmt.Sprintf("invalid entity type: %s", e.Type), nil).
			WithCode(ErrCodeValidation).WithEntity(e.ID)
	}
	for _, dep := range e.Dependencies {
		if dep == e.ID {
			return NewTerminalError("entity depends on itself", nil).
				WithCode(ErrCodeCyclicDependency).WithEntity(e.ID)
		}
	}
	return nil
}

// Lock is a time-bounded, ownership-tagged lease over one scope key. At most
// one non-expired lock may exist per scope.
type Lock struct {
	// HolderID identifies the process or session holding the lease.
	HolderID string `json:"holder_id"`

	// Scope is the state-store key the lease covers: one entity or one
	// environment.
	Scope string `json:"scope"`

	// Operation names what the holder is doing, for diagnostic display.
	Operation LockOperation `json:"operation"`

	// AcquiredAt is refreshed on every renewal.
	AcquiredAt time.Time `json:"acquired_at"`

	// TTL bounds how long the lease survives a crashed holder.
	TTL time.Duration `json:"ttl"`

	// version is the store CAS token the lock record was last read at.
	version string
}

// Expired reports whether the lease has outlived its TTL.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.AcquiredAt.Add(l.TTL))
}

// Version returns the store CAS token for the lock record.
func (l *Lock) Version() string { return l.version }

// SetVersion records the store CAS token for the lock record.
func (l *Lock) SetVersion(v string) { l.version = v }

// Environment groups entities under one cloud account and network boundary.
type Environment struct {
	Name          string          `json:"name"`
	Project       string          `json:"project"`
	CloudProvider string          `json:"cloud_provider"`
	Type          EnvironmentType `json:"type"`
	Status        EntityStatus    `json:"status"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Scope returns the engine Context for the environment.
func (e *Environment) Scope() Context {
	return Context{Project: e.Project, Environment: e.Name}
}

// PlanStep is one classified operation in a plan.
type PlanStep struct {
	// EntityID is the entity the step operates on.
	EntityID string `json:"entity_id"`

	// Kind is the entity's kind. Set for every operation, including deletes,
	// so the executor locks the same scope key regardless of direction.
	Kind string `json:"kind"`

	// Operation is the classified operation.
	Operation Operation `json:"operation"`

	// Rationale explains the classification in one human-readable line.
	Rationale string `json:"rationale"`

	// DependsOn lists entity ids whose steps must succeed before this step
	// starts. Direction is already corrected for the plan mode: creation steps
	// wait on dependencies, deletion steps wait on dependents.
	DependsOn []string `json:"depends_on,omitempty"`

	// Level is the topological level; steps at the same level may run
	// concurrently.
	Level int `json:"level"`

	// Desired is the entity declaration the step reconciles toward.
	// Nil for delete steps.
	Desired *Entity `json:"desired,omitempty"`
}

// Plan is an ordered, classified list of operations. Plans are built fresh for
// every invocation and never persisted beyond the execution that consumes them.
type Plan struct {
	ID        string      `json:"id"`
	Scope     Context     `json:"scope"`
	Mode      PlanMode    `json:"mode"`
	Steps     []PlanStep  `json:"steps"`
	Depth     int         `json:"depth"`
	CreatedAt time.Time   `json:"created_at"`
	Summary   PlanSummary `json:"summary"`
}

// PlanSummary counts steps by classified operation.
type PlanSummary struct {
	Total     int `json:"total"`
	ToCreate  int `json:"to_create"`
	ToUpdate  int `json:"to_update"`
	ToReplace int `json:"to_replace"`
	ToDelete  int `json:"to_delete"`
	NoChange  int `json:"no_change"`
}

// HasChanges reports whether executing the plan would touch anything.
func (p *Plan) HasChanges() bool {
	return p.Summary.Total > p.Summary.NoChange
}

// Step returns the step for an entity id, if present.
func (p *Plan) Step(entityID string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].EntityID == entityID {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepFailure pairs a failed step's entity with its classified error.
type StepFailure struct {
	EntityID string       `json:"entity_id"`
	Err      *EngineError `json:"error"`
}

// ExecutionResult is the partial-failure-aware outcome of applying a plan.
type ExecutionResult struct {
	PlanID    string        `json:"plan_id"`
	Succeeded []string      `json:"succeeded"`
	Failed    []StepFailure `json:"failed"`
	Skipped   []string      `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// OK reports whether every step succeeded.
func (r *ExecutionResult) OK() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}

// FirstError returns the first recorded step failure, or nil.
func (r *ExecutionResult) FirstError() *EngineError {
	if len(r.Failed) == 0 {
		return nil
	}
	return r.Failed[0].Err
}
