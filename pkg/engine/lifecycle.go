package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/launchflow/launchflow/pkg/state"
	"github.com/launchflow/launchflow/pkg/telemetry"
)

// Built-in kinds provisioned for every environment.
const (
	KindNetwork       = "core/network"
	KindExecutionRole = "core/execution-role"
	KindArtifactStore = "core/artifact-store"
)

// Lifecycle is the top-level coordinator: it composes the planner, executor,
// and lock manager into whole-environment operations.
type Lifecycle struct {
	storage  *Storage
	planner  *Planner
	executor *Executor
	locks    LockManager
	log      *telemetry.Logger
}

// NewLifecycle creates the coordinator.
func NewLifecycle(storage *Storage, planner *Planner, executor *Executor, locks LockManager, log *telemetry.Logger) *Lifecycle {
	return &Lifecycle{
		storage:  storage,
		planner:  planner,
		executor: executor,
		locks:    locks,
		log:      log.NewComponentLogger("lifecycle"),
	}
}

// BuiltinEntities returns the environment-scoped infrastructure every
// environment owns: a network, an execution role, and an artifact store.
func BuiltinEntities(scope Context) []Entity {
	name := func(suffix string) json.RawMessage {
		spec, _ := json.Marshal(map[string]string{
			"name": fmt.Sprintf("%s-%s-%s", scope.Project, scope.Environment, suffix),
		})
		return spec
	}
	return []Entity{
		{
			ID:          "network",
			Type:        EntityTypeResource,
			Kind:        KindNetwork,
			Project:     scope.Project,
			Environment: scope.Environment,
			DesiredSpec: name("network"),
		},
		{
			ID:           "execution-role",
			Type:         EntityTypeResource,
			Kind:         KindExecutionRole,
			Project:      scope.Project,
			Environment:  scope.Environment,
			DesiredSpec:  name("role"),
			Dependencies: []string{"network"},
		},
		{
			ID:           "artifact-store",
			Type:         EntityTypeResource,
			Kind:         KindArtifactStore,
			Project:      scope.Project,
			Environment:  scope.Environment,
			DesiredSpec:  name("artifacts"),
			Dependencies: []string{"network"},
		},
	}
}

// CreateEnvironment writes the environment record and provisions its built-in
// entities through the normal plan/apply pipeline, all under the
// environment-scope lock. Per-entity locks for unrelated operations are
// unaffected.
func (l *Lifecycle) CreateEnvironment(ctx context.Context, env Environment, opts ExecOptions) (*ExecutionResult, error) {
	scope := env.Scope()
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := env.Type.Validate(); err != nil {
		return nil, NewTerminalError(err.Error(), nil).WithCode(ErrCodeValidation)
	}

	lease, err := l.locks.Acquire(ctx, state.EnvironmentKey(scope.Project, scope.Environment), LockOpCreate)
	if err != nil {
		return nil, err
	}
	defer l.release(lease)

	now := time.Now().UTC()
	version := state.VersionAbsent
	stored, err := l.storage.GetEnvironment(ctx, scope)
	switch {
	case err == nil:
		if stored.Environment.Status == StatusReady {
			return nil, NewConflictError(fmt.Sprintf("environment %s already exists", scope), nil)
		}
		// A previous create failed part way; retry from its record.
		version = stored.Version
		env.CreatedAt = stored.Environment.CreatedAt
	case state.IsNotFound(err):
		env.CreatedAt = now
	default:
		return nil, err
	}

	env.Status = StatusPending
	env.UpdatedAt = now
	version, err = l.storage.PutEnvironment(ctx, &env, version)
	if err != nil {
		return nil, err
	}

	plan, err := l.planner.Plan(ctx, PlanRequest{
		Scope:    scope,
		Declared: BuiltinEntities(scope),
		Mode:     PlanModeCreate,
	})
	if err != nil {
		return nil, err
	}

	result, err := l.executor.Execute(ctx, plan, opts)
	if err != nil {
		return nil, err
	}

	if result.OK() {
		env.Status = StatusReady
	} else {
		env.Status = StatusFailed
	}
	env.UpdatedAt = time.Now().UTC()
	if _, err := l.storage.PutEnvironment(ctx, &env, version); err != nil {
		return result, err
	}

	l.log.WithScope(scope.Project, scope.Environment).
		Infof("environment create finished with status %s", env.Status)
	return result, nil
}

// DeleteEnvironment removes the environment record. It refuses while the
// environment still owns entities unless detach is set, which drops all state
// records without invoking any provisioning executor and leaves the cloud
// resources in place.
func (l *Lifecycle) DeleteEnvironment(ctx context.Context, scope Context, detach bool) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	lease, err := l.locks.Acquire(ctx, state.EnvironmentKey(scope.Project, scope.Environment), LockOpDestroy)
	if err != nil {
		return err
	}
	defer l.release(lease)

	stored, err := l.storage.GetEnvironment(ctx, scope)
	if err != nil {
		return err
	}

	entities, err := l.storage.ListEntities(ctx, scope)
	if err != nil {
		return err
	}
	if len(entities) > 0 {
		if !detach {
			return NewTerminalError(
				fmt.Sprintf("environment %s still owns %d entities; destroy them first or detach", scope, len(entities)),
				nil,
			).WithCode(ErrCodeDependentExists).WithDetail("entity_count", len(entities))
		}
		for i := range entities {
			e := &entities[i].Entity
			if err := l.storage.DeleteEntity(ctx, scope, e.Kind, e.ID, entities[i].Version); err != nil && !state.IsNotFound(err) {
				return err
			}
		}
	}

	if err := l.storage.DeleteEnvironment(ctx, scope, stored.Version); err != nil {
		return err
	}
	l.log.WithScope(scope.Project, scope.Environment).Info("environment deleted")
	return nil
}

// GetEnvironment returns one environment record.
func (l *Lifecycle) GetEnvironment(ctx context.Context, scope Context) (*StoredEnvironment, error) {
	return l.storage.GetEnvironment(ctx, scope)
}

// ListEnvironments returns all environment records for a project.
func (l *Lifecycle) ListEnvironments(ctx context.Context, project string) ([]StoredEnvironment, error) {
	return l.storage.ListEnvironments(ctx, project)
}

// ListEntities returns all entity records in an environment.
func (l *Lifecycle) ListEntities(ctx context.Context, scope Context) ([]StoredEntity, error) {
	return l.storage.ListEntities(ctx, scope)
}

// Plan computes a plan without executing it, for display and confirmation.
func (l *Lifecycle) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	return l.planner.Plan(ctx, req)
}

// Execute applies a previously computed plan.
func (l *Lifecycle) Execute(ctx context.Context, plan *Plan, opts ExecOptions) (*ExecutionResult, error) {
	return l.executor.Execute(ctx, plan, opts)
}

// Apply plans and executes in one call.
func (l *Lifecycle) Apply(ctx context.Context, req PlanRequest, opts ExecOptions) (*ExecutionResult, error) {
	plan, err := l.planner.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	return l.executor.Execute(ctx, plan, opts)
}

// InspectLock reports the current lease over a scope key, if any.
func (l *Lifecycle) InspectLock(ctx context.Context, scopeKey string) (*Lock, error) {
	return l.locks.Inspect(ctx, scopeKey)
}

// ForceUnlock removes a lease regardless of holder. For operator recovery
// after a crashed process.
func (l *Lifecycle) ForceUnlock(ctx context.Context, scopeKey string) error {
	return l.locks.ForceRelease(ctx, scopeKey)
}

func (l *Lifecycle) release(lease *Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.locks.Release(ctx, lease); err != nil {
		l.log.WithError(err).Warn("failed to release environment lock")
	}
}
