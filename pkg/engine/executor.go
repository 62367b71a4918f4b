package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/launchflow/launchflow/pkg/state"
	"github.com/launchflow/launchflow/pkg/telemetry"
)

// PlanGuard evaluates a plan against policy before any step runs. A non-nil
// error vetoes the whole execution.
type PlanGuard interface {
	Check(ctx context.Context, plan *Plan, env *Environment, override bool) error
}

// ExecOptions tunes one execution.
type ExecOptions struct {
	// MaxParallel caps concurrent steps within a level. Zero uses the
	// executor default.
	MaxParallel int

	// StepTimeout bounds each provisioning call. Zero uses the executor
	// default.
	StepTimeout time.Duration

	// PolicyOverride is passed through to the plan guard, allowing an
	// operator to override destructive-operation guardrails.
	PolicyOverride bool
}

// Executor applies a plan level by level: steps within a level run
// concurrently under a bounded worker pool, and a step only starts once every
// step it depends on has succeeded. Failures sink their dependents but leave
// independent branches running.
type Executor struct {
	storage *Storage
	kinds   *KindRegistry
	locks   LockManager
	guard   PlanGuard

	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	maxParallel int
	stepTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithGuard installs a plan guard consulted before execution starts.
func WithGuard(g PlanGuard) ExecutorOption {
	return func(e *Executor) { e.guard = g }
}

// WithMetrics installs a metrics collector.
func WithMetrics(m *telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer installs a tracer.
func WithTracer(t *telemetry.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithMaxParallel sets the default per-level concurrency cap.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithStepTimeout sets the default per-step provisioning timeout.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// NewExecutor creates an executor over the given storage, kind registry, and
// lock manager.
func NewExecutor(storage *Storage, kinds *KindRegistry, locks LockManager, log *telemetry.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		storage:     storage,
		kinds:       kinds,
		locks:       locks,
		log:         log.NewComponentLogger("executor"),
		metrics:     &telemetry.Metrics{},
		maxParallel: 10,
		stepTimeout: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execution carries the mutable state of one run.
type execution struct {
	plan    *Plan
	opts    ExecOptions
	inPlan  map[string]*PlanStep
	mu      sync.Mutex
	status  map[string]StepStatus
	failure map[string]*EngineError
}

func (x *execution) setStatus(id string, s StepStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.status[id] = s
}

func (x *execution) setFailed(id string, err *EngineError) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.status[id] = StepStatusFailed
	x.failure[id] = err
}

// depsSucceeded reports whether every in-plan dependency of the step reached
// success. Dependencies outside the plan are already settled state and do not
// gate the step.
func (x *execution) depsSucceeded(step *PlanStep) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, dep := range step.DependsOn {
		if _, ok := x.inPlan[dep]; !ok {
			continue
		}
		if x.status[dep] != StepStatusSucceeded {
			return false
		}
	}
	return true
}

// Execute applies the plan and returns a partial-failure-aware result. The
// returned error is non-nil only when the run could not start at all; step
// failures are reported through the result.
func (e *Executor) Execute(ctx context.Context, plan *Plan, opts ExecOptions) (*ExecutionResult, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, NewTerminalError("plan has no steps", nil).WithCode(ErrCodeValidation)
	}

	if e.guard != nil {
		env, err := e.storage.GetEnvironment(ctx, plan.Scope)
		var envRecord *Environment
		if err == nil {
			envRecord = &env.Environment
		} else if !state.IsNotFound(err) {
			return nil, err
		}
		if err := e.guard.Check(ctx, plan, envRecord, opts.PolicyOverride); err != nil {
			return nil, err
		}
	}

	x := &execution{
		plan:    plan,
		opts:    opts,
		inPlan:  make(map[string]*PlanStep, len(plan.Steps)),
		status:  make(map[string]StepStatus, len(plan.Steps)),
		failure: make(map[string]*EngineError),
	}
	for i := range plan.Steps {
		step := &plan.Steps[i]
		x.inPlan[step.EntityID] = step
		x.status[step.EntityID] = StepStatusPending
	}

	log := e.log.WithPlanID(plan.ID).WithScope(plan.Scope.Project, plan.Scope.Environment)
	log.Infof("executing plan: %d steps over %d levels", len(plan.Steps), plan.Depth)

	e.metrics.ExecutionStarted()
	defer e.metrics.ExecutionFinished()

	if e.tracer != nil {
		spanCtx, span := e.tracer.StartExecutionSpan(ctx, plan.ID, string(plan.Mode))
		defer span.End()
		ctx = spanCtx
	}

	started := time.Now()
	for level := 0; level < plan.Depth; level++ {
		if ctx.Err() != nil {
			break
		}
		e.runLevel(ctx, x, level, log)
	}

	result := &ExecutionResult{
		PlanID:    plan.ID,
		StartedAt: started.UTC(),
		Duration:  time.Since(started),
	}
	for i := range plan.Steps {
		id := plan.Steps[i].EntityID
		switch x.status[id] {
		case StepStatusSucceeded:
			result.Succeeded = append(result.Succeeded, id)
		case StepStatusFailed:
			result.Failed = append(result.Failed, StepFailure{EntityID: id, Err: x.failure[id]})
		default:
			// Pending and running steps at teardown were never finished;
			// report them as skipped.
			result.Skipped = append(result.Skipped, id)
		}
	}

	if result.OK() {
		log.Infof("plan executed: %d succeeded", len(result.Succeeded))
	} else {
		log.Warnf("plan finished with failures: %d succeeded, %d failed, %d skipped",
			len(result.Succeeded), len(result.Failed), len(result.Skipped))
	}
	return result, nil
}

// runLevel executes every step at one topological level through a bounded
// worker pool.
func (e *Executor) runLevel(ctx context.Context, x *execution, level int, log *telemetry.Logger) {
	steps := make([]*PlanStep, 0)
	for i := range x.plan.Steps {
		if x.plan.Steps[i].Level == level {
			steps = append(steps, &x.plan.Steps[i])
		}
	}
	if len(steps) == 0 {
		return
	}

	workers := e.maxParallel
	if x.opts.MaxParallel > 0 && x.opts.MaxParallel < workers {
		workers = x.opts.MaxParallel
	}
	if len(steps) < workers {
		workers = len(steps)
	}

	queue := make(chan *PlanStep, len(steps))
	for _, step := range steps {
		queue <- step
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range queue {
				if ctx.Err() != nil {
					return
				}
				e.runStep(ctx, x, step, log)
			}
		}()
	}
	wg.Wait()
}

// runStep drives one step from lock acquisition through status recording.
func (e *Executor) runStep(ctx context.Context, x *execution, step *PlanStep, log *telemetry.Logger) {
	slog := log.WithEntityID(step.EntityID)

	if !x.depsSucceeded(step) {
		x.setStatus(step.EntityID, StepStatusSkipped)
		slog.Warn("step skipped: upstream dependency did not succeed")
		e.metrics.RecordStepExecution(string(step.Operation), "skipped", e.stepKind(step), 0)
		return
	}

	if step.Operation == OpNoop {
		x.setStatus(step.EntityID, StepStatusSucceeded)
		return
	}

	x.setStatus(step.EntityID, StepStatusRunning)
	started := time.Now()

	stepCtx := ctx
	if e.tracer != nil {
		c, span := e.tracer.StartStepSpan(ctx, step.EntityID, string(step.Operation))
		stepCtx = c
		defer span.End()
	}

	err := e.executeLocked(stepCtx, x, step, slog)
	duration := time.Since(started)

	if err != nil {
		engErr := classify(err, step)
		x.setFailed(step.EntityID, engErr)
		slog.WithError(engErr).Errorf("step failed after %s", duration.Round(time.Millisecond))
		e.metrics.RecordStepExecution(string(step.Operation), "failed", e.stepKind(step), duration)
		e.metrics.RecordError(engErr.Code)
		return
	}

	x.setStatus(step.EntityID, StepStatusSucceeded)
	slog.Infof("step %s succeeded in %s", step.Operation, duration.Round(time.Millisecond))
	e.metrics.RecordStepExecution(string(step.Operation), "succeeded", e.stepKind(step), duration)
}

// executeLocked acquires the entity lease, keeps it alive for the duration of
// the step, and dispatches on the operation. Replace destroys and re-applies
// under the same lease so no concurrent operation can slip between the two
// halves.
func (e *Executor) executeLocked(ctx context.Context, x *execution, step *PlanStep, slog *telemetry.Logger) error {
	scope := e.entityScopeKey(x.plan.Scope, step)
	lockOp := LockOpDeploy
	if x.plan.Mode == PlanModeDestroy {
		lockOp = LockOpDestroy
	}

	lease, err := e.locks.TryAcquire(ctx, scope, lockOp)
	if err != nil {
		if IsLockBusy(err) {
			e.metrics.RecordLockContention(string(lockOp))
		}
		e.metrics.RecordLockAcquisition("failed")
		return err
	}
	e.metrics.RecordLockAcquisition("acquired")

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopRenewal := e.locks.KeepAlive(stepCtx, lease, func(lostErr error) {
		slog.WithError(lostErr).Error("lock lease lost, aborting step")
		cancel()
	})
	defer stopRenewal()
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer releaseCancel()
		if err := e.locks.Release(releaseCtx, lease); err != nil {
			slog.WithError(err).Warn("failed to release lock")
		}
	}()

	switch step.Operation {
	case OpCreate, OpUpdate:
		return e.applyStep(stepCtx, x, step)
	case OpReplace:
		if err := e.destroyForReplace(stepCtx, x.plan.Scope, step); err != nil {
			return err
		}
		return e.applyStep(stepCtx, x, step)
	case OpDelete:
		return e.destroyStep(stepCtx, x, step)
	default:
		return NewTerminalError(fmt.Sprintf("unsupported operation: %s", step.Operation), nil).
			WithCode(ErrCodeInternal)
	}
}

// applyStep converges one entity toward its desired spec and records the
// outcome through compare-and-swap writes.
func (e *Executor) applyStep(ctx context.Context, x *execution, step *PlanStep) error {
	desired := step.Desired
	if desired == nil {
		return NewTerminalError("apply step carries no desired entity", nil).
			WithCode(ErrCodeInternal).WithEntity(step.EntityID)
	}

	exec, err := e.kinds.Get(desired.Kind)
	if err != nil {
		return err
	}

	record := *desired
	record.Status = StatusApplying
	version := state.VersionAbsent
	now := time.Now().UTC()

	stored, err := e.storage.GetEntity(ctx, x.plan.Scope, desired.Kind, desired.ID)
	switch {
	case err == nil:
		version = stored.Version
		record.CreatedAt = stored.Entity.CreatedAt
		record.Outputs = stored.Entity.Outputs
		record.LastAppliedFingerprint = stored.Entity.LastAppliedFingerprint
	case state.IsNotFound(err):
		record.CreatedAt = now
	default:
		return err
	}
	record.UpdatedAt = now

	version, err = e.storage.PutEntity(ctx, &record, version)
	if err != nil {
		if state.IsConflict(err) {
			e.metrics.RecordCASConflict("entity")
		}
		return err
	}

	depOutputs, err := e.dependencyOutputs(ctx, x.plan.Scope, desired.Dependencies)
	if err != nil {
		e.recordFailure(ctx, &record, version, err)
		return err
	}

	applyCtx, cancel := context.WithTimeout(ctx, e.timeout(x.opts))
	defer cancel()
	outputs, applyErr := exec.Apply(applyCtx, ApplyRequest{
		EntityID:          desired.ID,
		Scope:             x.plan.Scope,
		DesiredSpec:       desired.DesiredSpec,
		PriorOutputs:      record.Outputs,
		DependencyOutputs: depOutputs,
	})
	if applyErr != nil {
		provErr := provisioningError("provisioning failed", applyErr, desired.ID, string(step.Operation))
		e.recordFailure(ctx, &record, version, provErr)
		return provErr
	}

	record.Status = StatusReady
	record.Outputs = outputs
	record.LastAppliedFingerprint = record.SpecFingerprint()
	record.LastError = ""
	record.UpdatedAt = time.Now().UTC()
	if _, err := e.storage.PutEntity(ctx, &record, version); err != nil {
		if state.IsConflict(err) {
			e.metrics.RecordCASConflict("entity")
		}
		return err
	}
	return nil
}

// recordFailure writes the failed status back to the store on a best-effort
// basis; the original error is what the caller reports.
func (e *Executor) recordFailure(ctx context.Context, record *Entity, version string, cause error) {
	record.Status = StatusFailed
	record.LastError = cause.Error()
	record.UpdatedAt = time.Now().UTC()
	if _, err := e.storage.PutEntity(ctx, record, version); err != nil {
		e.log.WithEntityID(record.ID).WithError(err).Warn("failed to record failure status")
	}
}

// destroyStep tears one entity down. The stored record is re-read under the
// lock: a dependent that appeared since planning aborts this step without
// touching anything.
func (e *Executor) destroyStep(ctx context.Context, x *execution, step *PlanStep) error {
	stored, err := e.storage.FindEntity(ctx, x.plan.Scope, step.EntityID)
	if err != nil {
		if state.IsNotFound(err) {
			// Already gone.
			return nil
		}
		return err
	}

	if err := e.checkNoNewDependents(ctx, x, step.EntityID); err != nil {
		return err
	}

	exec, err := e.kinds.Get(stored.Entity.Kind)
	if err != nil {
		return err
	}

	record := stored.Entity
	record.Status = StatusDeleting
	record.UpdatedAt = time.Now().UTC()
	version, err := e.storage.PutEntity(ctx, &record, stored.Version)
	if err != nil {
		if state.IsConflict(err) {
			e.metrics.RecordCASConflict("entity")
		}
		return err
	}

	destroyCtx, cancel := context.WithTimeout(ctx, e.timeout(x.opts))
	defer cancel()
	if err := exec.Destroy(destroyCtx, DestroyRequest{
		EntityID:     record.ID,
		Scope:        x.plan.Scope,
		PriorOutputs: record.Outputs,
	}); err != nil {
		provErr := provisioningError("destroy failed", err, record.ID, string(OpDelete))
		e.recordFailure(ctx, &record, version, provErr)
		return provErr
	}

	if err := e.storage.DeleteEntity(ctx, x.plan.Scope, record.Kind, record.ID, version); err != nil {
		if state.IsConflict(err) {
			e.metrics.RecordCASConflict("entity")
		}
		return err
	}
	return nil
}

// checkNoNewDependents scans the live store for entities that depend on the
// target but are not being deleted by this plan. Planning already rejected
// known dependents; this catches one created after the plan was computed.
func (e *Executor) checkNoNewDependents(ctx context.Context, x *execution, entityID string) error {
	live, err := e.storage.ListEntities(ctx, x.plan.Scope)
	if err != nil {
		return err
	}
	for i := range live {
		if _, inPlan := x.inPlan[live[i].Entity.ID]; inPlan {
			continue
		}
		for _, dep := range live[i].Entity.Dependencies {
			if dep == entityID {
				return NewConflictError(
					fmt.Sprintf("entity %s gained dependent %s since planning", entityID, live[i].Entity.ID),
					nil,
				).WithCode(ErrCodeDependencyAppeared).
					WithEntity(entityID).
					WithDetail("dependent", live[i].Entity.ID)
			}
		}
	}
	return nil
}

// destroyForReplace removes the previously applied object ahead of the
// re-create half of a replacement. An entity that was never applied has
// nothing to destroy.
func (e *Executor) destroyForReplace(ctx context.Context, scope Context, step *PlanStep) error {
	stored, err := e.storage.GetEntity(ctx, scope, step.Desired.Kind, step.EntityID)
	if err != nil {
		if state.IsNotFound(err) {
			return nil
		}
		return err
	}
	if stored.Entity.LastAppliedFingerprint == "" {
		return nil
	}

	exec, err := e.kinds.Get(stored.Entity.Kind)
	if err != nil {
		return err
	}
	destroyCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()
	if err := exec.Destroy(destroyCtx, DestroyRequest{
		EntityID:     step.EntityID,
		Scope:        scope,
		PriorOutputs: stored.Entity.Outputs,
	}); err != nil {
		return provisioningError("destroy half of replace failed", err, step.EntityID, string(OpReplace))
	}
	return nil
}

// dependencyOutputs collects the outputs of every declared dependency. All of
// them must be ready by the time the step runs.
func (e *Executor) dependencyOutputs(ctx context.Context, scope Context, deps []string) (map[string]map[string]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	outputs := make(map[string]map[string]string, len(deps))
	for _, dep := range deps {
		stored, err := e.storage.FindEntity(ctx, scope, dep)
		if err != nil {
			return nil, err
		}
		if stored.Entity.Status != StatusReady {
			return nil, NewConflictError(
				fmt.Sprintf("dependency %s is %s, not ready", dep, stored.Entity.Status), nil).
				WithCode(ErrCodeConflict).WithEntity(dep)
		}
		outputs[dep] = stored.Entity.Outputs
	}
	return outputs, nil
}

// entityScopeKey names the lock scope for a step. Apply and delete steps for
// the same entity must contend on the same key, so both sides derive it from
// the kind-qualified entity key.
func (e *Executor) entityScopeKey(scope Context, step *PlanStep) string {
	return state.EntityKey(scope.Project, scope.Environment, step.Kind, step.EntityID)
}

func (e *Executor) stepKind(step *PlanStep) string {
	if step.Kind != "" {
		return step.Kind
	}
	return "unknown"
}

func (e *Executor) timeout(opts ExecOptions) time.Duration {
	if opts.StepTimeout > 0 {
		return opts.StepTimeout
	}
	return e.stepTimeout
}

// provisioningError normalizes an executor failure. An executor that already
// classified its error keeps that class and code; unclassified errors are
// wrapped as retryable provisioning failures.
func provisioningError(message string, err error, entityID, operation string) *EngineError {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		if engErr.Entity == "" {
			engErr.Entity = entityID
		}
		if engErr.Operation == "" {
			engErr.Operation = operation
		}
		return engErr
	}
	return NewRetryableError(message, err).
		WithCode(ErrCodeProvisioningFailed).
		WithEntity(entityID).
		WithOperation(operation)
}

// classify normalizes an arbitrary step error into an EngineError.
func classify(err error, step *PlanStep) *EngineError {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	if state.IsConflict(err) {
		return NewConflictError("state store version conflict", err).
			WithEntity(step.EntityID).WithOperation(string(step.Operation))
	}
	return NewTerminalError("step execution failed", err).
		WithCode(ErrCodeInternal).
		WithEntity(step.EntityID).
		WithOperation(string(step.Operation))
}
