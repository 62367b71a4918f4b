package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/launchflow/launchflow/pkg/state"
	"github.com/launchflow/launchflow/pkg/telemetry"
)

// Planner computes drift-aware plans: it diffs each entity's desired spec
// fingerprint against its last-applied record, classifies the operation, and
// orders steps along the dependency graph. Plans are deterministic for
// identical inputs.
type Planner struct {
	storage *Storage
	kinds   *KindRegistry
	metrics *telemetry.Metrics
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerMetrics installs a metrics collector.
func WithPlannerMetrics(m *telemetry.Metrics) PlannerOption {
	return func(p *Planner) { p.metrics = m }
}

// NewPlanner creates a planner over the given storage and kind registry.
func NewPlanner(storage *Storage, kinds *KindRegistry, opts ...PlannerOption) *Planner {
	p := &Planner{storage: storage, kinds: kinds, metrics: &telemetry.Metrics{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlanRequest describes one planning invocation.
type PlanRequest struct {
	// Scope is the target project and environment.
	Scope Context

	// Declared is the full set of entities declared for the environment.
	// Required for create mode; ignored for destroy mode, which works from
	// the store.
	Declared []Entity

	// Requested restricts the plan to these entity ids (plus their closure).
	// Empty means everything.
	Requested []string

	// Mode selects create or destroy planning.
	Mode PlanMode

	// IncludeDependents allows destroy mode to pull in entities that depend
	// on the requested ones. Without it, a dependent outside the requested
	// set fails the plan closed.
	IncludeDependents bool
}

// Plan computes a fresh plan. Plans are never persisted beyond the single
// execution that consumes them.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	var plan *Plan
	var err error
	switch req.Mode {
	case PlanModeCreate:
		plan, err = p.planCreate(ctx, req)
	case PlanModeDestroy:
		plan, err = p.planDestroy(ctx, req)
	default:
		return nil, NewTerminalError(fmt.Sprintf("invalid plan mode: %s", req.Mode), nil).
			WithCode(ErrCodeValidation)
	}
	if err != nil {
		return nil, err
	}
	p.metrics.RecordPlanComputed(string(req.Mode), time.Since(started))
	return plan, nil
}

// planCreate classifies each requested entity (and its transitive
// dependencies, pulled in automatically) against its stored record.
func (p *Planner) planCreate(ctx context.Context, req PlanRequest) (*Plan, error) {
	declared := make(map[string]*Entity, len(req.Declared))
	for i := range req.Declared {
		e := &req.Declared[i]
		e.Project = req.Scope.Project
		e.Environment = req.Scope.Environment
		declared[e.ID] = e
	}

	graph, err := NewGraphBuilder().Build(req.Declared)
	if err != nil {
		return nil, err
	}

	requested := req.Requested
	if len(requested) == 0 {
		for id := range declared {
			requested = append(requested, id)
		}
	}
	for _, id := range requested {
		if _, ok := declared[id]; !ok {
			return nil, NewTerminalError(
				fmt.Sprintf("requested entity %s is not declared for %s", id, req.Scope), nil).
				WithCode(ErrCodeNotFound).WithEntity(id)
		}
	}

	// A service cannot be deployed without its resources: dependencies come
	// along even when not explicitly requested.
	included := graph.TransitiveDependencies(requested)

	subset := make([]Entity, 0, len(included))
	for id := range included {
		subset = append(subset, *declared[id])
	}
	subGraph, err := NewGraphBuilder().Build(subset)
	if err != nil {
		return nil, err
	}

	plan := p.newPlan(req.Scope, PlanModeCreate)
	for level, ids := range subGraph.Levels {
		for _, id := range ids {
			entity := declared[id]
			step, err := p.classifyCreate(ctx, req.Scope, entity)
			if err != nil {
				return nil, err
			}
			step.Level = level
			step.DependsOn = append([]string(nil), entity.Dependencies...)
			plan.Steps = append(plan.Steps, *step)
		}
	}
	p.finalize(plan, subGraph.Depth())
	return plan, nil
}

// classifyCreate decides the operation for one declared entity.
func (p *Planner) classifyCreate(ctx context.Context, scope Context, entity *Entity) (*PlanStep, error) {
	exec, err := p.kinds.Get(entity.Kind)
	if err != nil {
		return nil, err
	}
	if err := exec.Validate(ctx, entity.DesiredSpec); err != nil {
		return nil, NewTerminalError("spec validation failed", err).
			WithCode(ErrCodeValidation).WithEntity(entity.ID)
	}

	desired := entity.SpecFingerprint()
	step := &PlanStep{EntityID: entity.ID, Kind: entity.Kind, Desired: entity}

	stored, err := p.storage.GetEntity(ctx, scope, entity.Kind, entity.ID)
	if err != nil {
		if !state.IsNotFound(err) {
			return nil, err
		}
		step.Operation = OpCreate
		step.Rationale = "not yet created"
		return step, nil
	}

	switch {
	case stored.Entity.Status == StatusFailed:
		step.Operation = OpCreate
		step.Rationale = "previous apply failed, retrying"
	case stored.Entity.LastAppliedFingerprint == desired && stored.Entity.Status == StatusReady:
		step.Operation = OpNoop
		step.Rationale = "spec unchanged"
	case stored.Entity.LastAppliedFingerprint == "":
		step.Operation = OpCreate
		step.Rationale = "declared but never applied"
	case exec.SupportsUpdate():
		step.Operation = OpUpdate
		step.Rationale = "spec changed, kind supports in-place update"
	default:
		step.Operation = OpReplace
		step.Rationale = "spec changed, kind requires replacement"
	}
	return step, nil
}

// planDestroy includes the requested entities plus everything that
// transitively depends on them, ordered so dependents are deleted first.
// Silently deleting something a live entity depends on is the failure mode
// this engine must prevent, so a dependent outside the requested set fails
// the plan closed unless IncludeDependents is set.
func (p *Planner) planDestroy(ctx context.Context, req PlanRequest) (*Plan, error) {
	stored, err := p.storage.ListEntities(ctx, req.Scope)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*StoredEntity, len(stored))
	entities := make([]Entity, 0, len(stored))
	for i := range stored {
		byID[stored[i].Entity.ID] = &stored[i]
		entities = append(entities, stored[i].Entity)
	}

	graph, err := NewGraphBuilder().Build(entities)
	if err != nil {
		return nil, err
	}

	requested := req.Requested
	if len(requested) == 0 {
		for id := range byID {
			requested = append(requested, id)
		}
	}
	requestedSet := make(map[string]bool, len(requested))
	for _, id := range requested {
		if _, ok := byID[id]; !ok {
			return nil, NewTerminalError(
				fmt.Sprintf("entity %s has no state in %s", id, req.Scope), nil).
				WithCode(ErrCodeNotFound).WithEntity(id)
		}
		requestedSet[id] = true
	}

	closure := graph.TransitiveDependents(requested)
	if !req.IncludeDependents {
		outside := make([]string, 0)
		for id := range closure {
			if !requestedSet[id] {
				outside = append(outside, id)
			}
		}
		if len(outside) > 0 {
			sort.Strings(outside)
			return nil, NewTerminalError(
				fmt.Sprintf("refusing to destroy: %s still depended on by %s",
					strings.Join(requested, ", "), strings.Join(outside, ", ")), nil).
				WithCode(ErrCodeDependentExists).
				WithDetail("dependents", outside)
		}
	}

	// Reverse the edges so levelling yields deletion order: dependents land
	// on earlier levels than their dependencies.
	reversed := make([]Entity, 0, len(closure))
	for id := range closure {
		deps := make([]string, 0)
		for _, dependent := range graph.Dependents[id] {
			if closure[dependent] {
				deps = append(deps, dependent)
			}
		}
		reversed = append(reversed, Entity{
			ID:           id,
			Type:         byID[id].Entity.Type,
			Kind:         byID[id].Entity.Kind,
			Project:      req.Scope.Project,
			Environment:  req.Scope.Environment,
			Dependencies: deps,
		})
	}
	delGraph, err := NewGraphBuilder().Build(reversed)
	if err != nil {
		return nil, err
	}

	plan := p.newPlan(req.Scope, PlanModeDestroy)
	for level, ids := range delGraph.Levels {
		for _, id := range ids {
			deps := make([]string, 0)
			for _, dependent := range graph.Dependents[id] {
				if closure[dependent] {
					deps = append(deps, dependent)
				}
			}
			sort.Strings(deps)
			plan.Steps = append(plan.Steps, PlanStep{
				EntityID:  id,
				Kind:      byID[id].Entity.Kind,
				Operation: OpDelete,
				Rationale: "requested for destruction",
				DependsOn: deps,
				Level:     level,
			})
		}
	}
	p.finalize(plan, delGraph.Depth())
	return plan, nil
}

func (p *Planner) newPlan(scope Context, mode PlanMode) *Plan {
	return &Plan{
		ID:        uuid.New().String(),
		Scope:     scope,
		Mode:      mode,
		Steps:     make([]PlanStep, 0),
		CreatedAt: time.Now().UTC(),
	}
}

// finalize sorts steps (level, then id) and computes the summary.
func (p *Planner) finalize(plan *Plan, depth int) {
	sort.SliceStable(plan.Steps, func(i, j int) bool {
		if plan.Steps[i].Level != plan.Steps[j].Level {
			return plan.Steps[i].Level < plan.Steps[j].Level
		}
		return plan.Steps[i].EntityID < plan.Steps[j].EntityID
	})
	plan.Depth = depth
	plan.Summary = PlanSummary{Total: len(plan.Steps)}
	for _, step := range plan.Steps {
		switch step.Operation {
		case OpCreate:
			plan.Summary.ToCreate++
		case OpUpdate:
			plan.Summary.ToUpdate++
		case OpReplace:
			plan.Summary.ToReplace++
		case OpDelete:
			plan.Summary.ToDelete++
		case OpNoop:
			plan.Summary.NoChange++
		}
	}
}
