package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PromoteRequest describes one promotion invocation.
type PromoteRequest struct {
	// From is the source environment whose built artifacts are promoted.
	From Context

	// To is the target environment.
	To Context

	// ServiceIDs restricts promotion to these services. Empty promotes every
	// service in the source environment.
	ServiceIDs []string
}

// Promote pins each source service's immutable artifact digest into a
// target-environment spec and runs it through the normal plan/apply pipeline.
// No build is ever invoked: the target deploys exactly the digest the source
// recorded. A source service that is not ready fails closed for that service
// only, leaving the target's existing record untouched; other services
// continue.
func (l *Lifecycle) Promote(ctx context.Context, req PromoteRequest, opts ExecOptions) (*ExecutionResult, error) {
	if err := req.From.Validate(); err != nil {
		return nil, err
	}
	if err := req.To.Validate(); err != nil {
		return nil, err
	}
	if req.From == req.To {
		return nil, NewTerminalError("promotion source and target are the same environment", nil).
			WithCode(ErrCodeValidation)
	}

	log := l.log.WithField("from", req.From.String()).WithField("to", req.To.String())

	sources, err := l.promotionSources(ctx, req)
	if err != nil {
		return nil, err
	}

	// The target's stored entities form the declaration context: resources
	// the promoted services depend on classify as no-ops, and the planner can
	// resolve dependency edges against them.
	targetStored, err := l.storage.ListEntities(ctx, req.To)
	if err != nil {
		return nil, err
	}
	declared := make(map[string]Entity, len(targetStored))
	for i := range targetStored {
		declared[targetStored[i].Entity.ID] = targetStored[i].Entity
	}

	started := time.Now().UTC()
	result := &ExecutionResult{StartedAt: started}
	promoted := make([]string, 0, len(sources))

	for _, src := range sources {
		pinned, err := l.pinArtifact(src)
		if err != nil {
			var engErr *EngineError
			if e, ok := err.(*EngineError); ok {
				engErr = e
			} else {
				engErr = NewTerminalError("promotion failed", err).
					WithCode(ErrCodeInternal).WithEntity(src.Entity.ID)
			}
			result.Failed = append(result.Failed, StepFailure{EntityID: src.Entity.ID, Err: engErr})
			log.WithEntityID(src.Entity.ID).WithError(engErr).Warn("service not promotable")
			continue
		}
		pinned.Project = req.To.Project
		pinned.Environment = req.To.Environment
		declared[pinned.ID] = *pinned
		promoted = append(promoted, pinned.ID)
	}

	if len(promoted) == 0 {
		result.Duration = time.Since(started)
		log.Warn("no services promotable")
		return result, nil
	}

	declaredList := make([]Entity, 0, len(declared))
	for _, e := range declared {
		declaredList = append(declaredList, e)
	}

	plan, err := l.planner.Plan(ctx, PlanRequest{
		Scope:     req.To,
		Declared:  declaredList,
		Requested: promoted,
		Mode:      PlanModeCreate,
	})
	if err != nil {
		return nil, err
	}

	execResult, err := l.executor.Execute(ctx, plan, opts)
	if err != nil {
		return nil, err
	}

	execResult.Failed = append(execResult.Failed, result.Failed...)
	execResult.StartedAt = started
	execResult.Duration = time.Since(started)
	return execResult, nil
}

// promotionSources resolves the source service records to promote.
func (l *Lifecycle) promotionSources(ctx context.Context, req PromoteRequest) ([]StoredEntity, error) {
	if len(req.ServiceIDs) == 0 {
		all, err := l.storage.ListEntities(ctx, req.From)
		if err != nil {
			return nil, err
		}
		services := make([]StoredEntity, 0)
		for i := range all {
			if all[i].Entity.Type == EntityTypeService {
				services = append(services, all[i])
			}
		}
		if len(services) == 0 {
			return nil, NewTerminalError(
				fmt.Sprintf("environment %s has no services to promote", req.From), nil).
				WithCode(ErrCodeNotFound)
		}
		return services, nil
	}

	services := make([]StoredEntity, 0, len(req.ServiceIDs))
	for _, id := range req.ServiceIDs {
		stored, err := l.storage.FindEntity(ctx, req.From, id)
		if err != nil {
			return nil, err
		}
		if stored.Entity.Type != EntityTypeService {
			return nil, NewTerminalError(
				fmt.Sprintf("entity %s is a %s, only services can be promoted", id, stored.Entity.Type), nil).
				WithCode(ErrCodeValidation).WithEntity(id)
		}
		services = append(services, *stored)
	}
	return services, nil
}

// pinArtifact builds the target declaration for one source service, pinning
// the source's content-addressed artifact digest into the desired spec. A
// source with no successful build recorded is not promotable.
func (l *Lifecycle) pinArtifact(src StoredEntity) (*Entity, error) {
	if src.Entity.Status != StatusReady {
		return nil, NewTerminalError(
			fmt.Sprintf("source service %s is %s, not ready", src.Entity.ID, src.Entity.Status), nil).
			WithCode(ErrCodePromotionSourceNotReady).WithEntity(src.Entity.ID)
	}
	digest, ok := src.Entity.Outputs[OutputArtifactDigest]
	if !ok || digest == "" {
		return nil, NewTerminalError(
			fmt.Sprintf("source service %s has no recorded artifact digest", src.Entity.ID), nil).
			WithCode(ErrCodePromotionSourceNotReady).WithEntity(src.Entity.ID)
	}

	spec := make(map[string]interface{})
	if len(src.Entity.DesiredSpec) > 0 {
		if err := json.Unmarshal(src.Entity.DesiredSpec, &spec); err != nil {
			return nil, NewTerminalError("source service spec is not a JSON object", err).
				WithCode(ErrCodeValidation).WithEntity(src.Entity.ID)
		}
	}
	spec[OutputArtifactDigest] = digest
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	target := Entity{
		ID:           src.Entity.ID,
		Type:         EntityTypeService,
		Kind:         src.Entity.Kind,
		DesiredSpec:  raw,
		Dependencies: append([]string(nil), src.Entity.Dependencies...),
	}
	return &target, nil
}
