package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/launchflow/launchflow/pkg/state"
)

func TestExecutor_Execute_DependencyOrder(t *testing.T) {
	h := newHarness(t)

	result := h.apply(t, PlanRequest{
		Scope:    testScope(),
		Declared: []Entity{resource("db"), resource("api", "db"), resource("web", "api")},
		Mode:     PlanModeCreate,
	})
	if !result.OK() {
		t.Fatalf("Expected clean apply, got %+v", result)
	}

	applied := h.exec.appliedIDs()
	if len(applied) != 3 {
		t.Fatalf("Expected 3 applies, got %v", applied)
	}
	pos := make(map[string]int)
	for i, id := range applied {
		pos[id] = i
	}
	if !(pos["db"] < pos["api"] && pos["api"] < pos["web"]) {
		t.Errorf("Expected db, api, web apply order, got %v", applied)
	}
}

func TestExecutor_Execute_RecordsReadyState(t *testing.T) {
	h := newHarness(t)

	result := h.apply(t, PlanRequest{
		Scope:    testScope(),
		Declared: []Entity{resource("db")},
		Mode:     PlanModeCreate,
	})
	if !result.OK() {
		t.Fatalf("Expected clean apply, got %+v", result)
	}

	stored, err := h.storage.GetEntity(context.Background(), testScope(), "sim/resource", "db")
	if err != nil {
		t.Fatalf("Expected stored entity, got: %v", err)
	}
	if stored.Entity.Status != StatusReady {
		t.Errorf("Expected ready status, got %s", stored.Entity.Status)
	}
	if stored.Entity.LastAppliedFingerprint != stored.Entity.SpecFingerprint() {
		t.Error("Expected applied fingerprint to match the spec")
	}
	if stored.Entity.Outputs["resource_id"] == "" {
		t.Error("Expected outputs to be recorded")
	}
}

func TestExecutor_Execute_PartialFailureIsolation(t *testing.T) {
	h := newHarness(t)
	h.exec.applyErr["db"] = errors.New("provider exploded")

	result := h.apply(t, PlanRequest{
		Scope: testScope(),
		Declared: []Entity{
			resource("db"),
			resource("api", "db"),
			resource("cache"),
			resource("worker", "cache"),
		},
		Mode: PlanModeCreate,
	})

	if len(result.Failed) != 1 || result.Failed[0].EntityID != "db" {
		t.Fatalf("Expected db to fail, got %+v", result.Failed)
	}
	if result.Failed[0].Err.Code != ErrCodeProvisioningFailed {
		t.Errorf("Expected PROVISIONING_FAILED, got %s", result.Failed[0].Err.Code)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "api" {
		t.Errorf("Expected api skipped, got %v", result.Skipped)
	}
	succeeded := make(map[string]bool)
	for _, id := range result.Succeeded {
		succeeded[id] = true
	}
	if !succeeded["cache"] || !succeeded["worker"] {
		t.Errorf("Independent branch must complete, got %v", result.Succeeded)
	}

	stored, err := h.storage.GetEntity(context.Background(), testScope(), "sim/resource", "db")
	if err != nil {
		t.Fatalf("Expected failed record to persist, got: %v", err)
	}
	if stored.Entity.Status != StatusFailed {
		t.Errorf("Expected failed status, got %s", stored.Entity.Status)
	}
	if stored.Entity.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
}

func TestExecutor_Execute_DependencyOutputsFlow(t *testing.T) {
	h := newHarness(t)

	var (
		mu   sync.Mutex
		seen map[string]map[string]string
	)
	h.exec.outputsFn = func(req ApplyRequest) map[string]string {
		if req.EntityID == "api" {
			mu.Lock()
			seen = req.DependencyOutputs
			mu.Unlock()
		}
		return map[string]string{"resource_id": req.EntityID + "-id"}
	}

	result := h.apply(t, PlanRequest{
		Scope:    testScope(),
		Declared: []Entity{resource("db"), resource("api", "db")},
		Mode:     PlanModeCreate,
	})
	if !result.OK() {
		t.Fatalf("Expected clean apply, got %+v", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen["db"]["resource_id"] != "db-id" {
		t.Errorf("Expected db outputs to reach api, got %v", seen)
	}
}

func TestExecutor_Execute_ReplaceDestroysThenApplies(t *testing.T) {
	h := newHarness(t)

	seeded := resource("vol")
	seeded.Kind = "sim/immutable"
	h.seedReady(t, seeded)

	changed := seeded
	changed.DesiredSpec = []byte(`{"size":"large"}`)
	result := h.apply(t, PlanRequest{
		Scope:    testScope(),
		Declared: []Entity{changed},
		Mode:     PlanModeCreate,
	})
	if !result.OK() {
		t.Fatalf("Expected clean replace, got %+v", result)
	}

	if got := h.immutable.destroyedIDs(); len(got) != 1 || got[0] != "vol" {
		t.Errorf("Expected vol destroyed once, got %v", got)
	}
	if got := h.immutable.appliedIDs(); len(got) != 1 || got[0] != "vol" {
		t.Errorf("Expected vol re-applied once, got %v", got)
	}
}

func TestExecutor_Execute_DestroyRemovesState(t *testing.T) {
	h := newHarness(t)
	h.seedReady(t, resource("db"))
	h.seedReady(t, resource("api", "db"))

	result := h.apply(t, PlanRequest{
		Scope:             testScope(),
		Mode:              PlanModeDestroy,
		IncludeDependents: true,
	})
	if !result.OK() {
		t.Fatalf("Expected clean destroy, got %+v", result)
	}

	destroyed := h.exec.destroyedIDs()
	pos := make(map[string]int)
	for i, id := range destroyed {
		pos[id] = i
	}
	if !(pos["api"] < pos["db"]) {
		t.Errorf("Expected api destroyed before db, got %v", destroyed)
	}

	left, err := h.storage.ListEntities(context.Background(), testScope())
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("Expected empty state after destroy, got %d records", len(left))
	}
}

func TestExecutor_Execute_DependencyAppearedAbortsDestroy(t *testing.T) {
	h := newHarness(t)
	h.seedReady(t, resource("db"))

	plan := h.plan(t, PlanRequest{
		Scope:     testScope(),
		Requested: []string{"db"},
		Mode:      PlanModeDestroy,
	})

	// A dependent shows up between planning and execution.
	h.seedReady(t, resource("api", "db"))

	result, err := h.executor.Execute(context.Background(), plan, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("Expected the destroy step to fail, got %+v", result)
	}
	if !IsDependencyAppeared(result.Failed[0].Err) {
		t.Errorf("Expected DEPENDENCY_APPEARED, got %v", result.Failed[0].Err)
	}

	// db must be untouched.
	if len(h.exec.destroyedIDs()) != 0 {
		t.Errorf("Expected no destroys, got %v", h.exec.destroyedIDs())
	}
	if _, err := h.storage.GetEntity(context.Background(), testScope(), "sim/resource", "db"); err != nil {
		t.Errorf("Expected db record to survive, got: %v", err)
	}
}

func TestExecutor_Execute_LockBusyFailsStep(t *testing.T) {
	h := newHarness(t)
	scope := testScope()

	key := state.EntityKey(scope.Project, scope.Environment, "sim/resource", "db")
	if _, err := h.locks.TryAcquire(context.Background(), key, LockOpDeploy); err != nil {
		t.Fatalf("Failed to pre-acquire lock: %v", err)
	}

	result := h.apply(t, PlanRequest{
		Scope:    scope,
		Declared: []Entity{resource("db")},
		Mode:     PlanModeCreate,
	})
	if len(result.Failed) != 1 {
		t.Fatalf("Expected the locked step to fail, got %+v", result)
	}
	if !IsLockBusy(result.Failed[0].Err) {
		t.Errorf("Expected LOCK_BUSY, got %v", result.Failed[0].Err)
	}
}

func TestExecutor_Execute_DestroyContendsWithDeployLock(t *testing.T) {
	h := newHarness(t)
	scope := testScope()
	h.seedReady(t, resource("db"))

	// A deploy holds the entity's lease; a destroy of the same entity must
	// contend on the identical scope key and fail busy.
	key := state.EntityKey(scope.Project, scope.Environment, "sim/resource", "db")
	if _, err := h.locks.TryAcquire(context.Background(), key, LockOpDeploy); err != nil {
		t.Fatalf("Failed to pre-acquire lock: %v", err)
	}

	plan := h.plan(t, PlanRequest{
		Scope:     scope,
		Requested: []string{"db"},
		Mode:      PlanModeDestroy,
	})
	result, err := h.executor.Execute(context.Background(), plan, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(result.Failed) != 1 || result.Failed[0].EntityID != "db" {
		t.Fatalf("Expected the destroy step to fail busy, got %+v", result)
	}
	if !IsLockBusy(result.Failed[0].Err) {
		t.Errorf("Expected LOCK_BUSY, got %v", result.Failed[0].Err)
	}
	if len(h.exec.destroyedIDs()) != 0 {
		t.Errorf("Expected no destroys while the deploy lock is held, got %v", h.exec.destroyedIDs())
	}
	if _, err := h.storage.GetEntity(context.Background(), scope, "sim/resource", "db"); err != nil {
		t.Errorf("Expected db record to survive, got: %v", err)
	}
}

func TestExecutor_Execute_DeleteStepsCarryKind(t *testing.T) {
	h := newHarness(t)
	h.seedReady(t, resource("db"))

	plan := h.plan(t, PlanRequest{
		Scope:     testScope(),
		Requested: []string{"db"},
		Mode:      PlanModeDestroy,
	})
	if plan.Steps[0].Kind != "sim/resource" {
		t.Errorf("Expected delete step to carry the stored kind, got %q", plan.Steps[0].Kind)
	}
}

func TestExecutor_Execute_PreservesExecutorErrorClassification(t *testing.T) {
	h := newHarness(t)
	h.exec.applyErr["db"] = NewTerminalError("invalid spec for provider", nil).
		WithCode(ErrCodeValidation)

	result := h.apply(t, PlanRequest{
		Scope:    testScope(),
		Declared: []Entity{resource("db")},
		Mode:     PlanModeCreate,
	})
	if len(result.Failed) != 1 {
		t.Fatalf("Expected db to fail, got %+v", result)
	}

	failed := result.Failed[0].Err
	if failed.Code != ErrCodeValidation {
		t.Errorf("Expected the executor's VALIDATION_ERROR to survive, got %s", failed.Code)
	}
	if failed.Class != ErrorClassTerminal {
		t.Errorf("Expected terminal classification to survive, got %s", failed.Class)
	}
	if IsRetryable(failed) {
		t.Error("A terminal executor error must not surface as retryable")
	}
	if failed.Entity != "db" || failed.Operation != string(OpCreate) {
		t.Errorf("Expected entity and operation context, got entity=%q operation=%q",
			failed.Entity, failed.Operation)
	}
}

func TestExecutor_Execute_UnclassifiedErrorDefaultsToProvisioningFailed(t *testing.T) {
	h := newHarness(t)
	h.seedReady(t, resource("db"))
	h.exec.destroyErr["db"] = errors.New("provider exploded")

	result := h.apply(t, PlanRequest{
		Scope:             testScope(),
		Mode:              PlanModeDestroy,
		IncludeDependents: true,
	})
	if len(result.Failed) != 1 {
		t.Fatalf("Expected the destroy to fail, got %+v", result)
	}
	failed := result.Failed[0].Err
	if failed.Code != ErrCodeProvisioningFailed {
		t.Errorf("Expected PROVISIONING_FAILED for an unclassified error, got %s", failed.Code)
	}
	if !IsRetryable(failed) {
		t.Error("Expected an unclassified provisioning failure to be retryable")
	}
}

func TestExecutor_Execute_NoopStepsSucceedWithoutProvisioning(t *testing.T) {
	h := newHarness(t)
	declared := []Entity{resource("db")}

	first := h.apply(t, PlanRequest{Scope: testScope(), Declared: declared, Mode: PlanModeCreate})
	if !first.OK() {
		t.Fatalf("Expected clean first apply, got %+v", first)
	}
	before := len(h.exec.appliedIDs())

	second := h.apply(t, PlanRequest{Scope: testScope(), Declared: declared, Mode: PlanModeCreate})
	if !second.OK() {
		t.Fatalf("Expected clean second apply, got %+v", second)
	}
	if len(h.exec.appliedIDs()) != before {
		t.Error("No-op steps must not call the provisioning executor")
	}
}

func TestExecutor_Execute_EmptyPlanRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.executor.Execute(context.Background(), &Plan{}, ExecOptions{})
	if err == nil {
		t.Fatal("Expected error for empty plan")
	}
}
