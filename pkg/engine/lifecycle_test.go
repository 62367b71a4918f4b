package engine

import (
	"context"
	"testing"
)

func testEnvironment() Environment {
	return Environment{
		Name:          "dev",
		Project:       "demo",
		CloudProvider: "aws",
		Type:          EnvTypeDevelopment,
	}
}

func TestLifecycle_CreateEnvironment_ProvisionsBuiltins(t *testing.T) {
	h := newHarness(t)

	result, err := h.lifecycle.CreateEnvironment(context.Background(), testEnvironment(), ExecOptions{})
	if err != nil {
		t.Fatalf("CreateEnvironment failed: %v", err)
	}
	if !result.OK() {
		t.Fatalf("Expected clean create, got %+v", result)
	}

	stored, err := h.lifecycle.GetEnvironment(context.Background(), testScope())
	if err != nil {
		t.Fatalf("GetEnvironment failed: %v", err)
	}
	if stored.Environment.Status != StatusReady {
		t.Errorf("Expected ready environment, got %s", stored.Environment.Status)
	}

	entities, err := h.lifecycle.ListEntities(context.Background(), testScope())
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(entities) != 3 {
		t.Fatalf("Expected 3 built-in entities, got %d", len(entities))
	}
	byID := make(map[string]*Entity)
	for i := range entities {
		byID[entities[i].Entity.ID] = &entities[i].Entity
	}
	for _, id := range []string{"network", "execution-role", "artifact-store"} {
		e, ok := byID[id]
		if !ok {
			t.Errorf("Expected built-in entity %s", id)
			continue
		}
		if e.Status != StatusReady {
			t.Errorf("Expected %s ready, got %s", id, e.Status)
		}
	}

	// The network provisions before its dependents.
	applied := h.exec.appliedIDs()
	if len(applied) == 0 || applied[0] != "network" {
		t.Errorf("Expected network applied first, got %v", applied)
	}
}

func TestLifecycle_CreateEnvironment_AlreadyExists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.lifecycle.CreateEnvironment(ctx, testEnvironment(), ExecOptions{}); err != nil {
		t.Fatalf("First create failed: %v", err)
	}
	_, err := h.lifecycle.CreateEnvironment(ctx, testEnvironment(), ExecOptions{})
	if !IsConflict(err) {
		t.Fatalf("Expected conflict for existing environment, got: %v", err)
	}
}

func TestLifecycle_CreateEnvironment_RetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.exec.applyErr["artifact-store"] = NewRetryableError("store quota exceeded", nil).
		WithCode(ErrCodeProvisioningFailed)

	result, err := h.lifecycle.CreateEnvironment(ctx, testEnvironment(), ExecOptions{})
	if err != nil {
		t.Fatalf("CreateEnvironment failed: %v", err)
	}
	if result.OK() {
		t.Fatal("Expected partial failure on first create")
	}

	stored, err := h.lifecycle.GetEnvironment(ctx, testScope())
	if err != nil {
		t.Fatalf("GetEnvironment failed: %v", err)
	}
	if stored.Environment.Status != StatusFailed {
		t.Fatalf("Expected failed environment, got %s", stored.Environment.Status)
	}

	// Retrying after the fault clears provisions only what is missing.
	delete(h.exec.applyErr, "artifact-store")
	before := len(h.exec.appliedIDs())

	result, err = h.lifecycle.CreateEnvironment(ctx, testEnvironment(), ExecOptions{})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !result.OK() {
		t.Fatalf("Expected clean retry, got %+v", result)
	}
	if got := len(h.exec.appliedIDs()) - before; got != 1 {
		t.Errorf("Expected exactly 1 apply on retry, got %d", got)
	}

	stored, err = h.lifecycle.GetEnvironment(ctx, testScope())
	if err != nil {
		t.Fatalf("GetEnvironment failed: %v", err)
	}
	if stored.Environment.Status != StatusReady {
		t.Errorf("Expected ready environment after retry, got %s", stored.Environment.Status)
	}
}

func TestLifecycle_CreateEnvironment_InvalidType(t *testing.T) {
	h := newHarness(t)
	env := testEnvironment()
	env.Type = "staging"

	_, err := h.lifecycle.CreateEnvironment(context.Background(), env, ExecOptions{})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error for unknown type, got: %v", err)
	}
}

func TestLifecycle_DeleteEnvironment_RefusesWhileEntitiesExist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.lifecycle.CreateEnvironment(ctx, testEnvironment(), ExecOptions{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := h.lifecycle.DeleteEnvironment(ctx, testScope(), false)
	if err == nil {
		t.Fatal("Expected refusal while entities exist")
	}
	if !IsValidation(err) {
		t.Errorf("Expected validation classification, got: %v", err)
	}

	// The record survives the refusal.
	if _, err := h.lifecycle.GetEnvironment(ctx, testScope()); err != nil {
		t.Errorf("Environment record must survive, got: %v", err)
	}
}

func TestLifecycle_DeleteEnvironment_Detach(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.lifecycle.CreateEnvironment(ctx, testEnvironment(), ExecOptions{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	destroysBefore := len(h.exec.destroyedIDs())

	if err := h.lifecycle.DeleteEnvironment(ctx, testScope(), true); err != nil {
		t.Fatalf("Detach delete failed: %v", err)
	}

	// Detach drops records without invoking any provisioning executor.
	if got := len(h.exec.destroyedIDs()); got != destroysBefore {
		t.Errorf("Detach must not destroy infrastructure, got %d extra destroys", got-destroysBefore)
	}
	entities, err := h.lifecycle.ListEntities(ctx, testScope())
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("Expected no entity records after detach, got %d", len(entities))
	}
	if _, err := h.lifecycle.GetEnvironment(ctx, testScope()); err == nil {
		t.Error("Expected environment record to be gone")
	}
}

func TestLifecycle_DeleteEnvironment_AfterDestroy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.lifecycle.CreateEnvironment(ctx, testEnvironment(), ExecOptions{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result, err := h.lifecycle.Apply(ctx, PlanRequest{
		Scope:             testScope(),
		Mode:              PlanModeDestroy,
		IncludeDependents: true,
	}, ExecOptions{})
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if !result.OK() {
		t.Fatalf("Expected clean destroy, got %+v", result)
	}

	if err := h.lifecycle.DeleteEnvironment(ctx, testScope(), false); err != nil {
		t.Fatalf("Delete after destroy failed: %v", err)
	}
}

func TestLifecycle_ListEnvironments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, name := range []string{"dev", "prod"} {
		env := testEnvironment()
		env.Name = name
		if name == "prod" {
			env.Type = EnvTypeProduction
		}
		if _, err := h.lifecycle.CreateEnvironment(ctx, env, ExecOptions{}); err != nil {
			t.Fatalf("Create %s failed: %v", name, err)
		}
	}

	envs, err := h.lifecycle.ListEnvironments(ctx, "demo")
	if err != nil {
		t.Fatalf("ListEnvironments failed: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("Expected 2 environments, got %d", len(envs))
	}
}
