package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/launchflow/launchflow/pkg/state"
	"github.com/launchflow/launchflow/pkg/telemetry"
)

func testScope() Context {
	return Context{Project: "demo", Environment: "dev"}
}

// fakeExec is an in-memory provisioning executor that records call order.
type fakeExec struct {
	mu         sync.Mutex
	updatable  bool
	applied    []string
	destroyed  []string
	applyErr   map[string]error
	destroyErr map[string]error
	outputsFn  func(req ApplyRequest) map[string]string
}

func newFakeExec(updatable bool) *fakeExec {
	return &fakeExec{
		updatable:  updatable,
		applyErr:   make(map[string]error),
		destroyErr: make(map[string]error),
	}
}

func (f *fakeExec) Validate(_ context.Context, spec json.RawMessage) error {
	if len(spec) == 0 {
		return nil
	}
	var obj map[string]interface{}
	return json.Unmarshal(spec, &obj)
}

func (f *fakeExec) Apply(_ context.Context, req ApplyRequest) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.applyErr[req.EntityID]; err != nil {
		return nil, err
	}
	f.applied = append(f.applied, req.EntityID)
	if f.outputsFn != nil {
		return f.outputsFn(req), nil
	}
	return map[string]string{"resource_id": req.EntityID + "-id"}, nil
}

func (f *fakeExec) Destroy(_ context.Context, req DestroyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.destroyErr[req.EntityID]; err != nil {
		return err
	}
	f.destroyed = append(f.destroyed, req.EntityID)
	return nil
}

func (f *fakeExec) SupportsUpdate() bool { return f.updatable }

func (f *fakeExec) appliedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakeExec) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

// fakeLocks is a process-local lock manager honoring the LockManager contract.
type fakeLocks struct {
	mu   sync.Mutex
	held map[string]*Lock
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]*Lock)}
}

func (f *fakeLocks) Acquire(ctx context.Context, scope string, op LockOperation) (*Lock, error) {
	return f.TryAcquire(ctx, scope, op)
}

func (f *fakeLocks) TryAcquire(_ context.Context, scope string, op LockOperation) (*Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.held[scope]; ok {
		return nil, NewRetryableError(
			fmt.Sprintf("scope %s is locked by %s", scope, existing.HolderID), nil).
			WithCode(ErrCodeLockBusy)
	}
	lock := &Lock{
		HolderID:   "test-holder",
		Scope:      scope,
		Operation:  op,
		AcquiredAt: time.Now().UTC(),
		TTL:        time.Minute,
	}
	f.held[scope] = lock
	return lock, nil
}

func (f *fakeLocks) Renew(_ context.Context, lock *Lock) (*Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[lock.Scope]; !ok {
		return nil, NewTerminalError("lease lost", nil).WithCode(ErrCodeLockExpired)
	}
	lock.AcquiredAt = time.Now().UTC()
	return lock, nil
}

func (f *fakeLocks) Release(_ context.Context, lock *Lock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, lock.Scope)
	return nil
}

func (f *fakeLocks) ForceRelease(_ context.Context, scope string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, scope)
	return nil
}

func (f *fakeLocks) Inspect(_ context.Context, scope string) (*Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[scope], nil
}

func (f *fakeLocks) KeepAlive(_ context.Context, _ *Lock, _ func(error)) (stop func()) {
	return func() {}
}

func (f *fakeLocks) Holder() string { return "test-holder" }

// harness wires a full engine over an in-memory store and fake executors.
type harness struct {
	store     *state.MemoryStore
	storage   *Storage
	kinds     *KindRegistry
	exec      *fakeExec
	immutable *fakeExec
	locks     *fakeLocks
	planner   *Planner
	executor  *Executor
	lifecycle *Lifecycle
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("Failed to build logger: %v", err)
	}

	h := &harness{
		store:     state.NewMemoryStore(),
		kinds:     NewKindRegistry(),
		exec:      newFakeExec(true),
		immutable: newFakeExec(false),
		locks:     newFakeLocks(),
	}
	h.storage = NewStorage(h.store)

	for _, kind := range []string{"sim/resource", "sim/service", KindNetwork, KindExecutionRole, KindArtifactStore} {
		if err := h.kinds.Register(kind, h.exec); err != nil {
			t.Fatalf("Failed to register kind %s: %v", kind, err)
		}
	}
	if err := h.kinds.Register("sim/immutable", h.immutable); err != nil {
		t.Fatalf("Failed to register immutable kind: %v", err)
	}

	h.planner = NewPlanner(h.storage, h.kinds)
	h.executor = NewExecutor(h.storage, h.kinds, h.locks, log)
	h.lifecycle = NewLifecycle(h.storage, h.planner, h.executor, h.locks, log)
	return h
}

// seedReady writes an entity to the store as if a prior apply succeeded.
func (h *harness) seedReady(t *testing.T, e Entity) {
	t.Helper()
	e.Project = testScope().Project
	e.Environment = testScope().Environment
	e.Status = StatusReady
	e.LastAppliedFingerprint = e.SpecFingerprint()
	if e.Outputs == nil {
		e.Outputs = map[string]string{"resource_id": e.ID + "-id"}
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if _, err := h.storage.PutEntity(context.Background(), &e, state.VersionAbsent); err != nil {
		t.Fatalf("Failed to seed entity %s: %v", e.ID, err)
	}
}

// plan is a convenience wrapper failing the test on planning errors.
func (h *harness) plan(t *testing.T, req PlanRequest) *Plan {
	t.Helper()
	plan, err := h.planner.Plan(context.Background(), req)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return plan
}

// apply plans and executes in one call.
func (h *harness) apply(t *testing.T, req PlanRequest) *ExecutionResult {
	t.Helper()
	plan := h.plan(t, req)
	result, err := h.executor.Execute(context.Background(), plan, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	return result
}
