package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// KindExecutor is the provisioning executor contract for one entity kind.
// Implementations must be idempotent: calling Apply again with an unchanged
// spec after a prior success must be a no-op or converge to the same outputs.
// The engine is written once against this interface and is unaware of
// specific kinds.
type KindExecutor interface {
	// Validate checks a desired spec against the kind's schema before any
	// plan is executed.
	Validate(ctx context.Context, spec json.RawMessage) error

	// Apply creates or updates the underlying object and returns its output
	// attributes (connection strings, ARNs, URLs).
	Apply(ctx context.Context, req ApplyRequest) (map[string]string, error)

	// Destroy removes the underlying object.
	Destroy(ctx context.Context, req DestroyRequest) error

	// SupportsUpdate reports whether a spec change can be applied in place.
	// Kinds returning false are replaced (destroy-then-create) on change.
	SupportsUpdate() bool
}

// ApplyRequest carries everything an executor needs to converge one entity.
type ApplyRequest struct {
	// EntityID is the id of the entity being applied.
	EntityID string `json:"entity_id"`

	// Scope identifies the project and environment.
	Scope Context `json:"scope"`

	// DesiredSpec is the configuration to converge toward.
	DesiredSpec json.RawMessage `json:"desired_spec"`

	// PriorOutputs are the outputs from the last successful apply, if any.
	PriorOutputs map[string]string `json:"prior_outputs,omitempty"`

	// DependencyOutputs maps each declared dependency id to its outputs,
	// all of which are READY by the time the executor runs.
	DependencyOutputs map[string]map[string]string `json:"dependency_outputs,omitempty"`
}

// DestroyRequest carries what an executor needs to tear one entity down.
type DestroyRequest struct {
	// EntityID is the id of the entity being destroyed.
	EntityID string `json:"entity_id"`

	// Scope identifies the project and environment.
	Scope Context `json:"scope"`

	// PriorOutputs are the outputs from the last successful apply.
	PriorOutputs map[string]string `json:"prior_outputs,omitempty"`
}

// KindRegistry holds the executors known to the engine, keyed by kind name.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]KindExecutor
}

// NewKindRegistry creates an empty registry.
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: make(map[string]KindExecutor)}
}

// Register adds an executor for a kind. Re-registering a kind replaces the
// previous executor.
func (r *KindRegistry) Register(kind string, exec KindExecutor) error {
	if kind == "" {
		return NewTerminalError("kind name is empty", nil).WithCode(ErrCodeValidation)
	}
	if exec == nil {
		return NewTerminalError(fmt.Sprintf("nil executor for kind %s", kind), nil).
			WithCode(ErrCodeValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = exec
	return nil
}

// Get returns the executor for a kind.
func (r *KindRegistry) Get(kind string) (KindExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.kinds[kind]
	if !ok {
		return nil, NewTerminalError(fmt.Sprintf("no executor registered for kind %s", kind), nil).
			WithCode(ErrCodeNotFound)
	}
	return exec, nil
}

// SupportsUpdate reports whether the kind's executor can update in place.
// Unknown kinds report false so planning classifies them as replacements and
// execution fails with a clear error before touching anything.
func (r *KindRegistry) SupportsUpdate(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.kinds[kind]
	if !ok {
		return false
	}
	return exec.SupportsUpdate()
}

// List returns the registered kind names in stable order.
func (r *KindRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
