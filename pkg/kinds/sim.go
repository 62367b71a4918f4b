// Package kinds ships the provisioning executors bundled with the CLI. The
// simulated executors record state transitions without touching any cloud:
// they exist so environments can be exercised end to end before a real
// provider is wired in, and they double as the executors for the built-in
// environment infrastructure kinds.
package kinds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/launchflow/launchflow/pkg/engine"
)

// Simulated is a provisioning executor that fabricates outputs
// deterministically from the desired spec. Apply is idempotent: the same spec
// converges to the same outputs, with identifiers carried over from prior
// outputs when present.
type Simulated struct {
	kind      string
	updatable bool
	service   bool
}

// NewSimulated creates a simulated executor for one kind.
func NewSimulated(kind string, updatable, service bool) *Simulated {
	return &Simulated{kind: kind, updatable: updatable, service: service}
}

// Validate checks that the spec is a JSON object.
func (s *Simulated) Validate(_ context.Context, spec json.RawMessage) error {
	if len(spec) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(spec, &obj); err != nil {
		return fmt.Errorf("%s spec must be a JSON object: %w", s.kind, err)
	}
	return nil
}

// Apply fabricates outputs for the entity. Service kinds additionally record
// a content-addressed artifact digest derived from the spec, standing in for
// the image digest a real build would produce.
func (s *Simulated) Apply(ctx context.Context, req engine.ApplyRequest) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outputs := map[string]string{
		"kind": s.kind,
	}

	// Stable identifier across re-applies of the same entity.
	if id, ok := req.PriorOutputs["resource_id"]; ok && id != "" {
		outputs["resource_id"] = id
	} else {
		outputs["resource_id"] = uuid.New().String()
	}

	var spec map[string]interface{}
	if len(req.DesiredSpec) > 0 {
		if err := json.Unmarshal(req.DesiredSpec, &spec); err != nil {
			return nil, err
		}
	}
	if name, ok := spec["name"].(string); ok {
		outputs["name"] = name
	}

	if s.service {
		if pinned, ok := spec[engine.OutputArtifactDigest].(string); ok && pinned != "" {
			// A promoted spec carries the digest to deploy; no build happens.
			outputs[engine.OutputArtifactDigest] = pinned
		} else {
			sum := sha256.Sum256(req.DesiredSpec)
			outputs[engine.OutputArtifactDigest] = "sha256:" + hex.EncodeToString(sum[:])
		}
	}

	return outputs, nil
}

// Destroy is a no-op for simulated kinds.
func (s *Simulated) Destroy(ctx context.Context, _ engine.DestroyRequest) error {
	return ctx.Err()
}

// SupportsUpdate reports whether the simulated kind updates in place.
func (s *Simulated) SupportsUpdate() bool { return s.updatable }

// RegisterDefaults registers the executors the CLI ships with: the built-in
// environment infrastructure kinds plus generic simulated resource and
// service kinds.
func RegisterDefaults(reg *engine.KindRegistry) error {
	defaults := []struct {
		kind      string
		updatable bool
		service   bool
	}{
		{engine.KindNetwork, false, false},
		{engine.KindExecutionRole, true, false},
		{engine.KindArtifactStore, true, false},
		{"sim/resource", true, false},
		{"sim/immutable-resource", false, false},
		{"sim/service", true, true},
	}
	for _, d := range defaults {
		if err := reg.Register(d.kind, NewSimulated(d.kind, d.updatable, d.service)); err != nil {
			return err
		}
	}
	return nil
}
