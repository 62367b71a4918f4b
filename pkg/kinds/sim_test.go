package kinds

import (
	"context"
	"strings"
	"testing"

	"github.com/launchflow/launchflow/pkg/engine"
)

func TestSimulated_Apply_StableResourceID(t *testing.T) {
	s := NewSimulated("sim/resource", true, false)
	ctx := context.Background()
	req := engine.ApplyRequest{
		EntityID:    "db",
		Scope:       engine.Context{Project: "demo", Environment: "dev"},
		DesiredSpec: []byte(`{"size":"small"}`),
	}

	first, err := s.Apply(ctx, req)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if first["resource_id"] == "" {
		t.Fatal("Expected a generated resource_id")
	}
	if first["kind"] != "sim/resource" {
		t.Errorf("Expected kind output, got %s", first["kind"])
	}

	req.PriorOutputs = first
	second, err := s.Apply(ctx, req)
	if err != nil {
		t.Fatalf("Re-apply failed: %v", err)
	}
	if second["resource_id"] != first["resource_id"] {
		t.Errorf("Expected resource_id carried across re-applies, got %s then %s",
			first["resource_id"], second["resource_id"])
	}
}

func TestSimulated_Apply_NameFromSpec(t *testing.T) {
	s := NewSimulated("core/network", false, false)
	outputs, err := s.Apply(context.Background(), engine.ApplyRequest{
		EntityID:    "network",
		DesiredSpec: []byte(`{"name":"demo-dev-network"}`),
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outputs["name"] != "demo-dev-network" {
		t.Errorf("Expected name from spec, got %s", outputs["name"])
	}
}

func TestSimulated_Apply_ServiceDigestDeterministic(t *testing.T) {
	s := NewSimulated("sim/service", true, true)
	ctx := context.Background()
	req := engine.ApplyRequest{EntityID: "api", DesiredSpec: []byte(`{"image":"api"}`)}

	first, err := s.Apply(ctx, req)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	digest := first[engine.OutputArtifactDigest]
	if !strings.HasPrefix(digest, "sha256:") {
		t.Fatalf("Expected a sha256 digest, got %s", digest)
	}

	second, err := s.Apply(ctx, req)
	if err != nil {
		t.Fatalf("Re-apply failed: %v", err)
	}
	if second[engine.OutputArtifactDigest] != digest {
		t.Error("Expected the same spec to produce the same digest")
	}

	req.DesiredSpec = []byte(`{"image":"api","tag":"v2"}`)
	changed, err := s.Apply(ctx, req)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if changed[engine.OutputArtifactDigest] == digest {
		t.Error("Expected a changed spec to produce a different digest")
	}
}

func TestSimulated_Apply_PinnedDigestHonored(t *testing.T) {
	s := NewSimulated("sim/service", true, true)
	spec := `{"image":"api","` + engine.OutputArtifactDigest + `":"sha256:promoted"}`

	outputs, err := s.Apply(context.Background(), engine.ApplyRequest{
		EntityID:    "api",
		DesiredSpec: []byte(spec),
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outputs[engine.OutputArtifactDigest] != "sha256:promoted" {
		t.Errorf("Expected the pinned digest, got %s", outputs[engine.OutputArtifactDigest])
	}
}

func TestSimulated_ResourceHasNoDigest(t *testing.T) {
	s := NewSimulated("sim/resource", true, false)
	outputs, err := s.Apply(context.Background(), engine.ApplyRequest{
		EntityID:    "db",
		DesiredSpec: []byte(`{"size":"small"}`),
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, ok := outputs[engine.OutputArtifactDigest]; ok {
		t.Error("Expected no artifact digest for a resource kind")
	}
}

func TestSimulated_Validate(t *testing.T) {
	s := NewSimulated("sim/resource", true, false)
	ctx := context.Background()

	if err := s.Validate(ctx, []byte(`{"size":"small"}`)); err != nil {
		t.Errorf("Expected object spec to validate, got: %v", err)
	}
	if err := s.Validate(ctx, nil); err != nil {
		t.Errorf("Expected empty spec to validate, got: %v", err)
	}
	if err := s.Validate(ctx, []byte(`["not","an","object"]`)); err == nil {
		t.Error("Expected a non-object spec to fail validation")
	}
}

func TestRegisterDefaults(t *testing.T) {
	reg := engine.NewKindRegistry()
	if err := RegisterDefaults(reg); err != nil {
		t.Fatalf("RegisterDefaults failed: %v", err)
	}

	for _, kind := range []string{
		engine.KindNetwork,
		engine.KindExecutionRole,
		engine.KindArtifactStore,
		"sim/resource",
		"sim/immutable-resource",
		"sim/service",
	} {
		if _, err := reg.Get(kind); err != nil {
			t.Errorf("Expected %s registered, got: %v", kind, err)
		}
	}

	if reg.SupportsUpdate(engine.KindNetwork) {
		t.Error("Expected the network kind to be immutable")
	}
	if !reg.SupportsUpdate("sim/resource") {
		t.Error("Expected sim/resource to update in place")
	}
	if reg.SupportsUpdate("sim/immutable-resource") {
		t.Error("Expected sim/immutable-resource to be immutable")
	}
}
