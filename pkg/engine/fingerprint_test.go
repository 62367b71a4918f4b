package engine

import "testing"

func TestFingerprint_KeyOrderIndependent(t *testing.T) {
	a := Fingerprint([]byte(`{"cpu":2,"memory":"4Gi"}`), nil)
	b := Fingerprint([]byte(`{"memory":"4Gi","cpu":2}`), nil)
	if a != b {
		t.Errorf("Expected identical fingerprints for reordered keys, got %s vs %s", a, b)
	}
}

func TestFingerprint_ValueChangeDetected(t *testing.T) {
	a := Fingerprint([]byte(`{"cpu":2}`), nil)
	b := Fingerprint([]byte(`{"cpu":4}`), nil)
	if a == b {
		t.Error("Expected different fingerprints for different specs")
	}
}

func TestFingerprint_DependencyRewiringDetected(t *testing.T) {
	spec := []byte(`{"cpu":2}`)
	a := Fingerprint(spec, []string{"db"})
	b := Fingerprint(spec, []string{"cache"})
	if a == b {
		t.Error("Expected rewired dependencies to change the fingerprint")
	}
}

func TestFingerprint_DependencyOrderIndependent(t *testing.T) {
	spec := []byte(`{"cpu":2}`)
	a := Fingerprint(spec, []string{"db", "cache"})
	b := Fingerprint(spec, []string{"cache", "db"})
	if a != b {
		t.Errorf("Expected dependency order not to matter, got %s vs %s", a, b)
	}
}

func TestFingerprint_NestedObjectsCanonicalized(t *testing.T) {
	a := Fingerprint([]byte(`{"env":{"A":"1","B":"2"},"image":"api"}`), nil)
	b := Fingerprint([]byte(`{"image":"api","env":{"B":"2","A":"1"}}`), nil)
	if a != b {
		t.Errorf("Expected nested key order not to matter, got %s vs %s", a, b)
	}
}

func TestEntity_Drifted(t *testing.T) {
	e := Entity{
		ID:          "api",
		Type:        EntityTypeService,
		Kind:        "sim/service",
		Project:     "demo",
		Environment: "dev",
		DesiredSpec: []byte(`{"image":"api:v1"}`),
		Status:      StatusReady,
	}
	e.LastAppliedFingerprint = e.SpecFingerprint()
	if e.Drifted() {
		t.Error("Ready entity with matching fingerprint should not be drifted")
	}

	e.DesiredSpec = []byte(`{"image":"api:v2"}`)
	if !e.Drifted() {
		t.Error("Spec change should mark the entity drifted")
	}

	e.DesiredSpec = []byte(`{"image":"api:v1"}`)
	e.Status = StatusFailed
	if !e.Drifted() {
		t.Error("Failed entity should be drifted regardless of fingerprint")
	}
}
