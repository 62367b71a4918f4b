package config

import (
	"strings"
	"testing"

	"github.com/launchflow/launchflow/pkg/engine"
)

const sampleManifest = `
project: demo
environments:
  - name: dev
  - name: prod
    type: production
    cloud_provider: aws
resources:
  - id: db
    kind: sim/resource
    spec:
      size: small
  - id: cache
    kind: sim/resource
services:
  - id: api
    kind: sim/service
    spec:
      image: api
    depends_on: [db, cache]
`

func loadSample(t *testing.T) *Manifest {
	t.Helper()
	path := writeFile(t, t.TempDir(), "launchflow.yaml", sampleManifest)
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	return m
}

func TestLoadManifest(t *testing.T) {
	m := loadSample(t)
	if m.Project != "demo" {
		t.Errorf("Expected project demo, got %s", m.Project)
	}
	if len(m.Environments) != 2 || len(m.Resources) != 2 || len(m.Services) != 1 {
		t.Errorf("Expected 2 environments, 2 resources, 1 service, got %d/%d/%d",
			len(m.Environments), len(m.Resources), len(m.Services))
	}
}

func TestLoadManifest_Missing(t *testing.T) {
	if _, err := LoadManifest("/nonexistent/launchflow.yaml"); err == nil {
		t.Fatal("Expected an error for a missing manifest")
	}
}

func TestLoadManifest_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"no project", "resources:\n  - id: db\n    kind: sim/resource\n"},
		{"entity without kind", "project: demo\nresources:\n  - id: db\n"},
		{"entity without id", "project: demo\nservices:\n  - kind: sim/service\n"},
		{"bad environment type", "project: demo\nenvironments:\n  - name: stage\n    type: staging\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "launchflow.yaml", tt.manifest)
			if _, err := LoadManifest(path); err == nil {
				t.Fatal("Expected validation to reject the manifest")
			}
		})
	}
}

func TestManifest_Environment(t *testing.T) {
	m := loadSample(t)

	env, err := m.Environment("prod")
	if err != nil {
		t.Fatalf("Environment lookup failed: %v", err)
	}
	if env.Type != "production" || env.CloudProvider != "aws" {
		t.Errorf("Expected production aws environment, got %+v", env)
	}

	if _, err := m.Environment("staging"); err == nil {
		t.Fatal("Expected an error for an undeclared environment")
	}
}

func TestManifest_Entities(t *testing.T) {
	m := loadSample(t)
	scope := engine.Context{Project: "demo", Environment: "dev"}

	entities, err := m.Entities(scope)
	if err != nil {
		t.Fatalf("Entities failed: %v", err)
	}
	if len(entities) != 3 {
		t.Fatalf("Expected 3 entities, got %d", len(entities))
	}

	byID := map[string]engine.Entity{}
	for _, e := range entities {
		byID[e.ID] = e
	}

	db := byID["db"]
	if db.Type != engine.EntityTypeResource {
		t.Errorf("Expected db to be a resource, got %s", db.Type)
	}
	if db.Project != "demo" || db.Environment != "dev" {
		t.Errorf("Expected db scoped to demo/dev, got %s/%s", db.Project, db.Environment)
	}
	if !strings.Contains(string(db.DesiredSpec), `"size":"small"`) {
		t.Errorf("Expected spec carried into the entity, got %s", db.DesiredSpec)
	}

	api := byID["api"]
	if api.Type != engine.EntityTypeService {
		t.Errorf("Expected api to be a service, got %s", api.Type)
	}
	if len(api.Dependencies) != 2 || api.Dependencies[0] != "db" {
		t.Errorf("Expected api dependencies [db cache], got %v", api.Dependencies)
	}

	cache := byID["cache"]
	if string(cache.DesiredSpec) != "{}" {
		t.Errorf("Expected an empty spec to marshal as {}, got %s", cache.DesiredSpec)
	}
}
