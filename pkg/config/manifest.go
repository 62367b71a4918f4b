package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/launchflow/launchflow/pkg/engine"
)

// Manifest is the project declaration file: the environments a project knows
// about and the resources and services declared for them. It is the CLI's
// source for the desired entity set; the engine itself never reads files.
type Manifest struct {
	Project      string            `yaml:"project" validate:"required"`
	Environments []EnvironmentDecl `yaml:"environments" validate:"dive"`
	Resources    []EntityDecl      `yaml:"resources" validate:"dive"`
	Services     []EntityDecl      `yaml:"services" validate:"dive"`
}

// EnvironmentDecl declares one environment.
type EnvironmentDecl struct {
	Name          string `yaml:"name" validate:"required"`
	Type          string `yaml:"type" validate:"omitempty,oneof=development production"`
	CloudProvider string `yaml:"cloud_provider,omitempty"`
}

// EntityDecl declares one resource or service.
type EntityDecl struct {
	ID        string                 `yaml:"id" validate:"required"`
	Kind      string                 `yaml:"kind" validate:"required"`
	Spec      map[string]interface{} `yaml:"spec,omitempty"`
	DependsOn []string               `yaml:"depends_on,omitempty"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := validator.New().Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Environment returns the declared environment by name.
func (m *Manifest) Environment(name string) (*EnvironmentDecl, error) {
	for i := range m.Environments {
		if m.Environments[i].Name == name {
			return &m.Environments[i], nil
		}
	}
	return nil, fmt.Errorf("environment %s is not declared in the manifest", name)
}

// Entities converts the declared resources and services into engine entities
// scoped to one environment.
func (m *Manifest) Entities(scope engine.Context) ([]engine.Entity, error) {
	entities := make([]engine.Entity, 0, len(m.Resources)+len(m.Services))
	for i := range m.Resources {
		e, err := m.Resources[i].entity(scope, engine.EntityTypeResource)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	for i := range m.Services {
		e, err := m.Services[i].entity(scope, engine.EntityTypeService)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, nil
}

func (d *EntityDecl) entity(scope engine.Context, typ engine.EntityType) (*engine.Entity, error) {
	spec := d.Spec
	if spec == nil {
		spec = make(map[string]interface{})
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("entity %s: spec is not serializable: %w", d.ID, err)
	}
	return &engine.Entity{
		ID:           d.ID,
		Type:         typ,
		Kind:         d.Kind,
		Project:      scope.Project,
		Environment:  scope.Environment,
		DesiredSpec:  raw,
		Dependencies: append([]string(nil), d.DependsOn...),
	}, nil
}
