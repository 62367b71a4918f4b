package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/launchflow/launchflow/pkg/state"
)

// StoredEntity pairs an entity record with the store version it was read at,
// so later writes can CAS against it.
type StoredEntity struct {
	Entity  Entity
	Version string
}

// StoredEnvironment pairs an environment record with its store version.
type StoredEnvironment struct {
	Environment Environment
	Version     string
}

// Storage maps entity and environment records onto the state store's keyspace
// and CAS contract.
type Storage struct {
	store state.Store
}

// NewStorage wraps a state store.
func NewStorage(store state.Store) *Storage {
	return &Storage{store: store}
}

// Store exposes the underlying state store for lock management.
func (s *Storage) Store() state.Store { return s.store }

// GetEntity loads one entity record.
func (s *Storage) GetEntity(ctx context.Context, scope Context, kind, id string) (*StoredEntity, error) {
	rec, err := s.store.Get(ctx, state.EntityKey(scope.Project, scope.Environment, kind, id))
	if err != nil {
		return nil, err
	}
	return decodeEntity(rec)
}

// FindEntity looks an entity up by id alone, scanning the environment.
// Entity ids are referenced without kinds in dependency declarations, so they
// are unique per environment in practice.
func (s *Storage) FindEntity(ctx context.Context, scope Context, id string) (*StoredEntity, error) {
	stored, err := s.ListEntities(ctx, scope)
	if err != nil {
		return nil, err
	}
	for i := range stored {
		if stored[i].Entity.ID == id {
			return &stored[i], nil
		}
	}
	return nil, &state.NotFoundError{Key: id}
}

// ListEntities loads every entity record in an environment.
func (s *Storage) ListEntities(ctx context.Context, scope Context) ([]StoredEntity, error) {
	recs, err := s.store.List(ctx, state.EntitiesPrefix(scope.Project, scope.Environment))
	if err != nil {
		return nil, err
	}
	out := make([]StoredEntity, 0, len(recs))
	for i := range recs {
		if state.IsLockKey(recs[i].Key) {
			continue
		}
		se, err := decodeEntity(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *se)
	}
	return out, nil
}

// PutEntity writes an entity record, returning its new store version.
func (s *Storage) PutEntity(ctx context.Context, e *Entity, expected string) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode entity %s: %w", e.ID, err)
	}
	rec, err := s.store.Put(ctx, state.EntityKey(e.Project, e.Environment, e.Kind, e.ID), data, expected)
	if err != nil {
		return "", err
	}
	return rec.Version, nil
}

// DeleteEntity removes an entity record.
func (s *Storage) DeleteEntity(ctx context.Context, scope Context, kind, id, expected string) error {
	return s.store.Delete(ctx, state.EntityKey(scope.Project, scope.Environment, kind, id), expected)
}

// EntityScopeKey returns the lockable scope key for an entity.
func EntityScopeKey(scope Context, kind, id string) string {
	return state.EntityKey(scope.Project, scope.Environment, kind, id)
}

// EnvironmentScopeKey returns the lockable scope key for an environment.
func EnvironmentScopeKey(scope Context) string {
	return state.EnvironmentKey(scope.Project, scope.Environment)
}

// GetEnvironment loads one environment record.
func (s *Storage) GetEnvironment(ctx context.Context, scope Context) (*StoredEnvironment, error) {
	rec, err := s.store.Get(ctx, state.EnvironmentKey(scope.Project, scope.Environment))
	if err != nil {
		return nil, err
	}
	return decodeEnvironment(rec)
}

// ListEnvironments loads every environment record in a project.
func (s *Storage) ListEnvironments(ctx context.Context, project string) ([]StoredEnvironment, error) {
	recs, err := s.store.List(ctx, state.EnvironmentsPrefix(project))
	if err != nil {
		return nil, err
	}
	out := make([]StoredEnvironment, 0)
	for i := range recs {
		if !state.IsEnvironmentKey(recs[i].Key) || state.IsLockKey(recs[i].Key) {
			continue
		}
		se, err := decodeEnvironment(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *se)
	}
	return out, nil
}

// PutEnvironment writes an environment record.
func (s *Storage) PutEnvironment(ctx context.Context, env *Environment, expected string) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode environment %s: %w", env.Name, err)
	}
	rec, err := s.store.Put(ctx, state.EnvironmentKey(env.Project, env.Name), data, expected)
	if err != nil {
		return "", err
	}
	return rec.Version, nil
}

// DeleteEnvironment removes an environment record.
func (s *Storage) DeleteEnvironment(ctx context.Context, scope Context, expected string) error {
	return s.store.Delete(ctx, state.EnvironmentKey(scope.Project, scope.Environment), expected)
}

func decodeEntity(rec *state.Record) (*StoredEntity, error) {
	var e Entity
	if err := json.Unmarshal(rec.Data, &e); err != nil {
		return nil, fmt.Errorf("corrupt entity record %s: %w", rec.Key, err)
	}
	if e.Status == "" {
		e.Status = StatusUnknown
	}
	return &StoredEntity{Entity: e, Version: rec.Version}, nil
}

func decodeEnvironment(rec *state.Record) (*StoredEnvironment, error) {
	var e Environment
	if err := json.Unmarshal(rec.Data, &e); err != nil {
		return nil, fmt.Errorf("corrupt environment record %s: %w", rec.Key, err)
	}
	return &StoredEnvironment{Environment: e, Version: rec.Version}, nil
}
