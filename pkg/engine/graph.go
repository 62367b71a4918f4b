package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphBuilder constructs the dependency DAG for a set of declared entities.
// An edge A→B means "A's desired spec references B": B must be applied before
// A, and A must be destroyed before B.
type GraphBuilder struct {
	// entities maps entity ids to their declarations
	entities map[string]*Entity

	// dependents maps an entity id to the ids that depend on it
	dependents map[string][]string

	// dependencies maps an entity id to the ids it depends on
	dependencies map[string][]string

	// inDegree tracks incoming dependency edges per node
	inDegree map[string]int
}

// EntityGraph is the computed DAG with topological levels.
type EntityGraph struct {
	// Levels holds entity ids grouped by topological level. Level 0 entities
	// have no dependencies; entities within a level are sorted by id so plan
	// output is deterministic across runs.
	Levels [][]string

	// Dependents maps an entity id to the ids that depend on it.
	Dependents map[string][]string

	// Dependencies maps an entity id to the ids it depends on.
	Dependencies map[string][]string
}

// Depth returns the number of topological levels.
func (g *EntityGraph) Depth() int { return len(g.Levels) }

// NewGraphBuilder creates an empty graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		entities:     make(map[string]*Entity),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
	}
}

// Build validates the declared entities, detects cycles, and computes the
// topological levels.
func (b *GraphBuilder) Build(entities []Entity) (*EntityGraph, error) {
	if err := b.initialize(entities); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	return b.computeLevels()
}

// initialize indexes entities and records dependency edges.
func (b *GraphBuilder) initialize(entities []Entity) error {
	for i := range entities {
		entity := &entities[i]
		if err := entity.Validate(); err != nil {
			return err
		}
		if _, exists := b.entities[entity.ID]; exists {
			return NewTerminalError(fmt.Sprintf("duplicate entity id: %s", entity.ID), nil).
				WithCode(ErrCodeValidation)
		}
		b.entities[entity.ID] = entity
		b.dependents[entity.ID] = make([]string, 0)
		b.dependencies[entity.ID] = make([]string, 0)
		b.inDegree[entity.ID] = 0
	}

	for _, entity := range b.entities {
		for _, dep := range entity.Dependencies {
			if _, exists := b.entities[dep]; !exists {
				return NewTerminalError(
					fmt.Sprintf("entity %s references undeclared entity %s", entity.ID, dep),
					nil,
				).WithCode(ErrCodeValidation).WithEntity(entity.ID)
			}
			b.dependents[dep] = append(b.dependents[dep], entity.ID)
			b.dependencies[entity.ID] = append(b.dependencies[entity.ID], dep)
			b.inDegree[entity.ID]++
		}
	}

	return nil
}

// detectCycles runs DFS over the dependency edges and fails fast naming the
// cycle, since the execution model has no support for mutually dependent
// entities.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	ids := b.sortedIDs()
	for _, id := range ids {
		if visited[id] {
			continue
		}
		if cycle := b.findCycle(id, visited, inStack, nil); cycle != nil {
			return NewTerminalError(
				fmt.Sprintf("cyclic dependency: %s", strings.Join(cycle, " -> ")),
				nil,
			).WithCode(ErrCodeCyclicDependency).WithDetail("cycle", cycle)
		}
	}
	return nil
}

// findCycle performs DFS along dependency edges, returning the cycle path if
// one exists.
func (b *GraphBuilder) findCycle(id string, visited, inStack map[string]bool, path []string) []string {
	visited[id] = true
	inStack[id] = true
	path = append(path, id)

	for _, dep := range b.dependencies[id] {
		if !visited[dep] {
			if cycle := b.findCycle(dep, visited, inStack, path); cycle != nil {
				return cycle
			}
		} else if inStack[dep] {
			start := 0
			for i, p := range path {
				if p == dep {
					start = i
					break
				}
			}
			return append(append([]string(nil), path[start:]...), dep)
		}
	}

	inStack[id] = false
	return nil
}

// computeLevels runs Kahn's algorithm, grouping entities into levels that may
// execute concurrently. Ties within a level are broken by id.
func (b *GraphBuilder) computeLevels() (*EntityGraph, error) {
	graph := &EntityGraph{
		Levels:       make([][]string, 0),
		Dependents:   b.dependents,
		Dependencies: b.dependencies,
	}

	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	current := make([]string, 0)
	for id, d := range inDegree {
		if d == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		graph.Levels = append(graph.Levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	// Cycle detection runs first, so this only trips on builder bugs.
	if processed != len(b.entities) {
		return nil, NewTerminalError("not all entities were levelled", nil).
			WithCode(ErrCodeInternal)
	}

	return graph, nil
}

// sortedIDs returns entity ids in stable order.
func (b *GraphBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.entities))
	for id := range b.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TransitiveDependencies returns the requested ids plus everything they
// transitively depend on.
func (g *EntityGraph) TransitiveDependencies(requested []string) map[string]bool {
	return g.closure(requested, g.Dependencies)
}

// TransitiveDependents returns the requested ids plus everything that
// transitively depends on them (the reverse closure used by destroy planning).
func (g *EntityGraph) TransitiveDependents(requested []string) map[string]bool {
	return g.closure(requested, g.Dependents)
}

func (g *EntityGraph) closure(seed []string, edges map[string][]string) map[string]bool {
	included := make(map[string]bool)
	stack := append([]string(nil), seed...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if included[id] {
			continue
		}
		included[id] = true
		stack = append(stack, edges[id]...)
	}
	return included
}
