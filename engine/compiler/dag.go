package compiler

import (
	"context"

	"github.com/osiris-pipelines/osiris/engine/core"
	"github.com/osiris-pipelines/osiris/engine/oml"
	"github.com/osiris-pipelines/osiris/engine/session"
)

// effectiveNeeds applies the dependency-defaulting rule: an omitted needs
// field means "depends on the previous step" (warned, since the author
// probably wants to be explicit), a declared empty list means "no
// dependency". The first step defaults to no dependency.
func effectiveNeeds(ctx context.Context, doc *oml.Document) map[string][]string {
	needs := make(map[string][]string, len(doc.Steps))
	for i, step := range doc.Steps {
		switch {
		case step.Needs.Declared:
			ids := step.Needs.IDs
			if ids == nil {
				ids = []string{}
			}
			needs[step.ID] = ids
		case i == 0:
			needs[step.ID] = []string{}
		default:
			needs[step.ID] = []string{doc.Steps[i-1].ID}
			session.Event(ctx, "needs_defaulted", map[string]any{
				"level":   "warning",
				"step_id": step.ID,
				"needs":   doc.Steps[i-1].ID,
			})
		}
	}
	return needs
}

// topoSort orders step ids dependency-first using Kahn's algorithm, breaking
// ties by source order so the result is deterministic. Cycles fail with
// GraphCycle naming the steps left unordered.
func topoSort(steps []*oml.Step, needs map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	order := make(map[string]int, len(steps))
	for i, step := range steps {
		order[step.ID] = i
		indegree[step.ID] = len(needs[step.ID])
	}
	for id, upstream := range needs {
		for _, dep := range upstream {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	var sorted []string
	ready := make([]string, 0, len(steps))
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}
	for len(ready) > 0 {
		// Lowest source order first.
		best := 0
		for i := 1; i < len(ready); i++ {
			if order[ready[i]] < order[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		sorted = append(sorted, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(sorted) != len(steps) {
		var stuck []string
		for _, step := range steps {
			if indegree[step.ID] > 0 {
				stuck = append(stuck, step.ID)
			}
		}
		return nil, core.NewError(nil, core.CodeGraphCycle, map[string]any{
			"steps": stuck,
		})
	}
	return sorted, nil
}
