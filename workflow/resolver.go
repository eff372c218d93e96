package workflow

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/takt-io/takt/types"
)

// Stage is a set of mutually independent steps eligible to run concurrently
// once all earlier stages finish.
type Stage []string

// Resolver computes the execution order of a workflow definition as a list
// of stages, using level-order topological sorting.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a resolver. A nil logger falls back to a nop logger.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger.With(zap.String("component", "resolver"))}
}

// Resolve validates the definition and returns its stages. Each iteration of
// Kahn's algorithm collects every step whose dependencies are all satisfied
// into one stage. A cycle fails with a CONFIGURATION error naming the cycle
// path; no partial result is ever returned.
func (r *Resolver) Resolve(def *Definition) ([]Stage, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		inDegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			inDegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var stages []Stage
	remaining := len(def.Steps)

	for remaining > 0 {
		var stage Stage
		for id, deg := range inDegree {
			if deg == 0 {
				stage = append(stage, id)
			}
		}
		if len(stage) == 0 {
			cycle := r.findCycle(def, inDegree)
			return nil, types.NewErrorf(types.ErrConfiguration,
				"workflow %s contains a dependency cycle: %s", def.ID, strings.Join(cycle, " -> "))
		}

		// Deterministic order within a stage: declaration order.
		sort.Slice(stage, func(i, j int) bool {
			return def.StepIndex(stage[i]) < def.StepIndex(stage[j])
		})

		for _, id := range stage {
			delete(inDegree, id)
			for _, dependent := range dependents[id] {
				if _, alive := inDegree[dependent]; alive {
					inDegree[dependent]--
				}
			}
		}
		remaining -= len(stage)
		stages = append(stages, stage)
	}

	r.logger.Debug("resolved workflow stages",
		zap.String("workflow_id", def.ID),
		zap.Int("steps", len(def.Steps)),
		zap.Int("stages", len(stages)),
	)
	return stages, nil
}

// findCycle walks the unresolved subgraph to extract one concrete cycle path
// for the error message. Called only when Kahn's algorithm stalls, so a
// cycle is guaranteed to exist among the remaining nodes.
func (r *Resolver) findCycle(def *Definition, remaining map[string]int) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(remaining))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		path = append(path, id)

		step, _ := def.Step(id)
		for _, dep := range step.DependsOn {
			if _, alive := remaining[dep]; !alive {
				continue
			}
			switch state[dep] {
			case inStack:
				// Close the loop: slice the path from the first occurrence.
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string{}, path[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		state[id] = done
		return false
	}

	for id := range remaining {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return []string{"<cycle path unavailable>"}
}
