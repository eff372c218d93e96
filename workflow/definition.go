// Package workflow defines the static, validated workflow graph and the
// dependency resolver that turns it into an ordered list of concurrently
// executable stages.
package workflow

import (
	"github.com/takt-io/takt/retry"
	"github.com/takt-io/takt/types"
)

// CompensationSpec declares the undo operation for a step, invoked in
// reverse completion order during rollback.
type CompensationSpec struct {
	// ActionType selects the compensating tool or agent behavior.
	ActionType string `json:"action_type" yaml:"action_type"`
	// Parameters are passed to the compensating action verbatim.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// StepDefinition declares one step of a workflow.
type StepDefinition struct {
	// ID uniquely identifies the step within the workflow.
	ID string `json:"id" yaml:"id"`
	// AgentRef names the agent the step is delegated to.
	AgentRef string `json:"agent_ref" yaml:"agent_ref"`
	// InputBindings maps input names to expressions referencing workflow
	// inputs or prior step outputs (inputs.<name>, steps.<id>.<output>).
	InputBindings map[string]string `json:"input_bindings,omitempty" yaml:"input_bindings,omitempty"`
	// OutputNames declares the outputs the step produces.
	OutputNames []string `json:"output_names,omitempty" yaml:"output_names,omitempty"`
	// DependsOn lists the step ids that must succeed before this step runs.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// RequiresApproval gates the step behind an approval request.
	RequiresApproval bool `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	// RetryPolicy overrides the orchestrator default for this step.
	RetryPolicy *retry.Policy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	// Timeout is the per-attempt invocation budget. Zero means unlimited.
	Timeout types.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// ContinueOnFailure lets orchestration proceed past a permanent failure
	// of this step instead of halting the run.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	// Compensation declares the rollback action for this step, if any.
	Compensation *CompensationSpec `json:"compensation,omitempty" yaml:"compensation,omitempty"`
}

// Definition is a parsed, validated static workflow graph.
type Definition struct {
	ID      string           `json:"id" yaml:"id"`
	Version string           `json:"version,omitempty" yaml:"version,omitempty"`
	Steps   []StepDefinition `json:"steps" yaml:"steps"`
}

// Step returns the definition of the step with the given id.
func (d *Definition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepIndex returns the declaration index of a step id, or -1.
func (d *Definition) StepIndex(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Validate checks the static invariants of the definition: non-empty id and
// step set, unique step ids, dependencies referencing declared ids only, no
// self-references, and statically resolvable input bindings. Cycle detection
// is the resolver's job; Validate catches everything detectable without a
// topological pass.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return types.NewError(types.ErrConfiguration, "workflow id is empty")
	}
	if len(d.Steps) == 0 {
		return types.NewErrorf(types.ErrConfiguration, "workflow %s has no steps", d.ID)
	}

	ids := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return types.NewErrorf(types.ErrConfiguration, "workflow %s: step %d has an empty id", d.ID, i)
		}
		if _, dup := ids[step.ID]; dup {
			return types.NewErrorf(types.ErrConfiguration, "workflow %s: duplicate step id %q", d.ID, step.ID)
		}
		ids[step.ID] = struct{}{}
		if step.AgentRef == "" {
			return types.NewErrorf(types.ErrConfiguration, "workflow %s: step %q has no agent_ref", d.ID, step.ID)
		}
	}

	for i := range d.Steps {
		step := &d.Steps[i]
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return types.NewErrorf(types.ErrConfiguration, "workflow %s: step %q depends on itself", d.ID, step.ID)
			}
			if _, ok := ids[dep]; !ok {
				return types.NewErrorf(types.ErrConfiguration, "workflow %s: step %q depends on undeclared step %q", d.ID, step.ID, dep)
			}
		}
		for name, expr := range step.InputBindings {
			if err := d.validateBinding(step, name, expr); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateBinding statically checks one binding expression against the
// declared graph: a steps.<id>.<output> reference must name a transitive
// dependency of the step and a declared output of it.
func (d *Definition) validateBinding(step *StepDefinition, name, expr string) error {
	ref, err := ParseBinding(expr)
	if err != nil {
		return types.NewErrorf(types.ErrConfiguration,
			"workflow %s: step %q binding %q: %v", d.ID, step.ID, name, err)
	}
	if ref.Source == SourceWorkflowInput {
		return nil
	}

	src, ok := d.Step(ref.StepID)
	if !ok {
		return types.NewErrorf(types.ErrConfiguration,
			"workflow %s: step %q binding %q references undeclared step %q", d.ID, step.ID, name, ref.StepID)
	}
	if !d.dependsOnTransitively(step.ID, ref.StepID, map[string]bool{}) {
		return types.NewErrorf(types.ErrConfiguration,
			"workflow %s: step %q binding %q references step %q which is not among its dependencies",
			d.ID, step.ID, name, ref.StepID)
	}
	if len(src.OutputNames) > 0 && !contains(src.OutputNames, ref.Output) {
		return types.NewErrorf(types.ErrConfiguration,
			"workflow %s: step %q binding %q references unknown output %q of step %q",
			d.ID, step.ID, name, ref.Output, ref.StepID)
	}
	return nil
}

func (d *Definition) dependsOnTransitively(fromID, targetID string, seen map[string]bool) bool {
	if seen[fromID] {
		return false
	}
	seen[fromID] = true
	step, ok := d.Step(fromID)
	if !ok {
		return false
	}
	for _, dep := range step.DependsOn {
		if dep == targetID || d.dependsOnTransitively(dep, targetID, seen) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

