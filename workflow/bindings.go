package workflow

import (
	"fmt"
	"strings"

	"github.com/takt-io/takt/types"
)

// BindingSource identifies where a binding expression reads from.
type BindingSource int

const (
	// SourceWorkflowInput reads a value from the workflow's initial inputs.
	SourceWorkflowInput BindingSource = iota
	// SourceStepOutput reads a named output of a prior step.
	SourceStepOutput
)

// BindingRef is a parsed binding expression.
type BindingRef struct {
	Source BindingSource
	// Input is the workflow input name when Source is SourceWorkflowInput.
	Input string
	// StepID and Output locate a prior step's output when Source is
	// SourceStepOutput.
	StepID string
	Output string
}

// ParseBinding parses a binding expression. Two forms are supported:
//
//	inputs.<name>          workflow input
//	steps.<id>.<output>    output of a prior step
func ParseBinding(expr string) (*BindingRef, error) {
	expr = strings.TrimSpace(expr)
	parts := strings.Split(expr, ".")

	switch {
	case len(parts) == 2 && parts[0] == "inputs":
		if parts[1] == "" {
			return nil, fmt.Errorf("binding %q has an empty input name", expr)
		}
		return &BindingRef{Source: SourceWorkflowInput, Input: parts[1]}, nil
	case len(parts) == 3 && parts[0] == "steps":
		if parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("binding %q has an empty step id or output name", expr)
		}
		return &BindingRef{Source: SourceStepOutput, StepID: parts[1], Output: parts[2]}, nil
	default:
		return nil, fmt.Errorf("binding %q is not of the form inputs.<name> or steps.<id>.<output>", expr)
	}
}

// ResolveBindings evaluates a step's input bindings against the workflow
// inputs and the outputs committed so far. Unresolvable references are
// normally caught by Definition.Validate; hitting one here means the
// referenced step produced no such output at run time.
func ResolveBindings(step *StepDefinition, inputs map[string]any, outputs map[string]map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(step.InputBindings))
	for name, expr := range step.InputBindings {
		ref, err := ParseBinding(expr)
		if err != nil {
			return nil, types.NewErrorf(types.ErrConfiguration, "step %q binding %q: %v", step.ID, name, err).
				WithStep(step.ID)
		}

		switch ref.Source {
		case SourceWorkflowInput:
			value, ok := inputs[ref.Input]
			if !ok {
				return nil, types.NewErrorf(types.ErrConfiguration,
					"step %q binding %q references missing workflow input %q", step.ID, name, ref.Input).
					WithStep(step.ID)
			}
			resolved[name] = value
		case SourceStepOutput:
			stepOutputs, ok := outputs[ref.StepID]
			if !ok {
				return nil, types.NewErrorf(types.ErrConfiguration,
					"step %q binding %q references step %q which has no committed outputs", step.ID, name, ref.StepID).
					WithStep(step.ID)
			}
			value, ok := stepOutputs[ref.Output]
			if !ok {
				return nil, types.NewErrorf(types.ErrConfiguration,
					"step %q binding %q references missing output %q of step %q", step.ID, name, ref.Output, ref.StepID).
					WithStep(step.ID)
			}
			resolved[name] = value
		}
	}
	return resolved, nil
}
