package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takt-io/takt/types"
)

func defWithSteps(steps ...StepDefinition) *Definition {
	return &Definition{ID: "wf", Version: "1", Steps: steps}
}

func step(id string, deps ...string) StepDefinition {
	return StepDefinition{ID: id, AgentRef: "agent:" + id, DependsOn: deps}
}

func TestResolver_Stages(t *testing.T) {
	tests := []struct {
		name   string
		def    *Definition
		stages []Stage
	}{
		{
			name:   "single step",
			def:    defWithSteps(step("a")),
			stages: []Stage{{"a"}},
		},
		{
			name:   "linear chain",
			def:    defWithSteps(step("a"), step("b", "a"), step("c", "b")),
			stages: []Stage{{"a"}, {"b"}, {"c"}},
		},
		{
			name:   "diamond",
			def:    defWithSteps(step("a"), step("b", "a"), step("c", "a"), step("d", "b", "c")),
			stages: []Stage{{"a"}, {"b", "c"}, {"d"}},
		},
		{
			name:   "independent roots",
			def:    defWithSteps(step("a"), step("b"), step("c", "a", "b")),
			stages: []Stage{{"a", "b"}, {"c"}},
		},
		{
			name: "fan out fan in with tail",
			def: defWithSteps(
				step("fetch"),
				step("parse", "fetch"),
				step("classify", "fetch"),
				step("merge", "parse", "classify"),
				step("report", "merge"),
			),
			stages: []Stage{{"fetch"}, {"parse", "classify"}, {"merge"}, {"report"}},
		},
	}

	resolver := NewResolver(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stages, err := resolver.Resolve(tt.def)
			require.NoError(t, err)
			assert.Equal(t, tt.stages, stages)
		})
	}
}

func TestResolver_CycleDetection(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
	}{
		{
			name: "two step cycle",
			def:  defWithSteps(step("a", "b"), step("b", "a")),
		},
		{
			name: "three step cycle",
			def:  defWithSteps(step("a", "c"), step("b", "a"), step("c", "b")),
		},
		{
			name: "cycle behind valid prefix",
			def:  defWithSteps(step("root"), step("a", "root", "c"), step("b", "a"), step("c", "b")),
		},
	}

	resolver := NewResolver(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stages, err := resolver.Resolve(tt.def)
			require.Error(t, err)
			assert.Nil(t, stages, "no partial result on error")
			assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
			assert.Contains(t, err.Error(), "cycle")
			assert.Contains(t, err.Error(), "->", "error names the cycle path")
		})
	}
}

func TestResolver_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		def      *Definition
		errorMsg string
	}{
		{
			name:     "empty workflow",
			def:      &Definition{ID: "wf"},
			errorMsg: "has no steps",
		},
		{
			name:     "missing workflow id",
			def:      &Definition{Steps: []StepDefinition{step("a")}},
			errorMsg: "workflow id is empty",
		},
		{
			name:     "duplicate step id",
			def:      defWithSteps(step("a"), step("a")),
			errorMsg: "duplicate step id",
		},
		{
			name:     "self reference",
			def:      defWithSteps(step("a", "a")),
			errorMsg: "depends on itself",
		},
		{
			name:     "undeclared dependency",
			def:      defWithSteps(step("a", "ghost")),
			errorMsg: "undeclared step",
		},
		{
			name:     "missing agent ref",
			def:      defWithSteps(StepDefinition{ID: "a"}),
			errorMsg: "no agent_ref",
		},
	}

	resolver := NewResolver(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stages, err := resolver.Resolve(tt.def)
			require.Error(t, err)
			assert.Nil(t, stages)
			assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}
