package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopStage(name StageName, deps ...StageName) Stage {
	return StageFunc{
		StageName: name,
		Deps:      deps,
		Fn: func(ctx context.Context, rs *RunState) StageExecution {
			return ExecutionSuccess()
		},
	}
}

func TestBuildExecutionPlanOrdersDependencies(t *testing.T) {
	registry := NewRegistry()
	registry.Register(noopStage(StageProcess))
	registry.Register(noopStage(StageAssemble, StageProcess))
	registry.Register(noopStage(StageTrain, StageAssemble))
	registry.Register(noopStage(StageExport, StageTrain))

	p := New(registry)
	plan, err := p.BuildExecutionPlan([]StageName{StageExport})
	require.NoError(t, err)

	assert.Equal(t, []StageName{StageProcess, StageAssemble, StageTrain, StageExport}, plan.Order)
}

func TestBuildExecutionPlanDeterministic(t *testing.T) {
	registry := NewRegistry()
	registry.Register(noopStage("a"))
	registry.Register(noopStage("b"))
	registry.Register(noopStage("c", "a", "b"))

	p := New(registry)
	for i := 0; i < 5; i++ {
		plan, err := p.BuildExecutionPlan([]StageName{"c"})
		require.NoError(t, err)
		assert.Equal(t, []StageName{"a", "b", "c"}, plan.Order)
	}
}

func TestBuildExecutionPlanRejectsCycle(t *testing.T) {
	registry := NewRegistry()
	registry.Register(noopStage("a", "b"))
	registry.Register(noopStage("b", "a"))

	p := New(registry)
	_, err := p.BuildExecutionPlan([]StageName{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestBuildExecutionPlanUnknownStage(t *testing.T) {
	p := New(NewRegistry())
	_, err := p.BuildExecutionPlan([]StageName{"missing"})
	assert.Error(t, err)
}

func TestBuildExecutionPlanEmpty(t *testing.T) {
	p := New(NewRegistry())
	plan, err := p.BuildExecutionPlan(nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Order)
}
