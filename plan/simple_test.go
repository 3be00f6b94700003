package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/inferexec/errs"
	"github.com/tsawler/inferexec/stepexec"
)

func TestSequentialPlan_IsSimpleForSingleStep(t *testing.T) {
	steps := []*stepexec.Step{{Index: 0}}
	p := NewSequentialPlan(steps, 1, false)
	assert.True(t, p.IsSimple())
	assert.False(t, p.IsSimpleCPU())

	steps[0].IsCPUDevice = true
	p2 := NewSequentialPlan(steps, 1, false)
	assert.True(t, p2.IsSimpleCPU())
}

func TestSequentialPlan_IsNotSimpleForMultipleSteps(t *testing.T) {
	steps := []*stepexec.Step{{Index: 0}, {Index: 1}}
	p := NewSequentialPlan(steps, 1, false)
	assert.False(t, p.IsSimple())
}

func TestSequentialController_NextWalksStepsInOrder(t *testing.T) {
	steps := []*stepexec.Step{{Index: 0}, {Index: 1}, {Index: 2}}
	p := NewSequentialPlan(steps, 1, false)
	c := p.MakeController(stepexec.GlobalBindings{})

	for i := 0; i < 3; i++ {
		ex, code, err := c.Next(context.Background(), -1)
		require.NoError(t, err)
		require.Equal(t, errs.NoError, code)
		require.NotNil(t, ex)
		assert.Equal(t, i, ex.Step().Index)
	}

	ex, code, err := c.Next(context.Background(), -1)
	require.NoError(t, err)
	assert.Equal(t, errs.NoError, code)
	assert.Nil(t, ex)
}

func TestSequentialController_NextRespectsDeadline(t *testing.T) {
	steps := []*stepexec.Step{{Index: 0}}
	p := NewSequentialPlan(steps, 1, false)
	c := p.MakeController(stepexec.GlobalBindings{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, code, err := c.Next(ctx, -1)
	assert.Error(t, err)
	assert.Equal(t, errs.MissedDeadlineTransient, code)
}

func TestSequentialController_FallbackReturnsMostRecentStep(t *testing.T) {
	steps := []*stepexec.Step{{Index: 0}, {Index: 1}}
	p := NewSequentialPlan(steps, 1, false)
	c := p.MakeController(stepexec.GlobalBindings{})

	_, _, err := c.Next(context.Background(), -1)
	require.NoError(t, err)
	_, _, err = c.Next(context.Background(), -1)
	require.NoError(t, err)

	ex, code, err := c.Fallback(context.Background())
	require.NoError(t, err)
	require.Equal(t, errs.NoError, code)
	assert.Equal(t, 1, ex.Step().Index)
}

func TestSequentialController_FallbackBeforeAnyNextFails(t *testing.T) {
	steps := []*stepexec.Step{{Index: 0}}
	p := NewSequentialPlan(steps, 1, false)
	c := p.MakeController(stepexec.GlobalBindings{})

	_, code, err := c.Fallback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, errs.OpFailed, code)
}
