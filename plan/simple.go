package plan

import (
	"context"

	"github.com/tsawler/inferexec/errs"
	"github.com/tsawler/inferexec/stepexec"
)

// SequentialPlan is a reference Plan implementation over a fixed, totally
// ordered list of steps. It exists for tests and for callers that already
// have a partitioned step list from elsewhere; real partitioning is out of
// scope for this module (spec.md §1).
type SequentialPlan struct {
	steps           []*stepexec.Step
	simple          bool
	simpleCPU       bool
	dynamicTemps    bool
	sourceModels    int
}

// NewSequentialPlan builds a plan from an ordered step list.
func NewSequentialPlan(steps []*stepexec.Step, sourceModels int, hasDynamicTemporaries bool) *SequentialPlan {
	return &SequentialPlan{
		steps:        steps,
		simple:       len(steps) <= 1,
		simpleCPU:    len(steps) == 1 && steps[0].IsCPUDevice,
		dynamicTemps: hasDynamicTemporaries,
		sourceModels: sourceModels,
	}
}

func (p *SequentialPlan) IsSimple() bool               { return p.simple }
func (p *SequentialPlan) IsSimpleCPU() bool             { return p.simpleCPU }
func (p *SequentialPlan) HasDynamicTemporaries() bool   { return p.dynamicTemps }
func (p *SequentialPlan) SourceModelCount() int         { return p.sourceModels }

func (p *SequentialPlan) MakeController(globals stepexec.GlobalBindings) Controller {
	return &sequentialController{plan: p, globals: globals, nextIndex: 0, lastIndex: -1}
}

type sequentialController struct {
	plan      *SequentialPlan
	globals   stepexec.GlobalBindings
	nextIndex int
	lastIndex int
}

func (c *sequentialController) Next(ctx context.Context, carriedSyncFD int) (*stepexec.Executor, errs.Code, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.MissedDeadlineTransient, err
	}
	if c.nextIndex >= len(c.plan.steps) {
		return nil, errs.NoError, nil
	}
	step := c.plan.steps[c.nextIndex]
	c.lastIndex = c.nextIndex
	c.nextIndex++
	return stepexec.New(step, c.globals), errs.NoError, nil
}

func (c *sequentialController) Fallback(ctx context.Context) (*stepexec.Executor, errs.Code, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.MissedDeadlineTransient, err
	}
	if c.lastIndex < 0 || c.lastIndex >= len(c.plan.steps) {
		return nil, errs.OpFailed, nil
	}
	step := c.plan.steps[c.lastIndex]
	return stepexec.New(step, c.globals), errs.NoError, nil
}
