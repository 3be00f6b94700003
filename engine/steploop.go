package engine

import (
	"context"

	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/dynamictemp"
	"github.com/tsawler/inferexec/errs"
	"github.com/tsawler/inferexec/metrics"
	"github.com/tsawler/inferexec/plan"
	"github.com/tsawler/inferexec/stepexec"
)

// runNonFenced drives spec.md §4.5's non-fenced step loop to a terminal
// Completion. It never mutates engine lifecycle state; the caller (Compute /
// ComputeAsync) is responsible for publishing the result.
func (e *Engine) runNonFenced(ctx context.Context) Completion {
	outputShapes := e.initialOutputShapes()
	controller := e.p.MakeController(e.GlobalBindings())
	cpuFallbackAllowed := !e.p.IsSimpleCPU()
	doFallback := false
	lastTiming := driver.Unmeasured

outer:
	for {
		var executor *stepexec.Executor
		var code errs.Code
		var err error
		if doFallback {
			executor, code, err = controller.Fallback(ctx)
		} else {
			executor, code, err = controller.Next(ctx, -1)
		}
		doFallback = false

		if err != nil && code == errs.NoError {
			code = errs.OpFailed
		}
		if code.IsMissedDeadline() {
			e.logger.Warn("plan controller missed deadline", "execution_id", e.id, "code", code)
			return Completion{Status: code, OutputShapes: outputShapes, Timing: lastTiming}
		}
		if code != errs.NoError {
			if cpuFallbackAllowed {
				break outer
			}
			return Completion{Status: code, OutputShapes: outputShapes, Timing: lastTiming}
		}
		if executor == nil {
			return Completion{Status: errs.NoError, OutputShapes: outputShapes, Timing: lastTiming}
		}

		stepCode, shapes, timing, computeErr := executor.Compute(ctx, e.opts.MeasureTiming, e.opts.LoopTimeout)
		if computeErr != nil {
			e.logger.Debug("step compute error", "execution_id", e.id, "step", executor.Step().Index, "err", computeErr)
		}
		updateResult, mergeErr := executor.UpdateOutputShapes(stepCode, shapes, outputShapes)
		if mergeErr != nil {
			e.logger.Warn("malformed driver shape vector", "execution_id", e.id, "step", executor.Step().Index, "err", mergeErr)
			stepCode = errs.OpFailed
		}

		switch {
		case stepCode == errs.NoError && updateResult.ZeroSizedInput:
			break outer
		case stepCode == errs.NoError:
			lastTiming = timing
			continue outer
		case stepCode == errs.OutputInsufficientSize && (updateResult.MainOutputInsufficient || !updateResult.UpdatedDynamicTemporary):
			return Completion{Status: stepCode, OutputShapes: outputShapes, Timing: driver.Unmeasured}
		case stepCode == errs.OutputInsufficientSize:
			if e.metrics != nil {
				e.metrics.ObserveFallback(metrics.TierRetryTemporary)
			}
			doFallback = true
			continue outer
		case !cpuFallbackAllowed:
			return Completion{Status: stepCode, OutputShapes: outputShapes, Timing: lastTiming}
		case executor.IsCPU():
			if !e.p.IsSimple() {
				break outer
			}
			return Completion{Status: stepCode, OutputShapes: outputShapes, Timing: lastTiming}
		default:
			fbTiming, resumeOuter, terminal, needFull := e.partialFallbackLoop(ctx, controller, outputShapes, e.p.IsSimple())
			if terminal != nil {
				return *terminal
			}
			if resumeOuter {
				lastTiming = fbTiming
				continue outer
			}
			if needFull {
				break outer
			}
		}
	}

	if e.metrics != nil {
		e.metrics.ObserveFallback(metrics.TierFullCPU)
	}
	return e.runFullFallback(ctx, outputShapes)
}

// partialFallbackLoop implements spec.md §4.5 step 4: repeatedly retries
// the previously-yielded step on CPU via the plan's fallback tick,
// classifying each attempt the same way the outer loop does. resumeOuter
// means the caller should continue its own loop with the returned timing;
// terminal (non-nil) means the caller must publish it as-is; needFullFallback
// means the caller should escalate to the whole-model CPU path.
func (e *Engine) partialFallbackLoop(ctx context.Context, controller plan.Controller, outputShapes []driver.OutputShape, simple bool) (
	timing driver.Timing, resumeOuter bool, terminal *Completion, needFullFallback bool) {

	if e.metrics != nil {
		e.metrics.ObserveFallback(metrics.TierPartialCPU)
	}

	for {
		executor, code, err := controller.Fallback(ctx)
		if err != nil && code == errs.NoError {
			code = errs.OpFailed
		}
		if code.IsMissedDeadline() {
			return driver.Unmeasured, false, &Completion{Status: code, OutputShapes: outputShapes, Timing: driver.Unmeasured}, false
		}
		if code != errs.NoError || executor == nil {
			return driver.Unmeasured, false, nil, true
		}

		stepCode, shapes, stepTiming, _ := executor.ComputeOnCPUFallback(ctx, e.cpuPreparer, e.opts.MeasureTiming)
		updateResult, mergeErr := executor.UpdateOutputShapes(stepCode, shapes, outputShapes)
		if mergeErr != nil {
			stepCode = errs.OpFailed
		}

		switch {
		case stepCode == errs.NoError && updateResult.ZeroSizedInput:
			return driver.Unmeasured, false, nil, true
		case stepCode == errs.NoError:
			return stepTiming, true, nil, false
		case stepCode == errs.OutputInsufficientSize && (updateResult.MainOutputInsufficient || !updateResult.UpdatedDynamicTemporary):
			return driver.Unmeasured, false, &Completion{Status: stepCode, OutputShapes: outputShapes, Timing: driver.Unmeasured}, false
		case stepCode == errs.OutputInsufficientSize:
			if simple {
				return driver.Unmeasured, false, nil, true
			}
			continue
		default:
			return driver.Unmeasured, false, nil, true
		}
	}
}

// buildFullFallbackStep constructs the trivial, identity-mapped Step spec.md
// §4.5 step 5 calls "the source model mapped trivially": every main-model
// input/output resolves straight to the engine's own global binding table,
// so the same UpdateOutputShapes merge logic applies without a special case.
func (e *Engine) buildFullFallbackStep() *stepexec.Step {
	inputs := make([]stepexec.ArgRef, len(e.inputs))
	for i := range inputs {
		inputs[i] = stepexec.ArgRef{Source: stepexec.FromGlobalBinding, GlobalIndex: i}
	}
	outputs := make([]stepexec.ArgRef, len(e.outputs))
	outIdx := make(map[int]int, len(e.outputs))
	for j := range outputs {
		outputs[j] = stepexec.ArgRef{Source: stepexec.FromGlobalBinding, GlobalIndex: j}
		outIdx[j] = j
	}
	return &stepexec.Step{
		Index:                  -1,
		SourceModelIndex:       0,
		Inputs:                 inputs,
		Outputs:                outputs,
		OutputIndexToMainModel: outIdx,
		TempsAsStepOutputs:     map[int]dynamictemp.Key{},
		DownstreamInputOutputs: map[int]bool{},
	}
}

// runFullFallback implements spec.md §4.5 step 5: re-prepare the whole
// model on CPU and run once.
func (e *Engine) runFullFallback(ctx context.Context, outputShapes []driver.OutputShape) Completion {
	step := e.buildFullFallbackStep()
	executor := stepexec.New(step, e.GlobalBindings())
	code, shapes, timing, err := executor.ComputeOnCPUFallback(ctx, e.cpuPreparer, e.opts.MeasureTiming)
	if err != nil {
		err = wrapFallback(metrics.TierFullCPU, err)
		e.logger.Error("full cpu fallback failed", "execution_id", e.id, "err", err)
	}
	if code == errs.NoError {
		if _, mergeErr := executor.UpdateOutputShapes(code, shapes, outputShapes); mergeErr != nil {
			code = errs.OpFailed
		}
	}
	return Completion{Status: code, OutputShapes: outputShapes, Timing: timing}
}
