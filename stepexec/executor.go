package stepexec

import (
	"context"
	"fmt"
	"time"

	"github.com/tsawler/inferexec/binding"
	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/errs"
)

// Executor is a single-use execution attempt for one Step (spec.md §4.3).
// Construct one per attempt (including per retry/fallback attempt) via New.
type Executor struct {
	step    *Step
	globals GlobalBindings

	// consumed marks whether Compute/ComputeFenced/ComputeOnCPUFallback has
	// already run, enforcing the "single-use" contract.
	consumed bool
}

// New builds an Executor for step, bound against the current global
// bindings and dynamic-temporary table snapshot.
func New(step *Step, globals GlobalBindings) *Executor {
	return &Executor{step: step, globals: globals}
}

// IsCPU exposes device identity for the engine's recovery policy
// (spec.md §4.3: "is-cpu() exposes device identity").
func (e *Executor) IsCPU() bool { return e.step.IsCPUDevice }

// Step returns the underlying plan step, primarily for logging.
func (e *Executor) Step() *Step { return e.step }

// AreDynamicTemporariesAllocated reports whether every temporary this
// step's inputs consume has a finalized allocation for this step's index.
func (e *Executor) AreDynamicTemporariesAllocated() bool {
	if e.globals.Temps == nil || len(e.step.ConsumedTemps) == 0 {
		return true
	}
	return e.globals.Temps.Allocated(e.step.Index, e.step.ConsumedTemps)
}

// resolveArg turns one ArgRef into a driver.ArgumentView, allocating a
// staging buffer from the temporary table if this is a not-yet-backed
// temporary (spec.md §4.3).
func (e *Executor) resolveArg(ref ArgRef, isOutput bool) (driver.ArgumentView, error) {
	switch ref.Source {
	case FromGlobalBinding:
		slots := e.globals.Inputs
		if isOutput {
			slots = e.globals.Outputs
		}
		if ref.GlobalIndex < 0 || ref.GlobalIndex >= len(slots) {
			return driver.ArgumentView{}, fmt.Errorf("global index %d out of range", ref.GlobalIndex)
		}
		b := slots[ref.GlobalIndex]
		view := driver.ArgumentView{Dimensions: b.Dimensions(), Length: b.LengthBytes()}
		switch b.State() {
		case binding.NoValue:
			view.NoValue = true
		case binding.Pointer:
			view.Buffer = b.Buffer()
		case binding.Memory:
			view.Pool = b.Pool()
			view.PoolOffset = b.Offset()
		}
		return view, nil
	case FromTemporary:
		entry, ok := e.globals.Temps.Lookup(ref.TempKey)
		if !ok {
			return driver.ArgumentView{}, fmt.Errorf("temporary %+v not declared", ref.TempKey)
		}
		buf, err := e.globals.Temps.EnsureBuffer(ref.TempKey)
		if err != nil {
			return driver.ArgumentView{}, err
		}
		return driver.ArgumentView{Dimensions: entry.Dimensions, Buffer: buf, Length: entry.LengthBytes}, nil
	case StepLocalConstant:
		return driver.ArgumentView{Dimensions: ref.Operand.Dimensions}, nil
	default:
		return driver.ArgumentView{}, fmt.Errorf("unknown arg source %d", ref.Source)
	}
}

func (e *Executor) mapArgs() (inputs, outputs []driver.ArgumentView, err error) {
	inputs = make([]driver.ArgumentView, len(e.step.Inputs))
	for i, ref := range e.step.Inputs {
		if inputs[i], err = e.resolveArg(ref, false); err != nil {
			return nil, nil, err
		}
	}
	outputs = make([]driver.ArgumentView, len(e.step.Outputs))
	for i, ref := range e.step.Outputs {
		if outputs[i], err = e.resolveArg(ref, true); err != nil {
			return nil, nil, err
		}
	}
	return inputs, outputs, nil
}

// Compute implements spec.md §4.3's compute operation.
func (e *Executor) Compute(ctx context.Context, measureTiming bool, loopTimeout time.Duration) (errs.Code, []driver.OutputShape, driver.Timing, error) {
	if e.consumed {
		return errs.BadState, nil, driver.Unmeasured, fmt.Errorf("stepexec: executor already consumed")
	}
	e.consumed = true

	inputs, outputs, err := e.mapArgs()
	if err != nil {
		return errs.OpFailed, nil, driver.Unmeasured, err
	}
	code, shapes, timing, err := e.step.PreparedModel.Execute(ctx, inputs, outputs, measureTiming, loopTimeout)
	if err != nil && code == errs.NoError {
		code = errs.OpFailed
	}
	return code, shapes, timing, err
}

// ComputeFenced implements spec.md §4.3's compute-fenced operation.
func (e *Executor) ComputeFenced(ctx context.Context, waitFDs []int, afterFenceTimeout time.Duration,
	measureTiming bool, loopTimeout time.Duration) (errs.Code, int, driver.FencedCallback, driver.Timing, error) {
	if e.consumed {
		return errs.BadState, -1, nil, driver.Unmeasured, fmt.Errorf("stepexec: executor already consumed")
	}
	e.consumed = true

	inputs, outputs, err := e.mapArgs()
	if err != nil {
		return errs.OpFailed, -1, nil, driver.Unmeasured, err
	}
	code, syncFD, callback, timing, err := e.step.PreparedModel.ExecuteFenced(
		ctx, inputs, outputs, waitFDs, measureTiming, loopTimeout, afterFenceTimeout)
	if err != nil && code == errs.NoError {
		code = errs.OpFailed
	}
	// If the driver returned synchronously (no fence, no callback), timing
	// is available immediately; the engine reports it right away rather
	// than waiting on a fence query (spec.md §4.3).
	return code, syncFD, callback, timing, err
}

// CPUFallbackPreparer rebinds a step (or the whole model) to the built-in
// CPU device by re-preparing with default preference/priority, per
// spec.md §4.3's compute-on-cpu-fallback. It is supplied by the engine,
// which alone knows how to talk to the device manager / compilation cache.
type CPUFallbackPreparer interface {
	PrepareOnCPU(ctx context.Context, sourceModelIndex int) (driver.PreparedModel, error)
}

// ComputeOnCPUFallback implements spec.md §4.3's compute-on-cpu-fallback:
// re-prepares the step's model on the CPU device, shadows any opaque
// device-memory pools with host-visible buffers, executes, and copies
// output shadows back.
func (e *Executor) ComputeOnCPUFallback(ctx context.Context, preparer CPUFallbackPreparer, measureTiming bool) (errs.Code, []driver.OutputShape, driver.Timing, error) {
	if e.consumed {
		return errs.BadState, nil, driver.Unmeasured, fmt.Errorf("stepexec: executor already consumed")
	}
	e.consumed = true

	prepared, err := preparer.PrepareOnCPU(ctx, e.step.SourceModelIndex)
	if err != nil {
		return errs.OpFailed, nil, driver.Unmeasured, err
	}
	e.step.PreparedModel = prepared
	e.step.IsCPUDevice = true

	inputs, outputs, err := e.mapArgs()
	if err != nil {
		return errs.OpFailed, nil, driver.Unmeasured, err
	}

	type shadowed struct {
		idx    int
		isOut  bool
		shadow []byte
		pool   driver.MemoryPool
	}
	var shadows []shadowed

	for i := range inputs {
		if inputs[i].Pool != nil && inputs[i].Pool.HasDeviceBuffer() {
			shadow := make([]byte, inputs[i].Pool.LogicalSize())
			if err := inputs[i].Pool.CopyDeviceToHost(shadow); err != nil {
				return errs.OpFailed, nil, driver.Unmeasured, fmt.Errorf("cpu fallback: copy input shadow: %w", err)
			}
			shadows = append(shadows, shadowed{idx: i, isOut: false, shadow: shadow, pool: inputs[i].Pool})
			inputs[i].Buffer = shadow
			inputs[i].Pool = nil
		}
	}
	for i := range outputs {
		if outputs[i].Pool != nil && outputs[i].Pool.HasDeviceBuffer() {
			if outputs[i].Pool.CreatedWithUnknownShape() {
				return errs.OpFailed, nil, driver.Unmeasured, fmt.Errorf("cpu fallback: cannot size shadow for output with unknown shape")
			}
			shadow := make([]byte, outputs[i].Pool.LogicalSize())
			shadows = append(shadows, shadowed{idx: i, isOut: true, shadow: shadow, pool: outputs[i].Pool})
			outputs[i].Buffer = shadow
			outputs[i].Pool = nil
		}
	}

	code, shapes, timing, err := e.step.PreparedModel.Execute(ctx, inputs, outputs, measureTiming, 0)
	if err != nil && code == errs.NoError {
		code = errs.OpFailed
	}
	if code != errs.NoError {
		return code, shapes, timing, err
	}

	for _, s := range shadows {
		if s.isOut {
			if err := s.pool.CopyHostToDevice(s.shadow); err != nil {
				return errs.OpFailed, shapes, timing, fmt.Errorf("cpu fallback: copy output shadow back: %w", err)
			}
		}
	}
	return code, shapes, timing, nil
}
