// Package engine implements ExecutionEngine: the top-level state machine
// that validates bindings, drives a plan's step loop under one of three
// completion modes, applies shape-propagation and CPU-fallback recovery
// policy, and publishes the terminal Completion exactly once (spec.md §4.5).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/tsawler/inferexec/async"
	"github.com/tsawler/inferexec/binding"
	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/dynamictemp"
	"github.com/tsawler/inferexec/errs"
	"github.com/tsawler/inferexec/metrics"
	"github.com/tsawler/inferexec/plan"
	"github.com/tsawler/inferexec/stepexec"
)

type lifecycleState int

const (
	configuring lifecycleState = iota
	started
	finished
)

func (s lifecycleState) String() string {
	switch s {
	case configuring:
		return "configuring"
	case started:
		return "started"
	case finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Engine is the ExecutionEngine (spec.md §4.5). Construct one per execution
// with NewEngine; it is bound to a single Plan and moves once through
// Configuring → Started → Finished.
type Engine struct {
	mu sync.Mutex

	id uuid.UUID

	p           plan.Plan
	inputTypes  []driver.OperandType
	outputTypes []driver.OperandType
	inputs      []*binding.Binding
	outputs     []*binding.Binding
	temps       *dynamictemp.Table

	cpuPreparer stepexec.CPUFallbackPreparer
	fenceWaiter driver.FenceWaiter

	opts Options

	logger  *slog.Logger
	metrics *metrics.Recorder

	state      lifecycleState
	completion *Completion
	// termFence observes the terminal fence for a WithFence completion; nil
	// for a WithoutFence completion or before publication.
	termFence async.Fence
}

// NewEngine builds an Engine bound to p, with declared operand types for
// every main-model input and output slot (spec.md §3: the engine is
// "created bound to an immutable compilation artifact"). cpuPreparer is the
// collaborator that knows how to re-prepare a step (or the whole model) on
// the built-in CPU device; it is required because every recovery path may
// need it. logger and rec may be nil.
func NewEngine(p plan.Plan, inputTypes, outputTypes []driver.OperandType, cpuPreparer stepexec.CPUFallbackPreparer,
	opts Options, logger *slog.Logger, rec *metrics.Recorder) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("engine: plan is nil")
	}
	if cpuPreparer == nil {
		return nil, fmt.Errorf("engine: cpuPreparer is nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		id:          uuid.New(),
		p:           p,
		inputTypes:  inputTypes,
		outputTypes: outputTypes,
		inputs:      make([]*binding.Binding, len(inputTypes)),
		outputs:     make([]*binding.Binding, len(outputTypes)),
		temps:       dynamictemp.New(),
		cpuPreparer: cpuPreparer,
		opts:        opts,
		logger:      logger,
		metrics:     rec,
		state:       configuring,
	}
	for i, t := range inputTypes {
		e.inputs[i] = binding.New(t, false)
	}
	for i, t := range outputTypes {
		e.outputs[i] = binding.New(t, true)
	}
	if clamped, warn := clampLoopTimeout(e.opts.LoopTimeout); warn {
		e.logger.Warn("loop timeout clamped", "execution_id", e.id, "requested", e.opts.LoopTimeout, "clamped_to", clamped)
		e.opts.LoopTimeout = clamped
	}
	e.logger.Debug("engine created", "execution_id", e.id, "inputs", len(e.inputs), "outputs", len(e.outputs))
	return e, nil
}

// ExecutionID identifies this engine instance across every log line it
// produces (SPEC_FULL.md §10). Metrics labels do not carry it.
func (e *Engine) ExecutionID() uuid.UUID { return e.id }

// Temps exposes the dynamic-temporary table for a plan.Controller
// constructed by the caller against this engine's global bindings.
func (e *Engine) Temps() *dynamictemp.Table { return e.temps }

// GlobalBindings snapshots this engine's binding table for a
// stepexec.Executor / plan.Controller to resolve ArgRefs against.
func (e *Engine) GlobalBindings() stepexec.GlobalBindings {
	return stepexec.GlobalBindings{Inputs: e.inputs, Outputs: e.outputs, Temps: e.temps}
}

func (e *Engine) requireConfiguring() errs.Code {
	if e.state != configuring {
		return errs.BadState
	}
	return errs.NoError
}

// SetInputFromPointer binds input index to a caller-owned buffer
// (spec.md §4.1's bind-pointer).
func (e *Engine) SetInputFromPointer(index int, override *driver.OperandType, buf []byte, length uint32) errs.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code := e.requireConfiguring(); code != errs.NoError {
		return code
	}
	if index < 0 || index >= len(e.inputs) {
		return errs.BadData
	}
	return e.inputs[index].BindPointer(e.inputTypes[index], override, buf, length)
}

// SetOutputFromPointer binds output index to a caller-owned buffer
// (buf == nil requests size discovery only).
func (e *Engine) SetOutputFromPointer(index int, override *driver.OperandType, buf []byte, length uint32) errs.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code := e.requireConfiguring(); code != errs.NoError {
		return code
	}
	if index < 0 || index >= len(e.outputs) {
		return errs.BadData
	}
	return e.outputs[index].BindPointer(e.outputTypes[index], override, buf, length)
}

// SetInputFromMemory binds input index to a region of pool (spec.md §4.1's
// bind-memory).
func (e *Engine) SetInputFromMemory(index int, override *driver.OperandType, pool driver.MemoryPool, poolIndex int, offset, length uint32) errs.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code := e.requireConfiguring(); code != errs.NoError {
		return code
	}
	if index < 0 || index >= len(e.inputs) {
		return errs.BadData
	}
	return e.inputs[index].BindMemory(e.inputTypes[index], override, pool, poolIndex, offset, length)
}

// SetOutputFromMemory binds output index to a region of pool.
func (e *Engine) SetOutputFromMemory(index int, override *driver.OperandType, pool driver.MemoryPool, poolIndex int, offset, length uint32) errs.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code := e.requireConfiguring(); code != errs.NoError {
		return code
	}
	if index < 0 || index >= len(e.outputs) {
		return errs.BadData
	}
	return e.outputs[index].BindMemory(e.outputTypes[index], override, pool, poolIndex, offset, length)
}

// SetMeasureTiming toggles timing measurement (spec.md §4.5: "rejected
// unless the compilation was created with an explicit single-device
// list"). Repeated calls before start are idempotent (spec.md §8).
func (e *Engine) SetMeasureTiming(v bool) errs.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code := e.requireConfiguring(); code != errs.NoError {
		return code
	}
	if v && !e.opts.ExplicitDeviceSingle {
		return errs.BadData
	}
	e.opts.MeasureTiming = v
	return errs.NoError
}

// SetTimeoutDuration sets the overall deadline; d == 0 clears it. Rejected
// unless the compilation was created with an explicit single-device list,
// mirroring SetMeasureTiming's gate (spec.md §4.5).
func (e *Engine) SetTimeoutDuration(d time.Duration) errs.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code := e.requireConfiguring(); code != errs.NoError {
		return code
	}
	if d < 0 {
		return errs.BadData
	}
	if d != 0 && !e.opts.ExplicitDeviceSingle {
		return errs.BadData
	}
	e.opts.TimeoutDuration = d
	return errs.NoError
}

// SetLoopTimeout sets the per-loop budget handed to drivers, silently
// clamped to the implementation maximum (spec.md §4.5; SPEC_FULL.md §12
// notes this is, unlike the two options above, always legal pre-start
// regardless of ExplicitDeviceSingle).
func (e *Engine) SetLoopTimeout(d time.Duration) errs.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code := e.requireConfiguring(); code != errs.NoError {
		return code
	}
	if d < 0 {
		return errs.BadData
	}
	clamped, warn := clampLoopTimeout(d)
	if warn {
		e.logger.Warn("loop timeout clamped", "execution_id", e.id, "requested", d, "clamped_to", clamped)
	}
	e.opts.LoopTimeout = clamped
	return errs.NoError
}

// validateBeforeStart implements spec.md §4.5's pre-start validation,
// including the SPEC_FULL.md §12 supplement that re-checks MEMORY inputs
// via ValidateInputDimensions (not the general Validate) right before start.
func (e *Engine) validateBeforeStart(fenced bool) errs.Code {
	for _, b := range e.inputs {
		if b.IsUnspecified() {
			return errs.BadData
		}
		if b.State() == binding.Memory {
			if !b.Pool().ValidateInputDimensions(b.Dimensions()) {
				return errs.OpFailed
			}
		}
	}
	for _, b := range e.outputs {
		if b.IsUnspecified() {
			return errs.BadData
		}
	}
	if fenced {
		for _, b := range e.outputs {
			if b.State() == binding.NoValue {
				continue
			}
			if (driver.OperandType{Dimensions: b.Dimensions()}).HasUnspecifiedDimensions() {
				return errs.BadData
			}
		}
		if !e.temps.Empty() || e.p.HasDynamicTemporaries() {
			return errs.BadData
		}
	}
	return errs.NoError
}

// start performs the Configuring → Started transition exactly once. A
// precondition failure never marks the engine started (spec.md §7).
func (e *Engine) start(fenced bool) errs.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != configuring {
		return errs.BadState
	}
	if code := e.validateBeforeStart(fenced); code != errs.NoError {
		e.logger.Error("pre-start validation failed", "execution_id", e.id, "code", code)
		return code
	}
	for _, b := range e.inputs {
		b.MarkStarted()
	}
	for _, b := range e.outputs {
		b.MarkStarted()
	}
	e.state = started
	e.logger.Debug("execution started", "execution_id", e.id, "fenced", fenced)
	return errs.NoError
}

func (e *Engine) initialOutputShapes() []driver.OutputShape {
	shapes := make([]driver.OutputShape, len(e.outputs))
	for i, b := range e.outputs {
		shapes[i] = b.InitialOutputShape()
	}
	return shapes
}

// deadlineContext derives a context from parent honoring TimeoutDuration
// (spec.md §5: "an overall deadline... if set").
func (e *Engine) deadlineContext(parent context.Context) (context.Context, context.CancelFunc) {
	if e.opts.TimeoutDuration <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, e.opts.TimeoutDuration)
}

// publish transitions Started → Finished and records terminal metrics. It
// is called exactly once per execution (spec.md §8: "the terminal record
// is published exactly once").
func (e *Engine) publish(c Completion, termFence async.Fence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completion = &c
	e.termFence = termFence
	e.state = finished
	e.logger.Info("execution finished", "execution_id", e.id, "code", c.Status, "mode", c.CompletedMode)
	if e.metrics != nil && c.CompletedMode == WithoutFence {
		e.metrics.ObserveCompletion(c.Status.String())
	}
}

// wrapFallback annotates an error at a recovery-ladder transition with a
// stack trace (SPEC_FULL.md §10: pkg/errors reserved for exactly this).
func wrapFallback(tier metrics.FallbackTier, err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrapf(err, "fallback tier %s", tier)
}

// IsFinished implements spec.md §4.5's is-finished: a zero-timeout fence
// poll for fence-bearing executions, otherwise the published flag.
func (e *Engine) IsFinished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != finished {
		return false
	}
	if e.completion.CompletedMode == WithFence && e.termFence != nil {
		return e.termFence.Signaled()
	}
	return true
}

// CompletionStatus implements spec.md §4.5's completion-status.
func (e *Engine) CompletionStatus() errs.Code {
	if !e.IsFinished() {
		return errs.BadState
	}
	e.resolveFencedOutcome(context.Background())
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completion.Status
}

// OutputDimensions implements spec.md §4.5's output-dimensions(i).
func (e *Engine) OutputDimensions(i int) ([]uint32, errs.Code) {
	status := e.CompletionStatus()
	if status != errs.NoError && status != errs.OutputInsufficientSize {
		return nil, errs.BadState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.completion.OutputShapes) {
		return nil, errs.BadData
	}
	shape := e.completion.OutputShapes[i]
	if !shape.IsSufficient {
		return shape.Dimensions, errs.OutputInsufficientSize
	}
	return shape.Dimensions, errs.NoError
}

// OutputRank implements spec.md §4.5's output-rank(i), including the
// SPEC_FULL.md §12 supplement rejecting rank queries on scalar operands.
func (e *Engine) OutputRank(i int) (uint32, errs.Code) {
	dims, code := e.OutputDimensions(i)
	if code == errs.BadState || code == errs.BadData {
		return 0, code
	}
	if i >= 0 && i < len(e.outputTypes) && e.outputTypes[i].IsScalar {
		return 0, errs.BadData
	}
	return uint32(len(dims)), code
}

// Duration implements spec.md §4.5's duration(code), preserving the
// TimingUnavailable sentinel across the microsecond → nanosecond conversion.
func (e *Engine) Duration(kind DurationKind) (uint64, errs.Code) {
	if !e.IsFinished() {
		return driver.TimingUnavailable, errs.BadState
	}
	e.resolveFencedOutcome(context.Background())
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.opts.MeasureTiming || e.completion.Status != errs.NoError {
		return driver.TimingUnavailable, errs.BadState
	}
	var us uint64
	switch kind {
	case OnHardwareLaunched:
		us = e.completion.Timing.TimeOnDeviceUs
	case InDriverLaunched:
		us = e.completion.Timing.TimeInDriverUs
	case OnHardwareAfterFence:
		us = e.completion.FencedTiming.TimeOnDeviceUs
	case InDriverAfterFence:
		us = e.completion.FencedTiming.TimeInDriverUs
	default:
		return driver.TimingUnavailable, errs.BadData
	}
	return microsToNanos(us), errs.NoError
}

func microsToNanos(us uint64) uint64 {
	if us == driver.TimingUnavailable {
		return driver.TimingUnavailable
	}
	return us * 1000
}
