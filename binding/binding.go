// Package binding implements ArgumentBinding: the per-input, per-output
// slot that records how a caller has attached a buffer (or declined to)
// to one operand of a compilation, per spec.md §4.1.
package binding

import (
	"fmt"

	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/errs"
)

// State is the tagged-variant discriminator from spec.md §3.
type State int

const (
	Unspecified State = iota
	NoValue
	Pointer
	Memory
)

func (s State) String() string {
	switch s {
	case Unspecified:
		return "UNSPECIFIED"
	case NoValue:
		return "NO_VALUE"
	case Pointer:
		return "POINTER"
	case Memory:
		return "MEMORY"
	default:
		return "INVALID"
	}
}

// MaxLength is the largest legal byte length for a bound argument
// (spec.md §3: "length ≤ 2^32 − 1").
const MaxLength = uint64(1<<32) - 1

// Binding is one ArgumentBinding slot (spec.md §4.1).
type Binding struct {
	state State

	// effectiveDimensions is possibly more specific than the declared
	// operand type (a caller-asserted override that tightened zero extents).
	effectiveDimensions []uint32

	lengthBytes uint32

	// isSufficient is meaningful for output slots only; it is set by the
	// engine after a step reports shapes, never by the binding calls here.
	isSufficient bool

	// pointer-state payload
	buffer []byte

	// memory-state payload
	pool       driver.MemoryPool
	poolIndex  int
	offset     uint32

	started bool // set true once the owning execution has started
	isOutput bool
}

// New creates an unbound slot for the given declared operand type.
func New(operand driver.OperandType, isOutput bool) *Binding {
	return &Binding{
		state:        Unspecified,
		isSufficient: true,
		isOutput:     isOutput,
	}
}

// MarkStarted freezes the binding: every mutating call after this point
// returns BadState and leaves state unchanged (spec.md §8, "Binding
// immutability").
func (b *Binding) MarkStarted() { b.started = true }

// IsUnspecified is the pre-binding predicate spec.md §4.1 names.
func (b *Binding) IsUnspecified() bool { return b.state == Unspecified }

// State returns the current tagged-variant state.
func (b *Binding) State() State { return b.state }

// Dimensions returns the slot's current effective dimensions.
func (b *Binding) Dimensions() []uint32 { return b.effectiveDimensions }

// SetDimensions overwrites the slot's effective dimensions; used by the
// engine when merging a step's reported output shape (spec.md §4.6).
func (b *Binding) SetDimensions(dims []uint32) { b.effectiveDimensions = dims }

// IsSufficient reports whether the last shape merged into this (output)
// slot fit the caller-provided buffer.
func (b *Binding) IsSufficient() bool { return b.isSufficient }

// SetSufficient records sufficiency; used by the engine, never by callers.
func (b *Binding) SetSufficient(ok bool) { b.isSufficient = ok }

// LengthBytes returns the bound length in bytes.
func (b *Binding) LengthBytes() uint32 { return b.lengthBytes }

// PoolIndex and Offset are valid only when State() == Memory.
func (b *Binding) PoolIndex() int    { return b.poolIndex }
func (b *Binding) Offset() uint32    { return b.offset }
func (b *Binding) Pool() driver.MemoryPool { return b.pool }

// Buffer is valid only when State() == Pointer.
func (b *Binding) Buffer() []byte { return b.buffer }

// checkDimensionOverride implements spec.md's checkDimensionInfo: a
// caller-asserted override may tighten a zero extent but must never
// contradict a concrete extent, and rank must match once the operand has a
// known rank (SPEC_FULL.md §4, ExecutionBuilder.cpp checkDimensionInfo).
func checkDimensionOverride(operand driver.OperandType, override *driver.OperandType, allowUnspecified bool) error {
	if override != nil {
		if len(operand.Dimensions) != 0 {
			if len(operand.Dimensions) != len(override.Dimensions) {
				return fmt.Errorf("setting with incompatible dimension count")
			}
			for i, d := range operand.Dimensions {
				if d != override.Dimensions[i] && d != 0 {
					return fmt.Errorf("overriding a fully specified dimension is disallowed")
				}
			}
		}
		return nil
	}
	if !allowUnspecified && operand.IsTensor() && operand.HasUnspecifiedDimensions() {
		return fmt.Errorf("setting with operand type that is not fully specified")
	}
	return nil
}

// BindPointer implements spec.md §4.1's bind-pointer operation.
func (b *Binding) BindPointer(operand driver.OperandType, override *driver.OperandType, buf []byte, length uint32) errs.Code {
	if b.started {
		return errs.BadState
	}
	// Inputs allow a nil buffer only when an override is provided (fully
	// unspecified path); outputs always allow nil (size discovery).
	if buf == nil && !b.isOutput && override == nil {
		return errs.BadData
	}
	// allowUnspecified mirrors ExecutionBuilder::checkDimensionInfo's flag:
	// outputs always allow an unspecified operand type; inputs allow it
	// only when no data buffer is actually being attached.
	allowUnspecified := b.isOutput || buf == nil
	if err := checkDimensionOverride(operand, override, allowUnspecified); err != nil {
		return errs.BadData
	}
	if uint64(length) > MaxLength {
		return errs.BadData
	}
	if b.state != Unspecified {
		return errs.BadData
	}
	dims := operand.Dimensions
	if override != nil {
		dims = override.Dimensions
	}
	b.state = Pointer
	b.effectiveDimensions = dims
	b.buffer = buf
	b.lengthBytes = length
	if buf == nil {
		b.state = NoValue
	}
	return errs.NoError
}

// BindMemory implements spec.md §4.1's bind-memory operation.
func (b *Binding) BindMemory(operand driver.OperandType, override *driver.OperandType, pool driver.MemoryPool, poolIndex int, offset, length uint32) errs.Code {
	if b.started {
		return errs.BadState
	}
	allowUnspecified := b.isOutput
	if err := checkDimensionOverride(operand, override, allowUnspecified); err != nil {
		return errs.BadData
	}
	if uint64(length) > MaxLength {
		return errs.BadData
	}
	if b.state != Unspecified {
		return errs.BadData
	}
	kind := driver.IOInput
	if b.isOutput {
		kind = driver.IOOutput
	}
	effectiveLength, ok := pool.Validate(kind, poolIndex, override, offset, length)
	if !ok {
		return errs.BadData
	}
	dims := operand.Dimensions
	if override != nil {
		dims = override.Dimensions
	}
	b.state = Memory
	b.effectiveDimensions = dims
	b.pool = pool
	b.poolIndex = poolIndex
	b.offset = offset
	b.lengthBytes = effectiveLength
	return errs.NoError
}

// MarkUnspecified resets a fresh binding back to Unspecified; primarily a
// test/documentation helper matching spec.md's mark-unspecified() name.
func (b *Binding) MarkUnspecified() {
	if b.started {
		return
	}
	*b = Binding{state: Unspecified, isSufficient: true, isOutput: b.isOutput}
}

// InitialOutputShape returns the (dimensions, is-sufficient=true) shape the
// engine seeds outputShapes with before the step loop begins (spec.md
// §4.5 step 1 / ExecutionBuilder::getInitialOutputShapes). A NoValue slot
// contributes an empty dimensions vector, matching the original's
// "state != HAS_NO_VALUE" gate.
func (b *Binding) InitialOutputShape() driver.OutputShape {
	if b.state == NoValue {
		return driver.OutputShape{Dimensions: nil, IsSufficient: true}
	}
	return driver.OutputShape{Dimensions: b.effectiveDimensions, IsSufficient: true}
}
