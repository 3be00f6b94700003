// Package driver defines the narrow interfaces the execution engine
// consumes from device drivers and memory-region implementations. Nothing
// in this package implements a device; it only describes the contract a
// prepared model and a memory pool must satisfy (spec.md §6).
package driver

import (
	"context"
	"time"

	"github.com/tsawler/inferexec/errs"
)

// TimingUnavailable is the sentinel a driver reports when it did not (or
// could not) measure a timing quantity. The engine preserves this sentinel
// across its microsecond→nanosecond conversion (spec.md §4.5).
const TimingUnavailable uint64 = ^uint64(0)

// Quantization carries the scale/zero-point pair for quantized operands.
// Zero value means "not quantized".
type Quantization struct {
	Scale      float32
	ZeroPoint  int32
	Quantized  bool
}

// OperandType is the consumed, not-owned operand descriptor from spec.md §3.
// A tensor with Dimensions == nil has unknown rank; a tensor with a non-nil
// Dimensions may still have individual zero extents denoting unknown sizes.
type OperandType struct {
	TypeTag      int32
	Dimensions   []uint32
	IsScalar     bool
	Quant        Quantization
	IsExtension  bool
	// ElemSizeBytes is the per-element byte size for a tensor type (or the
	// total size for a scalar type). It is a property of TypeTag that a
	// real operand-typing subsystem would resolve; the execution core only
	// needs the resulting size and treats this as opaque data supplied by
	// its caller.
	ElemSizeBytes uint32
}

// SizeOf computes the byte length of dims elements of this operand type, or
// 0 if the shape is not fully specified (any zero extent, or empty dims on
// a tensor), matching the original's TypeManager::getSizeOfData contract
// used by shape propagation (spec.md §4.6).
func (t OperandType) SizeOf(dims []uint32) uint32 {
	if t.IsScalar {
		return t.ElemSizeBytes
	}
	if len(dims) == 0 {
		return 0
	}
	size := t.ElemSizeBytes
	if size == 0 {
		size = 1
	}
	for _, d := range dims {
		if d == 0 {
			return 0
		}
		size *= d
	}
	return size
}

// IsTensor reports whether the operand is tensor-typed (as opposed to scalar).
func (t OperandType) IsTensor() bool { return !t.IsScalar }

// HasUnspecifiedDimensions reports whether the operand's declared type
// contains any unknown extent (rank or individual zero extent).
func (t OperandType) HasUnspecifiedDimensions() bool {
	if !t.IsTensor() {
		return false
	}
	if len(t.Dimensions) == 0 {
		return true
	}
	for _, d := range t.Dimensions {
		if d == 0 {
			return true
		}
	}
	return false
}

// OutputShape is the shape and sufficiency a step or the engine associates
// with one output slot (spec.md §3).
type OutputShape struct {
	Dimensions   []uint32
	IsSufficient bool
}

// Timing is a pair of driver-reported microsecond durations, using
// TimingUnavailable as "not measured" (spec.md §6).
type Timing struct {
	TimeOnDeviceUs uint64
	TimeInDriverUs uint64
}

// Unmeasured is the Timing value reported when measurement was not requested
// or not available.
var Unmeasured = Timing{TimeOnDeviceUs: TimingUnavailable, TimeInDriverUs: TimingUnavailable}

// ArgumentView is what the engine hands a driver for one input or output:
// either a raw pointer-backed view or a pool-backed view. At most one of
// Buffer or Pool is set, mirroring ArgumentBinding's POINTER/MEMORY split;
// neither is set for a NoValue output or a step-local constant.
type ArgumentView struct {
	Dimensions []uint32
	Buffer     []byte      // set when bound via bind-pointer
	Pool       MemoryPool  // set when bound via bind-memory
	PoolOffset uint32
	Length     uint32
	NoValue    bool // true for an output whose caller passed no buffer (size discovery only)
}

// FencedCallback lets the engine query timing for a fenced execution whose
// completion is observed through a sync fence rather than a return value
// (spec.md §6).
type FencedCallback interface {
	// GetExecutionInfo returns the terminal status and the two timing
	// records the original NNAPI driver contract exposes: timing measured
	// at launch time and timing measured once the fence actually signaled.
	GetExecutionInfo(ctx context.Context) (status errs.Code, launched Timing, fenced Timing, err error)
}

// PreparedModel is a driver-side artifact ready to execute one step model
// on one device (spec.md §6, "Prepared model" in the glossary).
type PreparedModel interface {
	// Execute runs the model synchronously (from the engine's perspective;
	// the driver may still do its own async dispatch internally).
	Execute(ctx context.Context, inputs, outputs []ArgumentView, measureTiming bool,
		loopTimeout time.Duration) (errs.Code, []OutputShape, Timing, error)

	// ExecuteFenced runs the model, returning as soon as the driver has
	// scheduled the work, plus a sync fd the caller can wait on and/or a
	// FencedCallback to query timing once the fence has signaled. A
	// negative syncFD with a nil callback means the driver already
	// completed synchronously.
	ExecuteFenced(ctx context.Context, inputs, outputs []ArgumentView, waitFDs []int,
		measureTiming bool, loopTimeout time.Duration, afterFenceTimeout time.Duration) (
		code errs.Code, syncFD int, callback FencedCallback, timing Timing, err error)
}

// MemoryPool is the subset of the memory-region interface the engine and
// StepExecutor consume (spec.md §6).
type MemoryPool interface {
	// Validate checks that a proposed (offset, length) binding of this pool,
	// with an optional overriding OperandType, is legal for the given
	// input/output slot. It reports the effective length to use (which may
	// differ from the requested length under the "entire region" convention).
	Validate(ioKind IOKind, index int, override *OperandType, offset, length uint32) (effectiveLength uint32, ok bool)

	// ValidateInputDimensions re-checks a bound input's current dimensions
	// against the pool's own metadata, called again right before start
	// (spec.md §4.5 and the ExecutionBuilder::compute recheck, see
	// SPEC_FULL.md §12).
	ValidateInputDimensions(dims []uint32) bool

	// UpdateMetadata refreshes the pool's recorded logical shape once the
	// engine has learned the final output shape.
	UpdateMetadata(dims []uint32) bool

	// SetInitialized marks whether the pool's contents are well-defined
	// after this execution.
	SetInitialized(ok bool)

	// CreatedWithUnknownShape reports whether this pool was allocated
	// without a known size (relevant to CPU-fallback shadow allocation).
	CreatedWithUnknownShape() bool

	// HasDeviceBuffer reports whether this pool is opaque device memory
	// that CPU fallback must shadow with a host-visible buffer.
	HasDeviceBuffer() bool

	// GetDeviceBuffer returns the opaque device-side handle, or ok == false
	// if this pool is already host memory.
	GetDeviceBuffer() (handle uintptr, ok bool)

	// GetHostMemory returns a directly addressable host byte slice, or
	// nil if this pool is device-only.
	GetHostMemory() []byte

	// LogicalSize returns the pool's declared size in bytes.
	LogicalSize() uint32

	// CopyDeviceToHost and CopyHostToDevice support the CPU-fallback
	// shadow-buffer copy phases (spec.md §4.3).
	CopyDeviceToHost(dst []byte) error
	CopyHostToDevice(src []byte) error
}

// IOKind distinguishes input slots from output slots for validator calls.
type IOKind int

const (
	IOInput IOKind = iota
	IOOutput
)

func (k IOKind) String() string {
	if k == IOInput {
		return "input"
	}
	return "output"
}
