// Package stepexec implements StepExecutor: the execution attempt for one
// partition of a plan on one device (spec.md §4.3).
package stepexec

import (
	"github.com/tsawler/inferexec/binding"
	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/dynamictemp"
)

// ArgSource identifies where a step's input or output actually lives.
type ArgSource int

const (
	// FromGlobalBinding reads/writes the engine's global ArgumentBinding
	// table (a main-model input or output).
	FromGlobalBinding ArgSource = iota
	// FromTemporary reads/writes an entry in the DynamicTemporaryTable (an
	// inter-step intermediate).
	FromTemporary
	// StepLocalConstant is a step-baked-in constant that never touches the
	// global binding table or the temporary table.
	StepLocalConstant
)

// ArgRef describes one of a step's inputs or outputs: which global slot or
// temporary it maps to. Which main-model output a step output feeds is
// recorded on Step.OutputIndexToMainModel, not here.
type ArgRef struct {
	Source ArgSource
	// GlobalIndex is valid when Source == FromGlobalBinding: the index into
	// the engine's input or output binding slice.
	GlobalIndex int
	// TempKey is valid when Source == FromTemporary.
	TempKey dynamictemp.Key
	// Operand is this argument's declared operand type within the step
	// model, used to compute a temporary's byte size from a reported shape
	// and to tell tensor outputs from scalar ones in the shape-vector check.
	Operand driver.OperandType
}

// Step is one partition's worth of work: the plan-provided input/output
// mapping plus the device and prepared-model handle to run it on
// (spec.md §3, "Each controller-yielded step declares...").
type Step struct {
	Index             int
	SourceModelIndex  int
	IsCPUDevice       bool
	PreparedModel     driver.PreparedModel
	Inputs            []ArgRef
	Outputs           []ArgRef
	// OutputIndexToMainModel maps step-output index -> main-model output
	// index, for the subset of step outputs that feed a main-model output
	// directly (spec.md §3: "mapping from step-output index back to
	// main-model output index").
	OutputIndexToMainModel map[int]int
	// TempsAsStepOutputs maps a step-output index producing a dynamic
	// temporary to that temporary's key.
	TempsAsStepOutputs map[int]dynamictemp.Key
	// DownstreamInputOutputs is the set of main-model output indices that
	// are also consumed as another step's input (spec.md §4.5's
	// "zero-sized downstream input" classification).
	DownstreamInputOutputs map[int]bool
	// ConsumedTemps lists the dynamic temporaries this step reads, used by
	// StepExecutor.AreDynamicTemporariesAllocated.
	ConsumedTemps []dynamictemp.Key
}

// GlobalBindings is the view a Step's ArgRefs resolve against: the engine's
// full input and output binding slices, plus the dynamic temporary table.
type GlobalBindings struct {
	Inputs  []*binding.Binding
	Outputs []*binding.Binding
	Temps   *dynamictemp.Table
}
