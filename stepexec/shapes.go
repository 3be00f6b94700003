package stepexec

import (
	"fmt"

	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/dynamictemp"
	"github.com/tsawler/inferexec/errs"
)

// UpdateResult aggregates the flags spec.md §4.6 asks the engine to act on.
type UpdateResult struct {
	UpdatedDynamicTemporary bool
	MainOutputInsufficient  bool
	ZeroSizedInput          bool
}

func (u UpdateResult) String() string {
	return fmt.Sprintf("{updatedDynamicTemporary=%v mainOutputInsufficient=%v zeroSizedInput=%v}",
		u.UpdatedDynamicTemporary, u.MainOutputInsufficient, u.ZeroSizedInput)
}

// operandIsTensor reports, for the i-th step output, whether its declared
// operand is tensor-typed, used by the driver-shape-vector contract check.
func (e *Executor) operandIsTensor(i int) bool {
	if i < 0 || i >= len(e.step.Outputs) {
		return true
	}
	return e.step.Outputs[i].Operand.IsTensor()
}

// UpdateOutputShapes merges a step's reported output shapes into the
// engine's global outputShapes vector and the dynamic-temporary table,
// implementing spec.md §4.6 exactly. The rejection of rank queries on
// scalar outputs (SPEC_FULL.md §12) lives in engine.Engine.OutputRank, not
// here.
//
// to is mutated in place: to[j] is overwritten for every step output j that
// maps to a main-model output.
func (e *Executor) UpdateOutputShapes(code errs.Code, from []driver.OutputShape, to []driver.OutputShape) (UpdateResult, error) {
	var result UpdateResult

	if err := driver.ValidateOutputShapes(code, len(e.step.Outputs), from, e.operandIsTensor); err != nil {
		return result, err
	}
	if len(from) == 0 {
		return result, nil
	}

	for i, shape := range from {
		if mainIdx, ok := e.step.OutputIndexToMainModel[i]; ok {
			if mainIdx < 0 || mainIdx >= len(to) {
				return result, fmt.Errorf("stepexec: main output index %d out of range", mainIdx)
			}
			if !driver.IsUpdatable(to[mainIdx].Dimensions, shape.Dimensions) {
				return result, fmt.Errorf("stepexec: output#%d dims %v not updatable from %v", i, shape.Dimensions, to[mainIdx].Dimensions)
			}
			to[mainIdx] = shape
			if !shape.IsSufficient {
				result.MainOutputInsufficient = true
			}
			if e.step.DownstreamInputOutputs[mainIdx] && driver.IsZeroSizedTensor(code, shape) {
				result.ZeroSizedInput = true
			}
		}

		if tempKey, ok := e.step.TempsAsStepOutputs[i]; ok {
			operand := driver.OperandType{}
			if i < len(e.step.Outputs) {
				operand = e.step.Outputs[i].Operand
			}
			if err := e.mergeTemporary(code, tempKey, shape, operand, &result); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (e *Executor) mergeTemporary(code errs.Code, key dynamictemp.Key, shape driver.OutputShape, operand driver.OperandType, result *UpdateResult) error {
	if e.globals.Temps == nil {
		return nil
	}
	entry, ok := e.globals.Temps.Lookup(key)
	if !ok {
		return nil
	}
	if !driver.IsUpdatable(entry.Dimensions, shape.Dimensions) {
		return fmt.Errorf("stepexec: temporary %+v dims %v not updatable from %v", key, shape.Dimensions, entry.Dimensions)
	}

	actualSize := operand.SizeOf(shape.Dimensions)
	var changed bool
	var err error
	switch {
	case actualSize > 0:
		changed, err = e.globals.Temps.Redeclare(key, shape.Dimensions, actualSize)
	case !shape.IsSufficient:
		if entry.LengthBytes >= dynamictemp.MaxLength {
			return fmt.Errorf("stepexec: temporary %+v length overflow on doubling", key)
		}
		changed, err = e.globals.Temps.Redeclare(key, shape.Dimensions, entry.LengthBytes*2)
	default:
		// Not fully specified, but sufficient: no information gained.
		if code == errs.NoError {
			if !driver.IsZeroSizedTensor(code, shape) {
				return fmt.Errorf("stepexec: temporary %+v expected zero-sized shape, got %v", key, shape.Dimensions)
			}
			result.ZeroSizedInput = true
		}
		return nil
	}
	if err != nil {
		return err
	}
	if changed {
		result.UpdatedDynamicTemporary = true
	}
	return nil
}
