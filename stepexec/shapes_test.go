package stepexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/inferexec/binding"
	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/dynamictemp"
	"github.com/tsawler/inferexec/errs"
)

func newExecutorForShapeTests(t *testing.T, step *Step) *Executor {
	t.Helper()
	return New(step, GlobalBindings{
		Inputs:  nil,
		Outputs: []*binding.Binding{binding.New(driver.OperandType{Dimensions: []uint32{0, 0, 0, 0}}, true)},
		Temps:   dynamictemp.New(),
	})
}

func TestUpdateOutputShapes_MainOutputOverwritten(t *testing.T) {
	step := &Step{
		Outputs:                []ArgRef{{Operand: driver.OperandType{Dimensions: []uint32{0, 0, 0, 0}}}},
		OutputIndexToMainModel: map[int]int{0: 0},
	}
	e := newExecutorForShapeTests(t, step)
	to := []driver.OutputShape{{Dimensions: []uint32{0, 0, 0, 0}, IsSufficient: true}}

	result, err := e.UpdateOutputShapes(errs.NoError, []driver.OutputShape{
		{Dimensions: []uint32{1, 3, 224, 224}, IsSufficient: true},
	}, to)
	require.NoError(t, err)
	assert.False(t, result.MainOutputInsufficient)
	assert.Equal(t, []uint32{1, 3, 224, 224}, to[0].Dimensions)
}

func TestUpdateOutputShapes_MainOutputInsufficient(t *testing.T) {
	step := &Step{
		Outputs:                []ArgRef{{Operand: driver.OperandType{Dimensions: []uint32{0}}}},
		OutputIndexToMainModel: map[int]int{0: 0},
	}
	e := newExecutorForShapeTests(t, step)
	to := []driver.OutputShape{{Dimensions: []uint32{0}, IsSufficient: true}}

	result, err := e.UpdateOutputShapes(errs.OutputInsufficientSize, []driver.OutputShape{
		{Dimensions: []uint32{16}, IsSufficient: false},
	}, to)
	require.NoError(t, err)
	assert.True(t, result.MainOutputInsufficient)
	assert.False(t, to[0].IsSufficient)
}

func TestUpdateOutputShapes_TemporaryGrowsOnInsufficientSize(t *testing.T) {
	key := dynamictemp.Key{SourceModelID: 0, OperandID: 5}
	temps := dynamictemp.New()
	temps.Declare(key, []uint32{0}, 64)

	step := &Step{
		Outputs:            []ArgRef{{Operand: driver.OperandType{Dimensions: []uint32{0}, ElemSizeBytes: 4}}},
		TempsAsStepOutputs: map[int]dynamictemp.Key{0: key},
	}
	e := New(step, GlobalBindings{Temps: temps})
	to := []driver.OutputShape{}

	result, err := e.UpdateOutputShapes(errs.OutputInsufficientSize, []driver.OutputShape{
		{Dimensions: []uint32{0}, IsSufficient: false},
	}, to)
	require.NoError(t, err)
	assert.True(t, result.UpdatedDynamicTemporary)

	entry, ok := temps.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, uint32(128), entry.LengthBytes)
}

func TestUpdateOutputShapes_TemporaryRedeclaredWithKnownSize(t *testing.T) {
	key := dynamictemp.Key{SourceModelID: 0, OperandID: 5}
	temps := dynamictemp.New()
	temps.Declare(key, []uint32{0}, 64)

	step := &Step{
		Outputs:            []ArgRef{{Operand: driver.OperandType{Dimensions: []uint32{0}, ElemSizeBytes: 4}}},
		TempsAsStepOutputs: map[int]dynamictemp.Key{0: key},
	}
	e := New(step, GlobalBindings{Temps: temps})

	result, err := e.UpdateOutputShapes(errs.NoError, []driver.OutputShape{
		{Dimensions: []uint32{16}, IsSufficient: true},
	}, nil)
	require.NoError(t, err)
	assert.True(t, result.UpdatedDynamicTemporary)

	entry, ok := temps.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, uint32(64), entry.LengthBytes) // 16 * 4 bytes
	assert.Equal(t, []uint32{16}, entry.Dimensions)
}

func TestUpdateOutputShapes_ZeroSizedDownstreamInput(t *testing.T) {
	step := &Step{
		Outputs:                []ArgRef{{Operand: driver.OperandType{Dimensions: []uint32{0}}}},
		OutputIndexToMainModel: map[int]int{0: 0},
		DownstreamInputOutputs: map[int]bool{0: true},
	}
	e := newExecutorForShapeTests(t, step)
	to := []driver.OutputShape{{Dimensions: []uint32{0}, IsSufficient: true}}

	result, err := e.UpdateOutputShapes(errs.NoError, []driver.OutputShape{
		{Dimensions: []uint32{0}, IsSufficient: true},
	}, to)
	require.NoError(t, err)
	assert.True(t, result.ZeroSizedInput)
}

func TestUpdateOutputShapes_TemporaryDoublingGuardMatchesOverflowSentinelNotHalfOfIt(t *testing.T) {
	key := dynamictemp.Key{SourceModelID: 0, OperandID: 5}
	temps := dynamictemp.New()
	// Declare directly at exactly half the overflow sentinel (~1GB): under
	// the old, too-strict guard (>= MaxLength/2) this length alone would
	// have tripped mergeTemporary's own "overflow on doubling" rejection
	// before ever reaching dynamictemp.Redeclare. Doubling it lands exactly
	// on MaxLength, which is still illegal per spec.md §3's "length < 2^31"
	// invariant, but that rejection now comes from Redeclare's own check,
	// not from a pre-check firing a full doubling-width too early.
	temps.Declare(key, []uint32{0}, dynamictemp.MaxLength/2)

	step := &Step{
		Outputs:            []ArgRef{{Operand: driver.OperandType{Dimensions: []uint32{0}, ElemSizeBytes: 4}}},
		TempsAsStepOutputs: map[int]dynamictemp.Key{0: key},
	}
	e := New(step, GlobalBindings{Temps: temps})

	_, err := e.UpdateOutputShapes(errs.OutputInsufficientSize, []driver.OutputShape{
		{Dimensions: []uint32{0}, IsSufficient: false},
	}, nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "overflow on doubling")
	assert.Contains(t, err.Error(), "exceeds overflow sentinel")
}

func TestUpdateOutputShapes_TemporaryDoublingGuardFiresAtTrueOverflowRisk(t *testing.T) {
	key := dynamictemp.Key{SourceModelID: 0, OperandID: 5}
	temps := dynamictemp.New()
	// At or above the overflow sentinel itself, doubling would wrap a
	// uint32; this is exactly what the pre-check in mergeTemporary exists
	// to catch before the multiplication happens.
	temps.Declare(key, []uint32{0}, dynamictemp.MaxLength)

	step := &Step{
		Outputs:            []ArgRef{{Operand: driver.OperandType{Dimensions: []uint32{0}, ElemSizeBytes: 4}}},
		TempsAsStepOutputs: map[int]dynamictemp.Key{0: key},
	}
	e := New(step, GlobalBindings{Temps: temps})

	_, err := e.UpdateOutputShapes(errs.OutputInsufficientSize, []driver.OutputShape{
		{Dimensions: []uint32{0}, IsSufficient: false},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflow on doubling")
}

func TestUpdateOutputShapes_MalformedVectorRejected(t *testing.T) {
	step := &Step{
		Outputs:                []ArgRef{{}, {}},
		OutputIndexToMainModel: map[int]int{},
	}
	e := newExecutorForShapeTests(t, step)
	_, err := e.UpdateOutputShapes(errs.NoError, []driver.OutputShape{
		{Dimensions: []uint32{1}, IsSufficient: true},
	}, nil)
	assert.Error(t, err)
}
