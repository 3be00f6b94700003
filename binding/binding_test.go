package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/errs"
)

func tensorType(dims ...uint32) driver.OperandType {
	return driver.OperandType{Dimensions: dims, ElemSizeBytes: 4}
}

func TestBindPointer_InputRequiresOverrideWhenBufferNil(t *testing.T) {
	b := New(tensorType(1, 3, 224, 224), false)
	code := b.BindPointer(tensorType(1, 3, 224, 224), nil, nil, 0)
	assert.Equal(t, errs.BadData, code)
	assert.True(t, b.IsUnspecified())
}

func TestBindPointer_OutputAllowsNilForSizeDiscovery(t *testing.T) {
	b := New(tensorType(0, 0), true)
	code := b.BindPointer(tensorType(0, 0), nil, nil, 0)
	require.Equal(t, errs.NoError, code)
	assert.Equal(t, NoValue, b.State())
}

func TestBindPointer_OverrideTighteningZeroExtent(t *testing.T) {
	b := New(tensorType(0, 3, 224, 224), false)
	override := tensorType(1, 3, 224, 224)
	buf := make([]byte, 1*3*224*224*4)
	code := b.BindPointer(tensorType(0, 3, 224, 224), &override, buf, uint32(len(buf)))
	require.Equal(t, errs.NoError, code)
	assert.Equal(t, Pointer, b.State())
	assert.Equal(t, []uint32{1, 3, 224, 224}, b.Dimensions())
}

func TestBindPointer_OverrideContradictingConcreteExtentRejected(t *testing.T) {
	b := New(tensorType(1, 3, 224, 224), false)
	override := tensorType(2, 3, 224, 224)
	buf := make([]byte, 16)
	code := b.BindPointer(tensorType(1, 3, 224, 224), &override, buf, uint32(len(buf)))
	assert.Equal(t, errs.BadData, code)
}

func TestBindPointer_LengthCeiling(t *testing.T) {
	b := New(tensorType(0), true)
	code := b.BindPointer(tensorType(0), nil, nil, 0)
	require.Equal(t, errs.NoError, code)

	b2 := New(tensorType(4), false)
	buf := make([]byte, 4)
	// length == 2^32 doesn't fit in a uint32 parameter, so exercise the
	// ceiling via MaxLength directly: any uint32 value is legal, the
	// invariant lives in the type system here.
	code2 := b2.BindPointer(tensorType(4), nil, buf, uint32(len(buf)))
	require.Equal(t, errs.NoError, code2)
	assert.LessOrEqual(t, uint64(b2.LengthBytes()), MaxLength)
}

func TestBinding_ImmutableAfterStart(t *testing.T) {
	b := New(tensorType(4), false)
	b.MarkStarted()
	buf := make([]byte, 4)
	code := b.BindPointer(tensorType(4), nil, buf, 4)
	assert.Equal(t, errs.BadState, code)
	assert.True(t, b.IsUnspecified())
}

func TestBindPointer_DoubleBindRejected(t *testing.T) {
	b := New(tensorType(4), false)
	buf := make([]byte, 4)
	require.Equal(t, errs.NoError, b.BindPointer(tensorType(4), nil, buf, 4))
	assert.Equal(t, errs.BadData, b.BindPointer(tensorType(4), nil, buf, 4))
}

type fakePool struct {
	validateLen   uint32
	validateOK    bool
	dimsOK        bool
	seenPoolIndex int
}

func (p *fakePool) Validate(_ driver.IOKind, poolIndex int, _ *driver.OperandType, _, _ uint32) (uint32, bool) {
	p.seenPoolIndex = poolIndex
	return p.validateLen, p.validateOK
}
func (p *fakePool) ValidateInputDimensions([]uint32) bool  { return p.dimsOK }
func (p *fakePool) UpdateMetadata([]uint32) bool           { return true }
func (p *fakePool) SetInitialized(bool)                    {}
func (p *fakePool) CreatedWithUnknownShape() bool          { return false }
func (p *fakePool) HasDeviceBuffer() bool                  { return false }
func (p *fakePool) GetDeviceBuffer() (uintptr, bool)       { return 0, false }
func (p *fakePool) GetHostMemory() []byte                  { return nil }
func (p *fakePool) LogicalSize() uint32                    { return p.validateLen }
func (p *fakePool) CopyDeviceToHost([]byte) error          { return nil }
func (p *fakePool) CopyHostToDevice([]byte) error          { return nil }

func TestBindMemory_DelegatesToPoolValidator(t *testing.T) {
	pool := &fakePool{validateLen: 64, validateOK: true}
	b := New(tensorType(4, 4), false)
	code := b.BindMemory(tensorType(4, 4), nil, pool, 0, 0, 0)
	require.Equal(t, errs.NoError, code)
	assert.Equal(t, uint32(64), b.LengthBytes())
}

func TestBindMemory_PassesRequestedPoolIndexToValidator(t *testing.T) {
	pool := &fakePool{validateLen: 64, validateOK: true}
	b := New(tensorType(4, 4), false)
	code := b.BindMemory(tensorType(4, 4), nil, pool, 3, 0, 0)
	require.Equal(t, errs.NoError, code)
	assert.Equal(t, 3, pool.seenPoolIndex)
	assert.Equal(t, 3, b.PoolIndex())
}

func TestBindMemory_PoolRejectsBinding(t *testing.T) {
	pool := &fakePool{validateOK: false}
	b := New(tensorType(4, 4), false)
	code := b.BindMemory(tensorType(4, 4), nil, pool, 0, 0, 0)
	assert.Equal(t, errs.BadData, code)
}

func TestInitialOutputShape_NoValueYieldsEmptyDims(t *testing.T) {
	b := New(tensorType(0), true)
	require.Equal(t, errs.NoError, b.BindPointer(tensorType(0), nil, nil, 0))
	shape := b.InitialOutputShape()
	assert.Nil(t, shape.Dimensions)
	assert.True(t, shape.IsSufficient)
}
