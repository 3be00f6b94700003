package dynamictemp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedeclare_WidensLengthAndDims(t *testing.T) {
	tab := New()
	key := Key{SourceModelID: 0, OperandID: 1}
	tab.Declare(key, []uint32{0}, 64)

	changed, err := tab.Redeclare(key, []uint32{16}, 128)
	require.NoError(t, err)
	assert.True(t, changed)

	entry, ok := tab.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, []uint32{16}, entry.Dimensions)
	assert.Equal(t, uint32(128), entry.LengthBytes)
}

func TestRedeclare_IdempotentWhenNothingChanges(t *testing.T) {
	tab := New()
	key := Key{SourceModelID: 0, OperandID: 1}
	tab.Declare(key, []uint32{16}, 128)

	changed, err := tab.Redeclare(key, []uint32{16}, 128)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRedeclare_RejectsLengthRegression(t *testing.T) {
	tab := New()
	key := Key{SourceModelID: 0, OperandID: 1}
	tab.Declare(key, []uint32{16}, 128)

	_, err := tab.Redeclare(key, []uint32{16}, 64)
	assert.Error(t, err)
}

func TestRedeclare_RejectsNonUpdatableDims(t *testing.T) {
	tab := New()
	key := Key{SourceModelID: 0, OperandID: 1}
	tab.Declare(key, []uint32{16}, 128)

	_, err := tab.Redeclare(key, []uint32{32}, 128)
	assert.Error(t, err)
}

func TestRedeclare_UnknownKeyErrors(t *testing.T) {
	tab := New()
	_, err := tab.Redeclare(Key{SourceModelID: 9, OperandID: 9}, []uint32{1}, 4)
	assert.Error(t, err)
}

func TestRedeclare_OverflowSentinel(t *testing.T) {
	tab := New()
	key := Key{SourceModelID: 0, OperandID: 1}
	tab.Declare(key, []uint32{0}, MaxLength-1)

	_, err := tab.Redeclare(key, []uint32{0}, MaxLength)
	assert.Error(t, err)
}

func TestAllocated_TracksPerStep(t *testing.T) {
	tab := New()
	key := Key{SourceModelID: 0, OperandID: 1}
	tab.Declare(key, []uint32{16}, 64)

	assert.False(t, tab.Allocated(2, []Key{key}))
	tab.MarkAllocated(key, 2)
	assert.True(t, tab.Allocated(2, []Key{key}))
	assert.False(t, tab.Allocated(3, []Key{key}))
}

func TestEnsureBuffer_GrowsWithRedeclaration(t *testing.T) {
	tab := New()
	key := Key{SourceModelID: 0, OperandID: 1}
	tab.Declare(key, []uint32{0}, 8)

	buf, err := tab.EnsureBuffer(key)
	require.NoError(t, err)
	assert.Len(t, buf, 8)

	_, err = tab.Redeclare(key, []uint32{4}, 16)
	require.NoError(t, err)

	buf2, err := tab.EnsureBuffer(key)
	require.NoError(t, err)
	assert.Len(t, buf2, 16)
}

func TestEmpty(t *testing.T) {
	tab := New()
	assert.True(t, tab.Empty())
	tab.Declare(Key{SourceModelID: 0, OperandID: 0}, nil, 0)
	assert.False(t, tab.Empty())
}
