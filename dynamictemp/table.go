// Package dynamictemp implements DynamicTemporaryTable: the record of
// runtime-learned sizes for inter-step temporaries whose shape is not known
// until a driver reports it (spec.md §4.2).
package dynamictemp

import "fmt"

// MaxLength is the overflow sentinel from spec.md §3: "length < 2^31" so
// that doubling an under-specified estimate can never wrap uint32.
const MaxLength = uint32(1) << 31

// Key identifies one temporary by the source model that declares it and its
// operand index within that model (spec.md §4.2: "(source-model-id,
// operand-id)").
type Key struct {
	SourceModelID int
	OperandID     int
}

// Entry is the current estimate for one temporary (spec.md §3).
type Entry struct {
	Dimensions       []uint32
	LengthBytes      uint32
	AllocatedForStep int // -1 until finalized

	// buffer is the lazily-grown host staging buffer backing this
	// temporary, per spec.md §4.3: "for temporaries not yet backed by
	// memory, allocates a staging buffer of size length from the
	// temporary table."
	buffer []byte
}

// Table is the DynamicTemporaryTable (spec.md §4.2). The zero value is a
// usable empty table.
type Table struct {
	entries map[Key]*Entry
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[Key]*Entry)}
}

// Empty reports whether the table has no entries, mirroring the original's
// mDynamicTemporaries->empty() short-circuit in the shape-propagation path.
func (t *Table) Empty() bool { return len(t.entries) == 0 }

// Lookup returns the current estimate for key, or (nil, false) if none has
// been declared yet.
func (t *Table) Lookup(key Key) (*Entry, bool) {
	e, ok := t.entries[key]
	return e, ok
}

// Declare registers the initial estimate for a temporary the plan has not
// seen before; it is a no-op if the key is already present (a plan should
// declare a temporary before the first step that produces it runs).
func (t *Table) Declare(key Key, dims []uint32, length uint32) {
	if _, ok := t.entries[key]; ok {
		return
	}
	if t.entries == nil {
		t.entries = make(map[Key]*Entry)
	}
	t.entries[key] = &Entry{Dimensions: dims, LengthBytes: length, AllocatedForStep: -1}
}

// isUpdatable is the partial order from the glossary: b is updatable from a
// iff |a| == |b| (or |a| == 0) and for every index i, a[i] == b[i] or
// a[i] == 0.
func isUpdatable(to, from []uint32) bool {
	if len(to) == 0 {
		return true
	}
	if len(to) != len(from) {
		return false
	}
	for i := range to {
		if to[i] != from[i] && to[i] != 0 {
			return false
		}
	}
	return true
}

// Redeclare widens the entry at key, returning whether anything actually
// changed (spec.md §4.2). It returns an error if key is unknown — callers
// must Declare before the first Redeclare, since a temporary's existence is
// established by the plan, not discovered here.
func (t *Table) Redeclare(key Key, dims []uint32, length uint32) (changed bool, err error) {
	e, ok := t.entries[key]
	if !ok {
		return false, fmt.Errorf("dynamictemp: redeclare of unknown key %+v", key)
	}
	if !isUpdatable(e.Dimensions, dims) {
		return false, fmt.Errorf("dynamictemp: dimensions %v not updatable from %v", dims, e.Dimensions)
	}
	if length < e.LengthBytes {
		return false, fmt.Errorf("dynamictemp: length %d is a regression from %d", length, e.LengthBytes)
	}
	if length >= MaxLength {
		return false, fmt.Errorf("dynamictemp: length %d exceeds overflow sentinel %d", length, MaxLength)
	}

	changedDims := !dimsEqual(e.Dimensions, dims) && len(dims) > 0
	changedLength := length > e.LengthBytes
	if changedDims {
		e.Dimensions = dims
	}
	if changedLength {
		e.LengthBytes = length
	}
	return changedDims || changedLength, nil
}

func dimsEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MarkAllocated records that key's storage has been finalized as of stepID.
func (t *Table) MarkAllocated(key Key, stepID int) {
	if e, ok := t.entries[key]; ok {
		e.AllocatedForStep = stepID
	}
}

// EnsureBuffer returns a host-backed staging buffer for key sized to its
// current LengthBytes, growing (and reallocating) it if a previous
// redeclaration widened the length since it was last allocated.
func (t *Table) EnsureBuffer(key Key) ([]byte, error) {
	e, ok := t.entries[key]
	if !ok {
		return nil, fmt.Errorf("dynamictemp: EnsureBuffer of unknown key %+v", key)
	}
	if uint32(len(e.buffer)) < e.LengthBytes {
		e.buffer = make([]byte, e.LengthBytes)
	}
	return e.buffer, nil
}

// Allocated reports whether every temporary consumed by stepID has a
// finalized allocation (spec.md §4.2). keys lists the temporaries the given
// step consumes; a step that consumes none is trivially allocated.
func (t *Table) Allocated(stepID int, keys []Key) bool {
	for _, k := range keys {
		e, ok := t.entries[k]
		if !ok || e.AllocatedForStep != stepID {
			return false
		}
	}
	return true
}
