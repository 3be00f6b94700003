package driver

import (
	"fmt"

	"github.com/tsawler/inferexec/errs"
)

// ValidateOutputShapes enforces the driver shape-vector contract from
// spec.md §6. A violation must be treated as errs.OpFailed by the caller.
func ValidateOutputShapes(code errs.Code, outputCount int, shapes []OutputShape, outputIsTensor func(i int) bool) error {
	switch code {
	case errs.NoError:
		if len(shapes) != 0 && len(shapes) != outputCount {
			return fmt.Errorf("with code %s, shapes must be empty or length %d, got %d", code, outputCount, len(shapes))
		}
		for i, s := range shapes {
			if !s.IsSufficient {
				return fmt.Errorf("with code %s, output#%d unexpectedly marked insufficient", code, i)
			}
			if outputIsTensor != nil && outputIsTensor(i) && len(s.Dimensions) == 0 {
				return fmt.Errorf("with code %s, output#%d unexpectedly has zero rank", code, i)
			}
		}
	case errs.OutputInsufficientSize:
		if len(shapes) != outputCount {
			return fmt.Errorf("with code %s, shapes must be length %d, got %d", code, outputCount, len(shapes))
		}
		anyInsufficient := false
		for _, s := range shapes {
			if !s.IsSufficient {
				anyInsufficient = true
				break
			}
		}
		if !anyInsufficient {
			return fmt.Errorf("with code %s, at least one output shape must be marked insufficient", code)
		}
	default:
		if len(shapes) != 0 {
			return fmt.Errorf("with code %s, shapes must be empty, got %d", code, len(shapes))
		}
	}
	return nil
}

// IsUpdatable is the partial order from the glossary: b is updatable from a
// iff |a| == |b| (or |a| == 0) and for every index i, a[i] == b[i] or
// a[i] == 0. Duplicated here (in addition to dynamictemp's copy) because
// both packages need it without importing each other; keep them in sync.
func IsUpdatable(to, from []uint32) bool {
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

// IsZeroSizedTensor reports whether a NO_ERROR, sufficient shape contains a
// zero extent (spec.md §4.5's zero-sized-downstream-input detection).
func IsZeroSizedTensor(code errs.Code, shape OutputShape) bool {
	if code != errs.NoError || !shape.IsSufficient || len(shape.Dimensions) == 0 {
		return false
	}
	for _, d := range shape.Dimensions {
		if d == 0 {
			return true
		}
	}
	return false
}
