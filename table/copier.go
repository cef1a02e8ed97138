package table

import (
	"math"

	"github.com/slaclab/bsas/collector"
	"github.com/slaclab/bsas/value"
)

// column carries the per-signal serialization state: the mangled output
// field name, the current element type and shape, the last seen Value for
// backfill, and the copier bound to the current output field.
type column struct {
	label   string // original signal name
	fname   string // mangled output field name
	ftype   value.ElemType
	isarray bool
	last    *value.Value
	copier  colCopier
}

// colCopier materializes one column of a batch. It returns the column data
// and whether the column's observed type disagreed with its bound type, in
// which case the column's type/shape fields have been updated and the
// caller must rebuild the schema.
type colCopier interface {
	copy(col *column, batch []collector.Slice, coln int) (data any, retype bool)
}

// number constrains the supported element types.
type number interface {
	~int8 | ~int16 | ~int32 | ~float32 | ~float64
}

// scalarDefault is the cell value used when a column has no data for a
// row: zero for integers, NaN for floats.
func scalarDefault[T number]() T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return T(math.NaN())
	case float64:
		return T(math.NaN())
	}
	return zero
}

// scalarCopier fills a typed scalar output array, one element per row.
type scalarCopier[T number] struct{}

func (scalarCopier[T]) copy(col *column, batch []collector.Slice, coln int) (any, bool) {
	scratch := make([]T, len(batch))
	def := scalarDefault[T]()
	for i := range scratch {
		scratch[i] = def
	}

	for r, s := range batch {
		cell := s.Values[coln]

		if cell == nil && col.last != nil {
			// back fill from previous
			cell = col.last
		}

		if cell == nil || cell.Severity() > 3 {
			// disconnected; the default stays in place
			col.last = nil
			continue
		}

		if cell.Count() != 1 || cell.Type() != col.ftype {
			col.ftype = cell.Type()
			col.isarray = cell.Count() != 1
			col.last = nil
			return nil, true
		}

		elems, ok := cell.Elems().([]T)
		if !ok {
			// bound copier disagrees with the recorded type; force a rebind
			col.last = nil
			return nil, true
		}
		scratch[r] = elems[0]

		// NO backfill! Backfill obscures whether or not we missed an update.
		col.last = nil
	}

	return scratch, false
}

// arrayCopier fills a per-row slice of typed arrays. Unlike scalars,
// array backfill persists across rows.
type arrayCopier struct{}

func (arrayCopier) copy(col *column, batch []collector.Slice, coln int) (any, bool) {
	scratch := make([]any, len(batch))

	for r, s := range batch {
		cell := s.Values[coln]

		if cell == nil && col.last != nil {
			// back fill from previous
			cell = col.last
		}

		if cell == nil || cell.Severity() > 3 {
			// disconnected; the row stays empty
			col.last = nil
			continue
		}

		if cell.Type() != col.ftype {
			// always stays an array; never switches back to scalar
			col.ftype = cell.Type()
			col.last = nil
			return nil, true
		}

		scratch[r] = cell.Elems()
		col.last = cell
	}

	return scratch, false
}

// bindCopier selects the copier implementation for a column's current
// type and shape.
func bindCopier(col *column) colCopier {
	if col.isarray {
		return arrayCopier{}
	}
	switch col.ftype {
	case value.TypeInt8:
		return scalarCopier[int8]{}
	case value.TypeInt16:
		return scalarCopier[int16]{}
	case value.TypeInt32:
		return scalarCopier[int32]{}
	case value.TypeFloat32:
		return scalarCopier[float32]{}
	default:
		return scalarCopier[float64]{}
	}
}
