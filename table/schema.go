// Package table maintains the column-typed output table: it consumes
// ordered batches of completed slices, materializes one typed array per
// column, detects column type changes (triggering a schema rebuild), and
// hands finished snapshots to a publish transport.
package table

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/slaclab/bsas/errors"
	"github.com/slaclab/bsas/value"
)

// mangleName adjusts a signal name to be a valid output field name,
// [A-Za-z_][A-Za-z0-9_]*. Empty names are rejected.
func mangleName(name string) (string, error) {
	if name == "" {
		return "", errors.ErrEmptyName
	}

	b := []byte(name)
	for i, c := range b {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case i != 0 && c >= '0' && c <= '9':
		case c == '_':
		default:
			b[i] = '_'
		}
	}
	return string(b), nil
}

// ColumnSpec describes one output column of the published table.
type ColumnSpec struct {
	Name    string `json:"name"` // mangled field name
	Label   string `json:"label"`
	Type    string `json:"type"` // wire element type: i8, i16, i32, f32, f64
	IsArray bool   `json:"array"`
}

// Schema is the published table structure. It is rebuilt on every retype
// and carries a fingerprint so consumers can cheaply detect structural
// change.
type Schema struct {
	Labels      []string     `json:"labels"`
	Columns     []ColumnSpec `json:"columns"`
	Fingerprint uint64       `json:"fingerprint,string"`
}

// fingerprintColumns hashes the ordered (name, type, shape) column list.
func fingerprintColumns(cols []ColumnSpec) uint64 {
	d := xxhash.New()
	for _, c := range cols {
		_, _ = d.WriteString(c.Name)
		shape := byte(0)
		if c.IsArray {
			shape = 1
		}
		_, _ = d.Write([]byte{0, shape})
		_, _ = d.WriteString(c.Type)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// ColumnData is one materialized output column for a batch. For scalar
// columns Data is a typed slice ([]int8 .. []float64) with one element per
// row; for array columns it is a []any whose entries are typed slices or
// nil for rows with no data.
type ColumnData struct {
	Name string
	Data any
}

// Snapshot is one published table update: N rows of aligned, typed values
// plus the per-row split timestamps. Seconds are shifted to the POSIX
// epoch.
type Snapshot struct {
	Schema  *Schema
	NumRows int
	Seconds []uint32
	Nanos   []uint32
	Columns []ColumnData
}

// Publisher is the downstream publish transport. Open (re-)publishes the
// schema and must be called before Post is honored; Post delivers one
// snapshot. Implementations return errors.ErrNotOpen from Post when Open
// has not happened yet.
type Publisher interface {
	Open(schema *Schema) error
	Post(snap *Snapshot) error
	Close() error
}

// elemTypeName is the wire spelling of an element type.
func elemTypeName(t value.ElemType) string {
	switch t {
	case value.TypeInt8, value.TypeInt16, value.TypeInt32,
		value.TypeFloat32, value.TypeFloat64:
		return t.String()
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}
