package table

import "math"

// Doc is the transport-neutral wire form of one published batch. Column
// arrays are keyed by mangled field name; scalar columns carry one element
// per row, array columns one (possibly null) array per row. NaN cells
// (the scalar default for a missed float update) serialize as null, since
// JSON has no NaN.
type Doc struct {
	Fingerprint uint64         `json:"fingerprint,string"`
	Rows        int            `json:"rows"`
	Seconds     []uint32       `json:"secondsPastEpoch"`
	Nanos       []uint32       `json:"nanoseconds"`
	Value       map[string]any `json:"value"`
}

// NewDoc flattens a snapshot into its wire form.
func NewDoc(snap *Snapshot) Doc {
	doc := Doc{
		Rows:    snap.NumRows,
		Seconds: snap.Seconds,
		Nanos:   snap.Nanos,
		Value:   make(map[string]any, len(snap.Columns)),
	}
	if snap.Schema != nil {
		doc.Fingerprint = snap.Schema.Fingerprint
	}
	for _, col := range snap.Columns {
		if col.Name == "" {
			continue
		}
		doc.Value[col.Name] = sanitizeColumn(col.Data)
	}
	return doc
}

// sanitizeColumn rewrites NaN elements as nil so the document survives
// JSON encoding.
func sanitizeColumn(data any) any {
	switch v := data.(type) {
	case []float64:
		if !hasNaN64(v) {
			return v
		}
		out := make([]any, len(v))
		for i, f := range v {
			if math.IsNaN(f) {
				continue
			}
			out[i] = f
		}
		return out
	case []float32:
		if !hasNaN32(v) {
			return v
		}
		out := make([]any, len(v))
		for i, f := range v {
			if math.IsNaN(float64(f)) {
				continue
			}
			out[i] = f
		}
		return out
	case []any:
		// array columns: sanitize each row's buffer
		for i, row := range v {
			if row != nil {
				v[i] = sanitizeColumn(row)
			}
		}
		return v
	default:
		return data
	}
}

func hasNaN64(v []float64) bool {
	for _, f := range v {
		if math.IsNaN(f) {
			return true
		}
	}
	return false
}

func hasNaN32(v []float32) bool {
	for _, f := range v {
		if math.IsNaN(float64(f)) {
			return true
		}
	}
	return false
}

// Fanout combines publishers so one serializer can feed several publish
// transports. Every call reaches each publisher in order and returns the
// first error seen, so a primary's error takes precedence over a secondary's
// and ErrNotOpen still reaches the serializer's startup-race handling.
type fanout []Publisher

// NewFanout builds a Publisher delegating to each of pubs in order.
func NewFanout(pubs ...Publisher) Publisher {
	return fanout(pubs)
}

func (f fanout) Open(schema *Schema) error {
	var first error
	for _, p := range f {
		if err := p.Open(schema); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) Post(snap *Snapshot) error {
	var first error
	for _, p := range f {
		if err := p.Post(snap); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) Close() error {
	var first error
	for _, p := range f {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
