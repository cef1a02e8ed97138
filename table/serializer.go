package table

import (
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slaclab/bsas/collector"
	"github.com/slaclab/bsas/errors"
	"github.com/slaclab/bsas/metric"
	"github.com/slaclab/bsas/value"
)

// Deps holds runtime dependencies for the serializer.
type Deps struct {
	Table     string           // table name, used for logging and metric labels
	Publisher Publisher        // downstream publish transport
	Logger    *slog.Logger     // structured logger
	Registry  *metric.Registry // optional Prometheus registry
}

// Serializer consumes completed slices from a collector and maintains the
// column-typed output table. It implements collector.Receiver: Names runs on
// the goroutine that attaches it to a collector, Slices normally on the
// assembler goroutine; both take the serializer's own lock.
type Serializer struct {
	table  string
	pub    Publisher
	logger *slog.Logger

	rowsPublished prometheus.Counter

	mu          sync.Mutex
	columns     []column
	labels      []string
	retype      bool
	schema      *Schema
	notOpenSeen bool
}

var _ collector.Receiver = (*Serializer)(nil)

// New creates a serializer bound to the given publish transport.
func New(deps Deps) *Serializer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "table", "table", deps.Table)
	}

	s := &Serializer{
		table:  deps.Table,
		pub:    deps.Publisher,
		logger: logger,
		retype: true,
	}
	if deps.Registry != nil {
		s.rowsPublished = deps.Registry.CoreMetrics().RowsPublished.WithLabelValues(deps.Table)
	}
	return s
}

// Names rebuilds the column set for a new signal list. Every column starts
// as scalar f64 until its first update proves otherwise.
func (s *Serializer) Names(names []string) {
	cols := make([]column, len(names))
	labels := make([]string, 0, len(names)+2)

	for i, name := range names {
		fname, err := mangleName(name)
		if err != nil {
			// empty names are rejected by configuration; keep a
			// recognizable placeholder rather than crashing the assembler
			s.logger.Error("invalid signal name", "column", i, "error", err)
			fname = "_"
		}
		cols[i] = column{
			label:   name,
			fname:   fname,
			ftype:   value.TypeFloat64,
			isarray: false,
		}
		labels = append(labels, name)
	}
	labels = append(labels, "secondsPastEpoch", "nanoseconds")

	s.mu.Lock()
	s.columns = cols
	s.labels = labels
	s.schema = nil
	s.retype = true
	s.mu.Unlock()

	if s.pub != nil {
		if err := s.pub.Close(); err != nil {
			s.logger.Warn("close publish handle", "error", err)
		}
	}
}

// Slices serializes one ordered batch of completed slices and posts the
// snapshot. A column type change rebuilds the schema, re-opens the
// publish handle and drops the transitional batch.
func (s *Serializer) Slices(batch []collector.Slice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retype {
		s.retype = false
		s.rebuild()
	}

	snap := &Snapshot{
		Schema:  s.schema,
		NumRows: len(batch),
		Seconds: make([]uint32, len(batch)),
		Nanos:   make([]uint32, len(batch)),
		Columns: make([]ColumnData, len(s.columns)),
	}

	for r, slice := range batch {
		snap.Seconds[r] = slice.Key.PosixSeconds()
		snap.Nanos[r] = slice.Key.Nanoseconds()
	}

	for c := range s.columns {
		col := &s.columns[c]
		if col.copier == nil {
			continue
		}
		data, retype := col.copier.copy(col, batch, c)
		if retype {
			s.retype = true
			s.logger.Info("column type change",
				"column", col.fname,
				"type", elemTypeName(col.ftype),
				"array", col.isarray)
			continue
		}
		snap.Columns[c] = ColumnData{Name: col.fname, Data: data}
	}

	if s.retype {
		// transitional batch: the next delivery publishes under the new
		// schema; this one is dropped so no column width ever mismatches
		return
	}

	if s.pub == nil {
		return
	}
	if err := s.pub.Post(snap); err != nil {
		if stderrors.Is(err, errors.ErrNotOpen) {
			// startup race between Names and the first delivery; harmless
			if s.notOpenSeen {
				s.logger.Warn("post on unopened publish handle", "error", err)
			}
			s.notOpenSeen = true
			return
		}
		s.logger.Error("post snapshot", "rows", snap.NumRows, "error", err)
		return
	}

	if s.rowsPublished != nil && snap.NumRows > 0 {
		s.rowsPublished.Add(float64(snap.NumRows))
	}
}

// Schema returns the current published schema, or nil before the first
// rebuild.
func (s *Serializer) Schema() *Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema
}

// Close releases the publish handle.
func (s *Serializer) Close() error {
	if s.pub == nil {
		return nil
	}
	return s.pub.Close()
}

// rebuild regenerates the schema from the current column types, rebinds
// the copiers and re-opens the publish handle. Called with s.mu held.
func (s *Serializer) rebuild() {
	specs := make([]ColumnSpec, len(s.columns))
	for i := range s.columns {
		col := &s.columns[i]
		specs[i] = ColumnSpec{
			Name:    col.fname,
			Label:   col.label,
			Type:    elemTypeName(col.ftype),
			IsArray: col.isarray,
		}
		col.copier = bindCopier(col)
	}

	s.schema = &Schema{
		Labels:      append([]string(nil), s.labels...),
		Columns:     specs,
		Fingerprint: fingerprintColumns(specs),
	}

	if s.pub == nil {
		return
	}
	if err := s.pub.Close(); err != nil {
		s.logger.Warn("close publish handle before retype", "error", err)
	}
	if err := s.pub.Open(s.schema); err != nil {
		s.logger.Error("open publish handle", "error", err)
	}
	s.logger.Info("table schema rebuilt",
		"columns", len(specs), "fingerprint", s.schema.Fingerprint)
}
