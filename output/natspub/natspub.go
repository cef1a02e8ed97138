// Package natspub publishes the serialized table over NATS: schema
// documents on a schema subject whenever the table retypes, and row
// snapshots on the table subject. Large snapshot payloads are
// s2-compressed behind a one-byte frame header.
package natspub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/slaclab/bsas/errors"
	"github.com/slaclab/bsas/metric"
	"github.com/slaclab/bsas/pkg/retry"
	"github.com/slaclab/bsas/table"
)

// Frame headers. Every published table payload starts with one of these.
const (
	framePlain byte = 0x00 // JSON document follows
	frameS2    byte = 0x01 // s2-compressed JSON document follows
)

// DefaultCompressMin is the payload size at or above which snapshots are
// compressed.
const DefaultCompressMin = 4096

// Config holds configuration for the NATS table publisher.
type Config struct {
	Subject       string // table snapshots
	SchemaSubject string // schema documents, published on every retype
	CompressMin   int    // compress payloads at or above this size; <=0 uses DefaultCompressMin
}

// Deps holds runtime dependencies for the publisher.
type Deps struct {
	Table    string
	Config   Config
	Conn     *nats.Conn
	Logger   *slog.Logger
	Registry *metric.Registry
}

// Metrics holds Prometheus metrics for the table publisher.
type Metrics struct {
	snapshotsPublished prometheus.Counter
	schemasPublished   prometheus.Counter
	bytesPublished     prometheus.Counter
	compressedPayloads prometheus.Counter
	publishErrors      prometheus.Counter
}

func newMetrics(registry *metric.Registry, tbl string) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"table": tbl}
	m := &Metrics{
		snapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bsas", Subsystem: "natspub", Name: "snapshots_published_total",
			Help: "Table snapshots published", ConstLabels: labels,
		}),
		schemasPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bsas", Subsystem: "natspub", Name: "schemas_published_total",
			Help: "Schema documents published (one per retype)", ConstLabels: labels,
		}),
		bytesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bsas", Subsystem: "natspub", Name: "bytes_published_total",
			Help: "Payload bytes published after framing", ConstLabels: labels,
		}),
		compressedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bsas", Subsystem: "natspub", Name: "compressed_payloads_total",
			Help: "Snapshots published with s2 compression", ConstLabels: labels,
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bsas", Subsystem: "natspub", Name: "publish_errors_total",
			Help: "Failed publish attempts", ConstLabels: labels,
		}),
	}

	serviceName := "natspub_" + tbl
	registry.ReplaceCounter(serviceName, "snapshots_published", m.snapshotsPublished)
	registry.ReplaceCounter(serviceName, "schemas_published", m.schemasPublished)
	registry.ReplaceCounter(serviceName, "bytes_published", m.bytesPublished)
	registry.ReplaceCounter(serviceName, "compressed_payloads", m.compressedPayloads)
	registry.ReplaceCounter(serviceName, "publish_errors", m.publishErrors)

	return m
}

// Publisher implements table.Publisher over a NATS connection.
type Publisher struct {
	tbl           string
	subject       string
	schemaSubject string
	compressMin   int
	conn          *nats.Conn
	logger        *slog.Logger
	metrics       *Metrics

	mu   sync.Mutex
	open bool
}

var _ table.Publisher = (*Publisher)(nil)

// New creates a NATS table publisher.
func New(deps Deps) *Publisher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "natspub", "table", deps.Table)
	}
	compressMin := deps.Config.CompressMin
	if compressMin <= 0 {
		compressMin = DefaultCompressMin
	}
	return &Publisher{
		tbl:           deps.Table,
		subject:       deps.Config.Subject,
		schemaSubject: deps.Config.SchemaSubject,
		compressMin:   compressMin,
		conn:          deps.Conn,
		logger:        logger,
		metrics:       newMetrics(deps.Registry, deps.Table),
	}
}

// Open publishes the schema document and arms the handle for Post.
func (p *Publisher) Open(schema *table.Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return errors.WrapInvalid(err, "natspub", "Open", "marshal schema")
	}

	if p.conn != nil && p.schemaSubject != "" {
		publish := func() error {
			return p.conn.Publish(p.schemaSubject, frame(framePlain, data))
		}
		if err := retry.Do(context.Background(), retry.Quick(), publish); err != nil {
			return errors.WrapTransient(err, "natspub", "Open", "publish schema")
		}
		if p.metrics != nil {
			p.metrics.schemasPublished.Inc()
		}
	}

	p.mu.Lock()
	p.open = true
	p.mu.Unlock()

	p.logger.Info("table endpoint opened",
		"subject", p.subject, "fingerprint", schema.Fingerprint)
	return nil
}

// Post publishes one snapshot. Returns errors.ErrNotOpen when Open has not
// happened yet (or after Close); the serializer tolerates that during
// startup and teardown races.
func (p *Publisher) Post(snap *table.Snapshot) error {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()

	if !open {
		return errors.ErrNotOpen
	}
	if p.conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "natspub", "Post", "publish snapshot")
	}

	data, err := json.Marshal(table.NewDoc(snap))
	if err != nil {
		return errors.WrapInvalid(err, "natspub", "Post", "marshal snapshot")
	}

	payload := frame(framePlain, data)
	if len(data) >= p.compressMin {
		payload = frame(frameS2, s2.Encode(nil, data))
		if p.metrics != nil {
			p.metrics.compressedPayloads.Inc()
		}
	}

	if err := p.conn.Publish(p.subject, payload); err != nil {
		if p.metrics != nil {
			p.metrics.publishErrors.Inc()
		}
		return errors.WrapTransient(err, "natspub", "Post", "publish snapshot")
	}

	if p.metrics != nil {
		p.metrics.snapshotsPublished.Inc()
		p.metrics.bytesPublished.Add(float64(len(payload)))
	}
	return nil
}

// Close disarms the handle. Subsequent Posts report ErrNotOpen until the
// next Open.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
	return nil
}

// frame prefixes a payload with its one-byte header.
func frame(header byte, data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, header)
	return append(out, data...)
}

// DecodePayload strips the frame header and decompresses if needed. The
// inverse of the framing applied by Post and Open; consumers and tests
// share it.
func DecodePayload(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "natspub", "DecodePayload", "empty payload")
	}
	switch payload[0] {
	case framePlain:
		return payload[1:], nil
	case frameS2:
		data, err := s2.Decode(nil, payload[1:])
		if err != nil {
			return nil, errors.WrapInvalid(err, "natspub", "DecodePayload", "s2 decode")
		}
		return data, nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "natspub", "DecodePayload", "unknown frame header")
	}
}
