// Package wstable serves published table rows to live WebSocket clients.
// It implements table.Publisher so a serializer can feed it (usually
// behind table.NewFanout alongside the NATS publisher); a newly connected
// client immediately receives the current schema. Slow clients are
// dropped, never allowed to block the assembler.
package wstable

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/slaclab/bsas/errors"
	"github.com/slaclab/bsas/metric"
	"github.com/slaclab/bsas/table"
)

// Envelope wraps every message sent to a client with type discrimination.
// Types: "schema" carries a table.Schema, "rows" carries a table.Doc.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// sendQueueDepth bounds the per-client outbound queue; a client that falls
// this far behind is disconnected.
const sendQueueDepth = 16

// Deps holds runtime dependencies for the WebSocket output.
type Deps struct {
	Table    string
	Addr     string // listen address, e.g. ":8081"
	Path     string // endpoint path, e.g. "/table"
	Logger   *slog.Logger
	Registry *metric.Registry
}

// Metrics holds Prometheus metrics for the WebSocket output.
type Metrics struct {
	clientsConnected prometheus.Gauge
	messagesSent     prometheus.Counter
	clientsDropped   prometheus.Counter
}

func newMetrics(registry *metric.Registry, tbl string) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"table": tbl}
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bsas", Subsystem: "wstable", Name: "clients_connected",
			Help: "Currently connected WebSocket clients", ConstLabels: labels,
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bsas", Subsystem: "wstable", Name: "messages_sent_total",
			Help: "Envelopes sent to WebSocket clients", ConstLabels: labels,
		}),
		clientsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bsas", Subsystem: "wstable", Name: "clients_dropped_total",
			Help: "Clients disconnected for falling behind", ConstLabels: labels,
		}),
	}

	serviceName := "wstable_" + tbl
	registry.RegisterGauge(serviceName, "clients_connected", m.clientsConnected)
	registry.RegisterCounter(serviceName, "messages_sent", m.messagesSent)
	registry.RegisterCounter(serviceName, "clients_dropped", m.clientsDropped)

	return m
}

// client is one connected WebSocket consumer with its outbound queue. The
// send channel is never closed; done signals teardown so a concurrent
// broadcast can never race a close.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Output is the WebSocket fan-out server.
type Output struct {
	tbl      string
	addr     string
	path     string
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	server    *http.Server
	running   atomic.Bool
	clientsMu sync.Mutex
	clients   map[*client]struct{}

	mu         sync.Mutex
	open       bool
	lastSchema []byte // pre-marshaled schema envelope for late joiners
}

var _ table.Publisher = (*Output)(nil)

// New creates the WebSocket output. Start launches the server.
func New(deps Deps) *Output {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "wstable", "table", deps.Table)
	}
	path := deps.Path
	if path == "" {
		path = "/table"
	}

	return &Output{
		tbl:     deps.Table,
		addr:    deps.Addr,
		path:    path,
		logger:  logger,
		metrics: newMetrics(deps.Registry, deps.Table),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start launches the HTTP server and blocks until it exits.
func (o *Output) Start() error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "wstable", "Start", "start server")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(o.path, o.handleClient)
	o.server = &http.Server{Addr: o.addr, Handler: mux}

	o.logger.Info("serving table stream", "addr", o.addr, "path", o.path)
	if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		o.running.Store(false)
		return errors.WrapTransient(err, "wstable", "Start", "serve")
	}
	return nil
}

// Stop shuts the server down and disconnects all clients.
func (o *Output) Stop(ctx context.Context) error {
	if !o.running.CompareAndSwap(true, false) {
		return nil
	}

	o.clientsMu.Lock()
	for c := range o.clients {
		c.close()
	}
	o.clients = make(map[*client]struct{})
	o.clientsMu.Unlock()

	if o.server == nil {
		return nil
	}
	if err := o.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "wstable", "Stop", "shutdown server")
	}
	return nil
}

// Open broadcasts the new schema and remembers it for late joiners.
func (o *Output) Open(schema *table.Schema) error {
	env, err := envelope("schema", schema)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.open = true
	o.lastSchema = env
	o.mu.Unlock()

	o.broadcast(env)
	return nil
}

// Post broadcasts one batch of rows.
func (o *Output) Post(snap *table.Snapshot) error {
	o.mu.Lock()
	open := o.open
	o.mu.Unlock()
	if !open {
		return errors.ErrNotOpen
	}

	env, err := envelope("rows", table.NewDoc(snap))
	if err != nil {
		return err
	}
	o.broadcast(env)
	return nil
}

// Close disarms the handle; connected clients stay attached and receive
// the next schema after a retype re-opens it.
func (o *Output) Close() error {
	o.mu.Lock()
	o.open = false
	o.mu.Unlock()
	return nil
}

// handleClient upgrades one HTTP request and services its outbound queue.
func (o *Output) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Warn("websocket upgrade", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendQueueDepth),
		done: make(chan struct{}),
	}

	o.mu.Lock()
	schema := o.lastSchema
	o.mu.Unlock()
	if schema != nil {
		c.send <- schema
	}

	o.clientsMu.Lock()
	o.clients[c] = struct{}{}
	n := len(o.clients)
	o.clientsMu.Unlock()
	if o.metrics != nil {
		o.metrics.clientsConnected.Set(float64(n))
	}
	o.logger.Info("client connected", "remote", conn.RemoteAddr().String(), "clients", n)

	go o.writeLoop(c)
	go o.readLoop(c)
}

// writeLoop drains one client's queue onto its connection.
func (o *Output) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				o.dropClient(c, "write error")
				return
			}
			if o.metrics != nil {
				o.metrics.messagesSent.Inc()
			}
		}
	}
}

// readLoop discards inbound frames and notices disconnects.
func (o *Output) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			o.dropClient(c, "closed")
			return
		}
	}
}

// dropClient detaches and closes one client.
func (o *Output) dropClient(c *client, reason string) {
	o.clientsMu.Lock()
	_, present := o.clients[c]
	delete(o.clients, c)
	n := len(o.clients)
	o.clientsMu.Unlock()

	if !present {
		return
	}
	c.close()
	if o.metrics != nil {
		o.metrics.clientsConnected.Set(float64(n))
	}
	o.logger.Info("client detached", "reason", reason, "clients", n)
}

// broadcast queues one payload for every client, dropping those whose
// queue is full.
func (o *Output) broadcast(data []byte) {
	o.clientsMu.Lock()
	targets := make([]*client, 0, len(o.clients))
	for c := range o.clients {
		targets = append(targets, c)
	}
	o.clientsMu.Unlock()

	for _, c := range targets {
		select {
		case <-c.done:
		case c.send <- data:
		default:
			if o.metrics != nil {
				o.metrics.clientsDropped.Inc()
			}
			o.dropClient(c, "send queue full")
		}
	}
}

func envelope(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "wstable", "envelope", "marshal payload")
	}
	return json.Marshal(Envelope{Type: kind, Payload: raw})
}
