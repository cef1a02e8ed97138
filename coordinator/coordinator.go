// Package coordinator owns one (signal list, collector, serializer) triple
// per table prefix. It applies signal-list changes by tearing down and
// rebuilding the pipeline, serves the signals/status control endpoints
// over NATS, and publishes a status table once per second.
package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/slaclab/bsas/collector"
	"github.com/slaclab/bsas/errors"
	signalinput "github.com/slaclab/bsas/input/signal"
	"github.com/slaclab/bsas/metric"
	"github.com/slaclab/bsas/natsclient"
	"github.com/slaclab/bsas/output/natspub"
	"github.com/slaclab/bsas/table"
	"github.com/slaclab/bsas/value"
)

// statusPeriod is the wakeup timeout driving periodic status publication.
const statusPeriod = time.Second

// Config holds the per-table coordinator configuration.
type Config struct {
	// Prefix roots every subject this table uses: <Prefix>.table,
	// <Prefix>.table.schema, <Prefix>.status, <Prefix>.signals.set,
	// <Prefix>.signals.get, <Prefix>.status.get.
	Prefix string
	// Signals is the initial column list.
	Signals []string
	// SignalSubjectPrefix roots the per-signal update subjects,
	// <SignalSubjectPrefix>.<name>. Defaults to <Prefix>.signal.
	SignalSubjectPrefix string
	// StaleAfter marks a silent signal disconnected; 0 disables.
	StaleAfter time.Duration
	// CompressMin forwards to the table publisher.
	CompressMin int
}

// Deps holds runtime dependencies for the coordinator.
type Deps struct {
	Client   *natsclient.Client
	Logger   *slog.Logger
	Registry *metric.Registry
	// ExtraPublishers join the NATS table publisher behind a fanout
	// (e.g. the WebSocket output).
	ExtraPublishers []table.Publisher
}

// Coordinator ties one table's sources, collector and serializer together.
type Coordinator struct {
	cfg        Config
	instanceID string
	client     *natsclient.Client
	logger     *slog.Logger
	registry   *metric.Registry
	extraPubs  []table.Publisher

	mu             sync.Mutex
	signals        []string
	signalsChanged bool
	running        bool
	coll           *collector.Collector
	ser            *table.Serializer
	sources        []*signalinput.Source
	lastStatus     *StatusDoc

	subs []*nats.Subscription

	wakeup chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New validates the configuration, builds the initial pipeline and starts
// the handler goroutine. Close must be called to stop it.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if cfg.Prefix == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "coordinator", "New", "prefix validation")
	}
	if err := validateSignals(cfg.Signals); err != nil {
		return nil, err
	}
	if cfg.SignalSubjectPrefix == "" {
		cfg.SignalSubjectPrefix = cfg.Prefix + ".signal"
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "coordinator", "prefix", cfg.Prefix)
	}

	c := &Coordinator{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		client:     deps.Client,
		logger:     logger,
		registry:   deps.Registry,
		extraPubs:  deps.ExtraPublishers,
		signals:    slices.Clone(cfg.Signals),
		running:    true,
		// pipeline is built on the handler's first pass
		signalsChanged: true,
		wakeup:         make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	if c.client != nil {
		c.client.OnDisconnect(c.connectionLost)
	}

	if err := c.subscribeControl(); err != nil {
		return nil, err
	}

	go c.handle()

	return c, nil
}

// Prefix returns the table's subject prefix.
func (c *Coordinator) Prefix() string { return c.cfg.Prefix }

// Signals returns the current column list.
func (c *Coordinator) Signals() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.signals)
}

// Collector returns the current collector, or nil between rebuilds.
func (c *Coordinator) Collector() *collector.Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coll
}

// SetSignals replaces the column set. The rebuild happens asynchronously
// on the handler goroutine.
func (c *Coordinator) SetSignals(names []string) error {
	if err := validateSignals(names); err != nil {
		return err
	}

	c.mu.Lock()
	if slices.Equal(names, c.signals) && !c.signalsChanged && c.coll != nil {
		// same list twice in a row: exactly one teardown/rebuild
		c.mu.Unlock()
		return nil
	}
	c.signals = slices.Clone(names)
	c.signalsChanged = true
	c.mu.Unlock()

	c.wake()
	return nil
}

// Close stops the handler and tears the pipeline down in the order
// sources, collector, serializer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stop)
	c.wake()
	<-c.done

	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil

	c.teardown()
}

func (c *Coordinator) wake() {
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}

// connectionLost fans a NATS connection loss out to every source adapter.
func (c *Coordinator) connectionLost(err error) {
	c.mu.Lock()
	sources := slices.Clone(c.sources)
	c.mu.Unlock()

	for _, s := range sources {
		s.ConnectionLost(err)
	}
}

// handle is the coordinator's handler goroutine: it applies signal-list
// changes and publishes the status table once per second.
func (c *Coordinator) handle() {
	defer close(c.done)

	timer := time.NewTimer(statusPeriod)
	defer timer.Stop()

	expire := false
	for {
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			return
		}
		changing := c.signalsChanged
		c.signalsChanged = false
		names := slices.Clone(c.signals)
		c.mu.Unlock()

		if changing {
			c.teardown()
			c.rebuild(names)
		}

		if expire || changing {
			c.publishStatus(changing)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(statusPeriod)

		select {
		case <-c.stop:
			return
		case <-c.wakeup:
			expire = false
		case <-timer.C:
			expire = true
		}
	}
}

// teardown closes sources first so no callback can race torn-down state,
// then joins the collector, then releases the serializer.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	sources := c.sources
	coll := c.coll
	ser := c.ser
	c.sources = nil
	c.coll = nil
	c.ser = nil
	c.mu.Unlock()

	for _, s := range sources {
		if err := s.Close(); err != nil {
			c.logger.Warn("close source", "signal", s.Name(), "error", err)
		}
	}
	if coll != nil {
		coll.Close()
	}
	if ser != nil {
		if err := ser.Close(); err != nil {
			c.logger.Warn("close serializer", "error", err)
		}
	}
}

// rebuild constructs a fresh pipeline for the given signal list and
// re-publishes the table endpoint.
func (c *Coordinator) rebuild(names []string) {
	coll := collector.New(names, collector.Deps{
		Table:    c.cfg.Prefix,
		Logger:   c.logger.With("component", "collector"),
		Registry: c.registry,
	})

	pub := table.Publisher(natspub.New(natspub.Deps{
		Table: c.cfg.Prefix,
		Config: natspub.Config{
			Subject:       c.cfg.Prefix + ".table",
			SchemaSubject: c.cfg.Prefix + ".table.schema",
			CompressMin:   c.cfg.CompressMin,
		},
		Conn:     c.conn(),
		Logger:   c.logger.With("component", "natspub"),
		Registry: c.registry,
	}))
	if len(c.extraPubs) > 0 {
		pub = table.NewFanout(append([]table.Publisher{pub}, c.extraPubs...)...)
	}

	ser := table.New(table.Deps{
		Table:     c.cfg.Prefix,
		Publisher: pub,
		Logger:    c.logger.With("component", "table"),
		Registry:  c.registry,
	})

	coll.AddReceiver(ser)
	ser.Slices(nil) // populate initial type and open the table endpoint

	sources := make([]*signalinput.Source, len(names))
	conn := c.conn()
	for i, name := range names {
		sources[i] = signalinput.New(signalinput.Deps{
			Name:       name,
			Subject:    c.cfg.SignalSubjectPrefix + "." + name,
			Queue:      coll.Queue(i),
			Conn:       conn,
			Logger:     c.logger.With("component", "signal", "signal", name),
			StaleAfter: c.cfg.StaleAfter,
		})
		if conn == nil {
			continue
		}
		if err := sources[i].Start(); err != nil {
			c.logger.Error("start source", "signal", name, "error", err)
		}
	}

	c.mu.Lock()
	c.coll = coll
	c.ser = ser
	c.sources = sources
	c.mu.Unlock()

	c.logger.Info("pipeline rebuilt", "signals", len(names))
}

// conn returns the live NATS connection, or nil when disconnected.
func (c *Coordinator) conn() *nats.Conn {
	if c.client == nil {
		return nil
	}
	return c.client.GetConnection()
}

// subscribeControl installs the signals/status control endpoints.
func (c *Coordinator) subscribeControl() error {
	conn := c.conn()
	if conn == nil {
		// control surface comes up with the connection; the Go API
		// (SetSignals, StatusSnapshot) remains available
		c.logger.Warn("no NATS connection; control endpoints disabled")
		return nil
	}

	setSub, err := conn.Subscribe(c.cfg.Prefix+".signals.set", func(msg *nats.Msg) {
		var names []string
		if err := json.Unmarshal(msg.Data, &names); err != nil {
			c.logger.Warn("reject malformed signal list", "error", err)
			c.respond(msg, map[string]string{"error": err.Error()})
			return
		}
		if err := c.SetSignals(names); err != nil {
			c.logger.Warn("reject signal list", "error", err)
			c.respond(msg, map[string]string{"error": err.Error()})
			return
		}
		c.respond(msg, map[string]string{"status": "ok"})
	})
	if err != nil {
		return errors.WrapTransient(err, "coordinator", "subscribeControl", "subscribe signals.set")
	}
	c.subs = append(c.subs, setSub)

	getSub, err := conn.Subscribe(c.cfg.Prefix+".signals.get", func(msg *nats.Msg) {
		c.respond(msg, c.Signals())
	})
	if err != nil {
		return errors.WrapTransient(err, "coordinator", "subscribeControl", "subscribe signals.get")
	}
	c.subs = append(c.subs, getSub)

	statusSub, err := conn.Subscribe(c.cfg.Prefix+".status.get", func(msg *nats.Msg) {
		c.mu.Lock()
		doc := c.lastStatus
		c.mu.Unlock()
		if doc == nil {
			doc = &StatusDoc{Labels: statusLabels()}
		}
		c.respond(msg, doc)
	})
	if err != nil {
		return errors.WrapTransient(err, "coordinator", "subscribeControl", "subscribe status.get")
	}
	c.subs = append(c.subs, statusSub)

	return nil
}

// respond replies to a request message, or stays silent for plain publishes.
func (c *Coordinator) respond(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Debug("control reply", "error", err)
	}
}

// validateSignals rejects empty lists and empty or duplicate names
// synchronously, before any teardown happens.
func validateSignals(names []string) error {
	if len(names) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "coordinator", "validateSignals", "empty signal list")
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			return errors.WrapInvalid(errors.ErrEmptyName, "coordinator", "validateSignals", "signal name validation")
		}
		if _, dup := seen[name]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate signal %q: %w", name, errors.ErrInvalidConfig),
				"coordinator", "validateSignals", "signal name validation")
		}
		seen[name] = struct{}{}
	}
	return nil
}

// nowStamp returns the wall clock in source-epoch split form.
func nowStamp() (uint32, uint32) {
	k := value.NowKey()
	return k.Seconds(), k.Nanoseconds()
}
