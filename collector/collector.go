// Package collector implements the alignment engine: a single assembler
// goroutine drains the per-signal ingress queues, groups updates into
// slices keyed by their composite timestamp, decides completeness and
// expiry, and delivers completed slices to receivers in strict key order.
package collector

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/slaclab/bsas/ingress"
	"github.com/slaclab/bsas/metric"
	"github.com/slaclab/bsas/value"
)

// partialCarry is the number of partial slices retained between iterations
// and the number of queued updates kept per column on overflow recovery.
const partialCarry = 4

// Slice is one output row: all Values sharing one timestamp key, one slot
// per column. A nil slot means the column had no update at that key.
type Slice struct {
	Key    value.Key
	Values []*value.Value
}

// Receiver consumes the collector's output. Names is called once when the
// receiver is attached (and again after a signal-list change rebuilds the
// collector); Slices is called with ordered, non-empty batches of completed
// slices. Names runs on the goroutine that calls AddReceiver, Slices on the
// assembler goroutine; neither is called with a collector lock held.
type Receiver interface {
	Names(names []string)
	Slices(batch []Slice)
}

// Deps holds runtime dependencies for the collector.
type Deps struct {
	Table    string           // table name, used for metric labels
	Logger   *slog.Logger     // structured logger
	Registry *metric.Registry // optional Prometheus registry
	Clock    func() value.Key // wall-clock source; defaults to value.NowKey
}

// Collector owns one ingress queue per named signal and the assembler
// goroutine that aligns their updates.
type Collector struct {
	names  []string
	queues []*ingress.Queue
	logger *slog.Logger

	metrics *Metrics
	nowFn   func() value.Key

	// nuisance logs (duplicate keys, late leftovers) are throttled so a
	// misbehaving source cannot flood the log
	logLimit *rate.Limiter

	mu               sync.Mutex
	run              bool
	waiting          bool
	ready            []bool
	receivers        []Receiver
	receiversChanged bool

	wakeup chan struct{}
	stop   chan struct{}
	done   chan struct{}

	// assembler-goroutine locals; never touched from another goroutine
	pending   map[value.Key][]*value.Value
	connected []bool
	oldestKey value.Key
	nowKey    value.Key
	completed []Slice
}

var _ ingress.Notifier = (*Collector)(nil)

// New creates a collector for the given signal names and starts its
// assembler goroutine. Close must be called to stop it.
func New(names []string, deps Deps) *Collector {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "collector", "table", deps.Table)
	}
	nowFn := deps.Clock
	if nowFn == nil {
		nowFn = value.NowKey
	}

	c := &Collector{
		names:     slices.Clone(names),
		logger:    logger,
		metrics:   newMetrics(deps.Registry, deps.Table),
		nowFn:     nowFn,
		logLimit:  rate.NewLimiter(rate.Every(time.Second), 5),
		run:       true,
		ready:     make([]bool, len(names)),
		wakeup:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		pending:   make(map[value.Key][]*value.Value),
		connected: make([]bool, len(names)),
	}

	c.queues = make([]*ingress.Queue, len(names))
	for i, name := range names {
		c.queues[i] = ingress.NewQueue(name, i, c)
	}

	go c.process()

	return c
}

// Names returns the configured signal names in column order.
func (c *Collector) Names() []string {
	return slices.Clone(c.names)
}

// Queue returns the ingress queue feeding the given column.
func (c *Collector) Queue(column int) *ingress.Queue {
	return c.queues[column]
}

// Queues returns all ingress queues in column order.
func (c *Collector) Queues() []*ingress.Queue {
	return slices.Clone(c.queues)
}

// NotEmpty marks a column's queue as ready and wakes the assembler if it is
// blocked. Implements ingress.Notifier; called from source worker
// goroutines.
func (c *Collector) NotEmpty(column int) {
	c.mu.Lock()
	c.ready[column] = true
	wakeme := c.waiting
	c.mu.Unlock()

	if wakeme {
		select {
		case c.wakeup <- struct{}{}:
		default:
		}
	}
}

// AddReceiver attaches a downstream consumer and immediately delivers the
// current name list to it.
func (c *Collector) AddReceiver(r Receiver) {
	c.mu.Lock()
	if !slices.Contains(c.receivers, r) {
		c.receivers = append(c.receivers, r)
		c.receiversChanged = true
	}
	names := slices.Clone(c.names)
	c.mu.Unlock()

	r.Names(names)
}

// RemoveReceiver detaches a downstream consumer. No further Slices calls
// are made to it once RemoveReceiver returns and the current delivery (if
// any) completes.
func (c *Collector) RemoveReceiver(r Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.receivers, r); i >= 0 {
		c.receivers = slices.Delete(c.receivers, i, i+1)
		c.receiversChanged = true
	}
}

// Close stops the assembler goroutine and waits for it to exit. The
// ingress queues remain poppable but nothing drains them afterwards.
func (c *Collector) Close() {
	c.mu.Lock()
	if !c.run {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.run = false
	c.mu.Unlock()

	close(c.stop)
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
	<-c.done
}

// process is the assembler main loop. It exclusively owns pending,
// connected, oldestKey and completed.
func (c *Collector) process() {
	defer close(c.done)

	var shadow []Receiver

	c.mu.Lock()
	for c.run {
		c.waiting = false
		c.nowKey = c.nowFn()

		c.processDequeue()
		c.processExpire()

		if c.receiversChanged {
			// copy for use while unlocked
			shadow = slices.Clone(c.receivers)
			c.receiversChanged = false
		}

		willwait := c.waiting
		completed := c.completed
		c.completed = nil
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.pendingSlices.Set(float64(len(c.pending)))
		}

		if len(completed) > 0 {
			for _, r := range shadow {
				r.Slices(completed)
			}
			if c.metrics != nil {
				c.metrics.slicesCompleted.Add(float64(len(completed)))
				c.metrics.batchesFlushed.Inc()
				c.metrics.batchSize.Observe(float64(len(completed)))
			}
			c.sleep(FlushPeriod())
		}

		if willwait {
			select {
			case <-c.wakeup:
			case <-c.stop:
			}
		}

		c.mu.Lock()
	}
	c.mu.Unlock()
}

// sleep pauses for the flush holdoff, returning early on shutdown.
func (c *Collector) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.stop:
	}
}

// processDequeue drains the ingress queues into the pending map. It stops
// when all queues report empty or the pending map reaches its bound.
// Called with c.mu held.
func (c *Collector) processDequeue() {
	limit := maxEvents()

	nothing := false // true once all queues came up empty in one pass
	for !nothing && len(c.pending) < limit {
		nothing = true

		for i := range c.queues {
			// column 0 is always polled; others only when flagged ready
			if i != 0 && !c.ready[i] {
				continue
			}

			v, ok := c.queues[i].Pop()
			if !ok {
				c.ready[i] = false
				continue
			}
			c.ready[i] = true
			nothing = false

			key := v.Key()
			c.connected[i] = v.Connected()

			switch {
			case v.Connected() && key > c.oldestKey:
				slice, ok := c.pending[key]
				if !ok {
					slice = make([]*value.Value, len(c.queues))
					c.pending[key] = slice
				}
				if slice[i] != nil {
					if c.metrics != nil {
						c.metrics.duplicateKeys.Inc()
					}
					if c.logLimit.Allow() {
						c.logger.Warn("ignore duplicate key",
							"signal", c.names[i], "key", key.String())
					}
				} else {
					slice[i] = v
				}

			case v.Connected():
				// leftover from before the last emitted key
				if c.metrics != nil {
					c.metrics.lateArrivals.Inc()
				}
				if c.logLimit.Allow() {
					c.logger.Debug("ignore late leftover",
						"signal", c.names[i], "key", key.String())
				}

			default:
				// disconnect marker; the state change is already captured
				// in connected[i]
			}
		}
	}

	if !nothing {
		// overflowed the pending bound; shed queued load instead of growing
		if c.metrics != nil {
			c.metrics.overflows.Inc()
		}
		for _, q := range c.queues {
			q.Clear(partialCarry)
		}
	}

	c.waiting = nothing // wait if we emptied all queues
}

// processExpire scans pending from newest to oldest for the most recent
// partial slice, then emits everything strictly older in key order.
// Slices older than the expiry age are force-flushed regardless of
// completeness. Called with c.mu held.
func (c *Collector) processExpire() {
	age := EventAge()
	maxAge := value.MakeKey(uint32(age/time.Second), uint32(age%time.Second))

	keys := make([]value.Key, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	// firstPartial bounds the flush: everything strictly older is emitted.
	// len(keys) means flush all.
	firstPartial := len(keys)
	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]

		if int64(c.nowKey)-int64(key) >= int64(maxAge) {
			// this and everything older is too old; flush all of it, and
			// everything newer already proved complete
			firstPartial = len(keys)
			break
		}

		if !c.sliceComplete(c.pending[key]) {
			firstPartial = i
			break
		}
	}

	for _, key := range keys[:firstPartial] {
		if key <= c.oldestKey {
			panic("collector: emit key not greater than oldest emitted key")
		}
		c.oldestKey = key
		c.completed = append(c.completed, Slice{Key: key, Values: c.pending[key]})
		delete(c.pending, key)
	}

	// only carry over a few partials
	for i := firstPartial; i < len(keys) && len(c.pending) > partialCarry; i++ {
		delete(c.pending, keys[i])
		if c.metrics != nil {
			c.metrics.overflows.Inc()
		}
	}
}

// sliceComplete reports whether every column is either disconnected or has
// its slot filled.
func (c *Collector) sliceComplete(slice []*value.Value) bool {
	for i := range slice {
		if c.connected[i] && slice[i] == nil {
			return false
		}
	}
	return true
}
