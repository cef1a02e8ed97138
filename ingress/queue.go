// Package ingress provides the bounded per-signal FIFO that hands updates
// from source worker goroutines to the collector. One Queue exists per
// column; pushes drop the oldest element on overflow so a stalled consumer
// can never grow memory without bound.
package ingress

import (
	"sync"
	"sync/atomic"

	"github.com/slaclab/bsas/value"
)

// Process-wide queue depth tunables. Read on every data push; hints, not
// invariants.
var (
	scalarDepth atomic.Int64
	arrayDepth  atomic.Int64
)

func init() {
	scalarDepth.Store(130)
	arrayDepth.Store(15)
}

// ScalarDepth returns the queue depth applied to scalar columns.
func ScalarDepth() int { return int(scalarDepth.Load()) }

// SetScalarDepth overrides the queue depth for scalar columns.
func SetScalarDepth(n int) { scalarDepth.Store(int64(n)) }

// ArrayDepth returns the queue depth applied to array columns.
func ArrayDepth() int { return int(arrayDepth.Load()) }

// SetArrayDepth overrides the queue depth for array columns.
func SetArrayDepth(n int) { arrayDepth.Store(int64(n)) }

// arrayCountThreshold: updates with more elements than this are treated as
// arrays when sizing the queue.
const arrayCountThreshold = 16

// initialLimit applies until the first data push reveals the column shape.
const initialLimit = 16

// Notifier receives the empty-to-non-empty transition signal for a column.
// Implemented by the collector; spurious notifications are harmless.
type Notifier interface {
	NotEmpty(column int)
}

// Counters holds the per-column statistics reported on the status table.
type Counters struct {
	Updates     uint64
	Bytes       uint64
	Disconnects uint64
	Errors      uint64
	Overflows   uint64
}

// Queue is an ordered, bounded FIFO of Values for one column. All
// operations are guarded by a queue-local mutex; the notifier is invoked
// outside the lock.
type Queue struct {
	name     string
	column   int
	notifier Notifier

	mu        sync.Mutex
	values    []*value.Value
	limit     int
	connected bool
	counters  Counters
}

// NewQueue creates the queue for one column. notifier may be nil in tests.
func NewQueue(name string, column int, notifier Notifier) *Queue {
	return &Queue{
		name:     name,
		column:   column,
		notifier: notifier,
		limit:    initialLimit,
	}
}

// Name returns the signal name this queue buffers.
func (q *Queue) Name() string { return q.name }

// Column returns the column index this queue feeds.
func (q *Queue) Column() int { return q.column }

// Push enqueues one update, dropping the oldest element first when the
// queue is at its limit. Data pushes re-size the limit from the element
// count; disconnect markers only record the disconnect. The collector is
// notified iff the queue was empty before the push.
func (q *Queue) Push(v *value.Value) {
	q.mu.Lock()

	wasEmpty := len(q.values) == 0

	if v.IsDisconnect() {
		q.connected = false
		q.counters.Disconnects++
	} else {
		q.counters.Updates++
		q.counters.Bytes += uint64(v.Bytes())

		depth := ScalarDepth()
		if v.Count() > arrayCountThreshold {
			depth = ArrayDepth()
		}
		if depth < 4 {
			depth = 4
		}
		q.limit = depth
	}

	for len(q.values) >= q.limit {
		copy(q.values, q.values[1:])
		q.values = q.values[:len(q.values)-1]
		q.counters.Overflows++
	}
	q.values = append(q.values, v)

	q.mu.Unlock()

	if wasEmpty && q.notifier != nil {
		q.notifier.NotEmpty(q.column)
	}
}

// Pop dequeues one update without blocking. Used only by the collector.
func (q *Queue) Pop() (*value.Value, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.values) == 0 {
		return nil, false
	}
	v := q.values[0]
	q.values[0] = nil
	copy(q.values, q.values[1:])
	q.values = q.values[:len(q.values)-1]
	return v, true
}

// Clear retains only the newest keep items. Used during assembler overflow
// recovery.
func (q *Queue) Clear(keep int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	if n := len(q.values); n > keep {
		dropped := n - keep
		copy(q.values, q.values[dropped:])
		for i := keep; i < n; i++ {
			q.values[i] = nil
		}
		q.values = q.values[:keep]
		q.counters.Overflows += uint64(dropped)
	}
}

// Len returns the number of queued updates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.values)
}

// Limit returns the current dynamic depth limit.
func (q *Queue) Limit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// SetConnected records the source-layer connection state for status
// reporting.
func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connected = connected
}

// Connected reports the source-layer connection state.
func (q *Queue) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

// IncError counts one transport or decode failure for this column.
func (q *Queue) IncError() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.counters.Errors++
}

// Snapshot returns the counters and connection state without resetting.
func (q *Queue) Snapshot() (Counters, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counters, q.connected
}

// SnapshotAndZero atomically reads the counters and connection state and
// zeroes the counters. A push racing with the zero updates the counters
// under the same lock, so no update is lost if sampled before its zero.
func (q *Queue) SnapshotAndZero() (Counters, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := q.counters
	q.counters = Counters{}
	return c, q.connected
}
