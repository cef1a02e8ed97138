package collector

import (
	"math"
	"sync/atomic"
	"time"
)

// Process-wide assembler tunables. Settable at startup or runtime; the
// processor reads them once per iteration, so a change takes effect on the
// next pass. They are hints, not invariants.
var (
	eventRate   atomic.Uint64 // float64 bits, potentially-complete events per second
	eventAge    atomic.Int64  // nanoseconds before a partial slice is force-flushed
	flushPeriod atomic.Int64  // nanoseconds of holdoff after delivering a batch
)

func init() {
	eventRate.Store(math.Float64bits(20))
	eventAge.Store(int64(2500 * time.Millisecond))
	flushPeriod.Store(int64(2 * time.Second))
}

// EventRate returns the expected completable-event rate used to bound the
// pending map.
func EventRate() float64 { return math.Float64frombits(eventRate.Load()) }

// SetEventRate overrides the expected event rate.
func SetEventRate(perSecond float64) { eventRate.Store(math.Float64bits(perSecond)) }

// EventAge returns the age at which partial slices are force-flushed.
func EventAge() time.Duration { return time.Duration(eventAge.Load()) }

// SetEventAge overrides the partial-slice expiry age.
func SetEventAge(d time.Duration) { eventAge.Store(int64(d)) }

// FlushPeriod returns the holdoff applied after delivering a non-empty
// batch downstream.
func FlushPeriod() time.Duration { return time.Duration(flushPeriod.Load()) }

// SetFlushPeriod overrides the post-delivery holdoff.
func SetFlushPeriod(d time.Duration) { flushPeriod.Store(int64(d)) }

// maxEvents bounds the pending map during the dequeue phase.
func maxEvents() int {
	n := EventRate() * FlushPeriod().Seconds()
	if n < 10 {
		return 10
	}
	if n > 1000 {
		return 1000
	}
	return int(n)
}
