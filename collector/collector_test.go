package collector

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaclab/bsas/value"
)

// testReceiver accumulates delivered batches and signals each delivery.
type testReceiver struct {
	mu     sync.Mutex
	names  []string
	slices []Slice
	wake   chan struct{}
}

func newTestReceiver() *testReceiver {
	return &testReceiver{wake: make(chan struct{}, 1)}
}

func (r *testReceiver) Names(n []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = n
}

func (r *testReceiver) Slices(batch []Slice) {
	r.mu.Lock()
	r.slices = append(r.slices, batch...)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *testReceiver) waitWake(t *testing.T) {
	t.Helper()
	select {
	case <-r.wake:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for slice delivery")
	}
}

func (r *testReceiver) sliceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slices)
}

func (r *testReceiver) slice(i int) Slice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slices[i]
}

// fooBar wires a two-column collector with a recording receiver, matching
// the canonical foo/bar scenarios.
type fooBar struct {
	c   *Collector
	r   *testReceiver
	now value.Key
}

func newFooBar(t *testing.T) *fooBar {
	t.Helper()

	SetFlushPeriod(0)
	t.Cleanup(func() { SetFlushPeriod(2 * time.Second) })

	f := &fooBar{r: newTestReceiver()}
	f.c = New([]string{"foo", "bar"}, Deps{Table: "test"})
	t.Cleanup(f.c.Close)

	f.c.AddReceiver(f.r)
	require.Equal(t, []string{"foo", "bar"}, f.r.names)
	return f
}

// start captures a fresh wall-clock timestamp for the next event.
func (f *fooBar) start() value.Key {
	f.now = value.NowKey()
	return f.now
}

func (f *fooBar) push(t *testing.T, column int, val float64) {
	t.Helper()
	v, err := value.New(f.now.Seconds(), f.now.Nanoseconds(), 0, 0, []float64{val})
	require.NoError(t, err)
	f.c.Queue(column).Push(v)
}

func (f *fooBar) pushDisconn(column int) {
	f.c.Queue(column).Push(value.Disconnect(f.now.Seconds(), f.now.Nanoseconds()))
}

// checkSlice asserts one emitted slice. NaN means the column must be absent.
func (f *fooBar) checkSlice(t *testing.T, i int, key value.Key, foo, bar float64) {
	t.Helper()
	require.Less(t, i, f.r.sliceCount(), "slice %d out of range", i)

	s := f.r.slice(i)
	assert.Equal(t, key, s.Key)
	require.Len(t, s.Values, 2)

	check := func(cell *value.Value, want float64, label string) {
		if math.IsNaN(want) {
			assert.Nil(t, cell, "%s should be absent", label)
			return
		}
		require.NotNil(t, cell, "%s missing", label)
		elems, ok := cell.Float64s()
		require.True(t, ok)
		assert.Equal(t, want, elems[0], label)
		assert.Equal(t, key, cell.Key(), label)
	}
	check(s.Values[0], foo, "foo")
	check(s.Values[1], bar, "bar")
}

// syncInitial establishes the canonical starting state: bar has never
// connected, so the first foo event completes alone; bar's first update at
// T0 arrives after T0 was emitted, is discarded as a leftover, and marks
// bar connected.
func (f *fooBar) syncInitial(t *testing.T) value.Key {
	t.Helper()

	t0 := f.start()
	f.push(t, 0, 1.0)

	f.r.waitWake(t)
	f.checkSlice(t, 0, t0, 1.0, math.NaN())
	require.Equal(t, 1, f.r.sliceCount())

	// the first update for column 1 @T0 will be ignored
	f.push(t, 1, 2.0)
	settle(t, f.c)
	return t0
}

// settle blocks until the assembler has emptied all queues and gone back to
// waiting, then lets any in-flight delivery land, so the effects of prior
// pushes are visible.
func settle(t *testing.T, c *Collector) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		idle := c.waiting
		c.mu.Unlock()
		empty := true
		for _, q := range c.Queues() {
			if q.Len() > 0 {
				empty = false
				break
			}
		}
		if idle && empty {
			time.Sleep(25 * time.Millisecond)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("assembler did not drain")
}

// waitForSlices polls until the receiver has accumulated at least n slices.
func waitForSlices(t *testing.T, r *testReceiver, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.sliceCount() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d slices, have %d", n, r.sliceCount())
}

func TestBasicAlignment(t *testing.T) {
	f := newFooBar(t)
	f.syncInitial(t)

	// second event: both columns now live, emitted only when complete
	t1 := f.start()
	f.push(t, 0, 3.0)
	f.push(t, 1, 4.0)

	f.r.waitWake(t)
	f.checkSlice(t, 1, t1, 3.0, 4.0)
	require.Equal(t, 2, f.r.sliceCount())

	// third event stays incomplete: bar is connected but silent
	f.start()
	f.push(t, 0, 5.0)
	settle(t, f.c)
	assert.Equal(t, 2, f.r.sliceCount())
}

func TestPartialHolds(t *testing.T) {
	f := newFooBar(t)

	// bar never connects, so foo-only slices are complete
	t0 := f.start()
	f.push(t, 0, 1.0)
	f.r.waitWake(t)

	t1 := f.start()
	f.push(t, 0, 3.0)
	f.r.waitWake(t)

	f.checkSlice(t, 0, t0, 1.0, math.NaN())
	f.checkSlice(t, 1, t1, 3.0, math.NaN())
	assert.Equal(t, 2, f.r.sliceCount())
}

func TestDisconnectMidStream(t *testing.T) {
	f := newFooBar(t)
	f.syncInitial(t)

	t1 := f.start()
	f.push(t, 0, 3.0)
	f.push(t, 1, 4.0)
	f.r.waitWake(t)
	f.checkSlice(t, 1, t1, 3.0, 4.0)

	// foo drops; its marker flips the column state so bar alone completes T2
	t2 := f.start()
	f.pushDisconn(0)
	f.push(t, 1, 6.0)

	f.r.waitWake(t)
	f.checkSlice(t, 2, t2, math.NaN(), 6.0)
	require.Equal(t, 3, f.r.sliceCount())
}

func TestLateArrivalDiscarded(t *testing.T) {
	f := newFooBar(t)
	t0 := f.syncInitial(t)

	// a value older than the last emitted key must vanish without output
	stale := t0 - 1000
	v, err := value.New(stale.Seconds(), stale.Nanoseconds(), 0, 0, []float64{9.0})
	require.NoError(t, err)
	f.c.Queue(0).Push(v)
	settle(t, f.c)
	assert.Equal(t, 1, f.r.sliceCount())

	// and a fresh complete event still flows
	t1 := f.start()
	f.push(t, 0, 3.0)
	f.push(t, 1, 4.0)
	f.r.waitWake(t)
	f.checkSlice(t, 1, t1, 3.0, 4.0)
}

func TestDuplicateKeyKeepsFirst(t *testing.T) {
	f := newFooBar(t)
	f.syncInitial(t)

	t1 := f.start()
	f.push(t, 0, 3.0)
	f.push(t, 0, 7.0) // same key on the same column: ignored
	f.push(t, 1, 4.0)

	f.r.waitWake(t)
	f.checkSlice(t, 1, t1, 3.0, 4.0)
	require.Equal(t, 2, f.r.sliceCount())
}

func TestEmittedKeysStrictlyIncrease(t *testing.T) {
	f := newFooBar(t)

	// bar never connects; a burst of foo events must come out in key order
	// with no duplicates. The burst matches the dequeue bound (maxEvents is
	// 10 at flushPeriod 0): a larger one would trigger overflow recovery,
	// which truncates the queue to its newest 4 entries.
	base := value.NowKey()
	for i := range 10 {
		k := base + value.Key(i)*2
		v, err := value.New(k.Seconds(), k.Nanoseconds(), 0, 0, []float64{float64(i)})
		require.NoError(t, err)
		f.c.Queue(0).Push(v)
	}
	waitForSlices(t, f.r, 10)

	require.Equal(t, 10, f.r.sliceCount())
	last := value.Key(0)
	for i := range 10 {
		s := f.r.slice(i)
		assert.Greater(t, s.Key, last)
		last = s.Key
	}
}

func TestAgeForcedFlush(t *testing.T) {
	SetFlushPeriod(0)
	t.Cleanup(func() { SetFlushPeriod(2 * time.Second) })

	// a controllable clock so the age check is deterministic
	var mu sync.Mutex
	now := value.MakeKey(1000, 0)
	clock := func() value.Key {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	setNow := func(k value.Key) {
		mu.Lock()
		now = k
		mu.Unlock()
	}

	r := newTestReceiver()
	c := New([]string{"foo", "bar"}, Deps{Table: "age", Clock: clock})
	t.Cleanup(c.Close)
	c.AddReceiver(r)

	// connect both columns with a complete slice
	t0 := value.MakeKey(1000, 1)
	push := func(col int, k value.Key, val float64) {
		v, err := value.New(k.Seconds(), k.Nanoseconds(), 0, 0, []float64{val})
		require.NoError(t, err)
		c.Queue(col).Push(v)
	}
	push(0, t0, 1.0)
	push(1, t0, 2.0)
	r.waitWake(t)
	require.Equal(t, 1, r.sliceCount())

	// partial slice: foo only, bar silent but connected
	t1 := value.MakeKey(1001, 0)
	push(0, t1, 3.0)
	settle(t, c)
	assert.Equal(t, 1, r.sliceCount())

	// age the partial past eventAge; the nudge value is older than the
	// last emitted key, so it is discarded and cannot complete anything —
	// only the age check can release t1
	setNow(value.MakeKey(1004, 0))
	push(0, t0, 5.0)

	r.waitWake(t)
	require.Equal(t, 2, r.sliceCount())
	s := r.slice(1)
	assert.Equal(t, t1, s.Key)
	assert.NotNil(t, s.Values[0])
	assert.Nil(t, s.Values[1])
}

func TestCloseJoins(t *testing.T) {
	SetFlushPeriod(0)
	t.Cleanup(func() { SetFlushPeriod(2 * time.Second) })

	c := New([]string{"foo"}, Deps{Table: "close"})
	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not join the assembler")
	}

	// idempotent
	c.Close()
}

func TestAddRemoveReceiver(t *testing.T) {
	SetFlushPeriod(0)
	t.Cleanup(func() { SetFlushPeriod(2 * time.Second) })

	c := New([]string{"foo"}, Deps{Table: "recv"})
	t.Cleanup(c.Close)

	r1 := newTestReceiver()
	r2 := newTestReceiver()
	c.AddReceiver(r1)
	c.AddReceiver(r2)
	c.RemoveReceiver(r1)

	k := value.NowKey()
	v, err := value.New(k.Seconds(), k.Nanoseconds(), 0, 0, []float64{1.0})
	require.NoError(t, err)
	c.Queue(0).Push(v)

	r2.waitWake(t)
	assert.Equal(t, 1, r2.sliceCount())
	assert.Equal(t, 0, r1.sliceCount())
}
