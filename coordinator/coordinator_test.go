package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaclab/bsas/collector"
	"github.com/slaclab/bsas/value"
)

// Tests run without a NATS connection: sources stay idle and the control
// endpoints are disabled, but the pipeline, signal-list handling and
// status snapshots are fully exercised through the Go API.

func newCoordinator(t *testing.T, signals ...string) *Coordinator {
	t.Helper()

	collector.SetFlushPeriod(0)
	t.Cleanup(func() { collector.SetFlushPeriod(2 * time.Second) })

	c, err := New(Config{Prefix: "bsas.test", Signals: signals}, Deps{})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	// the pipeline is built asynchronously on the handler's first pass
	require.Eventually(t, func() bool {
		return c.Collector() != nil
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Signals: []string{"foo"}}, Deps{})
	assert.Error(t, err, "missing prefix")

	_, err = New(Config{Prefix: "p"}, Deps{})
	assert.Error(t, err, "empty signal list")

	_, err = New(Config{Prefix: "p", Signals: []string{""}}, Deps{})
	assert.Error(t, err, "empty name")

	_, err = New(Config{Prefix: "p", Signals: []string{"a", "a"}}, Deps{})
	assert.Error(t, err, "duplicate name")
}

func TestInitialPipeline(t *testing.T) {
	c := newCoordinator(t, "foo", "bar")

	assert.Equal(t, []string{"foo", "bar"}, c.Signals())
	coll := c.Collector()
	require.NotNil(t, coll)
	assert.Equal(t, []string{"foo", "bar"}, coll.Names())
}

func TestSignalListChangeRebuilds(t *testing.T) {
	c := newCoordinator(t, "foo", "bar")
	first := c.Collector()

	require.NoError(t, c.SetSignals([]string{"baz"}))
	require.Eventually(t, func() bool {
		coll := c.Collector()
		return coll != nil && coll != first
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"baz"}, c.Collector().Names())
}

func TestSameSignalListTwiceRebuildsOnce(t *testing.T) {
	c := newCoordinator(t, "foo")

	require.NoError(t, c.SetSignals([]string{"alpha", "beta"}))
	require.Eventually(t, func() bool {
		coll := c.Collector()
		return coll != nil && len(coll.Names()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	rebuilt := c.Collector()

	// identical list: no teardown, the same collector instance survives
	require.NoError(t, c.SetSignals([]string{"alpha", "beta"}))
	time.Sleep(50 * time.Millisecond)
	assert.Same(t, rebuilt, c.Collector())
}

func TestSetSignalsRejectsInvalid(t *testing.T) {
	c := newCoordinator(t, "foo")

	assert.Error(t, c.SetSignals(nil))
	assert.Error(t, c.SetSignals([]string{""}))
	assert.Error(t, c.SetSignals([]string{"x", "x"}))

	// the pipeline is untouched by rejected updates
	assert.Equal(t, []string{"foo"}, c.Signals())
}

func TestStatusSnapshotCountersZeroed(t *testing.T) {
	c := newCoordinator(t, "foo", "bar")
	coll := c.Collector()

	// traffic on foo only
	k := value.NowKey()
	v, err := value.New(k.Seconds(), k.Nanoseconds(), 0, 0, []float64{1.0})
	require.NoError(t, err)
	coll.Queue(0).Push(v)

	c.publishStatus(false)
	doc := c.StatusSnapshot()
	require.NotNil(t, doc)
	assert.Equal(t, []string{"foo", "bar"}, doc.Value.PV)
	assert.Equal(t, statusLabels(), doc.Labels)
	assert.Equal(t, uint64(1), doc.Value.NEvent[0])
	assert.Equal(t, uint64(8), doc.Value.NBytes[0])
	assert.Equal(t, uint64(0), doc.Value.NEvent[1])
	assert.NotEmpty(t, doc.Instance)
	assert.Greater(t, doc.Seconds, uint32(value.PosixTimeAtEpicsEpoch))

	// the sample zeroed the counters
	c.publishStatus(false)
	doc = c.StatusSnapshot()
	assert.Equal(t, uint64(0), doc.Value.NEvent[0])
}

func TestPeriodicStatus(t *testing.T) {
	c := newCoordinator(t, "foo")

	require.Eventually(t, func() bool {
		return c.StatusSnapshot() != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCloseIdempotentAndJoins(t *testing.T) {
	collector.SetFlushPeriod(0)
	t.Cleanup(func() { collector.SetFlushPeriod(2 * time.Second) })

	c, err := New(Config{Prefix: "bsas.close", Signals: []string{"foo"}}, Deps{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not join the handler")
	}
	c.Close()
	assert.Nil(t, c.Collector())
}
