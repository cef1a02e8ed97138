package signal

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaclab/bsas/ingress"
	"github.com/slaclab/bsas/value"
)

func encodedF64(t *testing.T, sec, nsec uint32, vals ...float64) []byte {
	t.Helper()
	v, err := value.New(sec, nsec, 0, 0, vals)
	require.NoError(t, err)
	data, err := EncodeUpdate(v)
	require.NoError(t, err)
	return data
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []any{
		[]float64{1.5, -2.5},
		[]float32{0.5},
		[]int32{1, 2, 3},
		[]int16{-7},
		[]int8{1},
	}
	for _, elems := range cases {
		v, err := value.New(12, 34, 1, 3, elems)
		require.NoError(t, err)

		data, err := EncodeUpdate(v)
		require.NoError(t, err)

		got, err := decodeUpdate(data)
		require.NoError(t, err)
		assert.Equal(t, v.Key(), got.Key())
		assert.Equal(t, v.Severity(), got.Severity())
		assert.Equal(t, v.Status(), got.Status())
		assert.Equal(t, v.Type(), got.Type())
		assert.Equal(t, v.Elems(), got.Elems())
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"unknown type":    `{"sec":1,"nsec":2,"type":"string","value":["x"]}`,
		"empty value":     `{"sec":1,"nsec":2,"type":"f64","value":[]}`,
		"type mismatch":   `{"sec":1,"nsec":2,"type":"i32","value":[1.5]}`,
		"marker severity": `{"sec":1,"nsec":2,"sevr":4,"type":"f64","value":[1]}`,
	}
	for name, payload := range cases {
		_, err := decodeUpdate([]byte(payload))
		assert.Error(t, err, name)
	}
}

func TestOnUpdateConnectsAndPushes(t *testing.T) {
	q := ingress.NewQueue("foo", 0, nil)
	s := New(Deps{Name: "foo", Subject: "sig.foo", Queue: q})

	assert.Equal(t, StateIdle, s.State())

	s.onUpdate(&nats.Msg{Data: encodedF64(t, 10, 20, 1.5)})

	assert.Equal(t, StateConnected, s.State())
	assert.True(t, q.Connected())
	require.Equal(t, 1, q.Len())

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, value.MakeKey(10, 20), v.Key())
}

func TestOnUpdateMalformedCountsError(t *testing.T) {
	q := ingress.NewQueue("foo", 0, nil)
	s := New(Deps{Name: "foo", Subject: "sig.foo", Queue: q})

	s.onUpdate(&nats.Msg{Data: []byte(`{"sec":1,"type":"f64","value":"bogus"}`)})

	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, q.Len())
	counters, _ := q.Snapshot()
	assert.Equal(t, uint64(1), counters.Errors)

	// the adapter stays operational
	s.onUpdate(&nats.Msg{Data: encodedF64(t, 2, 0, 1.0)})
	assert.Equal(t, StateConnected, s.State())
}

func TestConnectionLostPushesMarker(t *testing.T) {
	q := ingress.NewQueue("foo", 0, nil)
	s := New(Deps{Name: "foo", Subject: "sig.foo", Queue: q})

	// lost before ever connecting: nothing to mark
	s.ConnectionLost(nil)
	assert.Equal(t, 0, q.Len())

	s.onUpdate(&nats.Msg{Data: encodedF64(t, 10, 0, 1.0)})
	s.ConnectionLost(assert.AnError)

	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, q.Connected())
	require.Equal(t, 2, q.Len())

	_, ok := q.Pop()
	require.True(t, ok)
	marker, ok := q.Pop()
	require.True(t, ok)
	assert.True(t, marker.IsDisconnect())

	counters, _ := q.Snapshot()
	assert.Equal(t, uint64(1), counters.Disconnects)

	// a second loss without an intervening reconnect is a no-op
	s.ConnectionLost(nil)
	assert.Equal(t, 0, q.Len())
}

func TestStalenessTimeout(t *testing.T) {
	q := ingress.NewQueue("foo", 0, nil)
	s := New(Deps{Name: "foo", Subject: "sig.foo", Queue: q, StaleAfter: 20 * time.Millisecond})

	s.onUpdate(&nats.Msg{Data: encodedF64(t, 10, 0, 1.0)})
	assert.Equal(t, StateConnected, s.State())

	require.Eventually(t, func() bool {
		return s.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, q.Len()) // update + marker
}

func TestReconnectAfterDisconnect(t *testing.T) {
	q := ingress.NewQueue("foo", 0, nil)
	s := New(Deps{Name: "foo", Subject: "sig.foo", Queue: q})

	s.onUpdate(&nats.Msg{Data: encodedF64(t, 10, 0, 1.0)})
	s.ConnectionLost(nil)
	s.onUpdate(&nats.Msg{Data: encodedF64(t, 11, 0, 2.0)})

	assert.Equal(t, StateConnected, s.State())
	assert.True(t, q.Connected())
}

func TestCloseStopsPushes(t *testing.T) {
	q := ingress.NewQueue("foo", 0, nil)
	s := New(Deps{Name: "foo", Subject: "sig.foo", Queue: q})

	s.onUpdate(&nats.Msg{Data: encodedF64(t, 10, 0, 1.0)})
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	// a straggling callback after Close must not push
	s.onUpdate(&nats.Msg{Data: encodedF64(t, 11, 0, 2.0)})
	assert.Equal(t, 1, q.Len())
}
