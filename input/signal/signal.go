// Package signal provides the source adapter for one telemetry signal: a
// NATS subscription that decodes timestamped updates, pushes them into the
// signal's ingress queue, and materializes disconnects as marker values.
package signal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/slaclab/bsas/errors"
	"github.com/slaclab/bsas/ingress"
	"github.com/slaclab/bsas/value"
)

// State is the adapter lifecycle state.
type State int

// Adapter lifecycle states.
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

// String returns a string representation of the adapter state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// updateDoc is the wire form of one signal update.
type updateDoc struct {
	Sec   uint32          `json:"sec"`
	Nsec  uint32          `json:"nsec"`
	Sevr  uint16          `json:"sevr"`
	Stat  uint16          `json:"stat"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Deps holds runtime dependencies for one source adapter.
type Deps struct {
	Name       string         // signal name
	Subject    string         // NATS subject carrying the signal's updates
	Queue      *ingress.Queue // ingress queue for this column
	Conn       *nats.Conn     // established NATS connection
	Logger     *slog.Logger
	StaleAfter time.Duration // mark disconnected after this long without an update; 0 disables
}

// Source subscribes to one signal's update subject and feeds its ingress
// queue. NATS serializes the message callback per subscription, so pushes
// for one column never race each other.
type Source struct {
	name       string
	subject    string
	queue      *ingress.Queue
	conn       *nats.Conn
	logger     *slog.Logger
	staleAfter time.Duration

	mu         sync.Mutex
	state      State
	sub        *nats.Subscription
	staleTimer *time.Timer
}

// New creates the adapter in the idle state; Start subscribes it.
func New(deps Deps) *Source {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "signal", "signal", deps.Name)
	}
	return &Source{
		name:       deps.Name,
		subject:    deps.Subject,
		queue:      deps.Queue,
		conn:       deps.Conn,
		logger:     logger,
		staleAfter: deps.StaleAfter,
	}
}

// Name returns the signal name.
func (s *Source) Name() string { return s.name }

// State returns the current adapter state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start subscribes to the signal's update subject.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "signal", "Start", "subscribe after close")
	}
	if s.sub != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "signal", "Start", "subscribe")
	}

	s.state = StateConnecting
	sub, err := s.conn.Subscribe(s.subject, s.onUpdate)
	if err != nil {
		s.state = StateIdle
		return errors.WrapTransient(err, "signal", "Start", fmt.Sprintf("subscribe %s", s.subject))
	}
	s.sub = sub
	return nil
}

// Close cancels the subscription; after it returns no further pushes are
// possible.
func (s *Source) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.state = StateClosed
	if s.staleTimer != nil {
		s.staleTimer.Stop()
		s.staleTimer = nil
	}
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return errors.WrapTransient(err, "signal", "Close", "unsubscribe")
	}
	return nil
}

// ConnectionLost is invoked when the underlying NATS connection drops.
// The disconnect marker carries the detection time, not a source time.
func (s *Source) ConnectionLost(err error) {
	s.markDisconnected("connection lost", err)
}

// onUpdate decodes one wire update and pushes it. Decode failures are
// logged and discarded; the adapter stays operational.
func (s *Source) onUpdate(msg *nats.Msg) {
	v, err := decodeUpdate(msg.Data)
	if err != nil {
		s.queue.IncError()
		s.logger.Warn("discard malformed update", "error", err)
		return
	}

	// the push happens under the adapter lock so Close, which also takes
	// it, guarantees no further pushes once it returns
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	becameConnected := s.state != StateConnected
	s.state = StateConnected
	s.resetStaleTimer()
	if becameConnected {
		s.queue.SetConnected(true)
	}
	s.queue.Push(v)
	s.mu.Unlock()

	if becameConnected {
		s.logger.Info("signal connected", "subject", s.subject)
	}
}

// markDisconnected pushes a disconnect marker stamped with the current
// wall clock and flips the adapter state.
func (s *Source) markDisconnected(reason string, err error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	if s.staleTimer != nil {
		s.staleTimer.Stop()
		s.staleTimer = nil
	}
	now := value.NowKey()
	s.queue.Push(value.Disconnect(now.Seconds(), now.Nanoseconds()))
	s.mu.Unlock()

	s.logger.Warn("signal disconnected", "reason", reason, "error", err)
}

// resetStaleTimer (re)arms the liveness timeout. Called with s.mu held.
func (s *Source) resetStaleTimer() {
	if s.staleAfter <= 0 {
		return
	}
	if s.staleTimer != nil {
		s.staleTimer.Stop()
	}
	s.staleTimer = time.AfterFunc(s.staleAfter, func() {
		s.markDisconnected("no update within staleness window", nil)
	})
}

// decodeUpdate parses one wire document into a Value.
func decodeUpdate(data []byte) (*value.Value, error) {
	var doc updateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "signal", "decodeUpdate", "unmarshal update")
	}

	if doc.Sevr > 3 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("severity %d: %w", doc.Sevr, errors.ErrInvalidData),
			"signal", "decodeUpdate", "severity validation")
	}

	etype, err := value.ParseElemType(doc.Type)
	if err != nil {
		return nil, errors.WrapInvalid(err, "signal", "decodeUpdate", "element type")
	}

	var elems any
	switch etype {
	case value.TypeInt8:
		var e []int8
		err = json.Unmarshal(doc.Value, &e)
		elems = e
	case value.TypeInt16:
		var e []int16
		err = json.Unmarshal(doc.Value, &e)
		elems = e
	case value.TypeInt32:
		var e []int32
		err = json.Unmarshal(doc.Value, &e)
		elems = e
	case value.TypeFloat32:
		var e []float32
		err = json.Unmarshal(doc.Value, &e)
		elems = e
	default:
		var e []float64
		err = json.Unmarshal(doc.Value, &e)
		elems = e
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "signal", "decodeUpdate", "element decode")
	}

	v, err := value.New(doc.Sec, doc.Nsec, doc.Sevr, doc.Stat, elems)
	if err != nil {
		return nil, errors.WrapInvalid(err, "signal", "decodeUpdate", "construct value")
	}
	return v, nil
}

// EncodeUpdate renders a Value in the wire form consumed by decodeUpdate.
// Producers and tests share it so the two sides cannot drift.
func EncodeUpdate(v *value.Value) ([]byte, error) {
	elems, err := json.Marshal(v.Elems())
	if err != nil {
		return nil, errors.WrapInvalid(err, "signal", "EncodeUpdate", "marshal elements")
	}
	return json.Marshal(updateDoc{
		Sec:   v.Seconds(),
		Nsec:  v.Nanoseconds(),
		Sevr:  v.Severity(),
		Stat:  v.Status(),
		Type:  v.Type().String(),
		Value: elems,
	})
}
