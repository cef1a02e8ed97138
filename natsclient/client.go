// Package natsclient provides a managed NATS connection with reconnect
// callbacks, a circuit breaker on the initial connect path, and health
// monitoring wired into the service metrics.
package natsclient

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/slaclab/bsas/errors"
	"github.com/slaclab/bsas/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Reconnects      int32
	RTT             time.Duration
}

// Client manages a NATS connection with circuit breaker pattern
type Client struct {
	url      string
	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32
	logger   Logger

	conn *nats.Conn

	// Circuit breaker
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	// Metrics
	metrics *metric.Metrics

	// Callbacks; more can be registered after construction so components
	// created later (source adapters) still observe connection events
	handlersMu    sync.Mutex
	onDisconnect  []func(error)
	onReconnect   []func()
	reconnects    atomic.Int32
	healthTicker  *time.Ticker
	healthDone    chan struct{}
	healthRunning bool

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		logger: &defaultLogger{},
		// Sensible defaults
		maxReconnects:    -1, // infinite by default
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	c.logger.Debugf("Created NATS client for %s", url)

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string { return m.url }

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// GetConnection returns the current NATS connection
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	if m.metrics != nil {
		connected := 0.0
		if status == StatusConnected {
			connected = 1.0
		}
		m.metrics.NATSConnected.Set(connected)
	}
}

// OnDisconnect registers an additional disconnect handler. Safe to call
// after Connect.
func (m *Client) OnDisconnect(fn func(error)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// OnReconnect registers an additional reconnect handler. Safe to call
// after Connect.
func (m *Client) OnReconnect(fn func()) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// recordFailure records a connection failure and manages the circuit
// breaker.
func (m *Client) recordFailure() {
	totalFailures := m.failures.Add(1)
	m.lastFailure.Store(time.Now())

	circuitFailures := m.circuitFailures.Add(1)
	m.logger.Debugf("Recorded failure %d (circuit failures: %d)", totalFailures, circuitFailures)

	if circuitFailures < m.circuitThreshold {
		return
	}

	currentBackoff := m.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > m.maxBackoff {
		newBackoff = m.maxBackoff
	}
	m.backoff.Store(newBackoff)
	m.circuitFailures.Store(0)

	if m.Status() != StatusCircuitOpen {
		m.setStatus(StatusCircuitOpen)
		m.logger.Printf("Circuit breaker opened after %d failures, backing off for %v",
			circuitFailures, currentBackoff)
		time.AfterFunc(currentBackoff, m.testCircuit)
	} else {
		m.logger.Printf("Circuit breaker still open, increased backoff to %v", newBackoff)
	}
}

// resetCircuit resets the circuit breaker state
func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// testCircuit lets the next Connect attempt through after the backoff.
func (m *Client) testCircuit() {
	if m.Status() == StatusCircuitOpen {
		m.logger.Debugf("Circuit breaker test: moving from open to disconnected")
		m.setStatus(StatusDisconnected)
	}
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	lastFailure := m.lastFailure.Load().(time.Time)

	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: lastFailure,
		Reconnects:      m.reconnects.Load(),
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}

	return status
}

// Connect establishes the connection to the NATS server
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		m.logger.Debugf("Circuit breaker is open, skipping connection attempt")
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Printf("Connecting to NATS at %s", m.url)

	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			m.recordFailure()
			if m.Status() != StatusCircuitOpen {
				m.setStatus(StatusDisconnected)
			}
			if m.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Printf("Successfully connected to NATS at %s", m.url)

	m.startHealthMonitoring()
	return nil
}

// handleDisconnect is invoked by NATS when the connection drops.
func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.logger.Errorf("NATS disconnected: %v", err)
	m.setStatus(StatusReconnecting)

	m.handlersMu.Lock()
	handlers := slices.Clone(m.onDisconnect)
	m.handlersMu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// handleReconnect is invoked by NATS after a successful reconnect.
func (m *Client) handleReconnect(conn *nats.Conn) {
	m.logger.Printf("NATS reconnected to %s", conn.ConnectedUrl())
	m.reconnects.Add(1)
	m.setStatus(StatusConnected)
	if m.metrics != nil {
		m.metrics.NATSReconnects.Inc()
	}

	m.handlersMu.Lock()
	handlers := slices.Clone(m.onReconnect)
	m.handlersMu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// handleClosed is invoked by NATS when the connection is closed for good.
func (m *Client) handleClosed(_ *nats.Conn) {
	if !m.closed.Load() {
		m.logger.Errorf("NATS connection closed unexpectedly")
	}
	m.setStatus(StatusDisconnected)
}

// startHealthMonitoring polls the connection RTT into the metrics gauge.
func (m *Client) startHealthMonitoring() {
	if m.metrics == nil || m.pingInterval <= 0 {
		return
	}

	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if m.healthRunning {
		return
	}
	m.healthRunning = true
	m.healthTicker = time.NewTicker(m.pingInterval)
	m.healthDone = make(chan struct{})

	go func() {
		for {
			select {
			case <-m.healthDone:
				return
			case <-m.healthTicker.C:
				conn := m.GetConnection()
				if conn == nil || !conn.IsConnected() {
					continue
				}
				if rtt, err := conn.RTT(); err == nil {
					m.metrics.NATSRTT.Set(rtt.Seconds())
				}
			}
		}
	}()
}

// stopHealthMonitoring stops the RTT poller.
func (m *Client) stopHealthMonitoring() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if !m.healthRunning {
		return
	}
	m.healthRunning = false
	m.healthTicker.Stop()
	close(m.healthDone)
}

// Close drains and closes the NATS connection
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil // Already closed
	}
	m.closed.Store(true)

	m.stopHealthMonitoring()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		m.setStatus(StatusDisconnected)
		return nil
	}

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- conn.Drain()
	}()

	var drainErr error
	select {
	case err := <-drainDone:
		if err != nil {
			drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
			m.logger.Errorf("Drain error: %v", err)
		}
	case <-ctx.Done():
		m.logger.Errorf("Drain timed out, forcing close")
	}
	conn.Close()

	m.setStatus(StatusDisconnected)
	return drainErr
}
