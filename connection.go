package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is reported when a frame is sent while the controller link is down.
var ErrNotConnected = errors.New("controller not connected")

// ConnectionState is the lifecycle state of the controller link.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText lets the state appear as a plain string in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManagerOption customizes a ConnectionManager.
type ManagerOption func(*ConnectionManager)

// WithScheduler replaces the timer used for reconnect scheduling.
func WithScheduler(s Scheduler) ManagerOption {
	return func(m *ConnectionManager) {
		m.scheduler = s
	}
}

// WithBackOff replaces the reconnect delay policy.
func WithBackOff(b backoff.BackOff) ManagerOption {
	return func(m *ConnectionManager) {
		m.backOff = b
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) ManagerOption {
	return func(m *ConnectionManager) {
		m.dialer = d
	}
}

// WithPingInterval sets how often an idle link is probed with a ping. Zero disables probing.
func WithPingInterval(d time.Duration) ManagerOption {
	return func(m *ConnectionManager) {
		m.pingInterval = d
	}
}

// ConnectionManager owns the WebSocket session to the irrigation controller.
// It reconnects with capped exponential backoff until Disconnect is called.
type ConnectionManager struct {
	url          string
	dialer       *websocket.Dialer
	scheduler    Scheduler
	backOff      backoff.BackOff
	pingInterval time.Duration
	logger       *zap.SugaredLogger

	mu             sync.Mutex
	conn           *websocket.Conn
	state          ConnectionState
	gen            uint64 // bumped on every Connect/Disconnect; stale dials and read loops compare against it
	connID         string
	cancelDial     context.CancelFunc
	reconnectTimer Timer
	attempts       int

	writeMu sync.Mutex

	stateSubs   observers[ConnectionState]
	readingSubs observers[SensorReading]
	errorSubs   observers[error]
}

func NewConnectionManager(controllerURL string, logger *zap.SugaredLogger, opts ...ManagerOption) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if controllerURL == "" {
		controllerURL = defaultControllerURL
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	m := &ConnectionManager{
		url:          controllerURL,
		dialer:       &dialer,
		scheduler:    realScheduler{},
		backOff:      newReconnectBackOff(),
		pingInterval: healthCheckInterval,
		logger:       logger.Named("controller"),
		state:        StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newReconnectBackOff yields 2s, 3s, 4.5s, ... capped at 30s and never gives up.
func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     reconnectBaseDelay,
		RandomizationFactor: 0,
		Multiplier:          reconnectBackoffFactor,
		MaxInterval:         reconnectMaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func (m *ConnectionManager) URL() string {
	return m.url
}

func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionManager) IsConnected() bool {
	return m.State() == StateConnected
}

// ReconnectAttempts is the number of reconnects scheduled since the last successful open.
func (m *ConnectionManager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// OnStateChange subscribes to connection state transitions.
func (m *ConnectionManager) OnStateChange(fn func(ConnectionState)) (unsubscribe func()) {
	return m.stateSubs.add(fn)
}

// OnReading subscribes to normalized readings from the trusted controller.
// Readings of one connection are delivered in arrival order.
func (m *ConnectionManager) OnReading(fn func(SensorReading)) (unsubscribe func()) {
	return m.readingSubs.add(fn)
}

// OnError subscribes to diagnostic transport errors. Errors never change state by themselves.
func (m *ConnectionManager) OnError(fn func(error)) (unsubscribe func()) {
	return m.errorSubs.add(fn)
}

// Connect starts opening the link and returns immediately. It is a no-op
// while a link is open or a dial is already in flight.
func (m *ConnectionManager) Connect() {
	m.connect(false, 0)
}

// connect performs the disconnected to connecting transition. With
// checkGen set it only proceeds while the generation still equals gen, in
// the same critical section as the transition.
func (m *ConnectionManager) connect(checkGen bool, gen uint64) {
	m.mu.Lock()
	if checkGen && gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.state != StateDisconnected {
		state := m.state
		m.mu.Unlock()
		m.logger.Debugw("Connect ignored", "state", state)
		return
	}

	m.stopReconnectTimerLocked()
	m.gen++
	gen = m.gen
	connID := uuid.NewString()
	m.connID = connID
	m.state = StateConnecting

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.mu.Unlock()

	m.logger.Infow("Connecting to controller", "url", m.url, "conn_id", connID)
	connectionState.Set(float64(StateConnecting))
	m.stateSubs.notify(StateConnecting)

	go m.dial(ctx, gen, connID)
}

// Disconnect closes the link with a normal closure and cancels any pending
// reconnect. It is safe to call at any time, including repeatedly.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopReconnectTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	prev := m.state
	connID := m.connID
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
			m.logger.Debugw("Failed to send close frame", "error", err)
		}
		if err := conn.Close(); err != nil {
			m.logger.Debugw("Failed to close WebSocket connection", "error", err)
		}
	}

	if prev == StateDisconnected {
		return
	}

	m.logger.Infow("Disconnected from controller", "url", m.url, "conn_id", connID)
	connectionState.Set(float64(StateDisconnected))
	m.stateSubs.notify(StateDisconnected)
}

// Send encodes msg as JSON and writes it to the controller. It never
// returns an error: a closed link or a failed write is logged and dropped.
func (m *ConnectionManager) Send(msg any) {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		m.logger.Warnw("Cannot send message", "error", ErrNotConnected, "state", state)
		framesDropped.WithLabelValues("not_connected").Inc()
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		m.logger.Warnw("Failed to encode message", "error", err)
		framesDropped.WithLabelValues("encode").Inc()
		return
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		m.logger.Debugw("Failed to set write deadline", "error", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.logger.Warnw("Failed to send message", "error", err)
		framesDropped.WithLabelValues("write").Inc()
		return
	}
	framesSent.Inc()
	m.logger.Debugw("Sent message", "payload", string(payload))
}

func (m *ConnectionManager) dial(ctx context.Context, gen uint64, connID string) {
	conn, resp, err := m.dialer.DialContext(ctx, m.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if !m.isCurrent(gen) {
			return
		}
		m.reportError(fmt.Errorf("failed to connect to controller at %s: %w", m.url, err))
		m.handleClose(gen, websocket.CloseAbnormalClosure)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.cancelDial = nil
	m.attempts = 0
	m.backOff.Reset()
	m.mu.Unlock()

	m.logger.Infow("Connected to controller", "url", m.url, "conn_id", connID)
	connectionState.Set(float64(StateConnected))

	// Registration goes out before subscribers can send anything else.
	m.Send(NewRegistrationFrame())
	m.stateSubs.notify(StateConnected)

	done := make(chan struct{})
	if m.pingInterval > 0 {
		go m.pingLoop(conn, done)
	}
	m.readLoop(conn, gen, connID)
	close(done)
}

func (m *ConnectionManager) readLoop(conn *websocket.Conn, gen uint64, connID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !m.isCurrent(gen) {
				return
			}
			var closeErr *websocket.CloseError
			code := websocket.CloseAbnormalClosure
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			if code != websocket.CloseNormalClosure {
				m.reportError(fmt.Errorf("controller connection %s lost: %w", connID, err))
			}
			m.handleClose(gen, code)
			return
		}
		m.handleFrame(data)
	}
}

// pingLoop probes the link like a health check; a failed ping closes the
// socket so the read loop reports an abnormal closure.
func (m *ConnectionManager) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(pingTimeout)); err != nil {
				m.logger.Warnw("Health check failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *ConnectionManager) handleFrame(data []byte) {
	raw, err := ParseFrame(data)
	if err != nil {
		framesReceived.WithLabelValues("malformed").Inc()
		m.logger.Debugw("Dropping malformed frame", "error", err)
		return
	}

	if source, _ := raw["source"].(string); source != TrustedSource {
		framesReceived.WithLabelValues("untrusted").Inc()
		m.logger.Debugw("Ignoring frame from untrusted source", "source", raw["source"], "type", raw["type"])
		return
	}

	framesReceived.WithLabelValues("accepted").Inc()
	m.readingSubs.notify(Normalize(raw))
}

// handleClose moves to disconnected and, unless the peer closed normally,
// schedules the next reconnect.
func (m *ConnectionManager) handleClose(gen uint64, code int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.cancelDial = nil
	m.state = StateDisconnected

	var delay time.Duration
	reconnect := code != websocket.CloseNormalClosure
	if reconnect {
		delay = m.scheduleReconnectLocked()
	}
	attempts := m.attempts
	m.mu.Unlock()

	if reconnect {
		m.logger.Infow("Controller connection closed, scheduling reconnect",
			"code", code, "attempt", attempts, "delay", delay)
	} else {
		m.logger.Infow("Controller connection closed normally", "code", code)
	}
	connectionState.Set(float64(StateDisconnected))
	m.stateSubs.notify(StateDisconnected)
}

func (m *ConnectionManager) scheduleReconnectLocked() time.Duration {
	m.attempts++
	delay := m.backOff.NextBackOff()
	if delay == backoff.Stop {
		// The policy must not give up; hold at the cap instead.
		delay = reconnectMaxDelay
	}

	m.stopReconnectTimerLocked()
	gen := m.gen
	m.reconnectTimer = m.scheduler.AfterFunc(delay, func() {
		m.fireReconnect(gen)
	})
	reconnectsScheduled.Inc()
	return delay
}

func (m *ConnectionManager) fireReconnect(gen uint64) {
	m.connect(true, gen)
}

func (m *ConnectionManager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *ConnectionManager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *ConnectionManager) reportError(err error) {
	connectionErrors.Inc()
	m.logger.Warnw("Controller connection error", "error", err)
	m.errorSubs.notify(err)
}
