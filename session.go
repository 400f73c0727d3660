package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session store limits.
const (
	historyCapacity = 30
	pumpCooldown    = 2 * time.Second
)

// ErrNoSession is the panic value when session state is read from a context that never received one.
var ErrNoSession = errors.New("session used without being installed in the context; wrap the caller with NewContext")

// CommandSender transmits an encoded command frame. ConnectionManager implements it.
type CommandSender interface {
	Send(msg any)
}

// Snapshot is a consistent copy of the session state plus the values derived from it.
type Snapshot struct {
	Latest       SensorReading   `json:"latest"`
	HasLiveData  bool            `json:"has_live_data"`
	Connection   ConnectionState `json:"connection"`
	IsConnected  bool            `json:"is_connected"`
	PumpStatus   string          `json:"pump_status"`
	Mode         OperationMode   `json:"mode"`
	SoilPercent  float64         `json:"soil_percent"`
	IsRaining    bool            `json:"is_raining"`
	HistoryLen   int             `json:"history_len"`
	ModelReport  *ModelReport    `json:"model_report,omitempty"`
	Weather      *WeatherReport  `json:"weather,omitempty"`
	SystemStatus *SystemStatus   `json:"system_status,omitempty"`
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithClock replaces the time source used for the pump cooldown.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// Session is the process-wide holder of the latest reading, the rolling
// history and the connection state. Only inbound readings and the command
// methods write to it.
type Session struct {
	sender CommandSender
	logger *zap.SugaredLogger
	now    func() time.Time

	mu           sync.RWMutex
	latest       SensorReading
	history      []SensorReading // oldest first, at most historyCapacity
	hasLiveData  bool
	connection   ConnectionState
	lastPump     *PumpState
	lastPumpAt   time.Time
	modelReport  *ModelReport
	weather      *WeatherReport
	systemStatus *SystemStatus

	subs observers[Snapshot]
}

func NewSession(sender CommandSender, logger *zap.SugaredLogger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Session{
		sender:     sender,
		logger:     logger.Named("session"),
		now:        time.Now,
		latest:     Normalize(nil),
		history:    make([]SensorReading, 0, historyCapacity),
		connection: StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach feeds the manager's readings and state changes into the session.
// The returned function detaches it again.
func (s *Session) Attach(m *ConnectionManager) (detach func()) {
	stopReadings := m.OnReading(s.OnReading)
	stopStates := m.OnStateChange(s.SetConnectionState)
	s.SetConnectionState(m.State())
	return func() {
		stopReadings()
		stopStates()
	}
}

// Subscribe registers fn for every session change.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return s.subs.add(fn)
}

// OnReading replaces the latest reading and appends it to the history,
// evicting the oldest entry beyond historyCapacity.
func (s *Session) OnReading(r SensorReading) {
	s.mu.Lock()
	s.latest = r
	if len(s.history) == historyCapacity {
		copy(s.history, s.history[1:])
		s.history = s.history[:historyCapacity-1]
	}
	s.history = append(s.history, r)
	s.hasLiveData = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.subs.notify(snap)
}

func (s *Session) SetConnectionState(state ConnectionState) {
	s.mu.Lock()
	if s.connection == state {
		s.mu.Unlock()
		return
	}
	s.connection = state
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.subs.notify(snap)
}

// CommandPump requests a pump change. A repeat of the last commanded state,
// or any request within pumpCooldown of the last accepted one, is dropped.
// The local reading is updated before the controller confirms; the next
// inbound reading overwrites it. It reports whether a command went out.
func (s *Session) CommandPump(state PumpState) bool {
	now := s.now()

	s.mu.Lock()
	if s.lastPump != nil && *s.lastPump == state {
		s.mu.Unlock()
		commandsTotal.WithLabelValues("pump", "duplicate").Inc()
		s.logger.Debugw("Pump command suppressed, already requested", "state", state)
		return false
	}
	if !s.lastPumpAt.IsZero() && now.Sub(s.lastPumpAt) < pumpCooldown {
		s.mu.Unlock()
		commandsTotal.WithLabelValues("pump", "cooldown").Inc()
		s.logger.Debugw("Pump command suppressed by cooldown", "state", state,
			"since_last", now.Sub(s.lastPumpAt))
		return false
	}

	s.lastPump = &state
	s.lastPumpAt = now
	s.latest.PumpState = state
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.subs.notify(snap)
	s.sender.Send(EncodePumpCommand(state))
	commandsTotal.WithLabelValues("pump", "dispatched").Inc()
	s.logger.Infow("Pump command dispatched", "state", state)
	return true
}

// CommandMode switches the operation mode. Mode changes have no cooldown.
func (s *Session) CommandMode(mode OperationMode) {
	s.mu.Lock()
	s.latest.OperationMode = mode
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.subs.notify(snap)
	s.sender.Send(EncodeModeCommand(mode))
	commandsTotal.WithLabelValues("mode", "dispatched").Inc()
	s.logger.Infow("Mode command dispatched", "mode", mode)
}

// CommandRainForecast forwards a rain forecast hint without touching local state.
func (s *Session) CommandRainForecast(expected bool) {
	s.sender.Send(EncodeRainForecast(expected))
	commandsTotal.WithLabelValues("rain_forecast", "dispatched").Inc()
	s.logger.Infow("Rain forecast dispatched", "rain_expected", expected)
}

func (s *Session) Latest() SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// History returns a copy of the rolling window, oldest first.
func (s *Session) History() []SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SensorReading, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) SetModelReport(r ModelReport) {
	s.mu.Lock()
	s.modelReport = &r
	s.mu.Unlock()
}

func (s *Session) SetWeather(w WeatherReport) {
	s.mu.Lock()
	s.weather = &w
	s.mu.Unlock()
}

func (s *Session) SetSystemStatus(st SystemStatus) {
	s.mu.Lock()
	s.systemStatus = &st
	s.mu.Unlock()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Latest:       s.latest,
		HasLiveData:  s.hasLiveData,
		Connection:   s.connection,
		IsConnected:  s.connection == StateConnected,
		PumpStatus:   s.latest.PumpState.String(),
		Mode:         s.latest.OperationMode,
		SoilPercent:  s.latest.SoilMoisturePercent,
		IsRaining:    s.latest.RainDetected,
		HistoryLen:   len(s.history),
		ModelReport:  s.modelReport,
		Weather:      s.weather,
		SystemStatus: s.systemStatus,
	}
}

type sessionKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session installed by NewContext. Calling it
// on a context without one is a programming error and panics with ErrNoSession.
func SessionFromContext(ctx context.Context) *Session {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	if !ok || s == nil {
		panic(ErrNoSession)
	}
	return s
}
