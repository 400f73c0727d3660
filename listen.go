package main

import (
	"sync"

	"go.uber.org/zap"
)

// EventTracker logs an EVENT line whenever a controller value changes. It
// backs listen mode, where only changes are interesting.
type EventTracker struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	previous *SensorReading
	state    *ConnectionState
}

func NewEventTracker(logger *zap.SugaredLogger) *EventTracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventTracker{logger: logger.Named("events")}
}

// Attach subscribes the tracker to m and returns the detach function.
func (t *EventTracker) Attach(m *ConnectionManager) (detach func()) {
	stopReadings := m.OnReading(t.TrackReading)
	stopStates := m.OnStateChange(t.TrackConnection)
	return func() {
		stopReadings()
		stopStates()
	}
}

func (t *EventTracker) TrackConnection(state ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == nil {
		t.logger.Infof("EVENT: Controller link %s", state)
	} else if *t.state != state {
		t.logger.Infof("EVENT: Controller link changed: %s → %s", *t.state, state)
	}
	t.state = &state
}

func (t *EventTracker) TrackReading(r SensorReading) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.previous
	t.previous = &r

	if prev == nil {
		// First reading since start
		t.logger.Infof("EVENT: Controller detected: soil %.1f%%, pump %s, mode %s",
			r.SoilMoisturePercent, r.PumpState, r.OperationMode)
		return
	}

	if prev.PumpState != r.PumpState {
		t.logger.Infof("EVENT: Pump turned %s", r.PumpState)
	}
	if prev.OperationMode != r.OperationMode {
		t.logger.Infof("EVENT: Mode changed: %s → %s", prev.OperationMode, r.OperationMode)
	}
	if prev.RainDetected != r.RainDetected {
		if r.RainDetected {
			t.logger.Infof("EVENT: Rain started (sensor %d)", r.RainRawValue)
		} else {
			t.logger.Infof("EVENT: Rain stopped (sensor %d)", r.RainRawValue)
		}
	}
	if prev.RainExpected != r.RainExpected {
		t.logger.Infof("EVENT: Rain forecast changed: %t → %t", prev.RainExpected, r.RainExpected)
	}
	if prev.LightStatus != r.LightStatus {
		t.logger.Infof("EVENT: Light changed: %s → %s", prev.LightStatus, r.LightStatus)
	}
}
