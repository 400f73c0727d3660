package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []any
}

func (r *recordingSender) Send(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
}

func (r *recordingSender) messages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.sent))
	copy(out, r.sent)
	return out
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestSession(t *testing.T) (*Session, *recordingSender, *fakeClock) {
	t.Helper()
	sender := &recordingSender{}
	clock := &fakeClock{now: time.Date(2024, 12, 21, 14, 30, 0, 0, time.UTC)}
	session := NewSession(sender, zaptest.NewLogger(t).Sugar(), WithClock(clock.Now))
	return session, sender, clock
}

func TestNewSessionStartsWithDefaults(t *testing.T) {
	session, _, _ := newTestSession(t)
	snap := session.Snapshot()

	if snap.HasLiveData {
		t.Error("New session should not report live data")
	}
	if snap.Connection != StateDisconnected || snap.IsConnected {
		t.Errorf("Expected disconnected, got %v", snap.Connection)
	}
	if snap.Latest != Normalize(nil) {
		t.Errorf("Expected default reading, got %+v", snap.Latest)
	}
	if snap.PumpStatus != statusOff {
		t.Errorf("Expected pump status OFF, got %s", snap.PumpStatus)
	}
	if snap.HistoryLen != 0 {
		t.Errorf("Expected empty history, got %d", snap.HistoryLen)
	}
}

func TestHistoryKeepsLastThirtyReadings(t *testing.T) {
	session, _, _ := newTestSession(t)

	const total = 45
	for i := 0; i < total; i++ {
		session.OnReading(SensorReading{SoilMoisturePercent: float64(i)})
	}

	history := session.History()
	if len(history) != historyCapacity {
		t.Fatalf("Expected %d history entries, got %d", historyCapacity, len(history))
	}
	for i, r := range history {
		want := float64(total - historyCapacity + i)
		if r.SoilMoisturePercent != want {
			t.Errorf("history[%d]: expected soil %v, got %v", i, want, r.SoilMoisturePercent)
		}
	}
	if latest := session.Latest(); latest.SoilMoisturePercent != total-1 {
		t.Errorf("Expected latest soil %d, got %v", total-1, latest.SoilMoisturePercent)
	}
	if !session.Snapshot().HasLiveData {
		t.Error("Expected live data after readings")
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	session, _, _ := newTestSession(t)
	session.OnReading(SensorReading{SoilMoisturePercent: 10})

	history := session.History()
	history[0].SoilMoisturePercent = 99

	if got := session.History()[0].SoilMoisturePercent; got != 10 {
		t.Errorf("Expected stored history to be unchanged, got %v", got)
	}
}

func TestCommandPumpCooldown(t *testing.T) {
	session, sender, clock := newTestSession(t)
	before := testutil.ToFloat64(commandsTotal.WithLabelValues("pump", "cooldown"))

	if !session.CommandPump(PumpOn) {
		t.Fatal("First pump command should be dispatched")
	}
	clock.Advance(1500 * time.Millisecond)
	if session.CommandPump(PumpOff) {
		t.Error("Pump command inside the cooldown should be suppressed")
	}

	if got := len(sender.messages()); got != 1 {
		t.Errorf("Expected exactly 1 transmitted command, got %d", got)
	}
	if delta := testutil.ToFloat64(commandsTotal.WithLabelValues("pump", "cooldown")) - before; delta != 1 {
		t.Errorf("Expected cooldown counter +1, got %v", delta)
	}

	clock.Advance(pumpCooldown)
	if !session.CommandPump(PumpOff) {
		t.Error("Pump command after the cooldown should be dispatched")
	}
	messages := sender.messages()
	if len(messages) != 2 || messages[1] != EncodePumpCommand(PumpOff) {
		t.Errorf("Expected second command OFF, got %v", messages)
	}
}

func TestCommandPumpIdempotent(t *testing.T) {
	session, sender, clock := newTestSession(t)

	session.CommandPump(PumpOn)
	clock.Advance(time.Hour)
	if session.CommandPump(PumpOn) {
		t.Error("Repeating the last commanded pump state should be suppressed")
	}

	messages := sender.messages()
	if len(messages) != 1 {
		t.Fatalf("Expected exactly 1 transmitted command, got %d", len(messages))
	}
	if messages[0] != EncodePumpCommand(PumpOn) {
		t.Errorf("Expected ON command, got %v", messages[0])
	}
}

func TestCommandPumpOptimisticUpdate(t *testing.T) {
	session, _, _ := newTestSession(t)

	var snaps []Snapshot
	session.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })

	session.CommandPump(PumpOn)

	if session.Latest().PumpState != PumpOn {
		t.Error("Expected local pump state ON before any confirmation")
	}
	if len(snaps) != 1 || snaps[0].PumpStatus != statusOn {
		t.Errorf("Expected one snapshot with pump ON, got %+v", snaps)
	}

	// The next device reading wins.
	session.OnReading(SensorReading{PumpState: PumpOff, OperationMode: ModeAuto})
	if session.Latest().PumpState != PumpOff {
		t.Error("Expected inbound reading to overwrite the optimistic pump state")
	}
}

func TestCommandModeHasNoCooldown(t *testing.T) {
	session, sender, _ := newTestSession(t)

	session.CommandMode(ModeManual)
	session.CommandMode(ModeAuto)
	session.CommandMode(ModeManual)

	messages := sender.messages()
	if len(messages) != 3 {
		t.Fatalf("Expected 3 mode commands, got %d", len(messages))
	}
	if messages[2] != EncodeModeCommand(ModeManual) {
		t.Errorf("Expected last command manual, got %v", messages[2])
	}
	if session.Latest().OperationMode != ModeManual {
		t.Errorf("Expected optimistic mode MANUAL, got %v", session.Latest().OperationMode)
	}
}

func TestCommandRainForecastLeavesStateAlone(t *testing.T) {
	session, sender, _ := newTestSession(t)
	before := session.Latest()

	session.CommandRainForecast(true)

	if session.Latest() != before {
		t.Error("Rain forecast should not change local state")
	}
	messages := sender.messages()
	if len(messages) != 1 || messages[0] != EncodeRainForecast(true) {
		t.Errorf("Expected one rain forecast command, got %v", messages)
	}
}

func TestSetConnectionStateDeduplicates(t *testing.T) {
	session, _, _ := newTestSession(t)

	notified := 0
	session.Subscribe(func(Snapshot) { notified++ })

	session.SetConnectionState(StateConnecting)
	session.SetConnectionState(StateConnecting)
	session.SetConnectionState(StateConnected)

	if notified != 2 {
		t.Errorf("Expected 2 notifications, got %d", notified)
	}
	if !session.Snapshot().IsConnected {
		t.Error("Expected session to report connected")
	}
}

func TestSnapshotIncludesBackendReports(t *testing.T) {
	session, _, _ := newTestSession(t)

	session.SetModelReport(fallbackModelReport())
	session.SetWeather(fallbackWeather(time.Now()))
	session.SetSystemStatus(fallbackSystemStatus())

	snap := session.Snapshot()
	if snap.ModelReport == nil || snap.ModelReport.BestModel != bestModelARIMAX {
		t.Errorf("Expected model report in snapshot, got %+v", snap.ModelReport)
	}
	if snap.Weather == nil || snap.Weather.Location != "Erode, Tamil Nadu" {
		t.Errorf("Expected weather in snapshot, got %+v", snap.Weather)
	}
	if snap.SystemStatus == nil || snap.SystemStatus.TotalRows != 7245 {
		t.Errorf("Expected system status in snapshot, got %+v", snap.SystemStatus)
	}
}

func TestSessionFromContext(t *testing.T) {
	session, _, _ := newTestSession(t)

	ctx := NewContext(testContext(t), session)
	if got := SessionFromContext(ctx); got != session {
		t.Error("Expected the installed session")
	}
}

func TestSessionFromContextPanicsWithoutSession(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrNoSession) {
			t.Errorf("Expected panic with ErrNoSession, got %v", r)
		}
	}()

	SessionFromContext(context.Background())
	t.Error("SessionFromContext should have panicked")
}
