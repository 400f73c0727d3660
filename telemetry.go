package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// TrustedSource is the only frame source the dashboard accepts telemetry from.
const TrustedSource = "esp32"

// Normalizer defaults for keys that are missing or carry the wrong type.
const (
	defaultRainRaw      = 4095
	defaultLightRaw     = 500
	defaultLightPercent = 50
	defaultLightStatus  = "normal"
)

// PumpState is the pump relay state reported by (and commanded to) the controller.
type PumpState int

const (
	PumpOff PumpState = 0
	PumpOn  PumpState = 1
)

func (p PumpState) String() string {
	if p == PumpOn {
		return statusOn
	}
	return statusOff
}

// ParsePumpState accepts "ON"/"OFF" in any case.
func ParsePumpState(s string) (PumpState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case statusOn:
		return PumpOn, nil
	case statusOff:
		return PumpOff, nil
	}
	return PumpOff, fmt.Errorf("invalid pump state %q", s)
}

// OperationMode is the controller's irrigation mode, stored upper-cased.
type OperationMode string

const (
	ModeAuto   OperationMode = "AUTO"
	ModeManual OperationMode = "MANUAL"
)

// ParseOperationMode accepts "auto"/"manual" in any case.
func ParseOperationMode(s string) (OperationMode, error) {
	switch {
	case strings.EqualFold(s, string(ModeAuto)):
		return ModeAuto, nil
	case strings.EqualFold(s, string(ModeManual)):
		return ModeManual, nil
	}
	return ModeAuto, fmt.Errorf("invalid operation mode %q", s)
}

// SensorReading is the canonical telemetry record used throughout irrimeter.
type SensorReading struct {
	SoilMoisturePercent     float64       `json:"soil_moisture_percent"`
	TemperatureCelsius      float64       `json:"temperature_celsius"`
	HumidityPercent         float64       `json:"humidity_percent"`
	RainRawValue            int           `json:"rain_raw"`
	RainDetected            bool          `json:"rain_detected"`
	LightRawValue           int           `json:"light_raw"`
	LightPercent            float64       `json:"light_percent"`
	LightStatus             string        `json:"light_status"`
	FlowRateLitersPerMinute float64       `json:"flow_rate_lpm"`
	TotalLitersDispensed    float64       `json:"total_liters"`
	PumpState               PumpState     `json:"pump_state"`
	OperationMode           OperationMode `json:"operation_mode"`
	RainExpected            bool          `json:"rain_expected"`
	Timestamp               string        `json:"timestamp,omitempty"`
}

var errFrameNotObject = errors.New("frame is not a JSON object")

// ParseFrame decodes one inbound wire frame into an untyped key/value map.
func ParseFrame(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if raw == nil {
		return nil, errFrameNotObject
	}
	return raw, nil
}

// Normalize converts an inbound frame into a SensorReading. It never fails:
// missing or mistyped keys fall back to fixed defaults.
func Normalize(raw map[string]any) SensorReading {
	return SensorReading{
		SoilMoisturePercent:     floatOr(raw, "soil", 0),
		TemperatureCelsius:      floatOr(raw, "temperature", 0),
		HumidityPercent:         floatOr(raw, "humidity", 0),
		RainRawValue:            intOr(raw, "rain_raw", defaultRainRaw),
		RainDetected:            truthy(raw["rain_detected"]),
		LightRawValue:           intOr(raw, "light_raw", defaultLightRaw),
		LightPercent:            floatOr(raw, "light_percent", defaultLightPercent),
		LightStatus:             stringOr(raw, "light_state", defaultLightStatus),
		FlowRateLitersPerMinute: floatOr(raw, "flow", 0),
		TotalLitersDispensed:    floatOr(raw, "total", 0),
		PumpState:               normalizePump(raw["pump"]),
		OperationMode:           normalizeMode(raw["mode"]),
		RainExpected:            truthy(raw["rain_expected"]),
		Timestamp:               stringOr(raw, "timestamp", ""),
	}
}

// numberValue reports the value as a float64 when it is a JSON number.
func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func floatOr(raw map[string]any, key string, def float64) float64 {
	if f, ok := numberValue(raw[key]); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return def
}

// intOr truncates toward zero; values outside the int32 range take the default.
func intOr(raw map[string]any, key string, def int) int {
	f, ok := numberValue(raw[key])
	if !ok || math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return def
	}
	return int(f)
}

func stringOr(raw map[string]any, key, def string) string {
	if s, ok := raw[key].(string); ok && s != "" {
		return s
	}
	return def
}

func normalizePump(v any) PumpState {
	f, ok := numberValue(v)
	if !ok {
		return PumpOff
	}
	switch f {
	case 1:
		return PumpOn
	default:
		return PumpOff
	}
}

func normalizeMode(v any) OperationMode {
	s, ok := v.(string)
	if !ok {
		return ModeAuto
	}
	mode, err := ParseOperationMode(s)
	if err != nil {
		return ModeAuto
	}
	return mode
}

// truthy follows the controller firmware's loose boolean convention:
// absent, null, false, zero, NaN and "" are false, anything else is true.
func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	}
	if f, ok := numberValue(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}
