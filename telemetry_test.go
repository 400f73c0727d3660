package main

import (
	"encoding/json"
	"math"
	"testing"
)

func TestNormalizeEmptyFrameUsesDefaults(t *testing.T) {
	for _, raw := range []map[string]any{nil, {}} {
		reading := Normalize(raw)

		if reading.SoilMoisturePercent != 0 || reading.TemperatureCelsius != 0 || reading.HumidityPercent != 0 {
			t.Errorf("Expected zero climate values, got %+v", reading)
		}
		if reading.RainRawValue != defaultRainRaw {
			t.Errorf("Expected rain raw %d, got %d", defaultRainRaw, reading.RainRawValue)
		}
		if reading.LightRawValue != defaultLightRaw {
			t.Errorf("Expected light raw %d, got %d", defaultLightRaw, reading.LightRawValue)
		}
		if reading.LightPercent != defaultLightPercent {
			t.Errorf("Expected light percent %d, got %v", defaultLightPercent, reading.LightPercent)
		}
		if reading.LightStatus != defaultLightStatus {
			t.Errorf("Expected light status %q, got %q", defaultLightStatus, reading.LightStatus)
		}
		if reading.PumpState != PumpOff {
			t.Errorf("Expected pump OFF, got %v", reading.PumpState)
		}
		if reading.OperationMode != ModeAuto {
			t.Errorf("Expected mode AUTO, got %v", reading.OperationMode)
		}
		if reading.RainDetected || reading.RainExpected {
			t.Error("Expected rain flags to be false")
		}
	}
}

func TestNormalizeAlwaysYieldsValidEnums(t *testing.T) {
	frames := []map[string]any{
		{"pump": "1", "mode": 42},
		{"pump": 2.0, "mode": "sprinkle"},
		{"pump": true, "mode": nil},
		{"pump": -1.0, "mode": ""},
		{"pump": 1.0, "mode": "Manual"},
		{"soil": "wet", "temperature": []any{1.0}, "humidity": map[string]any{}},
	}

	for _, raw := range frames {
		reading := Normalize(raw)
		if reading.PumpState != PumpOff && reading.PumpState != PumpOn {
			t.Errorf("Normalize(%v): pump state out of range: %d", raw, reading.PumpState)
		}
		if reading.OperationMode != ModeAuto && reading.OperationMode != ModeManual {
			t.Errorf("Normalize(%v): mode out of range: %q", raw, reading.OperationMode)
		}
	}
}

func TestNormalizeScenarioFrame(t *testing.T) {
	raw, err := ParseFrame([]byte(`{"source":"esp32","soil":45.2,"pump":1,"mode":"auto","rain_detected":true}`))
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}

	reading := Normalize(raw)

	if reading.SoilMoisturePercent != 45.2 {
		t.Errorf("Expected soil 45.2, got %v", reading.SoilMoisturePercent)
	}
	if reading.PumpState != PumpOn {
		t.Errorf("Expected pump ON, got %v", reading.PumpState)
	}
	if reading.OperationMode != ModeAuto {
		t.Errorf("Expected mode AUTO, got %v", reading.OperationMode)
	}
	if !reading.RainDetected {
		t.Error("Expected rain detected")
	}
	if reading.RainRawValue != 4095 {
		t.Errorf("Expected default rain raw 4095, got %d", reading.RainRawValue)
	}
	if reading.LightPercent != 50 {
		t.Errorf("Expected default light percent 50, got %v", reading.LightPercent)
	}
}

func TestNormalizeFullFrame(t *testing.T) {
	raw, err := ParseFrame([]byte(`{
		"source": "esp32",
		"soil": 31.5,
		"temperature": 29.1,
		"humidity": 71,
		"rain_raw": 1200,
		"rain_detected": 1,
		"light_raw": 2300.9,
		"light_percent": 64.2,
		"light_state": "bright",
		"flow": 3.4,
		"total": 120.75,
		"pump": 0,
		"mode": "MANUAL",
		"rain_expected": "yes",
		"timestamp": "2024-12-21T14:30:00Z"
	}`))
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}

	want := SensorReading{
		SoilMoisturePercent:     31.5,
		TemperatureCelsius:      29.1,
		HumidityPercent:         71,
		RainRawValue:            1200,
		RainDetected:            true,
		LightRawValue:           2300,
		LightPercent:            64.2,
		LightStatus:             "bright",
		FlowRateLitersPerMinute: 3.4,
		TotalLitersDispensed:    120.75,
		PumpState:               PumpOff,
		OperationMode:           ModeManual,
		RainExpected:            true,
		Timestamp:               "2024-12-21T14:30:00Z",
	}

	if got := Normalize(raw); got != want {
		t.Errorf("Normalize mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestNormalizeOutOfRangeIntegers(t *testing.T) {
	raw, err := ParseFrame([]byte(`{"source":"esp32","rain_raw":1e300,"light_raw":-1e300}`))
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}

	got := Normalize(raw)
	if got.RainRawValue != defaultRainRaw {
		t.Errorf("Expected rain_raw default %d, got %d", defaultRainRaw, got.RainRawValue)
	}
	if got.LightRawValue != defaultLightRaw {
		t.Errorf("Expected light_raw default %d, got %d", defaultLightRaw, got.LightRawValue)
	}

	edge := Normalize(map[string]any{"rain_raw": float64(math.MaxInt32), "light_raw": float64(math.MinInt32)})
	if edge.RainRawValue != math.MaxInt32 || edge.LightRawValue != math.MinInt32 {
		t.Errorf("Expected int32 bounds kept, got %d and %d", edge.RainRawValue, edge.LightRawValue)
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		value    any
		expected bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{0.0, false},
		{1.0, true},
		{-2.5, true},
		{"", false},
		{"false", true},
		{[]any{}, true},
		{map[string]any{}, true},
	}

	for _, test := range tests {
		if result := truthy(test.value); result != test.expected {
			t.Errorf("truthy(%#v): expected %v, got %v", test.value, test.expected, result)
		}
	}
}

func TestParseFrameRejectsNonObjects(t *testing.T) {
	for _, frame := range []string{`not json`, `null`, `[1,2,3]`, `"esp32"`, ``} {
		if _, err := ParseFrame([]byte(frame)); err == nil {
			t.Errorf("ParseFrame(%q): expected error", frame)
		}
	}
}

func TestParsePumpState(t *testing.T) {
	tests := []struct {
		input    string
		expected PumpState
		wantErr  bool
	}{
		{"ON", PumpOn, false},
		{"on", PumpOn, false},
		{" off ", PumpOff, false},
		{"1", PumpOff, true},
		{"", PumpOff, true},
	}

	for _, test := range tests {
		result, err := ParsePumpState(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParsePumpState(%q): unexpected error state: %v", test.input, err)
			continue
		}
		if result != test.expected {
			t.Errorf("ParsePumpState(%q): expected %v, got %v", test.input, test.expected, result)
		}
	}
}

func TestParseOperationMode(t *testing.T) {
	tests := []struct {
		input    string
		expected OperationMode
		wantErr  bool
	}{
		{"auto", ModeAuto, false},
		{"AUTO", ModeAuto, false},
		{"Manual", ModeManual, false},
		{"schedule", ModeAuto, true},
	}

	for _, test := range tests {
		result, err := ParseOperationMode(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseOperationMode(%q): unexpected error state: %v", test.input, err)
			continue
		}
		if result != test.expected {
			t.Errorf("ParseOperationMode(%q): expected %v, got %v", test.input, test.expected, result)
		}
	}
}

func TestSensorReadingJSONKeys(t *testing.T) {
	data, err := json.Marshal(Normalize(map[string]any{"pump": 1.0}))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	for _, key := range []string{"soil_moisture_percent", "rain_raw", "light_status", "pump_state", "operation_mode"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("Expected key %q in %s", key, data)
		}
	}
	if _, ok := decoded["timestamp"]; ok {
		t.Errorf("Expected empty timestamp to be omitted, got %s", data)
	}
}
