package main

import (
	"encoding/json"
	"testing"
)

func TestCommandWireFormat(t *testing.T) {
	tests := []struct {
		name     string
		command  any
		expected string
	}{
		{"registration", NewRegistrationFrame(), `{"type":"register","role":"dashboard","id":"mobile-app"}`},
		{"pump on", EncodePumpCommand(PumpOn), `{"pump_cmd":"ON"}`},
		{"pump off", EncodePumpCommand(PumpOff), `{"pump_cmd":"OFF"}`},
		{"mode auto", EncodeModeCommand(ModeAuto), `{"mode":"auto"}`},
		{"mode manual", EncodeModeCommand(ModeManual), `{"mode":"manual"}`},
		{"rain expected", EncodeRainForecast(true), `{"rain_expected":true}`},
		{"rain not expected", EncodeRainForecast(false), `{"rain_expected":false}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := json.Marshal(test.command)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(data) != test.expected {
				t.Errorf("Expected %s, got %s", test.expected, data)
			}
		})
	}
}
