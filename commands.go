package main

import "strings"

// Registration frame identity sent once per successful connect.
const (
	registerType     = "register"
	registerRole     = "dashboard"
	registerClientID = "mobile-app"
)

// RegistrationFrame announces this client to the controller hub.
type RegistrationFrame struct {
	Type string `json:"type"`
	Role string `json:"role"`
	ID   string `json:"id"`
}

// PumpCommand switches the pump relay.
type PumpCommand struct {
	PumpCmd string `json:"pump_cmd"`
}

// ModeCommand switches the controller between automatic and manual irrigation.
type ModeCommand struct {
	Mode string `json:"mode"`
}

// RainForecastCommand tells the controller whether rain is expected soon.
type RainForecastCommand struct {
	RainExpected bool `json:"rain_expected"`
}

func NewRegistrationFrame() RegistrationFrame {
	return RegistrationFrame{Type: registerType, Role: registerRole, ID: registerClientID}
}

func EncodePumpCommand(state PumpState) PumpCommand {
	return PumpCommand{PumpCmd: state.String()}
}

// EncodeModeCommand lower-cases the mode, which is what the firmware parses.
func EncodeModeCommand(mode OperationMode) ModeCommand {
	return ModeCommand{Mode: strings.ToLower(string(mode))}
}

func EncodeRainForecast(expected bool) RainForecastCommand {
	return RainForecastCommand{RainExpected: expected}
}
