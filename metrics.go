package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics.
var (
	soilMoisture = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "soil_moisture_percent",
			Help: "Current soil moisture in percent",
		},
	)

	airTemperature = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "air_temperature_celsius",
			Help: "Current air temperature at the field in Celsius",
		},
	)

	airHumidity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relative_humidity_percent",
			Help: "Current relative humidity in percent",
		},
	)

	rainSensorRaw = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rain_sensor_raw",
			Help: "Raw rain sensor ADC value (4095=dry)",
		},
	)

	rainDetected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rain_detected",
			Help: "1 if the controller currently detects rain, 0 otherwise",
		},
	)

	lightSensorRaw = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "light_sensor_raw",
			Help: "Raw light sensor ADC value",
		},
	)

	lightPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "light_percent",
			Help: "Ambient light level in percent",
		},
	)

	waterFlow = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "water_flow_liters_per_minute",
			Help: "Current irrigation flow rate in liters per minute",
		},
	)

	waterDispensed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "water_dispensed_liters",
			Help: "Total liters dispensed as reported by the controller flow meter",
		},
	)

	pumpStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pump_state",
			Help: "Pump relay status (1=on, 0=off)",
		},
	)

	operationMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "operation_mode",
			Help: "Controller irrigation mode; the active mode is 1",
		},
		[]string{"mode"},
	)

	rainExpected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rain_expected",
			Help: "1 if the controller has been told rain is expected, 0 otherwise",
		},
	)

	connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controller_connection_state",
			Help: "Controller link state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	lastReadingTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "last_reading_timestamp_seconds",
			Help: "Unix timestamp of the last accepted controller reading",
		},
	)

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_frames_received_total",
			Help: "Inbound controller frames by outcome (accepted, malformed, untrusted)",
		},
		[]string{"result"},
	)

	framesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_frames_sent_total",
			Help: "Frames written to the controller",
		},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_frames_dropped_total",
			Help: "Outbound frames that were not written, by reason",
		},
		[]string{"reason"},
	)

	reconnectsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_reconnects_scheduled_total",
			Help: "Reconnect attempts scheduled after an abnormal close",
		},
	)

	connectionErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_connection_errors_total",
			Help: "Transport errors reported by the controller link",
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_commands_total",
			Help: "Operator commands by command and result (dispatched, duplicate, cooldown)",
		},
		[]string{"command", "result"},
	)

	snapshotFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_snapshot_failures_total",
			Help: "Failed backend report fetches that fell back to static data",
		},
		[]string{"endpoint"},
	)
)

func createPrometheusRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(soilMoisture)
	registry.MustRegister(airTemperature)
	registry.MustRegister(airHumidity)
	registry.MustRegister(rainSensorRaw)
	registry.MustRegister(rainDetected)
	registry.MustRegister(lightSensorRaw)
	registry.MustRegister(lightPercent)
	registry.MustRegister(waterFlow)
	registry.MustRegister(waterDispensed)
	registry.MustRegister(pumpStatus)
	registry.MustRegister(operationMode)
	registry.MustRegister(rainExpected)
	registry.MustRegister(connectionState)
	registry.MustRegister(lastReadingTimestamp)
	registry.MustRegister(framesReceived)
	registry.MustRegister(framesSent)
	registry.MustRegister(framesDropped)
	registry.MustRegister(reconnectsScheduled)
	registry.MustRegister(connectionErrors)
	registry.MustRegister(commandsTotal)
	registry.MustRegister(snapshotFailures)
	return registry
}

func createMetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// recordReadingMetrics copies an accepted reading into the gauges.
func recordReadingMetrics(r SensorReading) {
	soilMoisture.Set(r.SoilMoisturePercent)
	airTemperature.Set(r.TemperatureCelsius)
	airHumidity.Set(r.HumidityPercent)
	rainSensorRaw.Set(float64(r.RainRawValue))
	rainDetected.Set(boolToFloat(r.RainDetected))
	lightSensorRaw.Set(float64(r.LightRawValue))
	lightPercent.Set(r.LightPercent)
	waterFlow.Set(r.FlowRateLitersPerMinute)
	waterDispensed.Set(r.TotalLitersDispensed)
	pumpStatus.Set(float64(r.PumpState))
	rainExpected.Set(boolToFloat(r.RainExpected))

	for _, mode := range []OperationMode{ModeAuto, ModeManual} {
		operationMode.WithLabelValues(string(mode)).Set(boolToFloat(r.OperationMode == mode))
	}

	lastReadingTimestamp.SetToCurrentTime()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
