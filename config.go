package main

import (
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

type appConfig struct {
	controllerURL    string
	apiURL           string
	httpPort         string
	snapshotInterval time.Duration
	mqttBroker       string
	mqttTopic        string
	forwardRain      bool
	debugMode        bool
	listenMode       bool
	discoverHost     string
	discoverOnly     bool
	showVersion      bool
}

func getEnvOrDefault(envVar, defaultValue string) string {
	if value := os.Getenv(envVar); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(envVar string, defaultValue int) int {
	if env := os.Getenv(envVar); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	return defaultValue
}

// parseConfig reads flags from args; every flag falls back to its
// IRRIMETER_* environment variable and then to the built-in default.
func parseConfig(fs *flag.FlagSet, args []string) (*appConfig, error) {
	controllerURL := fs.String("ws-url", getEnvOrDefault("IRRIMETER_WS_URL", defaultControllerURL),
		"Controller WebSocket URL (env: IRRIMETER_WS_URL)")
	apiURL := fs.String("api-url", getEnvOrDefault("IRRIMETER_API_URL", defaultAPIURL),
		"Backend REST base URL for model, weather and status reports (env: IRRIMETER_API_URL)")
	httpPort := fs.String("http-port", getEnvOrDefault("IRRIMETER_HTTP_PORT", defaultHTTPPort),
		"HTTP server port for metrics and the API (env: IRRIMETER_HTTP_PORT)")
	snapshotSeconds := fs.Int("snapshot-interval", getEnvIntOrDefault("IRRIMETER_SNAPSHOT_INTERVAL", defaultSnapshotInterval),
		"Backend report polling interval in seconds (env: IRRIMETER_SNAPSHOT_INTERVAL)")
	mqttBroker := fs.String("mqtt-broker", getEnvOrDefault("IRRIMETER_MQTT_BROKER", ""),
		"MQTT broker URL to mirror readings to, e.g. tcp://localhost:1883 (env: IRRIMETER_MQTT_BROKER)")
	mqttTopic := fs.String("mqtt-topic", getEnvOrDefault("IRRIMETER_MQTT_TOPIC", defaultMQTTTopic),
		"MQTT topic prefix (env: IRRIMETER_MQTT_TOPIC)")
	forwardRain := fs.Bool("forward-rain-forecast", getEnvOrDefault("IRRIMETER_FORWARD_RAIN", "false") == trueString,
		"Send the backend rain forecast to the controller when it changes (env: IRRIMETER_FORWARD_RAIN)")
	debugMode := fs.Bool("debug", getEnvOrDefault("IRRIMETER_DEBUG", "false") == trueString,
		"Enable debug logging (env: IRRIMETER_DEBUG)")
	listenMode := fs.Bool("listen", getEnvOrDefault("IRRIMETER_LISTEN", "false") == trueString,
		"Enable live event logging mode (log controller changes only) (env: IRRIMETER_LISTEN)")
	discoverHost := fs.String("discover-host", getEnvOrDefault("IRRIMETER_DISCOVER_HOST", ""),
		"mDNS hostname of the controller; when set, its address replaces the WebSocket URL host (env: IRRIMETER_DISCOVER_HOST)")
	discoverOnly := fs.Bool("discover", false, "Discover the controller address via mDNS and exit")
	showVersion := fs.Bool("version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *snapshotSeconds <= 0 {
		return nil, fmt.Errorf("snapshot interval must be positive, got %d", *snapshotSeconds)
	}
	if _, err := url.Parse(*controllerURL); err != nil {
		return nil, fmt.Errorf("invalid controller URL %q: %w", *controllerURL, err)
	}

	return &appConfig{
		controllerURL:    *controllerURL,
		apiURL:           *apiURL,
		httpPort:         *httpPort,
		snapshotInterval: time.Duration(*snapshotSeconds) * time.Second,
		mqttBroker:       *mqttBroker,
		mqttTopic:        *mqttTopic,
		forwardRain:      *forwardRain,
		debugMode:        *debugMode,
		listenMode:       *listenMode,
		discoverHost:     *discoverHost,
		discoverOnly:     *discoverOnly,
		showVersion:      *showVersion,
	}, nil
}

// replaceURLHost swaps the host of rawURL for ip, keeping scheme, port and path.
func replaceURLHost(rawURL, ip string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(ip, port)
	} else {
		u.Host = ip
	}
	return u.String(), nil
}
