package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Version information set at build time.
var version = "dev"

// Constants.
const (
	defaultControllerURL = "ws://localhost:8080/ws"
	defaultHTTPPort      = "9090"

	handshakeTimeout    = 10 * time.Second
	writeTimeout        = 5 * time.Second
	pingTimeout         = 5 * time.Second
	healthCheckInterval = 30 * time.Second

	// Reconnect delay: 2s after the first drop, x1.5 per attempt, capped at 30s.
	reconnectBaseDelay     = 2 * time.Second
	reconnectBackoffFactor = 1.5
	reconnectMaxDelay      = 30 * time.Second

	httpReadTimeout     = 15 * time.Second
	httpWriteTimeout    = 15 * time.Second
	httpIdleTimeout     = 60 * time.Second
	httpShutdownTimeout = 5 * time.Second

	// Pump status constants.
	statusOn  = "ON"
	statusOff = "OFF"

	// Boolean string constants.
	trueString = "true"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	cfg, err := parseConfig(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "irrimeter: %v\n", err)
		os.Exit(2)
	}

	if cfg.showVersion {
		fmt.Printf("irrimeter %s\n", version)
		return
	}

	logger, err := newLogger(cfg.debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "irrimeter: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorw("irrimeter stopped", "error", err)
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appConfig, logger *zap.SugaredLogger) error {
	if cfg.discoverOnly {
		return discoverAndPrint(ctx, cfg.discoverHost, logger)
	}

	if cfg.discoverHost != "" {
		logger.Infow("Resolving controller via mDNS", "hostname", cfg.discoverHost)
		ip, err := DiscoverController(ctx, cfg.discoverHost, logger)
		if err != nil {
			return fmt.Errorf("auto-discovery failed: %w", err)
		}
		controllerURL, err := replaceURLHost(cfg.controllerURL, ip)
		if err != nil {
			return err
		}
		logger.Infow("Auto-discovered controller", "ip", ip, "url", controllerURL)
		cfg.controllerURL = controllerURL
	}

	logStartupMessage(cfg, logger)

	manager := NewConnectionManager(cfg.controllerURL, logger)
	session := NewSession(manager, logger)
	defer session.Attach(manager)()
	defer manager.OnReading(recordReadingMetrics)()

	if cfg.listenMode {
		defer NewEventTracker(logger).Attach(manager)()
		manager.Connect()
		<-ctx.Done()
		manager.Disconnect()
		return nil
	}

	if cfg.mqttBroker != "" {
		client, err := connectMQTT(ctx, cfg.mqttBroker, logger)
		if err != nil {
			logger.Warnw("MQTT mirror disabled", "error", err)
		} else {
			defer NewMQTTMirror(mqttPublisher{client: client}, cfg.mqttTopic, logger).Attach(manager)()
		}
	}

	poller := NewSnapshotPoller(cfg.apiURL, session, cfg.forwardRain, logger)
	defer poller.Attach(manager)()
	go poller.Run(ctx, cfg.snapshotInterval)

	manager.Connect()
	defer manager.Disconnect()

	registry := createPrometheusRegistry()
	return startServer(ctx, ":"+cfg.httpPort, newRouter(registry, session, logger), logger)
}

func discoverAndPrint(ctx context.Context, hostname string, logger *zap.SugaredLogger) error {
	if hostname == "" {
		hostname = defaultControllerHostname
	}
	logger.Infow("Searching for controller on network (up to 60 seconds). Press Ctrl-C to cancel.", "hostname", hostname)
	ip, err := DiscoverController(ctx, hostname, logger)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	fmt.Println(ip)
	return nil
}

func logStartupMessage(cfg *appConfig, logger *zap.SugaredLogger) {
	logger.Infow("Starting irrimeter", "version", version, "controller", cfg.controllerURL)
	if cfg.listenMode {
		logger.Info("Listen mode enabled - logging controller changes only")
		return
	}
	logger.Infow("HTTP server configured", "port", cfg.httpPort, "api", cfg.apiURL,
		"snapshot_interval", cfg.snapshotInterval)
	if cfg.mqttBroker != "" {
		logger.Infow("MQTT mirror configured", "broker", cfg.mqttBroker, "topic", cfg.mqttTopic)
	}
	if cfg.debugMode {
		logger.Debug("Debug logging enabled")
	}
}

// startServer serves handler until ctx is done, then shuts down gracefully.
func startServer(ctx context.Context, serverAddr string, handler http.Handler, logger *zap.SugaredLogger) error {
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("Starting HTTP server", "addr", serverAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}
