package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Snapshot poller settings.
const (
	defaultAPIURL           = "http://localhost:8000"
	defaultSnapshotInterval = 300
	snapshotTimeout         = 10 * time.Second
	breakerFailures         = 3
	breakerOpenFor          = 60 * time.Second

	bestModelARIMAX = "ARIMAX"
)

// ModelReport compares the soil moisture forecasting models.
type ModelReport struct {
	ArimaRMSE      float64 `json:"arima_rmse"`
	ArimaxRMSE     float64 `json:"arimax_rmse"`
	ArimaMAPE      float64 `json:"arima_mape"`
	ArimaxMAPE     float64 `json:"arimax_mape"`
	ArimaAccuracy  float64 `json:"arima_accuracy"`
	ArimaxAccuracy float64 `json:"arimax_accuracy"`
	BestModel      string  `json:"best_model"`
	Rows           int     `json:"rows,omitempty"`
}

// WeatherReport is the backend's forecast for the field location.
type WeatherReport struct {
	Temperature     float64 `json:"temperature"`
	Humidity        float64 `json:"humidity"`
	RainProbability float64 `json:"rain_probability"`
	RainExpected    bool    `json:"rain_expected"`
	ForecastWindow  string  `json:"forecast_window"`
	Location        string  `json:"location"`
	LastUpdated     string  `json:"last_updated,omitempty"`
}

// SystemStatus describes the backend's logging and retraining schedule.
type SystemStatus struct {
	TotalRows          int    `json:"total_rows"`
	LastRetrain        string `json:"last_retrain"`
	NextRetrain        string `json:"next_retrain"`
	SensorConnectivity bool   `json:"sensor_connectivity"`
	DataLoggingActive  bool   `json:"data_logging_active"`
}

func fallbackModelReport() ModelReport {
	return ModelReport{
		ArimaRMSE:      3.45,
		ArimaxRMSE:     1.78,
		ArimaMAPE:      0.175,
		ArimaxMAPE:     0.054,
		ArimaAccuracy:  82.5,
		ArimaxAccuracy: 94.6,
		BestModel:      bestModelARIMAX,
		Rows:           2000,
	}
}

func fallbackWeather(now time.Time) WeatherReport {
	return WeatherReport{
		Temperature:     28.5,
		Humidity:        65,
		RainProbability: 25,
		RainExpected:    false,
		ForecastWindow:  "Next 24 hours",
		Location:        "Erode, Tamil Nadu",
		LastUpdated:     now.Format(time.Kitchen),
	}
}

func fallbackSystemStatus() SystemStatus {
	return SystemStatus{
		TotalRows:          7245,
		LastRetrain:        "2024-12-21 14:30:00",
		NextRetrain:        "2024-12-22 02:00:00",
		SensorConnectivity: true,
		DataLoggingActive:  true,
	}
}

// SnapshotPoller periodically pulls the backend reports into the session.
// Every fetch is a single bounded attempt; on any failure the static
// fallback payload is stored instead.
type SnapshotPoller struct {
	baseURL     string
	client      *http.Client
	session     *Session
	logger      *zap.SugaredLogger
	forwardRain bool

	mu           sync.Mutex
	link         controllerLink
	rainForecast *bool // latest backend forecast
	lastRainSent *bool // reset whenever the link comes up

	modelBreaker   *gobreaker.CircuitBreaker
	weatherBreaker *gobreaker.CircuitBreaker
	statusBreaker  *gobreaker.CircuitBreaker
}

func NewSnapshotPoller(baseURL string, session *Session, forwardRain bool, logger *zap.SugaredLogger) *SnapshotPoller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	return &SnapshotPoller{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:         &http.Client{Timeout: snapshotTimeout},
		session:        session,
		logger:         logger.Named("snapshots"),
		forwardRain:    forwardRain,
		modelBreaker:   newBreaker("model-report"),
		weatherBreaker: newBreaker("weather"),
		statusBreaker:  newBreaker("system-status"),
	}
}

// controllerLink is the part of ConnectionManager the poller needs to
// forward the rain forecast.
type controllerLink interface {
	IsConnected() bool
	OnStateChange(fn func(ConnectionState)) (unsubscribe func())
}

// Attach lets the poller forward forecasts over link. Forecasts are only
// forwarded while the link is up, and the latest one is re-sent every time
// it comes up again.
func (p *SnapshotPoller) Attach(link controllerLink) (detach func()) {
	p.mu.Lock()
	p.link = link
	p.mu.Unlock()

	unsubscribe := link.OnStateChange(p.onLinkState)
	return func() {
		unsubscribe()
		p.mu.Lock()
		p.link = nil
		p.mu.Unlock()
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: breakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailures
		},
	})
}

// Run refreshes immediately and then on every interval until ctx is done.
func (p *SnapshotPoller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Snapshot polling stopped")
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh fetches all three reports once.
func (p *SnapshotPoller) Refresh(ctx context.Context) {
	p.session.SetModelReport(p.ModelReport(ctx))

	weather := p.Weather(ctx)
	p.session.SetWeather(weather)
	p.maybeForwardRain(weather.RainExpected)

	p.session.SetSystemStatus(p.SystemStatus(ctx))
}

func (p *SnapshotPoller) ModelReport(ctx context.Context) ModelReport {
	var report ModelReport
	if err := p.fetch(ctx, p.modelBreaker, "/model-report", &report); err != nil {
		p.logger.Debugw("Using fallback model report", "error", err)
		return fallbackModelReport()
	}
	report.BestModel = bestModelARIMAX
	return report
}

func (p *SnapshotPoller) Weather(ctx context.Context) WeatherReport {
	var weather WeatherReport
	if err := p.fetch(ctx, p.weatherBreaker, "/weather", &weather); err != nil {
		p.logger.Debugw("Using fallback weather", "error", err)
		return fallbackWeather(time.Now())
	}
	return weather
}

func (p *SnapshotPoller) SystemStatus(ctx context.Context) SystemStatus {
	var status SystemStatus
	if err := p.fetch(ctx, p.statusBreaker, "/system-status", &status); err != nil {
		p.logger.Debugw("Using fallback system status", "error", err)
		return fallbackSystemStatus()
	}
	return status
}

// maybeForwardRain sends the forecast to the controller when it changed
// since the last send on the current link.
func (p *SnapshotPoller) maybeForwardRain(expected bool) {
	p.mu.Lock()
	p.rainForecast = &expected
	if !p.forwardRain || p.link == nil || !p.link.IsConnected() {
		p.mu.Unlock()
		return
	}
	if p.lastRainSent != nil && *p.lastRainSent == expected {
		p.mu.Unlock()
		return
	}
	p.lastRainSent = &expected
	p.mu.Unlock()

	p.session.CommandRainForecast(expected)
}

func (p *SnapshotPoller) onLinkState(state ConnectionState) {
	if state != StateConnected {
		return
	}

	p.mu.Lock()
	p.lastRainSent = nil
	forecast := p.rainForecast
	if !p.forwardRain || forecast == nil {
		p.mu.Unlock()
		return
	}
	p.lastRainSent = forecast
	p.mu.Unlock()

	p.logger.Debugw("Re-sending rain forecast after connect", "rain_expected", *forecast)
	p.session.CommandRainForecast(*forecast)
}

func (p *SnapshotPoller) fetch(ctx context.Context, breaker *gobreaker.CircuitBreaker, path string, out any) error {
	_, err := breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("GET %s: failed to decode response: %w", path, err)
		}
		return nil, nil
	})
	if err != nil {
		snapshotFailures.WithLabelValues(strings.TrimPrefix(path, "/")).Inc()
	}
	return err
}
