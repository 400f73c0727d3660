package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type pumpRequest struct {
	State string `json:"state"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type rainForecastRequest struct {
	RainExpected *bool `json:"rain_expected"`
}

type commandResponse struct {
	Dispatched bool `json:"dispatched"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// newRouter wires the health, metrics and dashboard API routes. Every
// request carries the session in its context.
func newRouter(registry *prometheus.Registry, session *Session, logger *zap.SugaredLogger) *mux.Router {
	h := &apiHandlers{logger: logger.Named("api")}

	router := mux.NewRouter()
	router.Use(sessionMiddleware(session))

	router.Handle("/metrics", createMetricsHandler(registry))
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", h.getState).Methods(http.MethodGet)
	api.HandleFunc("/history", h.getHistory).Methods(http.MethodGet)
	api.HandleFunc("/pump", h.postPump).Methods(http.MethodPost)
	api.HandleFunc("/mode", h.postMode).Methods(http.MethodPost)
	api.HandleFunc("/rain-forecast", h.postRainForecast).Methods(http.MethodPost)

	return router
}

func sessionMiddleware(session *Session) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), session)))
		})
	}
}

type apiHandlers struct {
	logger *zap.SugaredLogger
}

func (h *apiHandlers) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		h.logger.Warnw("Failed to write health check response", "error", err)
	}
}

func (h *apiHandlers) getState(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, SessionFromContext(r.Context()).Snapshot())
}

func (h *apiHandlers) getHistory(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, SessionFromContext(r.Context()).History())
}

func (h *apiHandlers) postPump(w http.ResponseWriter, r *http.Request) {
	var req pumpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	state, err := ParsePumpState(req.State)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	dispatched := SessionFromContext(r.Context()).CommandPump(state)
	h.sendJSON(w, http.StatusOK, commandResponse{Dispatched: dispatched})
}

func (h *apiHandlers) postMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mode, err := ParseOperationMode(req.Mode)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	SessionFromContext(r.Context()).CommandMode(mode)
	h.sendJSON(w, http.StatusOK, commandResponse{Dispatched: true})
}

func (h *apiHandlers) postRainForecast(w http.ResponseWriter, r *http.Request) {
	var req rainForecastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RainExpected == nil {
		h.sendError(w, http.StatusBadRequest, "rain_expected is required")
		return
	}

	SessionFromContext(r.Context()).CommandRainForecast(*req.RainExpected)
	h.sendJSON(w, http.StatusOK, commandResponse{Dispatched: true})
}

func (h *apiHandlers) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warnw("Failed to write JSON response", "error", err)
	}
}

func (h *apiHandlers) sendError(w http.ResponseWriter, status int, msg string) {
	h.sendJSON(w, status, errorResponse{Error: msg})
}
