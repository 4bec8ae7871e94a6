package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"socket-sentinel/internal/device"
	"socket-sentinel/internal/metrics"
	"socket-sentinel/internal/models"
	"socket-sentinel/internal/scheduler"
)

const (
	maxBodySize         = 64 << 10
	defaultHistoryLimit = 50
)

// Controller device side of the API
type Controller interface {
	Config() models.Config
	Stats() device.Stats
	SetRelay(ctx context.Context, socketID int, on bool) (models.Ack, error)
	SetIsolation(ctx context.Context, on bool, secret string) (models.Ack, error)
	ResetCommunication(ctx context.Context, secret string) (models.Ack, error)
	UpdateConfig(ctx context.Context, patch models.ConfigPatch, secret string) (models.Config, error)
}

// Pipeline produced state
type Pipeline interface {
	Latest() (scheduler.Update, bool)
	Predictions() []models.Prediction
	Alerts() []models.Alert
	ClearAlert(id string) bool
	ClearAlerts()
}

// Store persisted alert log and health
type Store interface {
	RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error)
	Ping(ctx context.Context) error
	Stats() map[string]any
}

// Streamer websocket endpoint
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, initial any)
	Clients() int
}

// Handler operator API
type Handler struct {
	device   Controller
	pipeline Pipeline
	store    Store
	stream   Streamer
	limiter  *IPRateLimiter
	logger   *zap.Logger
}

// NewHandler creates the API handler. stream and limiter may be nil.
func NewHandler(ctrl Controller, pipeline Pipeline, store Store, stream Streamer, limiter *IPRateLimiter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		device:   ctrl,
		pipeline: pipeline,
		store:    store,
		stream:   stream,
		limiter:  limiter,
		logger:   logger.Named("api"),
	}
}

// Router wires every endpoint
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	if h.limiter != nil {
		api.Use(h.limiter.Middleware)
	}
	api.HandleFunc("/state", h.instrument("/api/state", h.GetState)).Methods(http.MethodGet)
	api.HandleFunc("/predictions", h.instrument("/api/predictions", h.GetPredictions)).Methods(http.MethodGet)
	api.HandleFunc("/alerts", h.instrument("/api/alerts", h.GetAlerts)).Methods(http.MethodGet)
	api.HandleFunc("/alerts/history", h.instrument("/api/alerts/history", h.GetAlertHistory)).Methods(http.MethodGet)
	api.HandleFunc("/alerts", h.instrument("/api/alerts", h.ClearAlerts)).Methods(http.MethodDelete)
	api.HandleFunc("/alerts/{id}", h.instrument("/api/alerts/{id}", h.ClearAlert)).Methods(http.MethodDelete)

	control := api.NewRoute().Subrouter()
	control.Use(h.requireAllowedSource)
	control.HandleFunc("/relay", h.instrument("/api/relay", h.SetRelay)).Methods(http.MethodPost)
	control.HandleFunc("/isolation", h.instrument("/api/isolation", h.SetIsolation)).Methods(http.MethodPost)
	control.HandleFunc("/reset", h.instrument("/api/reset", h.ResetCommunication)).Methods(http.MethodPost)
	control.HandleFunc("/config", h.instrument("/api/config", h.UpdateConfig)).Methods(http.MethodPost)

	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.instrument("/stats", h.GetStats)).Methods(http.MethodGet)
	if h.stream != nil {
		r.HandleFunc("/ws", h.Stream).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		metrics.RequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

// requireAllowedSource enforces the configured allowed IP list on control endpoints
func (h *Handler) requireAllowedSource(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !h.device.Config().SourceAllowed(ip) {
			h.logger.Warn("Control request from disallowed source", zap.String("ip", ip), zap.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, "source not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps device errors onto HTTP codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrInvalidSecret):
		return http.StatusUnauthorized
	case errors.Is(err, device.ErrUnknownSocket):
		return http.StatusNotFound
	case errors.Is(err, device.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrUnreachable), errors.Is(err, device.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// stateResponse GET /api/state
type stateResponse struct {
	Cycle         uint64                   `json:"cycle"`
	LastUpdated   time.Time                `json:"lastUpdated"`
	SystemStatus  models.SystemStatus      `json:"systemStatus"`
	Sockets       []models.SocketState     `json:"sockets"`
	PowerHistory  []models.TelemetrySample `json:"powerHistory"`
	Alerts        []models.Alert           `json:"alerts"`
	DeviceAlerts  []models.Alert           `json:"deviceAlerts"`
	Config        models.Config            `json:"config"`
	UsingFallback bool                     `json:"usingFallback"`
}

// GetState GET /api/state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	update, ok := h.pipeline.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no data collected yet")
		return
	}
	snap := update.Snapshot
	writeJSON(w, http.StatusOK, stateResponse{
		Cycle:         update.Cycle,
		LastUpdated:   update.Timestamp,
		SystemStatus:  snap.SystemStatus,
		Sockets:       snap.Sockets,
		PowerHistory:  snap.PowerHistory,
		Alerts:        h.pipeline.Alerts(),
		DeviceAlerts:  snap.Alerts,
		Config:        h.device.Config().Redacted(),
		UsingFallback: update.UsingFallback,
	})
}

// GetPredictions GET /api/predictions
func (h *Handler) GetPredictions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": h.pipeline.Predictions(),
	})
}

// GetAlerts GET /api/alerts
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.pipeline.Alerts()
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlertHistory GET /api/alerts/history?limit=N
func (h *Handler) GetAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	alerts, err := h.store.RecentAlerts(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to read alert history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve alert history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ClearAlert DELETE /api/alerts/{id}
func (h *Handler) ClearAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.pipeline.ClearAlert(id) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "id": id})
}

// ClearAlerts DELETE /api/alerts
func (h *Handler) ClearAlerts(w http.ResponseWriter, r *http.Request) {
	h.pipeline.ClearAlerts()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type relayRequest struct {
	SocketID int   `json:"socketId"`
	Status   *bool `json:"status"`
}

// SetRelay POST /api/relay
func (h *Handler) SetRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == nil {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	ack, err := h.device.SetRelay(r.Context(), req.SocketID, *req.Status)
	h.respondAck(w, ack, err)
}

type isolationRequest struct {
	Status   *bool  `json:"status"`
	Password string `json:"password"`
}

// SetIsolation POST /api/isolation
func (h *Handler) SetIsolation(w http.ResponseWriter, r *http.Request) {
	var req isolationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == nil {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	ack, err := h.device.SetIsolation(r.Context(), *req.Status, req.Password)
	h.respondAck(w, ack, err)
}

type resetRequest struct {
	Password string `json:"password"`
}

// configRequest is a config patch plus the current secret, required when the patch changes
// adminPassword or allowedIPs
type configRequest struct {
	models.ConfigPatch
	Password string `json:"password"`
}

// ResetCommunication POST /api/reset
func (h *Handler) ResetCommunication(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ack, err := h.device.ResetCommunication(r.Context(), req.Password)
	h.respondAck(w, ack, err)
}

// UpdateConfig POST /api/config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := h.device.UpdateConfig(r.Context(), req.ConfigPatch, req.Password)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "updated",
		"config": cfg.Redacted(),
	})
}

func (h *Handler) respondAck(w http.ResponseWriter, ack models.Ack, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// HealthCheck GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	storeOK := h.store.Ping(ctx) == nil

	status := "healthy"
	httpStatus := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"store":     storeOK,
		"mode":      h.device.Stats().Mode,
		"timestamp": time.Now().UTC(),
	})
}

// GetStats GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"device":    h.device.Stats(),
		"store":     h.store.Stats(),
		"timestamp": time.Now().UTC(),
	}
	if update, ok := h.pipeline.Latest(); ok {
		stats["cycle"] = update.Cycle
		stats["lastUpdated"] = update.Timestamp
	}
	if h.stream != nil {
		stats["streamClients"] = h.stream.Clients()
	}
	if h.limiter != nil {
		stats["rateLimitedClients"] = h.limiter.Visitors()
	}
	writeJSON(w, http.StatusOK, stats)
}

// Stream GET /ws; the first message carries the latest state
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var initial any
	if update, ok := h.pipeline.Latest(); ok {
		initial = update
	}
	h.stream.ServeWS(w, r, initial)
}
