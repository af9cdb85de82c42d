package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/dedup"
	"github.com/alexnthnz/push-delivery/internal/monitoring"
	"github.com/alexnthnz/push-delivery/internal/notification"
)

// NotificationService is the part of notification.Service the API exposes
type NotificationService interface {
	RegisterDevice(ctx context.Context, d notification.Device) (bool, error)
	Heartbeat(ctx context.Context, deviceID string) error
	Enqueue(ctx context.Context, req notification.EnqueueRequest) (*notification.PendingNotification, error)
	GetNotification(ctx context.Context, id string) (*notification.PendingNotification, error)
	Stats(ctx context.Context) (*notification.Stats, error)
}

// Handler holds dependencies for REST API handlers
type Handler struct {
	service   NotificationService
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	validator *validator.Validate
}

// NewHandler creates a new REST API handler
func NewHandler(service NotificationService, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		service:   service,
		metrics:   metrics,
		logger:    logger,
		validator: validator.New(),
	}
}

// RegisterDeviceRequest represents the request body for device registration
type RegisterDeviceRequest struct {
	DeviceID     string                          `json:"device_id" validate:"required,max=255"`
	WebPush      *notification.WebPushCredential `json:"web_push,omitempty"`
	FCMToken     string                          `json:"fcm_token,omitempty"`
	IsActive     *bool                           `json:"is_active,omitempty"`
	IsMobile     bool                            `json:"is_mobile"`
	IsIOS        bool                            `json:"is_ios"`
	PlatformName string                          `json:"platform,omitempty"`
	UserAgent    string                          `json:"user_agent,omitempty"`
	Language     string                          `json:"language,omitempty"`
	Timezone     string                          `json:"timezone,omitempty"`
}

func (r RegisterDeviceRequest) device(now time.Time) notification.Device {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return notification.Device{
		DeviceID:     r.DeviceID,
		WebPush:      r.WebPush,
		FCMToken:     r.FCMToken,
		IsActive:     active,
		LastSeen:     &now,
		Platform:     notification.PlatformHints{IsMobile: r.IsMobile, IsIOS: r.IsIOS},
		PlatformName: r.PlatformName,
		UserAgent:    r.UserAgent,
		Language:     r.Language,
		Timezone:     r.Timezone,
	}
}

// RegisterDeviceResponse represents the response for device registration
type RegisterDeviceResponse struct {
	DeviceID string `json:"device_id"`
	Created  bool   `json:"created"`
}

// EnqueueResponse represents the response for an enqueued notification
type EnqueueResponse struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Message string `json:"message"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// RegisterDevice handles POST /devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	defer h.track("register_device")()

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.writeErrorResponse(w, fmt.Sprintf("Validation error: %v", err), http.StatusBadRequest)
		return
	}

	created, err := h.service.RegisterDevice(r.Context(), req.device(time.Now().UTC()))
	if err != nil {
		if errors.Is(err, notification.ErrInvalidCredential) {
			h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to register device", zap.Error(err), zap.String("device_id", req.DeviceID))
		h.writeErrorResponse(w, "Failed to register device", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, RegisterDeviceResponse{DeviceID: req.DeviceID, Created: created})
}

// Heartbeat handles PUT /devices/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	defer h.track("heartbeat")()

	id := mux.Vars(r)["id"]
	if err := h.service.Heartbeat(r.Context(), id); err != nil {
		if errors.Is(err, notification.ErrDeviceNotFound) {
			h.writeErrorResponse(w, "Device not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to record heartbeat", zap.Error(err), zap.String("device_id", id))
		h.writeErrorResponse(w, "Failed to record heartbeat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateNotification handles POST /notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	defer h.track("create_notification")()

	var req notification.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		h.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Error("Request validation failed", zap.Error(err))
		h.writeErrorResponse(w, fmt.Sprintf("Validation error: %v", err), http.StatusBadRequest)
		return
	}

	n, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		if errors.Is(err, dedup.ErrDuplicate) {
			h.recordEnqueue("duplicate")
			h.writeErrorResponse(w, "Duplicate notification suppressed", http.StatusConflict)
			return
		}
		h.recordEnqueue("error")
		h.logger.Error("Failed to enqueue notification", zap.Error(err))
		h.writeErrorResponse(w, "Failed to create notification", http.StatusInternalServerError)
		return
	}

	h.recordEnqueue("accepted")
	h.writeJSON(w, http.StatusCreated, EnqueueResponse{
		ID:      n.ID,
		State:   string(n.State),
		Message: "Notification queued",
	})
}

// GetNotification handles GET /notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	defer h.track("get_notification")()

	id := mux.Vars(r)["id"]
	if id == "" {
		h.writeErrorResponse(w, "Notification ID is required", http.StatusBadRequest)
		return
	}

	n, err := h.service.GetNotification(r.Context(), id)
	if err != nil {
		if errors.Is(err, notification.ErrNotificationNotFound) {
			h.writeErrorResponse(w, "Notification not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to get notification", zap.Error(err), zap.String("id", id))
		h.writeErrorResponse(w, "Failed to retrieve notification", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, n)
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	defer h.track("stats")()

	st, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to get stats", zap.Error(err))
		h.writeErrorResponse(w, "Failed to retrieve stats", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "push-api",
	})
}

// Metrics handles GET /metrics (Prometheus metrics)
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.Handler().ServeHTTP(w, r)
}

// track records request duration and in-flight count; call the returned func when done.
func (h *Handler) track(operation string) func() {
	if h.metrics == nil {
		return func() {}
	}
	start := time.Now()
	h.metrics.IncrementActiveConnections()
	return func() {
		h.metrics.DecrementActiveConnections()
		h.metrics.RecordProcessingDuration(operation, time.Since(start).Seconds())
	}
}

func (h *Handler) recordEnqueue(result string) {
	if h.metrics != nil {
		h.metrics.RecordEnqueue(result)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h *Handler) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	h.writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// SetupRoutes sets up all REST API routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/devices", h.RegisterDevice).Methods("POST")
	api.HandleFunc("/devices/{id}/heartbeat", h.Heartbeat).Methods("PUT")
	api.HandleFunc("/notifications", h.CreateNotification).Methods("POST")
	api.HandleFunc("/notifications/{id}", h.GetNotification).Methods("GET")
	api.HandleFunc("/stats", h.Stats).Methods("GET")

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	if h.metrics != nil {
		router.HandleFunc("/metrics", h.Metrics).Methods("GET")
	}

	router.Use(h.loggingMiddleware)
	router.Use(h.corsMiddleware)

	return router
}

// loggingMiddleware logs HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		h.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// corsMiddleware adds CORS headers
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
