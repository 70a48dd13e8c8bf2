// Package api provides the HTTP handlers for deploy operations and static previews.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/artpar/sitedeploy/internal/core/domain"
	"github.com/artpar/sitedeploy/internal/shell/deploy"
	"github.com/artpar/sitedeploy/internal/shell/docker"
	"github.com/artpar/sitedeploy/internal/shell/ledger"
	"github.com/artpar/sitedeploy/internal/shell/portpool"
	"github.com/artpar/sitedeploy/internal/shell/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// =============================================================================
// Collaborators
// =============================================================================

// DeployService is the deploy surface the handlers drive.
type DeployService interface {
	Deploy(ctx context.Context, appID, userID int64) (string, error)
	Stop(ctx context.Context, appID, userID int64) error
	Rollback(ctx context.Context, appID int64, version int) (string, error)
	ListVersions(ctx context.Context, appID int64) ([]domain.DeployVersion, error)
	Health(ctx context.Context) deploy.Health
}

// CaptureGate decides whether a preview hit should trigger a capture.
type CaptureGate interface {
	ShouldTrigger(ctx context.Context, appID int64) bool
}

// CaptureQueue accepts capture jobs without blocking.
type CaptureQueue interface {
	Enqueue(appID int64, siteURL string) bool
}

// Config holds the handler configuration.
type Config struct {
	Service DeployService
	Logger  *slog.Logger

	// Static preview; disabled when OutputRoot is empty.
	OutputRoot     string
	PreviewBaseURL string
	Gate           CaptureGate
	Captures       CaptureQueue

	// Sites published by the local fallback; not served when empty.
	PublishRoot string
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	svc         DeployService
	preview     *previewHandler
	publishRoot string
	logger      *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	h := &Handler{svc: cfg.Service, publishRoot: cfg.PublishRoot, logger: logger}
	if cfg.OutputRoot != "" {
		h.preview = newPreviewHandler(cfg.OutputRoot, cfg.PreviewBaseURL, cfg.Gate, cfg.Captures, logger)
	}
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.jsonContentType)

		r.Get("/health", h.handleHealth)

		r.Route("/deploy", func(r chi.Router) {
			r.Post("/", h.handleDeploy)
			r.Post("/stop", h.handleStop)
			r.Post("/rollback", h.handleRollback)
			r.Get("/versions", h.handleListVersions)
		})
	})

	if h.preview != nil {
		r.Get("/static/{deployKey}", h.preview.redirectToSlash)
		r.Get("/static/{deployKey}/*", h.preview.ServeHTTP)
	}

	if h.publishRoot != "" {
		r.Handle("/deploy/*", http.StripPrefix("/deploy/", http.FileServer(http.Dir(h.publishRoot))))
	}

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health(r.Context())
	status := http.StatusOK
	if !health.EngineAvailable && !health.LocalFallback {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, Response{Code: codeFor(status), Data: health, Message: "ok"})
}

// =============================================================================
// Deploy Handlers
// =============================================================================

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	url, err := h.svc.Deploy(r.Context(), req.AppID, req.UserID)
	if err != nil {
		h.writeServiceError(w, "deploy", req.AppID, err)
		return
	}

	h.writeOK(w, DeployResponse{AppID: req.AppID, URL: url})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := h.svc.Stop(r.Context(), req.AppID, req.UserID); err != nil {
		h.writeServiceError(w, "stop", req.AppID, err)
		return
	}

	h.writeOK(w, true)
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	appID, ok := h.queryAppID(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(r.URL.Query().Get("version"))
	if err != nil || version < 1 {
		h.writeError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}

	url, err := h.svc.Rollback(r.Context(), appID, version)
	if err != nil {
		h.writeServiceError(w, "rollback", appID, err)
		return
	}

	h.writeOK(w, DeployResponse{AppID: appID, URL: url})
}

func (h *Handler) handleListVersions(w http.ResponseWriter, r *http.Request) {
	appID, ok := h.queryAppID(w, r)
	if !ok {
		return
	}

	versions, err := h.svc.ListVersions(r.Context(), appID)
	if err != nil {
		h.writeServiceError(w, "list versions", appID, err)
		return
	}
	if versions == nil {
		versions = []domain.DeployVersion{}
	}

	h.writeOK(w, VersionsResponse{AppID: appID, Versions: versions})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) queryAppID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	appID, err := strconv.ParseInt(r.URL.Query().Get("appId"), 10, 64)
	if err != nil || appID <= 0 {
		h.writeError(w, http.StatusBadRequest, "appId must be a positive integer")
		return 0, false
	}
	return appID, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeOK(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, Response{Code: 0, Data: data, Message: "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, Response{Code: codeFor(status), Message: message})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, appID int64, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", "app_id", appID, "error", err)
	} else {
		h.logger.Info(op+" rejected", "app_id", appID, "error", err)
	}
	h.writeError(w, status, err.Error())
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAppID):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrVersionNotFound),
		errors.Is(err, docker.ErrSourceNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, portpool.ErrPoolExhausted),
		errors.Is(err, ledger.ErrVersionConflict),
		errors.Is(err, ledger.ErrVersionNotRollbackable):
		return http.StatusConflict
	case errors.Is(err, deploy.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case deploy.IsClientError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(status int) int {
	if status < http.StatusBadRequest {
		return 0
	}
	return status
}
