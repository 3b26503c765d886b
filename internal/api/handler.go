// Package api is the gateway's HTTP surface: the OpenAI-compatible
// /v1 endpoints for callers, health and metrics for operators, and the
// admin endpoints for managing providers, callers, and integrations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/modelrelay/internal/access"
	"github.com/modelrelay/modelrelay/internal/catalog"
	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/repository"
	"github.com/modelrelay/modelrelay/internal/telemetry"
)

// Completer serves one chat completion end to end, writing the response
// (buffered or streamed) to w. Resolution failures surface as errors
// before anything is written.
type Completer interface {
	Complete(ctx context.Context, w http.ResponseWriter, caller *domain.Caller, payload domain.Payload) error
}

// ModelSource is the catalog view the handler reads.
type ModelSource interface {
	Models(ctx context.Context, caller *domain.Caller) *catalog.Snapshot
}

type HandlerConfig struct {
	Callers     repository.CallerRepository
	RateLimiter ratelimit.RateLimiter
	Gateway     Completer
	Catalog     ModelSource
	Registry    *registry.Registry
	Prober      catalog.Lister
	Access      *access.Checker
	Breakers    *circuitbreaker.Manager

	HealthCheckers     []HealthChecker
	HealthCheckTimeout time.Duration
}

type Handler struct {
	callers     repository.CallerRepository
	rateLimiter ratelimit.RateLimiter
	gateway     Completer
	catalog     ModelSource
	registry    *registry.Registry
	prober      catalog.Lister
	access      *access.Checker
	breakers    *circuitbreaker.Manager
	mux         *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.HealthCheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		callers:     cfg.Callers,
		rateLimiter: cfg.RateLimiter,
		gateway:     cfg.Gateway,
		catalog:     cfg.Catalog,
		registry:    cfg.Registry,
		prober:      cfg.Prober,
		access:      cfg.Access,
		breakers:    cfg.Breakers,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/models/{index}", h.handleProviderModels)
	h.mux.HandleFunc("POST /v1/verify", h.handleVerify)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health/ready", handleHealthReadyWithCheckers(cfg.HealthCheckers, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	caller, ok := h.authenticate(w, r, requestID)
	if !ok {
		return
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, caller.ID, caller.RateLimitRPM)
	if err != nil {
		slog.Error("rate limiter error", "error", err, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(caller.RateLimitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		slog.Warn("rate limit exceeded", "caller_id", caller.ID, "request_id", requestID)
		metrics.RecordRateLimitHit(caller.ID)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var payload domain.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Model() == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "chat.completion")
	defer span.End()
	telemetry.AddRequestAttributes(span, caller.ID, payload.Model(), requestID)
	telemetry.AddStreamAttribute(span, payload.Stream())

	if err := h.gateway.Complete(ctx, w, caller, payload); err != nil {
		telemetry.AddErrorAttribute(span, err)
		slog.Error("completion failed",
			"request_id", requestID,
			"caller_id", caller.ID,
			"model", payload.Model(),
			"error", err,
		)
		writeCompletionError(w, err)
		return
	}

	slog.Info("request completed",
		"request_id", requestID,
		"caller_id", caller.ID,
		"model", payload.Model(),
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

// handleListModels serves the aggregated catalog, filtered down to the
// models the caller is allowed to read.
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, ok := h.authenticate(w, r, "")
	if !ok {
		return
	}

	snap := h.catalog.Models(ctx, caller)

	visible := make([]domain.CatalogModel, 0, len(snap.Models))
	for _, m := range snap.Models {
		if h.access.ReadableModel(ctx, caller, m.ID) {
			visible = append(visible, m)
		}
	}

	writeJSON(w, http.StatusOK, domain.ModelsResponse{Object: "list", Data: visible})
}

// handleProviderModels bypasses the aggregate and fetches one provider's
// live catalog by its index.
func (h *Handler) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, ok := h.authenticate(w, r, "")
	if !ok {
		return
	}

	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider index")
		return
	}

	entry, err := h.registry.Get(index)
	if err != nil {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}

	models, err := h.prober.ListModels(ctx, entry.BaseURL, entry.APIKey, caller)
	if err != nil {
		writeCompletionError(w, err)
		return
	}

	if strings.Contains(entry.BaseURL, "api.openai.com") {
		catalog.FilterNonChat(models)
	}

	writeJSON(w, http.StatusOK, models)
}

type verifyRequest struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// handleVerify probes an arbitrary base URL / key pair with a single
// catalog request and returns the upstream payload untouched.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, ok := h.authenticate(w, r, "")
	if !ok {
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	models, err := h.prober.ListModels(ctx, req.URL, req.Key, caller)
	if err != nil {
		var upErr *domain.UpstreamError
		if errors.As(err, &upErr) {
			writeError(w, http.StatusBadRequest, upErr.Message)
			return
		}
		writeError(w, http.StatusBadRequest, "connection to "+req.URL+" failed")
		return
	}

	writeJSON(w, http.StatusOK, models)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]string)
	for _, entry := range h.registry.List() {
		state := "enabled"
		if !entry.Enabled {
			state = "disabled"
		}
		providers[strconv.Itoa(entry.Index)] = state
	}

	resp := map[string]interface{}{
		"status":    "healthy",
		"providers": providers,
	}
	if h.breakers != nil {
		states := make(map[string]string)
		for idx, state := range h.breakers.States() {
			states[strconv.Itoa(idx)] = state
		}
		resp["circuit_breakers"] = states
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate resolves the bearer API key to a caller and writes the
// 401 itself when that fails.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, requestID string) (*domain.Caller, bool) {
	apiKey := extractAPIKey(r)
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "missing API key")
		return nil, false
	}

	caller, err := h.callers.GetByAPIKey(r.Context(), apiKey)
	if err != nil {
		slog.Warn("invalid API key", "error", err, "request_id", requestID)
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return nil, false
	}
	return caller, true
}

// writeCompletionError maps gateway errors onto the OpenAI error
// envelope. Upstream failures keep the provider's own status and
// message where one was extracted.
func writeCompletionError(w http.ResponseWriter, err error) {
	var upErr *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrModelNotFound):
		writeError(w, http.StatusNotFound, "model not found")
	case errors.Is(err, domain.ErrModelAccessDenied):
		writeError(w, http.StatusForbidden, "model access denied")
	case errors.Is(err, domain.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider not found")
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		writeError(w, http.StatusServiceUnavailable, "provider temporarily unavailable")
	case errors.As(err, &upErr):
		status := upErr.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		message := upErr.Message
		if message == "" {
			message = "upstream error"
		}
		writeError(w, status, message)
	default:
		writeError(w, http.StatusBadGateway, "connection to provider failed")
	}
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
